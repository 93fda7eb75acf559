package gate

import (
	"errors"
	"testing"

	"github.com/haasonsaas/autonomy-core/pkg/autonomy"
)

func task(action string) *autonomy.Task {
	return &autonomy.Task{ID: "t1", Action: action}
}

func TestApproveDisabledAlwaysDenies(t *testing.T) {
	g := New(autonomy.LevelDisabled)
	g.SetApprover(func(t *autonomy.Task) (bool, error) { return true, nil })

	ok, err := g.Approve(task("anything"))
	if err != nil || ok {
		t.Errorf("Approve() = %v, %v, want false, nil", ok, err)
	}
}

func TestApproveFullApprovesByDefault(t *testing.T) {
	g := New(autonomy.LevelFull)
	ok, err := g.Approve(task("anything"))
	if err != nil || !ok {
		t.Errorf("Approve() = %v, %v, want true, nil", ok, err)
	}
}

func TestApproveFullApprovesHighRiskUnconditionally(t *testing.T) {
	g := New(autonomy.LevelFull)
	g.SetHighRiskActions([]string{"delete_*"})
	g.SetApprover(func(t *autonomy.Task) (bool, error) { return false, nil })

	ok, err := g.Approve(task("delete_everything"))
	if err != nil || !ok {
		t.Errorf("Approve(high-risk under FULL) = %v, %v, want true, nil", ok, err)
	}

	ok, err = g.Approve(task("read_file"))
	if err != nil || !ok {
		t.Errorf("Approve(non-high-risk) = %v, %v, want true, nil", ok, err)
	}
}

func TestApproveSupervisedHighRiskActionRequiresApproval(t *testing.T) {
	g := New(autonomy.LevelSupervised)
	g.SetHighRiskActions([]string{"delete_*"})
	g.SetApprover(func(t *autonomy.Task) (bool, error) { return false, nil })

	notNew := task("delete_everything")
	notNew.Metadata = map[string]any{"is_new": false}

	ok, err := g.Approve(notNew)
	if err != nil || ok {
		t.Errorf("Approve(high-risk, not new) = %v, %v, want false, nil", ok, err)
	}
}

func TestApproveSupervisedSkipsApprovalWhenNoConditionHolds(t *testing.T) {
	g := New(autonomy.LevelSupervised)
	g.SetApprover(func(t *autonomy.Task) (bool, error) { return false, nil })

	known := task("read_file")
	known.Metadata = map[string]any{"is_new": false}

	ok, err := g.Approve(known)
	if err != nil || !ok {
		t.Errorf("Approve(known, non-high-risk) = %v, %v, want true, nil (approver should not be consulted)", ok, err)
	}
}

func TestApproveSupervisedModifiedTaskRequiresApproval(t *testing.T) {
	g := New(autonomy.LevelSupervised)
	g.SetApprover(func(t *autonomy.Task) (bool, error) { return true, nil })

	modified := task("edit_config")
	modified.Metadata = map[string]any{"is_new": false, "is_modified": true}

	ok, err := g.Approve(modified)
	if err != nil || !ok {
		t.Errorf("Approve(modified) = %v, %v, want true, nil", ok, err)
	}
}

func TestApproveSupervisedRequireApprovalFlagsDisableConditions(t *testing.T) {
	g := New(autonomy.LevelSupervised)
	g.SetRequireApproval(autonomy.RequireApproval{})
	g.SetHighRiskActions([]string{"delete_*"})
	g.SetApprover(func(t *autonomy.Task) (bool, error) { return false, nil })

	ok, err := g.Approve(task("delete_everything"))
	if err != nil || !ok {
		t.Errorf("Approve(high-risk, all require_approval flags off) = %v, %v, want true, nil", ok, err)
	}
}

func TestApproveSupervisedNoApproverDefaultsApproved(t *testing.T) {
	g := New(autonomy.LevelSupervised)
	ok, err := g.Approve(task("x"))
	if err != nil || !ok {
		t.Errorf("Approve() = %v, %v, want true, nil", ok, err)
	}
}

func TestApproveSupervisedUsesApprover(t *testing.T) {
	g := New(autonomy.LevelSupervised)
	g.SetApprover(func(t *autonomy.Task) (bool, error) { return false, nil })

	ok, err := g.Approve(task("x"))
	if err != nil || ok {
		t.Errorf("Approve() = %v, %v, want false, nil", ok, err)
	}
}

func TestApproveAssistedNoApproverDefaultsDenied(t *testing.T) {
	g := New(autonomy.LevelAssisted)
	ok, err := g.Approve(task("x"))
	if err != nil || ok {
		t.Errorf("Approve() = %v, %v, want false, nil", ok, err)
	}
}

func TestApproveApproverErrorIsDenial(t *testing.T) {
	g := New(autonomy.LevelSupervised)
	g.SetApprover(func(t *autonomy.Task) (bool, error) { return true, errors.New("boom") })

	ok, err := g.Approve(task("x"))
	if err == nil {
		t.Errorf("Approve() err = nil, want error")
	}
	if ok {
		t.Errorf("Approve() ok = true, want false on approver error")
	}
}

func TestCheckSafetyRestrictedAction(t *testing.T) {
	g := New(autonomy.LevelFull)
	g.SetRestrictedActions([]string{"shutdown", "rm_*"})

	if ok, _ := g.CheckSafety(task("shutdown")); ok {
		t.Errorf("CheckSafety(shutdown) = true, want false")
	}
	if ok, _ := g.CheckSafety(task("rm_everything")); ok {
		t.Errorf("CheckSafety(rm_everything) = true, want false")
	}
	if ok, _ := g.CheckSafety(task("send_email")); !ok {
		t.Errorf("CheckSafety(send_email) = false, want true")
	}
}

func TestCheckSafetyChecksRunInOrderAndShortCircuit(t *testing.T) {
	g := New(autonomy.LevelFull)
	var calledSecond bool
	g.AddSafetyCheck(func(t *autonomy.Task) (bool, string) { return false, "first check failed" })
	g.AddSafetyCheck(func(t *autonomy.Task) (bool, string) {
		calledSecond = true
		return true, ""
	})

	ok, reason := g.CheckSafety(task("x"))
	if ok {
		t.Errorf("CheckSafety() = true, want false")
	}
	if reason != "first check failed" {
		t.Errorf("reason = %q, want %q", reason, "first check failed")
	}
	if calledSecond {
		t.Errorf("second check ran after first failed; want short-circuit")
	}
}

func TestMatchesPatternSuffix(t *testing.T) {
	if !matchesPattern([]string{"*_admin"}, "grant_admin") {
		t.Errorf("expected suffix match")
	}
	if matchesPattern([]string{"*_admin"}, "admin_grant") {
		t.Errorf("unexpected suffix match")
	}
}
