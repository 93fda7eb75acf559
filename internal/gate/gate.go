// Package gate implements the policy gate: safety checks and the
// approval dispatch table that decides whether a ready task may execute.
package gate

import (
	"fmt"
	"strings"
	"sync"

	"github.com/haasonsaas/autonomy-core/pkg/autonomy"
)

// SafetyCheck inspects a task before dispatch and may veto it. A non-empty
// reason on a false result is surfaced as the task's failure error.
type SafetyCheck func(t *autonomy.Task) (ok bool, reason string)

// Approver is consulted for tasks that need a human (or external system)
// decision under ASSISTED or SUPERVISED autonomy. Its error is treated as a
// denial, matching the source's fail-closed approval callback.
type Approver func(t *autonomy.Task) (bool, error)

// Gate evaluates whether a task may run: first its safety checks, then the
// approval rule for the configured AutonomyLevel.
type Gate struct {
	mu sync.RWMutex

	level    autonomy.AutonomyLevel
	checks   []SafetyCheck
	approver Approver

	restricted []string // actions denied outright regardless of level
	highRisk   []string // actions that gate SUPERVISED approval, alongside new/modified

	requireApproval autonomy.RequireApproval
}

// New creates a Gate at the given autonomy level. SUPERVISED's three
// approval conditions (new/modified/high-risk) all default to on, matching
// the documented config default; call SetRequireApproval to change that.
func New(level autonomy.AutonomyLevel) *Gate {
	return &Gate{
		level: level,
		requireApproval: autonomy.RequireApproval{
			NewTasks:      true,
			ModifiedTasks: true,
			HighRisk:      true,
		},
	}
}

// SetLevel changes the autonomy level at runtime.
func (g *Gate) SetLevel(level autonomy.AutonomyLevel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.level = level
}

// Level returns the current autonomy level.
func (g *Gate) Level() autonomy.AutonomyLevel {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.level
}

// SetApprover installs the callback used for ASSISTED/SUPERVISED decisions.
func (g *Gate) SetApprover(fn Approver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approver = fn
}

// AddSafetyCheck appends a check to the chain run before every dispatch.
func (g *Gate) AddSafetyCheck(check SafetyCheck) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks = append(g.checks, check)
}

// SetRestrictedActions replaces the set of action name patterns (exact,
// "prefix*", "*suffix", or "*") that are always rejected by CheckSafety.
func (g *Gate) SetRestrictedActions(patterns []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.restricted = append([]string(nil), patterns...)
}

// SetHighRiskActions replaces the set of action name patterns that count as
// high-risk for SUPERVISED's is_high_risk check (a task's metadata may also
// mark itself high-risk directly; see needsApproval).
func (g *Gate) SetHighRiskActions(patterns []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.highRisk = append([]string(nil), patterns...)
}

// SetRequireApproval configures which of SUPERVISED's three conditions
// (new/modified/high-risk tasks) actually trigger an approval consult.
func (g *Gate) SetRequireApproval(r autonomy.RequireApproval) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requireApproval = r
}

// CheckSafety runs the restricted-action list and every registered
// SafetyCheck in order, stopping at the first rejection.
func (g *Gate) CheckSafety(t *autonomy.Task) (bool, string) {
	g.mu.RLock()
	restricted := g.restricted
	checks := g.checks
	g.mu.RUnlock()

	if matchesPattern(restricted, t.Action) {
		return false, fmt.Sprintf("action %q is restricted", t.Action)
	}
	if len(checks) == 0 {
		return true, ""
	}
	for _, check := range checks {
		ok, reason := check(t)
		if !ok {
			return false, reason
		}
	}
	return true, ""
}

// Approve decides whether t may execute, following the level-specific
// dispatch rule:
//
//	DISABLED:   always denied.
//	FULL:       approved unconditionally, including high-risk actions — the
//	            high-risk list only gates ASSISTED/SUPERVISED; under FULL
//	            there is no approver to consult.
//	SUPERVISED: approved by default; requires a consult only when the task
//	            is new, modified, or high-risk (whichever of those the
//	            configured RequireApproval flags turn on). The absence of
//	            an approver is not itself a veto: a task that needs a
//	            consult but has none to ask is approved.
//	ASSISTED:   denied if no approver is set; otherwise the approver decides.
//
// An approver error is treated as a denial.
func (g *Gate) Approve(t *autonomy.Task) (bool, error) {
	g.mu.RLock()
	level := g.level
	approver := g.approver
	highRisk := g.highRisk
	require := g.requireApproval
	g.mu.RUnlock()

	switch level {
	case autonomy.LevelDisabled:
		return false, nil

	case autonomy.LevelFull:
		return true, nil

	case autonomy.LevelSupervised:
		if !needsApproval(t, highRisk, require) {
			return true, nil
		}
		if approver == nil {
			return true, nil
		}
		return consult(approver, t)

	case autonomy.LevelAssisted:
		if approver == nil {
			return false, nil
		}
		return consult(approver, t)

	default:
		return false, nil
	}
}

// needsApproval reports whether t trips any of SUPERVISED's three
// conditions that a RequireApproval flag has turned on: the task is new
// (metadata "is_new", defaulting true since a task is new unless told
// otherwise), the task is a modification of prior work (metadata
// "is_modified", defaulting false), or the task is high-risk (metadata
// "is_high_risk", or its action matches the configured high-risk set).
func needsApproval(t *autonomy.Task, highRisk []string, require autonomy.RequireApproval) bool {
	if require.NewTasks && metaBool(t.Metadata, "is_new", true) {
		return true
	}
	if require.ModifiedTasks && metaBool(t.Metadata, "is_modified", false) {
		return true
	}
	if require.HighRisk && (metaBool(t.Metadata, "is_high_risk", false) || matchesPattern(highRisk, t.Action)) {
		return true
	}
	return false
}

func metaBool(meta map[string]any, key string, def bool) bool {
	v, ok := meta[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func consult(approver Approver, t *autonomy.Task) (bool, error) {
	ok, err := approver(t)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// matchesPattern reports whether name matches any pattern in patterns.
// Supported forms: exact match, "*" (match everything), "prefix*", and
// "*suffix".
func matchesPattern(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if pattern == "*" {
			return true
		}
		if pattern == name {
			return true
		}
		if len(pattern) > 1 && pattern[len(pattern)-1] == '*' {
			if strings.HasPrefix(name, pattern[:len(pattern)-1]) {
				return true
			}
			continue
		}
		if len(pattern) > 1 && pattern[0] == '*' {
			if strings.HasSuffix(name, pattern[1:]) {
				return true
			}
		}
	}
	return false
}
