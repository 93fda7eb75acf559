package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func echo(ctx context.Context, params map[string]any) (any, error) {
	return params["value"], nil
}

func TestRegisterAndGet(t *testing.T) {
	r := New(nil)

	if err := r.Register("echo", "returns value", []Param{{Name: "value"}}, echo); err != nil {
		t.Fatalf("Register: %v", err)
	}

	a, ok := r.Get("echo")
	if !ok {
		t.Fatalf("Get(echo): not found")
	}
	if a.Name != "echo" {
		t.Errorf("Name = %q, want echo", a.Name)
	}
	if !r.Has("echo") {
		t.Errorf("Has(echo) = false, want true")
	}
	if r.Has("missing") {
		t.Errorf("Has(missing) = true, want false")
	}
}

func TestRegisterLastWriterWins(t *testing.T) {
	r := New(nil)

	if err := r.Register("noop", "first", nil, echo); err != nil {
		t.Fatalf("Register #1: %v", err)
	}
	replacement := func(ctx context.Context, params map[string]any) (any, error) {
		return "replaced", nil
	}
	if err := r.Register("noop", "second", nil, replacement); err != nil {
		t.Fatalf("Register #2: %v", err)
	}

	a, ok := r.Get("noop")
	if !ok {
		t.Fatalf("Get(noop): not found")
	}
	if a.Description != "second" {
		t.Errorf("Description = %q, want %q (last writer should win)", a.Description, "second")
	}

	result, err := a.Fn(context.Background(), nil)
	if err != nil {
		t.Fatalf("Fn: %v", err)
	}
	if result != "replaced" {
		t.Errorf("result = %v, want %q", result, "replaced")
	}
}

func TestRegisterRejectsEmptyNameOrNilFunc(t *testing.T) {
	r := New(nil)

	if err := r.Register("", "desc", nil, echo); err == nil {
		t.Errorf("Register with empty name: want error, got nil")
	}
	if err := r.Register("x", "desc", nil, nil); err == nil {
		t.Errorf("Register with nil func: want error, got nil")
	}
}

func TestInvokeUnknownAction(t *testing.T) {
	r := New(nil)

	_, err := r.Invoke(context.Background(), "missing", nil)
	if !errors.Is(err, ErrUnknownAction) {
		t.Errorf("Invoke(missing) err = %v, want ErrUnknownAction", err)
	}
}

func TestInvokeDispatchesParams(t *testing.T) {
	r := New(nil)
	if err := r.Register("echo", "", nil, echo); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, err := r.Invoke(context.Background(), "echo", map[string]any{"value": 42})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result != 42 {
		t.Errorf("result = %v, want 42", result)
	}
}

func TestListAndNamesSorted(t *testing.T) {
	r := New(nil)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(name, "", nil, echo); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	names := r.Names()
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	actions := r.List()
	if len(actions) != 3 {
		t.Fatalf("List() len = %d, want 3", len(actions))
	}
	for i := range want {
		if actions[i].Name != want[i] {
			t.Errorf("List()[%d].Name = %q, want %q", i, actions[i].Name, want[i])
		}
	}
}

func TestUnregister(t *testing.T) {
	r := New(nil)
	if err := r.Register("x", "", nil, echo); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Unregister("x")
	if r.Has("x") {
		t.Errorf("Has(x) after Unregister = true, want false")
	}
	// Unregistering a name that was never registered is a no-op.
	r.Unregister("never-existed")
}

func TestConcurrentRegisterAndGet(t *testing.T) {
	r := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = r.Register("shared", "", nil, echo)
		}(i)
		go func() {
			defer wg.Done()
			r.Get("shared")
		}()
	}
	wg.Wait()

	if !r.Has("shared") {
		t.Errorf("Has(shared) = false after concurrent registration, want true")
	}
}
