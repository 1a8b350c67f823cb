package errkind

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindRetryable(t *testing.T) {
	retryable := []Kind{Conflict, Timeout, Unavailable, ProtocolError}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("expected %s to be retryable", k)
		}
	}

	terminal := []Kind{Validation, Authentication, NotFound, StateError, Deadlock, BudgetExhausted, Cancelled}
	for _, k := range terminal {
		if k.Retryable() {
			t.Errorf("expected %s to be non-retryable", k)
		}
	}
}

func TestKindOf(t *testing.T) {
	err := New(NotFound, "store", "work item %d", 42)
	if KindOf(err) != NotFound {
		t.Errorf("expected NotFound, got %s", KindOf(err))
	}

	wrapped := fmt.Errorf("load task: %w", err)
	if KindOf(wrapped) != NotFound {
		t.Errorf("expected NotFound through wrapping, got %s", KindOf(wrapped))
	}

	if KindOf(errors.New("plain")) != "" {
		t.Error("expected empty kind for plain error")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(cause, Unavailable, "store", "commit failed")

	if !errors.Is(err, cause) {
		t.Error("expected wrapped cause to be found with errors.Is")
	}
	if !IsRetryable(err) {
		t.Error("expected Unavailable to be retryable")
	}
}

func TestIsMatchesByKind(t *testing.T) {
	err := New(Conflict, "store", "version mismatch")
	if !errors.Is(err, &Error{Kind: Conflict}) {
		t.Error("expected kind match")
	}
	if errors.Is(err, &Error{Kind: Timeout}) {
		t.Error("did not expect kind match against Timeout")
	}
}

func TestDeadlockCycle(t *testing.T) {
	err := NewDeadlock("scheduler", []int64{1, 2, 3})
	if KindOf(err) != Deadlock {
		t.Fatalf("expected Deadlock, got %s", KindOf(err))
	}

	cycle := CycleOf(fmt.Errorf("next: %w", err))
	if len(cycle) != 3 || cycle[0] != 1 || cycle[2] != 3 {
		t.Errorf("unexpected cycle: %v", cycle)
	}

	if CycleOf(New(Timeout, "agent", "slow")) != nil {
		t.Error("expected nil cycle for non-deadlock error")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(errors.New("boom"), Timeout, "agent", "dispatch iteration 3")
	msg := err.Error()
	want := "agent: timeout: dispatch iteration 3: boom"
	if msg != want {
		t.Errorf("got %q, want %q", msg, want)
	}
}
