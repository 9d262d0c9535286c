package orchestrator

import (
	"errors"
	"testing"

	"github.com/oriys/triage/internal/domain"
)

var allEvents = []Event{
	EventStart, EventExtracted, EventClassified, EventRanked,
	EventSelect, EventDecline,
	EventDispatchSucceeded, EventDispatchPartial, EventDispatchFailed,
	EventRetry, EventRedispatch, EventFail, EventCancel,
}

func TestNext_MainPath(t *testing.T) {
	path := []struct {
		from domain.RunState
		ev   Event
		to   domain.RunState
	}{
		{domain.RunStatePending, EventStart, domain.RunStateExtracting},
		{domain.RunStateExtracting, EventExtracted, domain.RunStateClassifying},
		{domain.RunStateClassifying, EventClassified, domain.RunStateRanking},
		{domain.RunStateRanking, EventRanked, domain.RunStateAwaitingSelection},
		{domain.RunStateAwaitingSelection, EventSelect, domain.RunStateDispatching},
		{domain.RunStateDispatching, EventDispatchSucceeded, domain.RunStateCompleted},
	}
	for _, step := range path {
		got, err := Next(step.from, step.ev)
		if err != nil {
			t.Fatalf("Next(%s, %s) error: %v", step.from, step.ev, err)
		}
		if got != step.to {
			t.Errorf("Next(%s, %s) = %s, want %s", step.from, step.ev, got, step.to)
		}
	}
}

// 每个非终态上，已定义的事件得到唯一的下一状态，未定义的事件返回 ErrIllegalTransition
func TestNext_EveryEventOnEveryState(t *testing.T) {
	for _, state := range domain.AllRunStates() {
		defined := map[Event]bool{}
		for _, ev := range Events(state) {
			defined[ev] = true
		}

		for _, ev := range allEvents {
			to, err := Next(state, ev)
			switch {
			case defined[ev]:
				if err != nil {
					t.Errorf("Next(%s, %s) unexpected error: %v", state, ev, err)
				}
				if to == "" {
					t.Errorf("Next(%s, %s) returned empty state", state, ev)
				}
				again, _ := Next(state, ev)
				if again != to {
					t.Errorf("Next(%s, %s) not deterministic: %s vs %s", state, ev, to, again)
				}
			case state.IsTerminal():
				if !errors.Is(err, domain.ErrRunTerminal) {
					t.Errorf("Next(%s, %s) err = %v, want ErrRunTerminal", state, ev, err)
				}
			default:
				if !errors.Is(err, domain.ErrIllegalTransition) {
					t.Errorf("Next(%s, %s) err = %v, want ErrIllegalTransition", state, ev, err)
				}
			}
		}
	}
}

func TestNext_FailAndCancelFromEveryNonTerminalState(t *testing.T) {
	for _, state := range domain.AllRunStates() {
		if state.IsTerminal() {
			continue
		}
		for _, ev := range []Event{EventFail, EventCancel} {
			to, err := Next(state, ev)
			if err != nil || to != domain.RunStateFailed {
				t.Errorf("Next(%s, %s) = %s, %v; want failed", state, ev, to, err)
			}
		}
	}
}

func TestNext_TerminalStatesHaveNoEdges(t *testing.T) {
	for _, state := range []domain.RunState{domain.RunStateCompleted, domain.RunStateFailed} {
		if evs := Events(state); len(evs) != 0 {
			t.Errorf("%s has outgoing events %v", state, evs)
		}
	}
}

func TestNext_UnknownState(t *testing.T) {
	if _, err := Next(domain.RunState("bogus"), EventStart); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Errorf("err = %v, want ErrIllegalTransition", err)
	}
}

func TestEvents_Sorted(t *testing.T) {
	evs := Events(domain.RunStateDispatching)
	for i := 1; i < len(evs); i++ {
		if evs[i-1] >= evs[i] {
			t.Fatalf("events not sorted: %v", evs)
		}
	}
}
