package hostmem

import (
	"errors"
	"testing"
)

func TestReserveRelease(t *testing.T) {
	h := New(1000)
	if err := h.Reserve(600); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := h.FreeMemory(); got != 400 {
		t.Fatalf("FreeMemory = %d, want 400", got)
	}
	h.Release(600)
	if got := h.FreeMemory(); got != 1000 {
		t.Fatalf("FreeMemory = %d, want 1000", got)
	}
}

func TestReserveExhausted(t *testing.T) {
	h := New(100)
	if err := h.Reserve(101); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Reserve = %v, want ErrExhausted", err)
	}
}

func TestTryReserveNeverRunsHook(t *testing.T) {
	h := New(100)
	hookRan := false
	h.SetReclaimHook(func(uint64) HookResult {
		hookRan = true
		return ReclaimedNothing
	})
	if h.TryReserve(200) {
		t.Fatal("TryReserve succeeded beyond budget")
	}
	if hookRan {
		t.Fatal("TryReserve ran the reclaim hook")
	}
	if !h.TryReserve(100) {
		t.Fatal("TryReserve failed within budget")
	}
}

func TestHookDrivenReclaim(t *testing.T) {
	h := New(100)
	if err := h.Reserve(100); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	var requests []uint64
	h.SetReclaimHook(func(req uint64) HookResult {
		requests = append(requests, req)
		h.Release(50)
		return ReclaimedSomething
	})
	if err := h.Reserve(40); err != nil {
		t.Fatalf("Reserve with hook: %v", err)
	}
	if len(requests) != 1 || requests[0] != 40 {
		t.Fatalf("hook requests = %v, want [40]", requests)
	}
	if got := h.Stats().HookRuns; got != 1 {
		t.Fatalf("HookRuns = %d, want 1", got)
	}
}

func TestHookGivesUp(t *testing.T) {
	h := New(100)
	if err := h.Reserve(100); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	h.SetReclaimHook(func(uint64) HookResult { return ReclaimedNothing })
	if err := h.Reserve(1); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Reserve = %v, want ErrExhausted", err)
	}
}

func TestAllocFree(t *testing.T) {
	h := New(1 << 20)
	buf, err := h.Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(buf) != 4096 {
		t.Fatalf("len = %d, want 4096", len(buf))
	}
	st := h.Stats()
	if st.UsedMemory != 4096 || st.AllocCalls != 1 {
		t.Fatalf("stats = %+v", st)
	}
	h.Free(4096)
	st = h.Stats()
	if st.UsedMemory != 0 || st.FreeCalls != 1 {
		t.Fatalf("stats after free = %+v", st)
	}
}

func TestAbortOnFailureSkipsCritical(t *testing.T) {
	h := New(10)
	h.AbortOnFailure = true

	h.EnterCritical()
	if _, err := h.Alloc(100); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Alloc in critical section = %v, want ErrExhausted", err)
	}
	h.ExitCritical()

	defer func() {
		if recover() == nil {
			t.Fatal("Alloc outside critical section did not panic")
		}
	}()
	_, _ = h.Alloc(100)
}
