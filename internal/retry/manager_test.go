package retry

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestManager_RecordAttempt(t *testing.T) {
	m := NewManager()

	m.RecordAttempt("REQ-1", 2, errors.New("timeout"))
	m.RecordAttempt("REQ-1", 2, errors.New("timeout again"))
	m.RecordAttempt("REQ-1", 2, errors.New("still down"))

	state, ok := m.GetState("REQ-1")
	if !ok {
		t.Fatal("GetState should find REQ-1")
	}
	want := NodeState{NodeID: "REQ-1", Attempts: 3, MaxRetries: 2, LastError: "still down"}
	if diff := cmp.Diff(want, state); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
	if got := m.Retried(); got != 2 {
		t.Errorf("Retried() = %d, want 2", got)
	}

	if _, ok := m.GetState("unknown"); ok {
		t.Error("GetState(unknown) ok = true, want false")
	}
}

func TestManager_Success(t *testing.T) {
	m := NewManager()
	m.RecordAttempt("A", 3, errors.New("x"))
	m.RecordAttempt("A", 3, nil)

	if got := m.Failed(); len(got) != 0 {
		t.Errorf("Failed() = %v, want empty", got)
	}
	if got := m.Retried(); got != 1 {
		t.Errorf("Retried() = %d, want 1", got)
	}
	if got, _ := m.GetState("A"); !got.Succeeded || got.LastError != "" {
		t.Errorf("state = %+v, want succeeded with no error", got)
	}
}

func TestManager_Failed(t *testing.T) {
	m := NewManager()
	m.RecordAttempt("B", 0, errors.New("bad gateway"))
	m.RecordAttempt("A", 1, errors.New("x"))
	m.RecordAttempt("A", 1, errors.New("reset"))
	m.RecordAttempt("C", 0, nil)

	want := []NodeState{
		{NodeID: "A", Attempts: 2, MaxRetries: 1, LastError: "reset"},
		{NodeID: "B", Attempts: 1, LastError: "bad gateway"},
	}
	if diff := cmp.Diff(want, m.Failed()); diff != "" {
		t.Errorf("Failed() mismatch (-want +got):\n%s", diff)
	}
}

func TestManager_Concurrent(t *testing.T) {
	m := NewManager()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordAttempt("shared", 100, errors.New("x"))
			_ = m.Failed()
			_ = m.Retried()
		}()
	}
	wg.Wait()

	if got, _ := m.GetState("shared"); got.Attempts != 50 {
		t.Errorf("Attempts = %d, want 50", got.Attempts)
	}
}
