package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func TestAppendAndListEvents(t *testing.T) {
	s := openTestStore(t)

	seq1, err := s.AppendEvent(&Event{Type: EventMatched, Interceptor: "mock-users", Message: "matched"})
	if err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	seq2, err := s.AppendEvent(&Event{Type: EventMocked, Level: LevelInfo, Interceptor: "mock-users"})
	if err != nil {
		t.Fatal(err)
	}

	if seq2 <= seq1 {
		t.Errorf("expected increasing seq, got %d then %d", seq1, seq2)
	}

	events, err := s.ListEvents(0, 10, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventMatched || events[1].Type != EventMocked {
		t.Errorf("unexpected order: %s, %s", events[0].Type, events[1].Type)
	}
	if events[0].Level != LevelInfo {
		t.Errorf("expected default info level, got %s", events[0].Level)
	}
	if events[0].Timestamp == 0 {
		t.Error("expected timestamp to be set")
	}
}

func TestListEventsAfterSeqAndFilters(t *testing.T) {
	s := openTestStore(t)

	first, err := s.AppendEvent(&Event{Type: EventMatched, Interceptor: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendEvent(&Event{Type: EventHandlerError, Level: LevelError, Interceptor: "a", Error: "boom"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendEvent(&Event{Type: EventMatched, Interceptor: "b"}); err != nil {
		t.Fatal(err)
	}

	events, err := s.ListEvents(first, 10, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events after seq %d, got %d", first, len(events))
	}

	events, err = s.ListEvents(0, 10, LevelError, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Error != "boom" {
		t.Errorf("unexpected error-level events: %+v", events)
	}

	events, err = s.ListEvents(0, 10, "", "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Interceptor != "b" {
		t.Errorf("unexpected interceptor filter result: %+v", events)
	}
}

func TestEventRingBound(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "requests.db"), &Options{EventLogCapacity: 3})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 10; i++ {
		if _, err := s.AppendEvent(&Event{Type: EventUserLog, Message: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	events, err := s.ListEvents(0, 100, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected ring capped at 3, got %d", len(events))
	}
	// Oldest entries were discarded; the survivors are the newest.
	if events[0].Message != "m7" || events[2].Message != "m9" {
		t.Errorf("unexpected surviving events: %+v", events)
	}
}

func TestEventSeqMonotonicUnderConcurrency(t *testing.T) {
	s := openTestStore(t)

	const goroutines = 8
	const perGoroutine = 20

	var wg sync.WaitGroup
	seqs := make(chan int64, goroutines*perGoroutine)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				seq, err := s.AppendEvent(&Event{Type: EventUserLog})
				if err != nil {
					t.Errorf("AppendEvent failed: %v", err)
					return
				}
				seqs <- seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for seq := range seqs {
		if seen[seq] {
			t.Fatalf("duplicate seq %d", seq)
		}
		seen[seq] = true
	}
	if len(seen) != goroutines*perGoroutine {
		t.Errorf("expected %d unique seqs, got %d", goroutines*perGoroutine, len(seen))
	}
}

func TestClearEventsKeepsSeqIncreasing(t *testing.T) {
	s := openTestStore(t)

	last, err := s.AppendEvent(&Event{Type: EventUserLog})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.ClearEvents(); err != nil {
		t.Fatalf("ClearEvents failed: %v", err)
	}

	events, err := s.ListEvents(0, 10, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("expected empty log, got %d", len(events))
	}

	next, err := s.AppendEvent(&Event{Type: EventUserLog})
	if err != nil {
		t.Fatal(err)
	}
	if next <= last {
		t.Errorf("seq regressed after clear: %d then %d", last, next)
	}
}
