package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"molrender/internal/engine"
	"molrender/internal/models"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	received []string
	results  map[string]models.CommandResult
	err      error
	block    bool
}

func (f *fakeDispatcher) SendCommand(ctx context.Context, _, cmd string) (models.CommandResult, error) {
	f.mu.Lock()
	f.received = append(f.received, cmd)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return models.CommandResult{}, engine.ErrCommandTimeout
	}
	if f.err != nil {
		return models.CommandResult{}, f.err
	}
	if res, ok := f.results[cmd]; ok {
		return res, nil
	}
	return models.CommandResult{Success: true}, nil
}

func TestExecuteRecordsHistory(t *testing.T) {
	disp := &fakeDispatcher{}
	svc := New(disp, NewHistory(10), time.Second)

	result, err := svc.Execute(context.Background(), "s1", "open 1abc", 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}

	records := svc.History("s1", 10, 0)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Command != "open 1abc" || !records[0].Result.Success {
		t.Fatalf("unexpected record: %+v", records[0])
	}
}

func TestExecuteTimeoutIsUnknownOutcome(t *testing.T) {
	disp := &fakeDispatcher{block: true}
	svc := New(disp, NewHistory(10), time.Second)

	result, err := svc.Execute(context.Background(), "s1", "open 1abc", 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if result.Success {
		t.Fatalf("timed-out command recorded as success")
	}
	if result.Error != "command timed out (outcome unknown)" {
		t.Fatalf("unexpected error text: %q", result.Error)
	}

	records := svc.History("s1", 10, 0)
	if len(records) != 1 {
		t.Fatalf("timeout not recorded in history")
	}
}

func TestExecuteSequenceOrderAndNoStop(t *testing.T) {
	disp := &fakeDispatcher{results: map[string]models.CommandResult{
		"A": {Success: false, Error: "boom"},
	}}
	svc := New(disp, NewHistory(10), time.Second)

	results := svc.ExecuteSequence(context.Background(), "s1", []string{"A", "B", "C"})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Success {
		t.Fatalf("expected first command to fail")
	}
	if !results[1].Success || !results[2].Success {
		t.Fatalf("later commands should still run: %+v", results)
	}

	disp.mu.Lock()
	defer disp.mu.Unlock()
	for i, want := range []string{"A", "B", "C"} {
		if disp.received[i] != want {
			t.Fatalf("dispatch order broken: got %v", disp.received)
		}
	}
}

func TestHistoryEvictionAndPaging(t *testing.T) {
	h := NewHistory(3)
	for _, cmd := range []string{"a", "b", "c", "d"} {
		h.Append(models.CommandRecord{SessionID: "s1", Command: cmd})
	}

	if h.Count("s1") != 3 {
		t.Fatalf("expected cap 3, got %d", h.Count("s1"))
	}

	// Newest first; "a" was evicted.
	records := h.List("s1", 10, 0)
	if records[0].Command != "d" || records[2].Command != "b" {
		t.Fatalf("unexpected order: %+v", records)
	}

	page := h.List("s1", 1, 1)
	if len(page) != 1 || page[0].Command != "c" {
		t.Fatalf("unexpected page: %+v", page)
	}

	h.Clear("s1")
	if h.Count("s1") != 0 {
		t.Fatalf("clear did not empty history")
	}
}

func TestDocsCatalog(t *testing.T) {
	docs := Docs()
	if len(docs) == 0 {
		t.Fatalf("empty command catalog")
	}
	if _, ok := Lookup("open"); !ok {
		t.Fatalf("open command missing from catalog")
	}
	for i := 1; i < len(docs); i++ {
		if docs[i-1].Name >= docs[i].Name {
			t.Fatalf("catalog not sorted at %d", i)
		}
	}
}
