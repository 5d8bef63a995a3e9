package search

import (
	"errors"
	"testing"
)

type stubSearcher struct {
	results []Result
	err     error
	calls   int
}

func (s *stubSearcher) Search(Query) ([]Result, error) {
	s.calls++
	return s.results, s.err
}

func (s *stubSearcher) Healthy() bool { return true }

func TestServiceFallsBackWithoutPrimary(t *testing.T) {
	fallback := &stubSearcher{results: []Result{{ID: "task-1", Title: "fix login"}}}
	svc := NewService(nil, fallback)

	results, err := svc.Search(Query{BoardID: "board-1", Text: "login"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != "task-1" {
		t.Errorf("unexpected results: %+v", results)
	}
	if fallback.calls != 1 {
		t.Errorf("expected 1 fallback call, got %d", fallback.calls)
	}
}

func TestServiceFallbackError(t *testing.T) {
	fallback := &stubSearcher{err: errors.New("db down")}
	svc := NewService(nil, fallback)

	if _, err := svc.Search(Query{Text: "anything"}); err == nil {
		t.Error("expected error from fallback")
	}
}

func TestServiceIndexNoPrimaryIsNoop(t *testing.T) {
	svc := NewService(nil, &stubSearcher{})
	if err := svc.IndexTask(TaskRecord{ID: "task-1"}); err != nil {
		t.Errorf("IndexTask without primary failed: %v", err)
	}
	if err := svc.DeleteTask("task-1"); err != nil {
		t.Errorf("DeleteTask without primary failed: %v", err)
	}
}
