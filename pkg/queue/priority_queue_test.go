package queue

import (
	"testing"
	"time"
)

func TestPriorityQueueOrdering(t *testing.T) {
	pq := NewPriorityQueue()
	now := time.Now()

	pq.Push("1", now.Add(5*time.Second), 1)
	pq.Push("2", now.Add(-time.Second), 2)
	pq.Push("3", now.Add(-time.Second), 3)

	if id, _ := pq.PopReady(now); id != "2" {
		t.Errorf("Expected job 2 to be popped first, got %q", id)
	}
	if id, _ := pq.PopReady(now); id != "3" {
		t.Errorf("Expected job 3 to be popped second, got %q", id)
	}
	if _, ok := pq.PopReady(now); ok {
		t.Error("Expected delayed job 1 not to be ready")
	}
	if id, ok := pq.PopReady(now.Add(6 * time.Second)); !ok || id != "1" {
		t.Errorf("Expected job 1 once its delay passed, got %q", id)
	}
}

func TestPriorityQueueRescheduleAndRemove(t *testing.T) {
	pq := NewPriorityQueue()
	now := time.Now()

	pq.Push("a", now.Add(time.Hour), 1)
	pq.Push("b", now.Add(time.Minute), 2)

	// Rescheduling moves a to the front.
	pq.Push("a", now, 3)
	if next, _ := pq.Next(); !next.Equal(now) {
		t.Errorf("Next = %v, want %v", next, now)
	}
	if pq.Len() != 2 {
		t.Fatalf("Len = %d, want 2", pq.Len())
	}

	if !pq.Remove("a") {
		t.Fatal("Remove(a) = false")
	}
	if pq.Remove("a") {
		t.Error("second Remove(a) = true")
	}
	if pq.Len() != 1 || pq.Remove("a") || !pq.Remove("b") {
		t.Error("unexpected contents after remove")
	}
}
