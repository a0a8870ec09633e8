package queue

import (
	"container/heap"
	"sync"
	"time"
)

// ------------------------------
// Scheduled entry
// ------------------------------

type entry struct {
	ID        string
	ProcessAt time.Time
	Seq       uint64

	index int
}

// ------------------------------
// Internal heap implementation
// ------------------------------

type entryHeap []*entry

func (eh entryHeap) Len() int { return len(eh) }

func (eh entryHeap) Less(i, j int) bool {
	if eh[i].ProcessAt.Equal(eh[j].ProcessAt) {
		return eh[i].Seq < eh[j].Seq
	}
	return eh[i].ProcessAt.Before(eh[j].ProcessAt)
}

func (eh entryHeap) Swap(i, j int) {
	eh[i], eh[j] = eh[j], eh[i]
	eh[i].index = i
	eh[j].index = j
}

func (eh *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*eh)
	*eh = append(*eh, e)
}

func (eh *entryHeap) Pop() interface{} {
	old := *eh
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*eh = old[0 : n-1]
	return item
}

// ------------------------------
// Thread-safe schedule queue
// ------------------------------

// PriorityQueue orders job IDs by the time they become runnable, then by
// enqueue sequence.
type PriorityQueue struct {
	mu    sync.RWMutex
	heap  entryHeap
	index map[string]*entry
}

func NewPriorityQueue() *PriorityQueue {
	pq := &PriorityQueue{
		index: make(map[string]*entry),
	}
	heap.Init(&pq.heap)
	return pq
}

// Push schedules id at processAt. An id already present is rescheduled.
func (pq *PriorityQueue) Push(id string, processAt time.Time, seq uint64) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if e, exists := pq.index[id]; exists {
		e.ProcessAt = processAt
		e.Seq = seq
		heap.Fix(&pq.heap, e.index)
		return
	}

	e := &entry{ID: id, ProcessAt: processAt, Seq: seq}
	heap.Push(&pq.heap, e)
	pq.index[id] = e
}

// PopReady removes and returns the first entry runnable at now.
func (pq *PriorityQueue) PopReady(now time.Time) (string, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.heap.Len() == 0 || pq.heap[0].ProcessAt.After(now) {
		return "", false
	}

	e := heap.Pop(&pq.heap).(*entry)
	delete(pq.index, e.ID)
	return e.ID, true
}

// Next reports when the head entry becomes runnable.
func (pq *PriorityQueue) Next() (time.Time, bool) {
	pq.mu.RLock()
	defer pq.mu.RUnlock()

	if pq.heap.Len() == 0 {
		return time.Time{}, false
	}
	return pq.heap[0].ProcessAt, true
}

func (pq *PriorityQueue) Remove(id string) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	e, exists := pq.index[id]
	if !exists {
		return false
	}
	heap.Remove(&pq.heap, e.index)
	delete(pq.index, id)
	return true
}

func (pq *PriorityQueue) Len() int {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	return pq.heap.Len()
}
