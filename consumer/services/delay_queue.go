package services

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/Sumit189/cronhook/common/models"
)

// taskHeap is a min-heap on NotBefore.
type taskHeap []models.Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].NotBefore.Before(h[j].NotBefore) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(models.Task))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// delayQueue holds tasks until their NotBefore instant.
type delayQueue struct {
	mu    sync.Mutex
	items taskHeap
	wake  chan struct{}
	now   func() time.Time
}

func newDelayQueue() *delayQueue {
	return &delayQueue{wake: make(chan struct{}, 1), now: time.Now}
}

func (q *delayQueue) Push(task models.Task) {
	q.mu.Lock()
	heap.Push(&q.items, task)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *delayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// popDue returns every due task and the wait until the next one (0 if empty).
func (q *delayQueue) popDue() ([]models.Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var due []models.Task
	for q.items.Len() > 0 {
		if q.items[0].NotBefore.After(now) {
			return due, q.items[0].NotBefore.Sub(now)
		}
		due = append(due, heap.Pop(&q.items).(models.Task))
	}
	return due, 0
}

// run forwards due tasks to out until ctx is cancelled.
func (q *delayQueue) run(ctx context.Context, out chan<- models.Task) {
	for {
		due, wait := q.popDue()
		for _, task := range due {
			select {
			case out <- task:
			case <-ctx.Done():
				return
			}
		}

		var (
			t     *time.Timer
			fired <-chan time.Time
		)
		if wait > 0 {
			t = time.NewTimer(wait)
			fired = t.C
		}
		select {
		case <-ctx.Done():
		case <-q.wake:
		case <-fired:
		}
		if t != nil {
			t.Stop()
		}
		if ctx.Err() != nil {
			return
		}
	}
}
