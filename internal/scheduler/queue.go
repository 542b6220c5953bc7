package scheduler

import (
	"container/heap"

	"github.com/djlord-it/easy-sched/internal/domain"
)

// jobQueue is a min-heap of jobs keyed by Scheduling.StartAt, ties broken
// by id so that equal start times fire in a stable order.
type jobQueue []domain.Job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	a, b := q[i].Scheduling.StartAt, q[j].Scheduling.StartAt
	if a.Equal(b) {
		return q[i].Config.ID < q[j].Config.ID
	}
	return a.Before(b)
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) { *q = append(*q, x.(domain.Job)) }

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	job := old[n-1]
	*q = old[:n-1]
	return job
}

// newQueue builds a heap of the pending jobs in snapshot.
func newQueue(snapshot []domain.Job) *jobQueue {
	q := make(jobQueue, 0, len(snapshot))
	for _, j := range snapshot {
		if j.Scheduling.Pending() {
			q = append(q, j)
		}
	}
	heap.Init(&q)
	return &q
}

// peek returns the earliest job without removing it.
func (q jobQueue) peek() domain.Job {
	return q[0]
}
