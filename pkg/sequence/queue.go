package sequence

import "container/heap"

type ScheduledItem[T any] struct {
	Value T
	Due   int64
	index int
}

type scheduleQueue[T any] struct {
	items []*ScheduledItem[T]
}

func (sq *scheduleQueue[T]) Len() int {
	return len(sq.items)
}

func (sq *scheduleQueue[T]) Less(i, j int) bool {
	return sq.items[i].Due < sq.items[j].Due
}

func (sq *scheduleQueue[T]) Swap(i, j int) {
	sq.items[i], sq.items[j] = sq.items[j], sq.items[i]
	sq.items[i].index = i
	sq.items[j].index = j
}

func (sq *scheduleQueue[T]) Push(x any) {
	item := x.(*ScheduledItem[T])
	item.index = len(sq.items)
	sq.items = append(sq.items, item)
}

func (sq *scheduleQueue[T]) Pop() any {
	old := sq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	sq.items = old[0 : n-1]
	return item
}

// ScheduleQueue orders items by an int64 due time (smallest first). Not
// safe for concurrent use; callers hold their own lock.
type ScheduleQueue[T any] struct {
	sq scheduleQueue[T]
}

func NewScheduleQueue[T any]() *ScheduleQueue[T] {
	q := &ScheduleQueue[T]{}
	heap.Init(&q.sq)
	return q
}

func (q *ScheduleQueue[T]) Len() int {
	return q.sq.Len()
}

// Schedule adds a value due at the given instant.
func (q *ScheduleQueue[T]) Schedule(value T, due int64) *ScheduledItem[T] {
	item := &ScheduledItem[T]{Value: value, Due: due}
	heap.Push(&q.sq, item)
	return item
}

// Peek returns the earliest item without removing it.
func (q *ScheduleQueue[T]) Peek() (*ScheduledItem[T], bool) {
	if q.sq.Len() == 0 {
		return nil, false
	}
	return q.sq.items[0], true
}

// PopDue removes and returns the earliest item if its due time is at or
// before now.
func (q *ScheduleQueue[T]) PopDue(now int64) (*ScheduledItem[T], bool) {
	if q.sq.Len() == 0 || q.sq.items[0].Due > now {
		return nil, false
	}
	return heap.Pop(&q.sq).(*ScheduledItem[T]), true
}

// Remove deletes an item previously returned by Schedule.
func (q *ScheduleQueue[T]) Remove(item *ScheduledItem[T]) {
	if item.index >= 0 && item.index < q.sq.Len() {
		heap.Remove(&q.sq, item.index)
	}
}
