package consensus

import "container/heap"

// TimerKind tags the five timer classes of §4.7.8.
type TimerKind int

const (
	TimerRound TimerKind = iota
	TimerPropose
	TimerStatus
	TimerPeerExchange
	TimerRequest
)

// Timer is a scheduled event, ordered by DeadlineMillis (an arbitrary
// monotonic clock reading chosen by the caller, not wall-clock time:
// this keeps the queue itself deterministic and testable without a real
// clock).
type Timer struct {
	DeadlineMillis int64
	Kind           TimerKind
	Height         interface{} // height/round/request-key context, kind-specific
	Round          interface{}
	Request        RequestData
	seq            int64 // tie-break for equal deadlines, FIFO by insertion
	index          int
}

// timerQueue is a container/heap priority queue, the same structural
// pattern the teacher uses for its own bounded work-queues
// (node/store/apply_stage4_5.go's staged pipeline), generalized here to
// a min-heap over deadlines.
type timerQueue []*Timer

func (q timerQueue) Len() int { return len(q) }
func (q timerQueue) Less(i, j int) bool {
	if q[i].DeadlineMillis != q[j].DeadlineMillis {
		return q[i].DeadlineMillis < q[j].DeadlineMillis
	}
	return q[i].seq < q[j].seq
}
func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *timerQueue) Push(x interface{}) {
	t := x.(*Timer)
	t.index = len(*q)
	*q = append(*q, t)
}
func (q *timerQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// TimerQueue is the machine's set of outstanding timers: round, propose,
// status, peer-exchange, and per-request timeouts, all ordered by
// deadline so the event loop can always ask "what fires next."
type TimerQueue struct {
	q        timerQueue
	nextSeq  int64
}

// NewTimerQueue returns an empty timer queue.
func NewTimerQueue() *TimerQueue {
	tq := &TimerQueue{}
	heap.Init(&tq.q)
	return tq
}

// Add schedules t, returning it (its index field is now managed by the
// heap and must not be read by callers).
func (tq *TimerQueue) Add(t *Timer) *Timer {
	t.seq = tq.nextSeq
	tq.nextSeq++
	heap.Push(&tq.q, t)
	return t
}

// Peek returns the next timer to fire without removing it, or nil if
// the queue is empty.
func (tq *TimerQueue) Peek() *Timer {
	if tq.q.Len() == 0 {
		return nil
	}
	return tq.q[0]
}

// Pop removes and returns the next timer to fire, or nil if empty.
func (tq *TimerQueue) Pop() *Timer {
	if tq.q.Len() == 0 {
		return nil
	}
	return heap.Pop(&tq.q).(*Timer)
}

// DiscardAll empties the queue, per §5's cancellation contract: on
// shutdown, outstanding timers are discarded rather than fired.
func (tq *TimerQueue) DiscardAll() {
	tq.q = nil
	heap.Init(&tq.q)
}

// Len reports the number of outstanding timers.
func (tq *TimerQueue) Len() int { return tq.q.Len() }
