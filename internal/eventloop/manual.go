package eventloop

import (
	"container/heap"
	"time"
)

// Manual is a Loop driven by the caller with a virtual clock. It never
// sleeps: Loop advances the clock straight to the next timer.
type Manual struct {
	now    time.Time
	tasks  []func()
	timers timerHeap
	seq    uint64
}

// NewManual returns a manual loop whose clock starts at the Unix epoch.
func NewManual() *Manual {
	return &Manual{now: time.Unix(0, 0)}
}

// Now returns the virtual time.
func (m *Manual) Now() time.Time { return m.now }

// RunInLoop queues fn.
func (m *Manual) RunInLoop(fn func()) {
	m.tasks = append(m.tasks, fn)
}

// RunAfter schedules fn at Now()+d.
func (m *Manual) RunAfter(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	m.seq++
	t := &manualTimer{m: m, when: m.now.Add(d), seq: m.seq, fn: fn, index: -1}
	heap.Push(&m.timers, t)
	return t
}

// Pending reports queued tasks plus armed timers.
func (m *Manual) Pending() int { return len(m.tasks) + m.timers.Len() }

// LoopOnce runs expired timers and the tasks that were queued before the
// call. Tasks queued while running wait for the next iteration.
func (m *Manual) LoopOnce() {
	m.expire()
	batch := m.tasks
	m.tasks = nil
	for i, fn := range batch {
		fn()
		batch[i] = nil
	}
}

// Loop runs until no task is queued and no timer is armed, advancing the
// clock to each timer deadline in turn.
func (m *Manual) Loop() {
	for {
		for len(m.tasks) > 0 || m.hasExpired() {
			m.LoopOnce()
		}
		if m.timers.Len() == 0 {
			return
		}
		m.now = m.timers[0].when
	}
}

// Advance moves the clock forward by d, running everything that falls due.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	for {
		for len(m.tasks) > 0 || m.hasExpired() {
			m.LoopOnce()
		}
		if m.timers.Len() == 0 || m.timers[0].when.After(target) {
			break
		}
		m.now = m.timers[0].when
	}
	m.now = target
}

func (m *Manual) hasExpired() bool {
	return m.timers.Len() > 0 && !m.timers[0].when.After(m.now)
}

func (m *Manual) expire() {
	for m.hasExpired() {
		t := heap.Pop(&m.timers).(*manualTimer)
		m.tasks = append(m.tasks, t.fn)
	}
}

type manualTimer struct {
	m     *Manual
	when  time.Time
	seq   uint64
	fn    func()
	index int
}

func (t *manualTimer) Stop() bool {
	if t.index < 0 {
		return false
	}
	heap.Remove(&t.m.timers, t.index)
	return true
}

type timerHeap []*manualTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*manualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
