// Package lane implements LaneScheduler: per-contextId FIFO turn queues
// with bounded cross-lane parallelism and round-robin fairness.
package lane

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxConcurrentLanes = 8
	defaultMaxQueuePerLane    = 32
	readyQueueCapacity        = 4096
)

// TurnFunc is one unit of lane work. It receives a context cancelled on
// lane- or global-shutdown.
type TurnFunc func(ctx context.Context)

// EnqueueResult reports whether a turn was admitted and where it landed.
type EnqueueResult struct {
	Accepted      bool
	QueuePosition int
	LaneLength    int
}

// Stats is a point-in-time snapshot of scheduler load.
type Stats struct {
	RunningLanes  int
	QueuedTurns   int
	PerLaneDepth  map[string]int
}

type task struct {
	fn TurnFunc
}

type laneState struct {
	queue      []*task
	running    bool
	queuedUp   bool // already sitting in the ready channel, waiting for a worker
	lastServed time.Time
}

// Scheduler is the process-wide LaneScheduler.
type Scheduler struct {
	mu              sync.Mutex
	lanes           map[string]*laneState
	ready           chan string
	maxQueuePerLane int
	closed          bool

	stopCh     chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	inFlight   sync.WaitGroup
	dispatcher sync.WaitGroup
	sem        *semaphore.Weighted
}

// Options configures a Scheduler. Zero values fall back to package defaults.
type Options struct {
	MaxConcurrentLanes int
	MaxQueuePerLane    int
}

// New starts a Scheduler with its dispatcher loop already running. At most
// MaxConcurrentLanes turns run at once, enforced by a weighted semaphore
// rather than a fixed goroutine pool, so a slot freed by a finishing lane
// is picked up immediately by whichever lane has waited longest.
func New(opts Options) *Scheduler {
	concurrency := opts.MaxConcurrentLanes
	if concurrency <= 0 {
		concurrency = defaultMaxConcurrentLanes
	}
	maxQueue := opts.MaxQueuePerLane
	if maxQueue <= 0 {
		maxQueue = defaultMaxQueuePerLane
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		lanes:           make(map[string]*laneState),
		ready:           make(chan string, readyQueueCapacity),
		maxQueuePerLane: maxQueue,
		stopCh:          make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
		sem:             semaphore.NewWeighted(int64(concurrency)),
	}

	s.dispatcher.Add(1)
	go s.runDispatcher()
	return s
}

// Enqueue appends fn to contextID's lane, creating the lane if absent, and
// kicks off dispatch if the lane was idle.
func (s *Scheduler) Enqueue(contextID string, fn TurnFunc) EnqueueResult {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return EnqueueResult{Accepted: false}
	}

	l, ok := s.lanes[contextID]
	if !ok {
		l = &laneState{}
		s.lanes[contextID] = l
	}
	if len(l.queue) >= s.maxQueuePerLane {
		depth := len(l.queue)
		s.mu.Unlock()
		return EnqueueResult{Accepted: false, QueuePosition: depth, LaneLength: depth}
	}

	l.queue = append(l.queue, &task{fn: fn})
	pos := len(l.queue)
	needDispatch := !l.running && !l.queuedUp
	if needDispatch {
		l.queuedUp = true
	}
	s.mu.Unlock()

	if needDispatch {
		s.ready <- contextID
	}
	return EnqueueResult{Accepted: true, QueuePosition: pos, LaneLength: pos}
}

// runDispatcher is the single goroutine that drains the ready channel in
// order and hands each lane a concurrency slot as one frees up. Keeping
// dispatch single-threaded is what makes ready-channel order into
// least-recently-served fairness: a lane only re-enters the channel once
// its one in-flight turn finishes.
func (s *Scheduler) runDispatcher() {
	defer s.dispatcher.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case contextID := <-s.ready:
			if err := s.sem.Acquire(s.ctx, 1); err != nil {
				s.mu.Lock()
				if l, ok := s.lanes[contextID]; ok {
					l.queuedUp = false
				}
				s.mu.Unlock()
				continue
			}
			go s.runOne(contextID)
		}
	}
}

func (s *Scheduler) runOne(contextID string) {
	defer s.sem.Release(1)

	s.mu.Lock()
	l, ok := s.lanes[contextID]
	if !ok || len(l.queue) == 0 {
		if ok {
			l.queuedUp = false
		}
		s.mu.Unlock()
		return
	}
	t := l.queue[0]
	l.queue = l.queue[1:]
	l.running = true
	l.queuedUp = false
	s.mu.Unlock()

	s.inFlight.Add(1)
	func() {
		defer s.inFlight.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("lane scheduler: turn panicked", "contextId", contextID, "recovered", r)
			}
		}()
		t.fn(s.ctx)
	}()

	s.mu.Lock()
	l.running = false
	l.lastServed = time.Now()
	requeue := len(l.queue) > 0 && !l.queuedUp
	if requeue {
		l.queuedUp = true
	}
	s.mu.Unlock()

	if requeue {
		s.ready <- contextID
	}
}

// Stats snapshots current load.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{PerLaneDepth: make(map[string]int, len(s.lanes))}
	for contextID, l := range s.lanes {
		if l.running {
			stats.RunningLanes++
		}
		stats.QueuedTurns += len(l.queue)
		stats.PerLaneDepth[contextID] = len(l.queue)
	}
	return stats
}

// Shutdown stops accepting new turns, waits up to timeout for in-flight
// turns to finish, then cancels their context and discards anything still
// queued.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("lane scheduler: shutdown timeout elapsed, cancelling in-flight turns")
		s.cancel()
		<-done
	}

	s.mu.Lock()
	dropped := 0
	for _, l := range s.lanes {
		dropped += len(l.queue)
		l.queue = nil
	}
	s.mu.Unlock()
	if dropped > 0 {
		slog.Warn("lane scheduler: discarded queued turns on shutdown", "count", dropped)
	}

	s.dispatcher.Wait()
}
