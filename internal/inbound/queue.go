package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"chatdesk/internal/transport"
)

var ErrQueueClosed = errors.New("inbound: queue closed")

type HandlerFunc func(ctx context.Context, ev transport.MessageReceived) error

// Queue keeps one FIFO lane per customer number with a global concurrency cap.
//
// Events of one customer are handled strictly in arrival order by that lane's
// goroutine; different customers run in parallel up to the semaphore limit.
// A lane that stays empty for IdleTimeout is reaped.
type Queue struct {
	handle    HandlerFunc
	semaphore *semaphore.Weighted
	laneSize  int
	idle      time.Duration
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	lanes  map[string]chan transport.MessageReceived
	closed bool

	pending atomic.Int64
}

type QueueOptions struct {
	MaxConcurrent int64
	LaneSize      int
	IdleTimeout   time.Duration
}

func NewQueue(handle HandlerFunc, opts QueueOptions, log *slog.Logger) *Queue {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.LaneSize <= 0 {
		opts.LaneSize = 256
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		handle:    handle,
		semaphore: semaphore.NewWeighted(opts.MaxConcurrent),
		laneSize:  opts.LaneSize,
		idle:      opts.IdleTimeout,
		log:       log.With("component", "inbound_queue"),
		lanes:     map[string]chan transport.MessageReceived{},
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels in-flight work and waits for lane goroutines to exit.
// Events still queued are dropped.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Enqueue appends ev to its customer's lane, creating the lane on first use.
func (q *Queue) Enqueue(ev transport.MessageReceived) error {
	key := transport.NormalizeNumber(ev.From)
	if key == "" {
		return transport.ErrMissingSender
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.ctx == nil {
		return ErrQueueClosed
	}

	lane, ok := q.lanes[key]
	if !ok {
		lane = make(chan transport.MessageReceived, q.laneSize)
		q.lanes[key] = lane
		q.wg.Add(1)
		go q.processLane(key, lane)
	}

	select {
	case lane <- ev:
		q.pending.Add(1)
		return nil
	default:
		return fmt.Errorf("inbound: lane full for customer %s", key)
	}
}

func (q *Queue) processLane(key string, lane chan transport.MessageReceived) {
	defer q.wg.Done()
	idle := time.NewTimer(q.idle)
	defer idle.Stop()

	for {
		select {
		case ev := <-lane:
			q.run(ev)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(q.idle)
		case <-idle.C:
			// Enqueue sends under q.mu, so an empty lane seen here stays empty once removed.
			q.mu.Lock()
			if len(lane) == 0 {
				delete(q.lanes, key)
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			idle.Reset(q.idle)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) run(ev transport.MessageReceived) {
	defer q.pending.Add(-1)
	if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
		return
	}
	defer q.semaphore.Release(1)

	if err := q.handle(q.ctx, ev); err != nil {
		q.log.Error("inbound event failed", "transport_id", ev.ID, "err", err)
	}
}

// Lanes returns the number of live customer lanes.
func (q *Queue) Lanes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// WaitIdle blocks until every enqueued event has been handled or ctx is done.
func (q *Queue) WaitIdle(ctx context.Context) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		if q.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
