package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const defaultBaseWindow = time.Second

// InstanceCounter reports how many instances currently share the target
// rate. The gossip liveness classifier satisfies it.
type InstanceCounter interface {
	LiveCount() int
}

// InstanceCounterFunc adapts a function to InstanceCounter.
type InstanceCounterFunc func() int

func (f InstanceCounterFunc) LiveCount() int { return f() }

// Processor executes admitted work. It runs once per dispatched request.
type Processor[T, E any] interface {
	Process(ctx context.Context, payload T) (E, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc[T, E any] func(ctx context.Context, payload T) (E, error)

func (f ProcessorFunc[T, E]) Process(ctx context.Context, payload T) (E, error) {
	return f(ctx, payload)
}

// Observer receives queue events, e.g. for metrics.
type Observer interface {
	Admitted(depth int)
	Rejected()
	Canceled()
	Dispatched(wait time.Duration)
}

type nopObserver struct{}

func (nopObserver) Admitted(int)             {}
func (nopObserver) Rejected()                {}
func (nopObserver) Canceled()                {}
func (nopObserver) Dispatched(time.Duration) {}

// Config configures a Queue.
type Config struct {
	// TargetRate is the pool-wide number of dispatches per BaseWindow.
	TargetRate int

	// QueueSize bounds the number of requests waiting for dispatch.
	QueueSize int

	// BaseWindow defaults to one second.
	BaseWindow time.Duration

	// Instances supplies the live-instance count. Nil means a pool of one.
	Instances InstanceCounter

	// Clock defaults to RealClock.
	Clock Clock

	Logger   *zap.Logger
	Observer Observer
}

func (cfg *Config) setDefaults() {
	if cfg.BaseWindow <= 0 {
		cfg.BaseWindow = defaultBaseWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
}

// Request is one admitted unit of work waiting in the queue.
type Request[T, E any] struct {
	ID          string
	Payload     T
	EnqueuedAt  time.Time
	ScheduledAt time.Time

	ctx        context.Context
	future     *Future[E]
	timer      Timer
	stopCancel func() bool
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Depth          int
	Capacity       int
	PacingInterval time.Duration
	LastDispatch   time.Time
}

// Queue is the adaptive admission queue. It is safe for concurrent use.
type Queue[T, E any] struct {
	cfg  Config
	proc Processor[T, E]
	log  *zap.Logger

	mu           sync.Mutex
	pending      *deque.Deque // of *Request[T, E], ascending ScheduledAt
	byID         map[string]*Request[T, E]
	lastDispatch time.Time
	closed       bool
}

// New returns a Queue dispatching to proc.
func New[T, E any](cfg Config, proc Processor[T, E]) (*Queue[T, E], error) {
	if cfg.TargetRate <= 0 {
		return nil, fmt.Errorf("admission: target rate must be positive, got %d", cfg.TargetRate)
	}
	if cfg.QueueSize <= 0 {
		return nil, fmt.Errorf("admission: queue size must be positive, got %d", cfg.QueueSize)
	}
	if proc == nil {
		return nil, errors.New("admission: nil processor")
	}
	cfg.setDefaults()
	return &Queue[T, E]{
		cfg:     cfg,
		proc:    proc,
		log:     cfg.Logger,
		pending: deque.New(cfg.QueueSize),
		byID:    make(map[string]*Request[T, E], cfg.QueueSize),
	}, nil
}

// PacingInterval is the spacing between consecutive dispatches of this
// instance given the current live-instance estimate.
func (q *Queue[T, E]) PacingInterval() time.Duration {
	n := 1
	if q.cfg.Instances != nil {
		if c := q.cfg.Instances.LiveCount(); c > 1 {
			n = c
		}
	}
	return time.Duration(int64(n) * int64(q.cfg.BaseWindow) / int64(q.cfg.TargetRate))
}

// Submit admits payload or rejects it, and never blocks on dispatch. The
// returned future completes with the processor's result, ErrRejected when
// the queue is full, ErrClosed after Close, or the context's error when ctx
// is canceled before dispatch, in which case the request is withdrawn.
func (q *Queue[T, E]) Submit(ctx context.Context, payload T) *Future[E] {
	fut := newFuture[E]()
	if err := ctx.Err(); err != nil {
		fut.reject(err)
		return fut
	}
	lag := q.PacingInterval()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		fut.reject(ErrClosed)
		return fut
	}

	now := q.cfg.Clock.Now()
	var start time.Time
	if depth := q.pending.Len(); depth > 0 {
		if depth >= q.cfg.QueueSize {
			q.mu.Unlock()
			q.cfg.Observer.Rejected()
			q.log.Debug("admission rejected", zap.Int("depth", depth))
			fut.reject(ErrRejected)
			return fut
		}
		start = q.pending.Back().(*Request[T, E]).ScheduledAt.Add(lag)
	} else {
		// absorb idle time: never schedule before now
		start = q.lastDispatch.Add(lag)
		if start.Before(now) {
			start = now
		}
	}

	req := &Request[T, E]{
		ID:          uuid.NewString(),
		Payload:     payload,
		EnqueuedAt:  now,
		ScheduledAt: start,
		ctx:         ctx,
		future:      fut,
	}
	q.pending.PushBack(req)
	q.byID[req.ID] = req
	req.timer = q.cfg.Clock.AfterFunc(start.Sub(now), func() { q.fire(req) })
	req.stopCancel = context.AfterFunc(ctx, func() { q.withdraw(req, ctx.Err()) })
	depth := q.pending.Len()
	q.mu.Unlock()

	q.cfg.Observer.Admitted(depth)
	q.log.Debug("request queued",
		zap.String("id", req.ID),
		zap.Time("start", start),
		zap.Duration("lag", lag),
		zap.Int("depth", depth),
	)
	return fut
}

// Consume dispatches the queued request id immediately, out of schedule.
// It reports false when id is not waiting in the queue.
func (q *Queue[T, E]) Consume(id string) bool {
	q.mu.Lock()
	req, ok := q.byID[id]
	q.mu.Unlock()
	if !ok {
		return false
	}
	return q.dispatch(req, true)
}

// Drain dispatches every queued request immediately, in schedule order, and
// returns how many it dispatched.
func (q *Queue[T, E]) Drain() int {
	q.mu.Lock()
	reqs := make([]*Request[T, E], 0, q.pending.Len())
	for i := 0; i < q.pending.Len(); i++ {
		reqs = append(reqs, q.pending.At(i).(*Request[T, E]))
	}
	q.mu.Unlock()

	n := 0
	for _, req := range reqs {
		if q.dispatch(req, true) {
			n++
		}
	}
	return n
}

// Close stops all pending timers without running them and rejects their
// futures with ErrClosed. Subsequent submissions are rejected too.
func (q *Queue[T, E]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	reqs := make([]*Request[T, E], 0, q.pending.Len())
	for q.pending.Len() > 0 {
		reqs = append(reqs, q.pending.PopFront().(*Request[T, E]))
	}
	clear(q.byID)
	q.mu.Unlock()

	for _, req := range reqs {
		req.timer.Stop()
		req.stopCancel()
		req.future.reject(ErrClosed)
	}
	if len(reqs) > 0 {
		q.log.Info("admission queue closed", zap.Int("rejected", len(reqs)))
	}
}

// Len returns the number of requests waiting for dispatch.
func (q *Queue[T, E]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Stats returns a snapshot of the queue state.
func (q *Queue[T, E]) Stats() Stats {
	lag := q.PacingInterval()
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:          q.pending.Len(),
		Capacity:       q.cfg.QueueSize,
		PacingInterval: lag,
		LastDispatch:   q.lastDispatch,
	}
}

func (q *Queue[T, E]) fire(req *Request[T, E]) {
	q.dispatch(req, false)
}

// dispatch removes req from the queue and runs it. Exactly one caller wins
// the removal; the others see false. Forced dispatches stop the timer and
// run the processor on a new goroutine.
func (q *Queue[T, E]) dispatch(req *Request[T, E], forced bool) bool {
	q.mu.Lock()
	if !q.takeLocked(req) {
		q.mu.Unlock()
		return false
	}
	now := q.cfg.Clock.Now()
	mark := now
	if req.ScheduledAt.After(mark) {
		mark = req.ScheduledAt
	}
	if mark.After(q.lastDispatch) {
		q.lastDispatch = mark
	}
	q.mu.Unlock()

	if forced {
		req.timer.Stop()
	}
	req.stopCancel()
	q.cfg.Observer.Dispatched(now.Sub(req.EnqueuedAt))

	if forced {
		go q.run(req)
	} else {
		q.run(req)
	}
	return true
}

func (q *Queue[T, E]) run(req *Request[T, E]) {
	defer func() {
		if r := recover(); r != nil {
			req.future.reject(&DownstreamError{ID: req.ID, Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	v, err := q.proc.Process(req.ctx, req.Payload)
	if err != nil {
		req.future.reject(&DownstreamError{ID: req.ID, Err: err})
		return
	}
	req.future.resolve(v)
}

// withdraw removes a request whose submitter gave up before dispatch.
func (q *Queue[T, E]) withdraw(req *Request[T, E], cause error) {
	q.mu.Lock()
	ok := q.takeLocked(req)
	q.mu.Unlock()
	if !ok {
		return
	}
	req.timer.Stop()
	req.future.reject(cause)
	q.cfg.Observer.Canceled()
	q.log.Debug("request withdrawn", zap.String("id", req.ID), zap.Error(cause))
}

// takeLocked unlinks req from the deque. The common case is the head; an
// entry in the middle forces a rebuild.
func (q *Queue[T, E]) takeLocked(req *Request[T, E]) bool {
	if _, ok := q.byID[req.ID]; !ok {
		return false
	}
	delete(q.byID, req.ID)

	if q.pending.Front().(*Request[T, E]) == req {
		q.pending.PopFront()
		return true
	}
	rebuilt := deque.New(q.cfg.QueueSize)
	for q.pending.Len() > 0 {
		r := q.pending.PopFront().(*Request[T, E])
		if r != req {
			rebuilt.PushBack(r)
		}
	}
	q.pending = rebuilt
	return true
}
