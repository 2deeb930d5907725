package commandqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/ranya-agent/internal/observability"
	"github.com/harun/ranya-agent/internal/tracing"
)

// ErrClosed is returned for tasks enqueued on, or still waiting in, a
// closed queue.
var ErrClosed = errors.New("commandqueue: closed")

// Task is one unit of serialized work.
type Task func(ctx context.Context) error

// Config configures a CommandQueue.
type Config struct {
	Logger zerolog.Logger
	// WarnAfter logs a warning when a task waits longer than this.
	WarnAfter time.Duration
}

// CommandQueue runs tasks one at a time per lane, in arrival order.
// Different lanes run concurrently. Idle lanes are dropped.
type CommandQueue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger    zerolog.Logger
	warnAfter time.Duration
}

type lane struct {
	running bool
	waiting []*ticket
}

type ticket struct {
	ready chan struct{}
}

// New creates an empty queue.
func New(cfg Config) *CommandQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:     make(map[string]*lane),
		ctx:       ctx,
		cancel:    cancel,
		logger:    cfg.Logger.With().Str("component", "commandqueue").Logger(),
		warnAfter: cfg.WarnAfter,
	}
}

// Enqueue waits for the lane to be free, runs task and returns its error.
// If ctx ends while the task is still waiting, the task is dropped and
// ctx.Err() is returned.
func (q *CommandQueue) Enqueue(ctx context.Context, laneName string, task Task) error {
	ctx, span := tracing.StartSpan(ctx, "ranya.commandqueue", "commandqueue.enqueue",
		attribute.String("lane", laneName),
	)
	logger := tracing.LoggerFromContext(ctx, q.logger).With().Str("lane", laneName).Logger()

	t, err := q.admit(laneName)
	if err != nil {
		tracing.EndSpan(span, err)
		return err
	}
	defer q.wg.Done()

	if err := q.wait(ctx, laneName, t, logger); err != nil {
		tracing.EndSpan(span, err)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(q.ctx, cancel)
	start := time.Now()

	err = task(runCtx)

	stop()
	cancel()
	q.release(laneName)

	observability.RecordQueueCompletion(time.Since(start), err == nil)
	logger.Debug().Dur("duration", time.Since(start)).Err(err).Msg("Task finished")
	tracing.EndSpan(span, err)
	return err
}

func (q *CommandQueue) admit(laneName string) (*ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	q.wg.Add(1)

	l, ok := q.lanes[laneName]
	if !ok {
		l = &lane{}
		q.lanes[laneName] = l
	}

	t := &ticket{ready: make(chan struct{})}
	if !l.running {
		l.running = true
		close(t.ready)
	} else {
		l.waiting = append(l.waiting, t)
	}
	observability.SetQueueSize(laneName, len(l.waiting))
	return t, nil
}

func (q *CommandQueue) wait(ctx context.Context, laneName string, t *ticket, logger zerolog.Logger) error {
	var warn <-chan time.Time
	if q.warnAfter > 0 {
		timer := time.NewTimer(q.warnAfter)
		defer timer.Stop()
		warn = timer.C
	}
	enqueuedAt := time.Now()

	for {
		select {
		case <-t.ready:
			return nil
		case <-ctx.Done():
			q.abandon(laneName, t)
			return ctx.Err()
		case <-q.ctx.Done():
			q.abandon(laneName, t)
			return ErrClosed
		case <-warn:
			logger.Warn().Dur("waited", time.Since(enqueuedAt)).Int("queued", q.QueueSize(laneName)).Msg("Task waiting longer than expected")
		}
	}
}

// abandon removes a waiting ticket. If the ticket was handed the lane in
// the meantime, the lane is passed on.
func (q *CommandQueue) abandon(laneName string, t *ticket) {
	q.mu.Lock()
	l := q.lanes[laneName]
	if l != nil {
		for i, w := range l.waiting {
			if w == t {
				l.waiting = append(l.waiting[:i], l.waiting[i+1:]...)
				observability.SetQueueSize(laneName, len(l.waiting))
				q.mu.Unlock()
				return
			}
		}
	}
	q.mu.Unlock()
	q.release(laneName)
}

func (q *CommandQueue) release(laneName string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.lanes[laneName]
	if !ok {
		return
	}
	if len(l.waiting) > 0 {
		next := l.waiting[0]
		l.waiting = l.waiting[1:]
		close(next.ready)
		observability.SetQueueSize(laneName, len(l.waiting))
		return
	}
	delete(q.lanes, laneName)
	observability.SetQueueSize(laneName, 0)
}

// QueueSize returns the number of tasks waiting behind the running one.
func (q *CommandQueue) QueueSize(laneName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[laneName]; ok {
		return len(l.waiting)
	}
	return 0
}

// Busy reports whether a task is running in the lane.
func (q *CommandQueue) Busy(laneName string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[laneName]
	return ok && l.running
}

// Close rejects new tasks, cancels running ones and waits for them.
func (q *CommandQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}
