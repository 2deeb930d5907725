package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxIdle         = 30 * 24 * time.Hour
	DefaultCleanupInterval = 24 * time.Hour
)

// Cleanup deletes conversations that have been idle for too long,
// together with their compaction state.
type Cleanup struct {
	store    Store
	maxIdle  time.Duration
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	stop    func()
}

// NewCleanup creates a new session cleanup handler
func NewCleanup(store Store, maxIdle time.Duration, logger zerolog.Logger) *Cleanup {
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}

	return &Cleanup{
		store:    store,
		maxIdle:  maxIdle,
		interval: DefaultCleanupInterval,
		logger:   logger.With().Str("component", "session_cleanup").Logger(),
		now:      time.Now,
	}
}

// Start runs cleanup now and then on every interval until Stop.
func (c *Cleanup) Start(interval time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("cleanup is already running")
	}
	if interval > 0 {
		c.interval = interval
	}

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	go c.run(stopCh, doneCh)

	c.running = true
	c.stop = func() {
		close(stopCh)
		<-doneCh
	}

	c.logger.Info().Dur("max_idle", c.maxIdle).Dur("interval", c.interval).Msg("Session cleanup started")

	return nil
}

// StartSchedule runs cleanup on a five-field cron expression
// ("0 3 * * *") until Stop.
func (c *Cleanup) StartSchedule(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("cleanup is already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	scheduler := cron.New(cron.WithParser(parser))
	scheduler.Schedule(schedule, cron.FuncJob(func() {
		if _, err := c.CleanupNow(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error().Err(err).Msg("Failed to cleanup idle sessions")
		}
	}))
	scheduler.Start()

	c.running = true
	c.stop = func() {
		cancel()
		<-scheduler.Stop().Done()
	}

	c.logger.Info().Dur("max_idle", c.maxIdle).Str("schedule", expr).
		Time("next", schedule.Next(c.now())).Msg("Session cleanup scheduled")

	return nil
}

// Stop stops the cleanup loop and waits for a running pass to finish.
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("cleanup is not running")
	}
	c.running = false
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()

	stop()
	c.logger.Info().Msg("Session cleanup stopped")

	return nil
}

// IsRunning returns whether the cleanup is running
func (c *Cleanup) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Cleanup) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if _, err := c.CleanupNow(ctx); err != nil {
			c.logger.Error().Err(err).Msg("Failed to cleanup idle sessions")
		}
		select {
		case <-ticker.C:
		case <-stop:
			return
		}
	}
}

// CleanupNow deletes every conversation idle longer than the limit and
// returns how many were deleted.
func (c *Cleanup) CleanupNow(ctx context.Context) (int, error) {
	ids, err := c.store.ListConversations(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	now := c.now()
	deleted := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		last, err := c.store.LastActivity(ctx, id)
		if err != nil {
			c.logger.Warn().Str("session_key", id).Err(err).Msg("Failed to get session activity")
			continue
		}

		idle := now.Sub(last)
		if idle < c.maxIdle {
			continue
		}
		if err := c.store.DeleteConversation(ctx, id); err != nil {
			c.logger.Error().Str("session_key", id).Err(err).Msg("Failed to delete session")
			continue
		}
		deleted++
		c.logger.Debug().Str("session_key", id).Dur("idle", idle).Msg("Session deleted")
	}

	if deleted > 0 {
		c.logger.Info().Int("deleted", deleted).Msg("Cleaned up idle sessions")
	}

	return deleted, nil
}
