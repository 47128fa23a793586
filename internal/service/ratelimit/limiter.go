package ratelimit

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/cloudpad/gameserv/pkg/config"
)

const sweepInterval = 5 * time.Minute

// Counter reports how many invocations a user has in the current window,
// including the one being admitted.
type Counter interface {
	WindowCount(ctx context.Context, userID string, window time.Duration) (int, error)
	Close()
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Count   int
}

// Service applies the per-user command rate policy on top of a counter.
type Service struct {
	counter  Counter
	logger   *slog.Logger
	max      int
	window   time.Duration
	excluded map[string]struct{}
	owners   map[string]struct{}
}

// New constructs the rate limiter from configuration.
func New(counter Counter, logger *slog.Logger, cfg config.BotConfig) *Service {
	excluded := make(map[string]struct{}, len(cfg.ExcludedCommands))
	for _, name := range cfg.ExcludedCommands {
		excluded[name] = struct{}{}
	}
	owners := make(map[string]struct{}, len(cfg.OwnerIDs))
	for _, id := range cfg.OwnerIDs {
		owners[id] = struct{}{}
	}
	return &Service{
		counter:  counter,
		logger:   logger.With("component", "ratelimit"),
		max:      cfg.MaxCommandsPerMinute,
		window:   time.Minute,
		excluded: excluded,
		owners:   owners,
	}
}

// IsOwner reports whether the user bypasses rate limiting entirely.
func (s *Service) IsOwner(userID string) bool {
	_, ok := s.owners[userID]
	return ok
}

// Admit decides whether the invocation may proceed. Owners and excluded
// commands always pass. A counter error fails open: availability wins over
// strict limiting.
func (s *Service) Admit(ctx context.Context, userID, commandName string) Decision {
	if s.max <= 0 {
		return Decision{Allowed: true}
	}
	if s.IsOwner(userID) {
		return Decision{Allowed: true}
	}
	if _, ok := s.excluded[commandName]; ok {
		return Decision{Allowed: true}
	}

	count, err := s.counter.WindowCount(ctx, userID, s.window)
	if err != nil {
		s.logger.Warn("rate limit lookup failed, admitting", "user_id", userID, "command", commandName, "error", err)
		return Decision{Allowed: true}
	}
	if count > s.max {
		return Decision{Allowed: false, Count: count}
	}
	return Decision{Allowed: true, Count: count}
}

// Close releases the counter backend.
func (s *Service) Close() {
	if s.counter != nil {
		s.counter.Close()
	}
}

type memoryCounter struct {
	mu      sync.Mutex
	entries map[string]windowState
	stopCh  chan struct{}
	once    sync.Once
	now     func() time.Time
}

type windowState struct {
	count     int
	windowEnd time.Time
}

// NewMemoryCounter returns an in-process fixed-window counter with a
// background sweep of expired entries.
func NewMemoryCounter() Counter {
	c := &memoryCounter{
		entries: make(map[string]windowState),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go c.sweepLoop()
	return c
}

func (c *memoryCounter) WindowCount(_ context.Context, userID string, window time.Duration) (int, error) {
	if window <= 0 {
		window = time.Minute
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.entries[userID]
	if !ok || now.After(state.windowEnd) {
		state = windowState{count: 1, windowEnd: now.Add(window)}
		c.entries[userID] = state
		return state.count, nil
	}
	state.count++
	c.entries[userID] = state
	return state.count, nil
}

func (c *memoryCounter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup(c.now())
		case <-c.stopCh:
			return
		}
	}
}

func (c *memoryCounter) cleanup(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, state := range c.entries {
		if now.After(state.windowEnd) {
			delete(c.entries, key)
		}
	}
}

func (c *memoryCounter) Close() {
	c.once.Do(func() {
		close(c.stopCh)
	})
}
