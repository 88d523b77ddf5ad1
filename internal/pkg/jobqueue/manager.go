package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/LicenseDesk/internal/pkg/billing"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/config"
)

// Drainer is the part of the billing service the manager drives.
type Drainer interface {
	ProcessQueue(ctx context.Context, limit int) (*billing.QueueRunResult, error)
	ResetStuckQueueItems(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Manager triggers queue drains on a fixed interval and sweeps rows left in
// processing by a crashed drain. The queue itself stays passive.
type Manager struct {
	drainer       Drainer
	lock          *Lock
	drainInterval time.Duration
	sweepInterval time.Duration
	stuckAfter    time.Duration
	batch         int
	drainTicker   *time.Ticker
	sweepTicker   *time.Ticker
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

// NewManager builds a manager for cfg. rdb may be nil for a single instance
// deployment, in which case drains run without the distributed lock.
func NewManager(drainer Drainer, rdb *redis.Client, cfg *config.Config) *Manager {
	m := &Manager{
		drainer:       drainer,
		drainInterval: cfg.QueueDrainInterval,
		sweepInterval: time.Minute,
		stuckAfter:    cfg.QueueStuckAfter,
		batch:         billing.DefaultQueueBatch,
		stopCh:        make(chan struct{}),
	}
	if rdb != nil {
		// The lock outlives a full batch with provider throttling, and is
		// released early on completion.
		m.lock = NewLock(rdb, DrainLockKey, lockTTL(cfg))
	}
	return m
}

func lockTTL(cfg *config.Config) time.Duration {
	ttl := 5 * time.Minute
	if cfg.QueueDrainInterval > ttl {
		ttl = cfg.QueueDrainInterval
	}
	return ttl
}

// Enabled reports whether a drain interval is configured.
func (m *Manager) Enabled() bool {
	return m.drainInterval > 0
}

// Start launches the drain and sweeper loops. It is a no-op when no drain
// interval is configured.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running || !m.Enabled() {
		return
	}

	m.stopCh = make(chan struct{})
	m.running = true
	log.Infof("[Queue Manager] Starting (drain=%s, sweep=%s, stuckAfter=%s)", m.drainInterval, m.sweepInterval, m.stuckAfter)

	m.drainTicker = time.NewTicker(m.drainInterval)
	m.wg.Add(1)
	go m.drainWorker(m.stopCh)

	m.sweepTicker = time.NewTicker(m.sweepInterval)
	m.wg.Add(1)
	go m.sweepWorker(m.stopCh)
}

// Stop halts both loops and waits for an in-flight drain to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Queue Manager] Stopping...")
	if m.drainTicker != nil {
		m.drainTicker.Stop()
	}
	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}

	close(m.stopCh)
	m.running = false
	m.wg.Wait()
	log.Info("[Queue Manager] Stopped")
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) drainWorker(stopCh chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case <-m.drainTicker.C:
			ctx, cancel := contextUntil(stopCh)
			if _, err := m.RunOnce(ctx); err != nil && !errors.Is(err, ErrLockHeld) {
				log.Errorf("[Queue Manager] Drain failed: %v", err)
			}
			cancel()
		}
	}
}

func (m *Manager) sweepWorker(stopCh chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case <-m.sweepTicker.C:
			ctx, cancel := contextUntil(stopCh)
			if _, err := m.Sweep(ctx); err != nil {
				log.Errorf("[Queue Manager] Stuck sweep failed: %v", err)
			}
			cancel()
		}
	}
}

// RunOnce performs one locked drain. ErrLockHeld means another instance is
// already draining.
func (m *Manager) RunOnce(ctx context.Context) (*billing.QueueRunResult, error) {
	if m.lock != nil {
		token, err := m.lock.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer func() {
			// Release with a fresh context so a canceled drain still frees the key.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := m.lock.Release(releaseCtx, token); err != nil {
				log.Warnf("[Queue Manager] Failed to release drain lock: %v", err)
			}
		}()
	}

	res, err := m.drainer.ProcessQueue(ctx, m.batch)
	if err != nil {
		return res, err
	}
	if res.Processed > 0 {
		log.Infof("[Queue Manager] Drained %d items (%d ok, %d failed, %d refunded)", res.Processed, res.SuccessCount, res.FailCount, res.Refunded)
	}
	return res, nil
}

// Sweep resets rows stuck in processing longer than the configured threshold.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.drainer.ResetStuckQueueItems(ctx, m.stuckAfter)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Warnf("[Queue Manager] Reset %d stuck queue items", n)
	}
	return n, nil
}

// contextUntil returns a context canceled when stopCh closes.
func contextUntil(stopCh chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
