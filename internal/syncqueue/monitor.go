package syncqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProbeFunc reports whether the network dependency is reachable.
type ProbeFunc func(ctx context.Context) error

func RedisProbe(client redis.UniversalClient) ProbeFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// ConnectivityMonitor probes periodically and calls onUp on every down→up transition.
type ConnectivityMonitor struct {
	probe    ProbeFunc
	onUp     func()
	interval time.Duration
	timeout  time.Duration

	up bool
}

func NewConnectivityMonitor(probe ProbeFunc, interval, timeout time.Duration, onUp func()) *ConnectivityMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ConnectivityMonitor{
		probe:    probe,
		onUp:     onUp,
		interval: interval,
		timeout:  timeout,
		up:       true,
	}
}

func (m *ConnectivityMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and returns the resulting state.
func (m *ConnectivityMonitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.probe(pctx)
	cancel()

	switch {
	case err != nil && m.up:
		m.up = false
		slog.WarnContext(ctx, "connectivity lost", "error", err)
	case err == nil && !m.up:
		m.up = true
		slog.InfoContext(ctx, "connectivity regained")
		if m.onUp != nil {
			m.onUp()
		}
	}
	return m.up
}
