// Package connectivity tracks whether the authoritative server is reachable.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// Monitor periodically probes GET {baseURL}/api/health. The flag starts
// out true so queued work is attempted before the first probe completes.
type Monitor struct {
	baseURL  string
	interval time.Duration
	client   *http.Client
	onOnline func(context.Context)
	logger   *slog.Logger

	mu        sync.RWMutex
	online    bool
	lastCheck time.Time
}

// Config holds Monitor settings. Zero durations select the defaults.
type Config struct {
	BaseURL  string
	Interval time.Duration
	Timeout  time.Duration
	// OnOnline runs after every successful probe, typically a queue drain.
	OnOnline func(context.Context)
	Logger   *slog.Logger
}

// New creates a Monitor.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		interval: cfg.Interval,
		client:   &http.Client{Timeout: cfg.Timeout},
		onOnline: cfg.OnOnline,
		logger:   cfg.Logger,
		online:   true,
	}
}

// Online returns the last observed reachability.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// LastCheck returns the time of the last completed probe.
func (m *Monitor) LastCheck() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCheck
}

// SetOnline overrides the flag and logs transitions.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	m.mu.Unlock()
	if was != online {
		if online {
			m.logger.Info("connection restored", "url", m.baseURL)
		} else {
			m.logger.Warn("connection lost", "url", m.baseURL)
		}
	}
}

// Check probes the health endpoint once and updates the flag. On success
// the OnOnline callback runs synchronously.
func (m *Monitor) Check(ctx context.Context) bool {
	ok := m.probe(ctx)
	m.mu.Lock()
	m.lastCheck = time.Now()
	m.mu.Unlock()
	m.SetOnline(ok)
	if ok && m.onOnline != nil {
		m.onOnline(ctx)
	}
	return ok
}

func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/api/health", nil)
	if err != nil {
		m.logger.Debug("health request", "error", err)
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("health probe failed", "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Run probes on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info("connectivity monitor started", "url", m.baseURL, "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
