package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count int
	start time.Time
}

// Memory is an in-process fixed-window limiter.
type Memory struct {
	mu      sync.Mutex
	quota   Quota
	windows map[string]*window
	now     func() time.Time
}

// NewMemory returns an in-process limiter for quota.
func NewMemory(quota Quota) *Memory {
	return &Memory{
		quota:   quota.sanitize(),
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Consume implements Limiter.
func (m *Memory) Consume(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || now.Sub(w.start) >= m.quota.Window {
		m.windows[key] = &window{count: 1, start: now}
		return nil
	}

	if w.count >= m.quota.Points {
		return &RateLimitError{
			Key:        key,
			Limit:      m.quota.Points,
			RetryAfter: w.start.Add(m.quota.Window).Sub(now),
		}
	}
	w.count++
	return nil
}

// Cleanup drops windows that have already expired.
func (m *Memory) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, w := range m.windows {
		if now.Sub(w.start) >= m.quota.Window {
			delete(m.windows, key)
		}
	}
}

// Run calls Cleanup once per window until ctx is done.
func (m *Memory) Run(ctx context.Context) {
	ticker := time.NewTicker(m.quota.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup()
		}
	}
}

func (m *Memory) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
