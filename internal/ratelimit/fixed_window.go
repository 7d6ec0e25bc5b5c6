package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	mu      sync.Mutex
	start   time.Time
	count   int64
	evicted bool
}

// FixedWindow keeps counters in process memory. A background janitor drops
// windows that have elapsed so idle keys do not accumulate.
type FixedWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	windows sync.Map // key -> *window

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

var (
	_ Limiter  = (*FixedWindow)(nil)
	_ Resetter = (*FixedWindow)(nil)
)

// Option configures FixedWindow.
type Option func(*FixedWindow)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *FixedWindow) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewFixedWindow starts a limiter admitting limit requests per window and
// per key. Close stops its janitor.
func NewFixedWindow(limit int, window time.Duration, opts ...Option) (*FixedWindow, error) {
	if err := validate(limit, window); err != nil {
		return nil, err
	}
	l := &FixedWindow{
		limit:  limit,
		window: window,
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.janitor(max(window, time.Second))
	return l, nil
}

func (l *FixedWindow) Allow(ctx context.Context, key string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	for {
		v, _ := l.windows.LoadOrStore(key, &window{start: l.now()})
		w := v.(*window)

		w.mu.Lock()
		if w.evicted {
			// janitor removed it between load and lock
			w.mu.Unlock()
			continue
		}
		now := l.now()
		if !now.Before(w.start.Add(l.window)) {
			w.start = now
			w.count = 0
		}
		w.count++
		d := decide(w.count, l.limit, w.start.Add(l.window))
		w.mu.Unlock()
		return d, nil
	}
}

// Len returns the number of tracked keys.
func (l *FixedWindow) Len() int {
	n := 0
	l.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Reset drops every counter.
func (l *FixedWindow) Reset(context.Context) error {
	l.windows.Range(func(k, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		w.evicted = true
		l.windows.Delete(k)
		w.mu.Unlock()
		return true
	})
	return nil
}

// Close stops the janitor. It is safe to call more than once.
func (l *FixedWindow) Close() error {
	l.stopOnce.Do(func() {
		close(l.stop)
		<-l.done
	})
	return nil
}

func (l *FixedWindow) janitor(every time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *FixedWindow) sweep() {
	now := l.now()
	l.windows.Range(func(k, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		if !now.Before(w.start.Add(l.window)) {
			w.evicted = true
			l.windows.Delete(k)
		}
		w.mu.Unlock()
		return true
	})
}
