// Package ratelimit admits requests per identity using a sliding window log.
package ratelimit

import (
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/stephnangue/tally/logger"
)

const (
	DefaultLimit  = 200
	DefaultWindow = 10 * time.Minute
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// RetryAfter is set on denials: the time until the oldest retained
	// request leaves the window.
	RetryAfter time.Duration
	// Remaining is the number of further requests that would be admitted
	// right now.
	Remaining int
}

type Config struct {
	Limit  int
	Window time.Duration
	// JanitorInterval is how often idle windows are dropped. Defaults to the
	// window length; negative disables the janitor.
	JanitorInterval time.Duration
	Now             func() time.Time
}

// window holds the admission timestamps of one identity, oldest first.
type window struct {
	mu         sync.Mutex
	timestamps []time.Time
	// set by the janitor when the window is removed from the map
	dead bool
}

// Limiter is safe for concurrent use. Each identity has its own window and
// lock; checks for different identities never contend.
type Limiter struct {
	limit   int
	window  time.Duration
	now     func() time.Time
	windows sync.Map // string -> *window
	logger  logger.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func New(log logger.Logger, config Config) *Limiter {
	if config.Limit <= 0 {
		config.Limit = DefaultLimit
	}
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.JanitorInterval == 0 {
		config.JanitorInterval = config.Window
	}

	l := &Limiter{
		limit:  config.Limit,
		window: config.Window,
		now:    config.Now,
		logger: log,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if config.JanitorInterval > 0 {
		go l.janitor(config.JanitorInterval)
	} else {
		close(l.done)
	}
	return l
}

// Admit decides whether key may make a request now and, if so, records it.
// Denied attempts are not recorded.
func (l *Limiter) Admit(key string) Decision {
	w := l.lockWindow(key)
	defer w.mu.Unlock()

	now := l.now()
	w.prune(now.Add(-l.window))

	if len(w.timestamps) >= l.limit {
		retry := w.timestamps[0].Add(l.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		metrics.IncrCounter([]string{"ratelimit", "denied"}, 1)
		return Decision{Allowed: false, RetryAfter: retry}
	}

	w.timestamps = append(w.timestamps, now)
	metrics.IncrCounter([]string{"ratelimit", "allowed"}, 1)
	return Decision{Allowed: true, Remaining: l.limit - len(w.timestamps)}
}

// lockWindow returns the live window for key, locked.
func (l *Limiter) lockWindow(key string) *window {
	for {
		v, ok := l.windows.Load(key)
		if !ok {
			v, _ = l.windows.LoadOrStore(key, &window{})
		}
		w := v.(*window)
		w.mu.Lock()
		if !w.dead {
			return w
		}
		w.mu.Unlock()
	}
}

// prune drops timestamps at or before cutoff.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	// reuse the backing array once it is fully drained
	if i == len(w.timestamps) {
		w.timestamps = w.timestamps[:0]
		return
	}
	w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
}

// Limit and Window report the configuration in effect.
func (l *Limiter) Limit() int { return l.limit }
func (l *Limiter) Window() time.Duration { return l.window }

// Stats reports how many identities currently have a window.
func (l *Limiter) Stats() int {
	n := 0
	l.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// sweep removes windows with nothing left in them. Removed windows are marked
// dead under their lock so an Admit holding a stale pointer looks it up again.
func (l *Limiter) sweep() int {
	cutoff := l.now().Add(-l.window)
	removed := 0
	l.windows.Range(func(k, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		w.prune(cutoff)
		if len(w.timestamps) == 0 {
			w.dead = true
			l.windows.CompareAndDelete(k, w)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	metrics.SetGauge([]string{"ratelimit", "identities"}, float32(l.Stats()))
	return removed
}

func (l *Limiter) janitor(interval time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := l.sweep(); n > 0 {
				l.logger.Trace("dropped idle rate windows", logger.Int("count", n))
			}
		case <-l.stop:
			return
		}
	}
}

// Close stops the janitor.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}
