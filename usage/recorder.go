package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/stephnangue/tally/helper"
	"github.com/stephnangue/tally/logger"
)

const (
	DefaultQueueSize     = 1024
	DefaultFallbackSize  = 4096
	DefaultDrainInterval = 30 * time.Second
	DefaultWriteTimeout  = 5 * time.Second
)

// RecorderConfig contains configuration for the recorder
type RecorderConfig struct {
	Sink          Sink
	QueueSize     int           // Records waiting for the worker
	FallbackSize  int           // Records held in memory while the sink fails
	DrainInterval time.Duration // Time between fallback drain attempts
	WriteTimeout  time.Duration // Per-record sink write timeout
	Logger        logger.Logger
}

// Stats is a point-in-time view of the recorder.
type Stats struct {
	Queued   int    `json:"queued"`
	Fallback int    `json:"fallback"`
	Dropped  uint64 `json:"dropped"`
	Degraded bool   `json:"degraded"`
}

// Recorder accepts records without blocking and writes them to the sink from
// a single worker. Records that cannot be queued or written go to a bounded
// in-memory fallback that is retried periodically; when the fallback is full
// the oldest record is dropped.
type Recorder struct {
	sink          Sink
	queue         chan Record
	fallbackSize  int
	drainInterval time.Duration
	writeTimeout  time.Duration
	logger        logger.Logger

	// guards sends on queue against Close
	sendMu sync.RWMutex
	closed bool

	mu       sync.Mutex
	fallback []Record
	dropped  uint64
	degraded bool

	drainMu sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewRecorder(config RecorderConfig) (*Recorder, error) {
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.FallbackSize <= 0 {
		config.FallbackSize = DefaultFallbackSize
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = DefaultDrainInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}

	r := &Recorder{
		sink:          config.Sink,
		queue:         make(chan Record, config.QueueSize),
		fallbackSize:  config.FallbackSize,
		drainInterval: config.DrainInterval,
		writeTimeout:  config.WriteTimeout,
		logger:        config.Logger,
		stop:          make(chan struct{}),
	}

	r.wg.Add(2)
	go r.worker()
	go r.periodicDrain()

	return r, nil
}

// Record enqueues rec. It never blocks and never fails; problems surface as
// warning logs and metrics.
func (r *Recorder) Record(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.ID == "" {
		rec.ID = helper.GenerateRecordID(rec.Timestamp)
	}

	r.sendMu.RLock()
	defer r.sendMu.RUnlock()

	if r.closed {
		r.toFallback(rec, "recorder closed")
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.toFallback(rec, "queue full")
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for rec := range r.queue {
		if err := r.write(rec); err != nil {
			r.toFallback(rec, err.Error())
		}
	}
}

func (r *Recorder) write(rec Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	return r.sink.Write(ctx, rec)
}

func (r *Recorder) toFallback(rec Record, reason string) {
	r.mu.Lock()
	if len(r.fallback) >= r.fallbackSize {
		r.fallback = r.fallback[1:]
		r.dropped++
		metrics.IncrCounter([]string{"usage", "dropped"}, 1)
	}
	r.fallback = append(r.fallback, rec)
	entering := !r.degraded
	r.degraded = true
	pending := len(r.fallback)
	r.mu.Unlock()

	metrics.IncrCounter([]string{"usage", "fallback"}, 1)
	if entering {
		metrics.SetGauge([]string{"usage", "degraded"}, 1)
		r.logger.Warn("usage recording degraded, buffering records in memory",
			logger.String("sink", r.sink.Name()),
			logger.String("reason", reason),
			logger.Int("pending", pending))
	}
}

// drain retries fallback records oldest first and stops at the first
// failure. It returns the number of records still pending.
func (r *Recorder) drain() int {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	r.mu.Lock()
	pending := r.fallback
	r.fallback = nil
	r.mu.Unlock()

	written := 0
	var lastErr error
	for _, rec := range pending {
		if err := r.write(rec); err != nil {
			lastErr = err
			break
		}
		written++
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rest := pending[written:]; len(rest) > 0 {
		merged := append(append([]Record(nil), rest...), r.fallback...)
		if over := len(merged) - r.fallbackSize; over > 0 {
			merged = merged[over:]
			r.dropped += uint64(over)
			metrics.IncrCounter([]string{"usage", "dropped"}, float32(over))
		}
		r.fallback = merged
	}

	if len(r.fallback) == 0 && r.degraded {
		r.degraded = false
		metrics.SetGauge([]string{"usage", "degraded"}, 0)
		r.logger.Info("usage recording recovered",
			logger.String("sink", r.sink.Name()),
			logger.Int("replayed", written))
	} else if lastErr != nil {
		r.logger.Debug("usage fallback drain incomplete",
			logger.Int("written", written),
			logger.Int("pending", len(r.fallback)),
			logger.Err(lastErr))
	}
	return len(r.fallback)
}

func (r *Recorder) periodicDrain() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.Stats().Fallback > 0 {
				r.drain()
			}
		case <-r.stop:
			return
		}
	}
}

// Stats returns current counters.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Queued:   len(r.queue),
		Fallback: len(r.fallback),
		Dropped:  r.dropped,
		Degraded: r.degraded,
	}
}

// Close stops accepting records, writes everything queued, makes a final
// attempt at the fallback and closes the sink. Records still pending after
// that are lost and reported in the error.
func (r *Recorder) Close(ctx context.Context) error {
	r.sendMu.Lock()
	if r.closed {
		r.sendMu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.sendMu.Unlock()

	close(r.stop)

	waitDone := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-ctx.Done():
		return fmt.Errorf("usage recorder did not drain in time: %w", ctx.Err())
	}

	lost := r.drain()
	closeErr := r.sink.Close()

	if lost > 0 {
		r.logger.Error("usage records lost on shutdown", logger.Int("count", lost))
		return fmt.Errorf("%d usage records could not be written", lost)
	}
	return closeErr
}
