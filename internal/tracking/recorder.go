// Package tracking persists live path points off the broadcast path.
//
// Samples are handed to a Recorder without blocking. Each trip hashes to one
// shard worker, so appends for a trip reach the store in arrival order, while
// trips on different shards are written concurrently.
package tracking

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"backend-fieldtrack/internal/logging"
	"backend-fieldtrack/internal/metrics"
	"backend-fieldtrack/internal/trip"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	defaultWorkers      = 4
	defaultQueueSize    = 1024
	defaultRetryMax     = 3
	defaultWriteTimeout = 5 * time.Second
	defaultBackoff      = 100 * time.Millisecond
	breakerFailures     = 5
	breakerOpenTimeout  = 10 * time.Second
)

// Appender is the slice of trip.Store the recorder writes through.
type Appender interface {
	AppendPathPoint(ctx context.Context, id string, p trip.PathPoint) error
}

type Config struct {
	Workers      int
	QueueSize    int // per shard
	RetryMax     int
	WriteTimeout time.Duration
	Backoff      time.Duration
}

type job struct {
	tripID string
	point  trip.PathPoint
}

type Recorder struct {
	store   Appender
	logger  *zap.Logger
	cfg     Config
	breaker *gobreaker.CircuitBreaker[struct{}]
	shards  []chan job

	mu      sync.RWMutex
	closed  bool
	running sync.Once
}

func NewRecorder(store Appender, logger *zap.Logger, cfg Config) *Recorder {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	logger = logging.OrNop(logger).Named("recorder")

	r := &Recorder{
		store:  store,
		logger: logger,
		cfg:    cfg,
		shards: make([]chan job, cfg.Workers),
	}
	for i := range r.shards {
		r.shards[i] = make(chan job, cfg.QueueSize)
	}
	r.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "path-store",
		Timeout: breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		// A stale trip is a normal outcome, not a store failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, trip.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return r
}

// Record queues a path point for tripID. It never blocks: a full shard or a
// closed recorder drops the point and returns false.
func (r *Recorder) Record(tripID string, p trip.PathPoint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metrics.PersistQueueDrops.Inc()
		return false
	}
	select {
	case r.shards[r.shardFor(tripID)] <- job{tripID: tripID, point: p}:
		return true
	default:
		metrics.PersistQueueDrops.Inc()
		r.logger.Warn("persistence queue full, dropping path point", zap.String("trip_id", tripID))
		return false
	}
}

// Run starts the shard workers and blocks until ctx is done. Points still
// queued at that time are written before Run returns. Run may only be called
// once.
func (r *Recorder) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	started := false
	r.running.Do(func() {
		started = true
		for _, shard := range r.shards {
			wg.Add(1)
			go func(jobs <-chan job) {
				defer wg.Done()
				for j := range jobs {
					r.write(j)
				}
			}(shard)
		}
	})
	if !started {
		return errors.New("recorder already running")
	}

	<-ctx.Done()
	r.close()
	wg.Wait()
	return ctx.Err()
}

func (r *Recorder) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, shard := range r.shards {
		close(shard)
	}
}

func (r *Recorder) write(j job) {
	for attempt := 1; ; attempt++ {
		start := time.Now()
		_, err := r.breaker.Execute(func() (struct{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
			defer cancel()
			return struct{}{}, r.store.AppendPathPoint(ctx, j.tripID, j.point)
		})
		metrics.PersistDuration.Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			metrics.Persist.WithLabelValues(metrics.PersistOK).Inc()
			return
		case errors.Is(err, trip.ErrNotFound):
			metrics.Persist.WithLabelValues(metrics.PersistStale).Inc()
			r.logger.Warn("dropping path point for unknown or completed trip", zap.String("trip_id", j.tripID))
			return
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			metrics.Persist.WithLabelValues(metrics.PersistOpen).Inc()
			r.logger.Warn("path store unavailable, dropping path point", zap.String("trip_id", j.tripID), zap.Error(err))
			return
		}

		r.logger.Warn("path point write failed",
			zap.String("trip_id", j.tripID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt >= r.cfg.RetryMax {
			metrics.Persist.WithLabelValues(metrics.PersistTransient).Inc()
			r.logger.Error("giving up on path point", zap.String("trip_id", j.tripID), zap.Error(err))
			return
		}
		time.Sleep(time.Duration(attempt*attempt) * r.cfg.Backoff)
	}
}

func (r *Recorder) shardFor(tripID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tripID))
	return int(h.Sum32() % uint32(len(r.shards)))
}
