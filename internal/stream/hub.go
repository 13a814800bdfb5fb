// Package stream is the live side of tracking: it keeps the session
// registry, fans position samples out to observers and relays them between
// instances over Redis.
package stream

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"backend-fieldtrack/internal/logging"
	"backend-fieldtrack/internal/metrics"
	"backend-fieldtrack/internal/shared/geo"
	"backend-fieldtrack/internal/trip"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event names on the wire.
const (
	EventJoinTracking    = "join_tracking"
	EventAdminMonitor    = "admin_monitor"
	EventLocationUpdate  = "location_update"
	EventReceiveLocation = "receive_location"
	EventError           = "error"
)

const (
	relayChannel       = "tracking:locations"
	defaultRelayBuffer = 1024
	defaultRelayRetry  = 500 * time.Millisecond
	maxRelayRetry      = 30 * time.Second
	stripeCount        = 64
)

// Sample is one inbound position report.
type Sample struct {
	SubjectID string
	TripID    string
	Lat       float64
	Lng       float64
}

// Location is the enriched event delivered to observers.
type Location struct {
	SubjectID string    `json:"subject_id"`
	TripID    string    `json:"trip_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

// Recorder receives path points for asynchronous persistence.
type Recorder interface {
	Record(tripID string, p trip.PathPoint) bool
}

type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type relayMessage struct {
	Origin   string   `json:"origin"`
	Location Location `json:"location"`
}

type Option func(*Hub)

// WithRelayBuffer bounds the queue of events waiting to be published to Redis.
func WithRelayBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.relayBuffer = n
		}
	}
}

// WithRelayRetry sets the first delay between subscription attempts. The
// delay doubles up to 30s.
func WithRelayRetry(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.relayRetry = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// Hub is the ingest and fan-out engine.
type Hub struct {
	registry *Registry
	recorder Recorder
	redis    *redis.Client
	logger   *zap.Logger
	now      func() time.Time

	origin      string
	relayBuffer int
	relayRetry  time.Duration
	relay       chan Location
	ready       chan struct{}

	// stripes serialize samples per subject so that observers and the
	// recorder see one subject's samples in the same order.
	stripes [stripeCount]sync.Mutex
}

func NewHub(registry *Registry, recorder Recorder, redisClient *redis.Client, logger *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		registry:    registry,
		recorder:    recorder,
		redis:       redisClient,
		logger:      logging.OrNop(logger).Named("hub"),
		now:         time.Now,
		origin:      uuid.NewString(),
		relayBuffer: defaultRelayBuffer,
		relayRetry:  defaultRelayRetry,
		ready:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if redisClient != nil {
		h.relay = make(chan Location, h.relayBuffer)
	}
	return h
}

func (h *Hub) Registry() *Registry { return h.registry }

// JoinTracking binds c to subjectID for inbound tracking.
func (h *Hub) JoinTracking(c *Client, subjectID string) error {
	if err := h.registry.RegisterSubject(c, subjectID); err != nil {
		return err
	}
	h.logger.Info("subject joined tracking", zap.String("subject_id", subjectID), zap.Uint64("conn", c.ID()))
	return nil
}

// Monitor registers c as an observer, optionally scoped to one subject.
func (h *Hub) Monitor(c *Client, subjectFilter string) {
	h.registry.RegisterObserver(c, subjectFilter)
	h.logger.Info("observer joined monitoring", zap.String("filter", subjectFilter), zap.Uint64("conn", c.ID()))
}

// Disconnect drops all bindings of c and closes its outbound queue.
func (h *Hub) Disconnect(c *Client) {
	h.registry.Unregister(c)
	c.Close()
}

// OnPositionSample broadcasts the sample to current observers and hands it
// to the recorder. Neither step blocks on slow observers or on storage.
func (h *Hub) OnPositionSample(s Sample) (Location, error) {
	if s.SubjectID == "" {
		metrics.SamplesRejected.Inc()
		return Location{}, fmt.Errorf("location update: subject_id required: %w", trip.ErrInvalidInput)
	}
	if !geo.ValidCoordinate(s.Lat, s.Lng) {
		metrics.SamplesRejected.Inc()
		return Location{}, fmt.Errorf("location update: invalid coordinates: %w", trip.ErrInvalidInput)
	}

	stripe := &h.stripes[stripeFor(s.SubjectID)]
	stripe.Lock()
	defer stripe.Unlock()

	loc := Location{
		SubjectID: s.SubjectID,
		TripID:    s.TripID,
		Lat:       s.Lat,
		Lng:       s.Lng,
		Timestamp: h.now().UTC(),
	}
	metrics.SamplesReceived.Inc()
	h.broadcast(loc)

	if s.TripID == "" {
		h.logger.Debug("sample without trip, not persisted", zap.String("subject_id", s.SubjectID))
	} else if h.recorder != nil {
		h.recorder.Record(s.TripID, trip.PathPoint{Lat: loc.Lat, Lng: loc.Lng, Timestamp: loc.Timestamp})
	}

	if h.relay != nil {
		select {
		case h.relay <- loc:
		default:
			metrics.Relay.WithLabelValues("dropped").Inc()
		}
	}
	return loc, nil
}

// SendError queues an error frame for c only.
func (h *Hub) SendError(c *Client, err error) {
	payload, encErr := encodeFrame(EventError, map[string]string{"message": err.Error()})
	if encErr != nil {
		return
	}
	c.Enqueue(payload)
}

// Ready is closed once the Redis subscription is confirmed.
func (h *Hub) Ready() <-chan struct{} { return h.ready }

// Listen relays local samples to other instances and delivers theirs to
// local observers until ctx is done. Without Redis it returns immediately.
// While Redis is unreachable the subscription is retried with backoff.
func (h *Hub) Listen(ctx context.Context) error {
	if h.redis == nil {
		return nil
	}

	pubsub, err := h.subscribe(ctx)
	if err != nil {
		return err
	}
	defer pubsub.Close()
	close(h.ready)
	h.logger.Info("relay subscribed", zap.String("channel", relayChannel))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.publishLoop(ctx)
	}()

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				wg.Wait()
				return nil
			}
			h.deliverRemote(msg.Payload)
		}
	}
}

func (h *Hub) subscribe(ctx context.Context) (*redis.PubSub, error) {
	delay := h.relayRetry
	for attempt := 1; ; attempt++ {
		pubsub := h.redis.Subscribe(ctx, relayChannel)
		_, err := pubsub.Receive(ctx)
		if err == nil {
			return pubsub, nil
		}
		_ = pubsub.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.Relay.WithLabelValues("subscribe_error").Inc()
		h.logger.Warn("relay subscribe failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxRelayRetry {
			delay = maxRelayRetry
		}
	}
}

func (h *Hub) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case loc := <-h.relay:
			payload, err := json.Marshal(relayMessage{Origin: h.origin, Location: loc})
			if err != nil {
				continue
			}
			if err := h.redis.Publish(ctx, relayChannel, payload).Err(); err != nil {
				metrics.Relay.WithLabelValues("publish_error").Inc()
				h.logger.Warn("redis publish error", zap.Error(err))
				continue
			}
			metrics.Relay.WithLabelValues("published").Inc()
		}
	}
}

func (h *Hub) deliverRemote(payload string) {
	var msg relayMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		metrics.Relay.WithLabelValues("decode_error").Inc()
		h.logger.Warn("malformed relay message", zap.Error(err))
		return
	}
	if msg.Origin == h.origin || msg.Location.SubjectID == "" {
		return
	}
	metrics.Relay.WithLabelValues("received").Inc()

	stripe := &h.stripes[stripeFor(msg.Location.SubjectID)]
	stripe.Lock()
	defer stripe.Unlock()
	h.broadcast(msg.Location)
}

func (h *Hub) broadcast(loc Location) {
	payload, err := encodeFrame(EventReceiveLocation, loc)
	if err != nil {
		h.logger.Error("encode location", zap.Error(err))
		return
	}
	for _, obs := range h.registry.Observers() {
		if !obs.Wants(loc.SubjectID) {
			continue
		}
		if obs.Client.Enqueue(payload) {
			metrics.Deliveries.Inc()
		}
	}
}

func encodeFrame(event string, data any) ([]byte, error) {
	return json.Marshal(frame{Event: event, Data: data})
}

func stripeFor(subjectID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subjectID))
	return int(h.Sum32() % stripeCount)
}
