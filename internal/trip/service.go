package trip

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"backend-fieldtrack/internal/logging"
	"backend-fieldtrack/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// distanceTolerance is the relative gap between the client distance and the
// haversine length of the submitted path above which a warning is logged.
const distanceTolerance = 0.5

// Service is the trip lifecycle controller: it owns the active/completed
// state machine per subject on top of a Store.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*subjectLock
}

type subjectLock struct {
	mu   sync.Mutex
	refs int
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		logger: logging.OrNop(logger).Named("trip"),
		now:    time.Now,
		locks:  map[string]*subjectLock{},
	}
}

// Start returns the subject's active trip if there is one, otherwise it
// creates a new trip.
func (s *Service) Start(ctx context.Context, subjectID string) (StartResult, error) {
	if subjectID == "" {
		return StartResult{}, fmt.Errorf("start trip: subject required: %w", ErrInvalidInput)
	}

	unlock := s.lockSubject(subjectID)
	defer unlock()

	if active, ok, err := s.store.FindActiveBySubject(ctx, subjectID); err != nil {
		return StartResult{}, fmt.Errorf("find active trip: %w", err)
	} else if ok {
		metrics.TripEvents.WithLabelValues("resumed").Inc()
		s.logger.Info("resuming active trip", zap.String("subject_id", subjectID), zap.String("trip_id", active.ID))
		return StartResult{TripID: active.ID, Resumed: true}, nil
	}

	t := Trip{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		StartTime: s.now().UTC(),
		Status:    StatusActive,
		Path:      []PathPoint{},
		Stops:     []Stop{},
	}
	id, err := s.store.Create(ctx, t)
	if errors.Is(err, ErrActiveTripExists) {
		// Another instance created the active trip first.
		active, ok, findErr := s.store.FindActiveBySubject(ctx, subjectID)
		if findErr != nil {
			return StartResult{}, fmt.Errorf("find active trip: %w", findErr)
		}
		if !ok {
			return StartResult{}, fmt.Errorf("start trip: active trip vanished: %w", ErrTransient)
		}
		metrics.TripEvents.WithLabelValues("resumed").Inc()
		return StartResult{TripID: active.ID, Resumed: true}, nil
	}
	if err != nil {
		return StartResult{}, fmt.Errorf("create trip: %w", err)
	}

	metrics.TripEvents.WithLabelValues("started").Inc()
	s.logger.Info("trip started", zap.String("subject_id", subjectID), zap.String("trip_id", id))
	return StartResult{TripID: id}, nil
}

// Stop finalizes an active trip owned by req.SubjectID with the
// client-computed summary.
func (s *Service) Stop(ctx context.Context, req StopRequest) (Trip, error) {
	if req.TripID == "" || req.SubjectID == "" {
		return Trip{}, fmt.Errorf("stop trip: trip_id and subject required: %w", ErrInvalidInput)
	}
	if invalidMetric(req.Distance) || invalidMetric(req.StoppedTime) {
		return Trip{}, fmt.Errorf("stop trip: distance and stopped_time must be non-negative: %w", ErrInvalidInput)
	}

	current, err := s.store.Get(ctx, req.TripID)
	if err != nil {
		return Trip{}, err
	}
	if current.SubjectID != req.SubjectID {
		return Trip{}, ErrForbidden
	}
	if !current.Active() {
		return Trip{}, fmt.Errorf("trip %s is not active: %w", req.TripID, ErrNotFound)
	}

	s.checkDistance(req)

	f := Finalization{
		EndTime:     s.now().UTC(),
		Path:        req.Path,
		Distance:    req.Distance,
		StoppedTime: req.StoppedTime,
		Stops:       req.Stops,
	}
	if f.Path == nil {
		f.Path = []PathPoint{}
	}
	if f.Stops == nil {
		f.Stops = []Stop{}
	}

	done, err := s.store.Finalize(ctx, req.TripID, f)
	if err != nil {
		return Trip{}, err
	}
	metrics.TripEvents.WithLabelValues("completed").Inc()
	s.logger.Info("trip completed",
		zap.String("subject_id", done.SubjectID),
		zap.String("trip_id", done.ID),
		zap.Int("path_points", len(done.Path)),
		zap.Float64("distance_km", done.Distance),
	)
	return done, nil
}

func (s *Service) Get(ctx context.Context, id string) (Trip, error) {
	return s.store.Get(ctx, id)
}

// Stats summarizes the subject's completed trips. ChartData holds distance
// per day for the last seven days, index 6 being the most recent 24 hours.
func (s *Service) Stats(ctx context.Context, subjectID string) (Stats, error) {
	trips, err := s.store.ListCompletedBySubject(ctx, subjectID)
	if err != nil {
		return Stats{}, err
	}

	now := s.now()
	var stats Stats
	var totalDistance, totalWait float64
	for _, t := range trips {
		totalDistance += t.Distance
		totalWait += t.StoppedTime

		days := int(math.Ceil(math.Abs(now.Sub(t.StartTime).Hours()) / 24))
		if days == 0 {
			days = 1
		}
		if days <= 7 {
			stats.ChartData[7-days] += t.Distance
		}
	}

	stats.TotalTrips = len(trips)
	stats.TotalDistance = round(totalDistance, 2)
	if stats.TotalTrips > 0 {
		stats.AvgWaitMinutes = math.Round(totalWait / float64(stats.TotalTrips) / 60)
	}
	return stats, nil
}

func (s *Service) checkDistance(req StopRequest) {
	computed := pathDistanceKm(req.Path)
	if computed == 0 {
		return
	}
	if math.Abs(req.Distance-computed)/computed > distanceTolerance {
		s.logger.Warn("client distance diverges from path length",
			zap.String("trip_id", req.TripID),
			zap.Float64("client_km", req.Distance),
			zap.Float64("path_km", computed),
		)
	}
}

func (s *Service) lockSubject(subjectID string) func() {
	s.mu.Lock()
	l, ok := s.locks[subjectID]
	if !ok {
		l = &subjectLock{}
		s.locks[subjectID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, subjectID)
		}
		s.mu.Unlock()
	}
}

func invalidMetric(v float64) bool {
	return v < 0 || math.IsNaN(v) || math.IsInf(v, 0)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
