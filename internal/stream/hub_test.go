package stream

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"backend-fieldtrack/internal/trip"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type recordedPoint struct {
	tripID string
	point  trip.PathPoint
}

type fakeRecorder struct {
	mu     sync.Mutex
	points []recordedPoint
}

func (f *fakeRecorder) Record(tripID string, p trip.PathPoint) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, recordedPoint{tripID: tripID, point: p})
	return true
}

func (f *fakeRecorder) snapshot() []recordedPoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedPoint(nil), f.points...)
}

func fixedClock() func() time.Time {
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func readLocation(t *testing.T, c *Client) Location {
	t.Helper()
	select {
	case msg, ok := <-c.Send():
		require.True(t, ok, "client closed")
		var f struct {
			Event string   `json:"event"`
			Data  Location `json:"data"`
		}
		require.NoError(t, json.Unmarshal(msg, &f))
		require.Equal(t, EventReceiveLocation, f.Event)
		return f.Data
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for location")
		return Location{}
	}
}

func TestHubEndToEndDelivery(t *testing.T) {
	rec := &fakeRecorder{}
	hub := NewHub(NewRegistry(), rec, nil, nil, WithClock(fixedClock()))

	emp := NewClient(8)
	admin := NewClient(8)
	require.NoError(t, hub.JoinTracking(emp, "emp1"))
	hub.Monitor(admin, "")

	loc, err := hub.OnPositionSample(Sample{SubjectID: "emp1", TripID: "T1", Lat: 12.9, Lng: 77.6})
	require.NoError(t, err)

	got := readLocation(t, admin)
	require.Equal(t, loc, got)
	require.Equal(t, "emp1", got.SubjectID)
	require.Equal(t, "T1", got.TripID)
	require.Equal(t, 12.9, got.Lat)
	require.Equal(t, 77.6, got.Lng)
	require.Equal(t, fixedClock()(), got.Timestamp)

	points := rec.snapshot()
	require.Len(t, points, 1)
	require.Equal(t, "T1", points[0].tripID)
	require.Equal(t, trip.PathPoint{Lat: 12.9, Lng: 77.6, Timestamp: got.Timestamp}, points[0].point)

	require.Len(t, emp.Send(), 0, "subject connection is not an observer")
}

func TestHubPreservesOrderPerObserver(t *testing.T) {
	rec := &fakeRecorder{}
	hub := NewHub(NewRegistry(), rec, nil, nil)
	obs := NewClient(256)
	hub.Monitor(obs, "")

	const n = 100
	for i := 0; i < n; i++ {
		_, err := hub.OnPositionSample(Sample{SubjectID: "emp1", TripID: "T1", Lat: float64(i) / 10, Lng: 1})
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		require.Equal(t, float64(i)/10, readLocation(t, obs).Lat)
	}
	points := rec.snapshot()
	require.Len(t, points, n)
	for i, p := range points {
		require.Equal(t, float64(i)/10, p.point.Lat)
	}
}

func TestHubSlowObserverDoesNotBlockOthers(t *testing.T) {
	hub := NewHub(NewRegistry(), nil, nil, nil)
	slow := NewClient(2)
	fast := NewClient(16)
	hub.Monitor(slow, "")
	hub.Monitor(fast, "")

	for i := 1; i <= 5; i++ {
		_, err := hub.OnPositionSample(Sample{SubjectID: "emp1", Lat: float64(i), Lng: 0})
		require.NoError(t, err)
	}

	for i := 1; i <= 5; i++ {
		require.Equal(t, float64(i), readLocation(t, fast).Lat)
	}
	require.Equal(t, float64(4), readLocation(t, slow).Lat)
	require.Equal(t, float64(5), readLocation(t, slow).Lat)
	require.Equal(t, uint64(3), slow.Dropped())
}

func TestHubObserverFilter(t *testing.T) {
	hub := NewHub(NewRegistry(), nil, nil, nil)
	only := NewClient(4)
	hub.Monitor(only, "emp2")

	_, err := hub.OnPositionSample(Sample{SubjectID: "emp1", Lat: 1, Lng: 1})
	require.NoError(t, err)
	_, err = hub.OnPositionSample(Sample{SubjectID: "emp2", Lat: 2, Lng: 2})
	require.NoError(t, err)

	require.Equal(t, "emp2", readLocation(t, only).SubjectID)
	require.Len(t, only.Send(), 0)
}

func TestHubRejectsInvalidSamples(t *testing.T) {
	rec := &fakeRecorder{}
	hub := NewHub(NewRegistry(), rec, nil, nil)
	obs := NewClient(4)
	hub.Monitor(obs, "")

	cases := []Sample{
		{SubjectID: "", Lat: 1, Lng: 1},
		{SubjectID: "emp1", Lat: 91, Lng: 0},
		{SubjectID: "emp1", Lat: 0, Lng: -181},
		{SubjectID: "emp1", Lat: math.NaN(), Lng: 0},
		{SubjectID: "emp1", Lat: 0, Lng: math.Inf(1)},
	}
	for _, s := range cases {
		_, err := hub.OnPositionSample(s)
		require.True(t, errors.Is(err, trip.ErrInvalidInput), "sample %+v", s)
	}
	require.Len(t, obs.Send(), 0)
	require.Empty(t, rec.snapshot())
}

func TestHubSampleWithoutTripIsBroadcastOnly(t *testing.T) {
	rec := &fakeRecorder{}
	hub := NewHub(NewRegistry(), rec, nil, nil)
	obs := NewClient(4)
	hub.Monitor(obs, "")

	_, err := hub.OnPositionSample(Sample{SubjectID: "emp1", Lat: 1, Lng: 1})
	require.NoError(t, err)
	require.Equal(t, "", readLocation(t, obs).TripID)
	require.Empty(t, rec.snapshot())
}

func TestHubDisconnectStopsDelivery(t *testing.T) {
	hub := NewHub(NewRegistry(), nil, nil, nil)
	obs := NewClient(4)
	hub.Monitor(obs, "")
	hub.Disconnect(obs)
	hub.Disconnect(obs)

	_, err := hub.OnPositionSample(Sample{SubjectID: "emp1", Lat: 1, Lng: 1})
	require.NoError(t, err)
	_, ok := <-obs.Send()
	require.False(t, ok)
	require.Equal(t, 0, hub.Registry().Stats().Observers)
}

func TestHubSendError(t *testing.T) {
	hub := NewHub(NewRegistry(), nil, nil, nil)
	c := NewClient(1)
	hub.SendError(c, errors.New("boom"))

	var f struct {
		Event string            `json:"event"`
		Data  map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(<-c.Send(), &f))
	require.Equal(t, EventError, f.Event)
	require.Equal(t, "boom", f.Data["message"])
}

func TestHubListenWithoutRedis(t *testing.T) {
	hub := NewHub(NewRegistry(), nil, nil, nil)
	require.NoError(t, hub.Listen(context.Background()))
}

func TestHubRelaysAcrossInstances(t *testing.T) {
	s := miniredis.RunT(t)
	newRedis := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: s.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}

	rec := &fakeRecorder{}
	local := NewHub(NewRegistry(), rec, newRedis(), nil)
	remote := NewHub(NewRegistry(), nil, newRedis(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, h := range []*Hub{local, remote} {
		wg.Add(1)
		go func(h *Hub) {
			defer wg.Done()
			_ = h.Listen(ctx)
		}(h)
	}
	defer func() {
		cancel()
		wg.Wait()
	}()
	for _, h := range []*Hub{local, remote} {
		select {
		case <-h.Ready():
		case <-time.After(2 * time.Second):
			t.Fatalf("subscription not ready")
		}
	}

	localObs := NewClient(8)
	remoteObs := NewClient(8)
	local.Monitor(localObs, "")
	remote.Monitor(remoteObs, "")

	sent, err := local.OnPositionSample(Sample{SubjectID: "emp1", TripID: "T1", Lat: 12.9, Lng: 77.6})
	require.NoError(t, err)

	require.Equal(t, sent, readLocation(t, localObs))
	require.Equal(t, sent, readLocation(t, remoteObs))

	// the origin must not deliver its own relayed copy a second time
	time.Sleep(100 * time.Millisecond)
	require.Len(t, localObs.Send(), 0)
	require.Len(t, rec.snapshot(), 1)
}

func TestHubRelayIgnoresMalformedMessages(t *testing.T) {
	hub := NewHub(NewRegistry(), nil, nil, nil)
	obs := NewClient(2)
	hub.Monitor(obs, "")

	hub.deliverRemote("not json")
	hub.deliverRemote(`{"origin":"x","location":{}}`)
	require.Len(t, obs.Send(), 0)
}

func TestHubRelaySubscribesOnceRedisIsBack(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	s.Close()

	hub := NewHub(NewRegistry(), nil, rdb, nil, WithRelayRetry(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- hub.Listen(ctx) }()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-hub.Ready():
		t.Fatalf("ready while redis is down")
	case err := <-done:
		t.Fatalf("listen gave up while redis is down: %v", err)
	default:
	}

	require.NoError(t, s.Restart())
	select {
	case <-hub.Ready():
	case <-time.After(3 * time.Second):
		t.Fatalf("relay did not subscribe after redis came back")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestHubRelayStopsRetryingOnCancel(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	s.Close()

	hub := NewHub(NewRegistry(), nil, rdb, nil, WithRelayRetry(10*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, hub.Listen(ctx), context.DeadlineExceeded)
	select {
	case <-hub.Ready():
		t.Fatalf("ready without a subscription")
	default:
	}
}
