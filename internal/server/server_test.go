package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"backend-fieldtrack/internal/auth"
	"backend-fieldtrack/internal/config"
	"backend-fieldtrack/internal/trip"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testConfig() config.Config {
	return config.Config{JWTSecret: "secret", ServerPort: ":0", ObserverBuffer: 8, RelayBuffer: 8, PersistWorkers: 2, PersistQueueSize: 8}
}

func TestHealthRoute(t *testing.T) {
	s := NewServer(testConfig(), nil, nil, nil)

	resp, err := s.App.Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 status")
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["subjects"] != float64(0) || body["observers"] != float64(0) {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestMetricsRoute(t *testing.T) {
	s := NewServer(testConfig(), nil, nil, nil)

	resp, err := s.App.Test(httptest.NewRequest("GET", "/metrics", nil))
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || !strings.Contains(string(raw), "fieldtrack_") {
		t.Fatalf("expected fieldtrack metrics, got %d", resp.StatusCode)
	}
}

func TestTripRoutesRequireAuth(t *testing.T) {
	s := NewServer(testConfig(), nil, nil, nil)

	resp, err := s.App.Test(httptest.NewRequest("POST", "/trips/start", nil))
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["error"] == "" {
		t.Fatalf("expected json error body: %v", err)
	}
}

func TestStartPersistsRecordedPoints(t *testing.T) {
	rs := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: rs.Addr()})
	defer rdb.Close()

	s := NewServer(testConfig(), nil, rdb, nil)
	s.Start(context.Background())

	ctx := context.Background()
	started, err := s.Trips.Start(ctx, "emp1")
	if err != nil {
		t.Fatalf("start trip: %v", err)
	}
	req := httptest.NewRequest("GET", "/trips/"+started.TripID, nil)
	token, _ := auth.NewToken("secret", "emp1", auth.RoleEmployee, time.Minute)
	req.Header.Set("Authorization", "Bearer "+token)

	if !s.Recorder.Record(started.TripID, trip.PathPoint{Lat: 1, Lng: 2, Timestamp: time.Now()}) {
		t.Fatalf("record rejected")
	}
	s.Stop()
	s.Stop()

	resp, err := s.App.Test(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("get trip: %v", err)
	}
	var got trip.Trip
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Path) != 1 {
		t.Fatalf("expected drained point, got %d", len(got.Path))
	}
}
