package trip

import (
	"time"

	"backend-fieldtrack/internal/shared/geo"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

type Trip struct {
	ID          string      `json:"id"`
	SubjectID   string      `json:"subject_id"`
	StartTime   time.Time   `json:"start_time"`
	EndTime     *time.Time  `json:"end_time,omitempty"`
	Status      Status      `json:"status"`
	Path        []PathPoint `json:"path"`
	Distance    float64     `json:"distance"`     // km
	StoppedTime float64     `json:"stopped_time"` // seconds
	Stops       []Stop      `json:"stops"`
}

func (t Trip) Active() bool { return t.Status == StatusActive }

type PathPoint struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

type Stop struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  float64   `json:"duration"` // seconds
}

// Finalization carries the client-computed summary applied on stop.
type Finalization struct {
	EndTime     time.Time
	Path        []PathPoint
	Distance    float64
	StoppedTime float64
	Stops       []Stop
}

type StartResult struct {
	TripID  string `json:"trip_id"`
	Resumed bool   `json:"resumed"`
}

type StopRequest struct {
	TripID      string      `json:"trip_id"`
	SubjectID   string      `json:"subject_id"`
	Path        []PathPoint `json:"path"`
	Distance    float64     `json:"distance"`
	StoppedTime float64     `json:"stopped_time"`
	Stops       []Stop      `json:"stops"`
}

type Stats struct {
	TotalTrips     int        `json:"total_trips"`
	TotalDistance  float64    `json:"total_distance"`
	AvgWaitMinutes float64    `json:"avg_wait_minutes"`
	ChartData      [7]float64 `json:"chart_data"`
}

func pathDistanceKm(path []PathPoint) float64 {
	total := 0.0
	for i := 1; i < len(path); i++ {
		total += geo.HaversineKm(path[i-1].Lat, path[i-1].Lng, path[i].Lat, path[i].Lng)
	}
	return total
}
