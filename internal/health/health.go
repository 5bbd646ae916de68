// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/gpuwarden/internal/buildinfo"
)

// ServiceName is reported in every health response.
const ServiceName = "gpuwarden"

// Snapshot is the live worker state reported alongside build info.
type Snapshot struct {
	QueueDepth    int
	QueueCapacity int
	InFlightJob   string
	LastReap      time.Time
}

// Source supplies a Snapshot on every request.
type Source interface {
	Snapshot() Snapshot
}

// Response represents the health check response body.
type Response struct {
	Status        string     `json:"status"`
	ServiceName   string     `json:"service_name"`
	Version       string     `json:"version"`
	Commit        string     `json:"commit"`
	BuildTime     string     `json:"build_time"`
	GoVersion     string     `json:"go_version"`
	OS            string     `json:"os"`
	Architecture  string     `json:"architecture"`
	Engine        string     `json:"engine"`
	Store         string     `json:"store"`
	QueueDepth    int        `json:"queue_depth"`
	QueueCapacity int        `json:"queue_capacity"`
	InFlightJob   string     `json:"in_flight_job,omitempty"`
	LastReapAt    *time.Time `json:"last_reap_at,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

// Handler responds to health check requests. It reports build info, the
// configured engine and store, and the worker snapshot when src is non-nil.
// The status is always "healthy" (200 OK): this is a liveness check and
// does not call the instance or the store.
func Handler(engine, store string, src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := Response{
			Status:       "healthy",
			ServiceName:  ServiceName,
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Engine:       engine,
			Store:        store,
			Timestamp:    time.Now().UTC(),
		}
		if src != nil {
			snap := src.Snapshot()
			response.QueueDepth = snap.QueueDepth
			response.QueueCapacity = snap.QueueCapacity
			response.InFlightJob = snap.InFlightJob
			if !snap.LastReap.IsZero() {
				at := snap.LastReap.UTC()
				response.LastReapAt = &at
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}
