package runtime

import (
	"net/http"
	"strings"
	"time"

	"github.com/drblury/liveloop/internal/runtime/jsoncodec"
	"github.com/drblury/liveloop/transport"
)

// StatusReport is the body of GET /api/status.
type StatusReport struct {
	Instances []InstanceStatus       `json:"instances"`
	Workers   WorkerMetricsSnapshot  `json:"workers"`
	Control   CommandStatsSnapshot   `json:"control"`
	Events    *EventStats            `json:"events,omitempty"`
	Transport transport.Capabilities `json:"transport"`
	Resources ResourceUsage          `json:"resources"`
	At        time.Time              `json:"at"`
}

// EventStats counts lifecycle events handed to the transport.
type EventStats struct {
	Topic     string `json:"topic"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

func (s *Service) registerStatusAPI() {
	if !s.Conf.StatusEnabled {
		return
	}

	port := s.Conf.StatusPort
	if port == 0 {
		port = 8081
	}

	s.RegisterHTTPHandler(port, "/api/instances", http.HandlerFunc(s.handleGetInstances))
	s.RegisterHTTPHandler(port, "/api/status", http.HandlerFunc(s.handleGetStatus))
}

func (s *Service) handleGetInstances(w http.ResponseWriter, r *http.Request) {
	if s.prepareJSON(w, r) {
		return
	}
	s.writeJSON(w, s.registry.Snapshot())
}

func (s *Service) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if s.prepareJSON(w, r) {
		return
	}
	s.writeJSON(w, s.Status())
}

// Status collects the current StatusReport.
func (s *Service) Status() StatusReport {
	report := StatusReport{
		Instances: s.registry.Snapshot(),
		Workers:   s.metrics.GetSnapshot(),
		Control:   s.stats.Snapshot(),
		Transport: s.caps,
		Resources: s.resourceTracker.Snapshot(),
		At:        time.Now().UTC(),
	}
	if s.events != nil {
		report.Events = &EventStats{
			Topic:     s.Conf.EventsTopic,
			Published: s.events.Published(),
			Dropped:   s.events.Dropped(),
		}
	}
	return report
}

// prepareJSON sets the response headers. It reports true when the request
// has been fully answered.
func (s *Service) prepareJSON(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Content-Type", "application/json")

	if s.Conf != nil && len(s.Conf.StatusCORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if allowed := s.getAllowedCORSOrigin(origin); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return true
	case http.MethodGet, http.MethodHead:
		return false
	}
	w.Header().Set("Allow", "GET, OPTIONS")
	http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	return true
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	if err := jsoncodec.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode status response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.StatusCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
