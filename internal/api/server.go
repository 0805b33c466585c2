package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"

	"github.com/banshee-data/doorway.report/internal/db"
	"github.com/banshee-data/doorway.report/internal/doorway"
	"github.com/banshee-data/doorway.report/internal/httputil"
	"github.com/banshee-data/doorway.report/internal/ld20"
	"github.com/banshee-data/doorway.report/internal/pipeline"
	"github.com/banshee-data/doorway.report/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
	resetTimeout      = 2 * time.Second
)

// StateSource is the part of the ingest pipeline the query service reads.
type StateSource interface {
	Snapshot() *pipeline.Snapshot
	ResetOccupancy(ctx context.Context) (uint64, error)
	Classifier() *doorway.Classifier
}

// EventLog reads the recorded door events.
type EventLog interface {
	// RecentDoorEvents returns up to limit events, newest first.
	RecentDoorEvents(ctx context.Context, limit int) ([]pipeline.Event, error)
	Summary(ctx context.Context) (db.EventSummary, error)
}

// Options configures the optional parts of a Server.
type Options struct {
	Events      EventLog     // nil disables /api/events and /api/events/summary
	Metrics     http.Handler // nil disables /metrics
	CORSOrigins []string     // defaults to any origin
}

type Server struct {
	src  StateSource
	opts Options
}

func NewServer(src StateSource, opts Options) *Server {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	return &Server{src: src, opts: opts}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns a mux with the query routes mounted.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/lidar-data", s.lidarData)
	mux.HandleFunc("/api/door-status", s.doorStatus)
	mux.HandleFunc("/api/occupancy", s.occupancy)
	mux.HandleFunc("/api/occupancy/reset", s.resetOccupancy)
	mux.HandleFunc("/api/state", s.state)
	mux.HandleFunc("/api/events", s.listEvents)
	mux.HandleFunc("/api/events/summary", s.eventSummary)
	mux.HandleFunc("/api/profile", s.profile)
	mux.HandleFunc("/api/version", s.version)
	if s.opts.Metrics != nil {
		mux.Handle("/metrics", s.opts.Metrics)
	}
	return mux
}

// Handler wraps mux with CORS and request logging.
func (s *Server) Handler(mux http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return LoggingMiddleware(c.Handler(mux))
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return false
	}
	return true
}

func (s *Server) lidarData(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	history := s.src.Snapshot().History
	if history == nil {
		history = []ld20.Packet{}
	}
	httputil.WriteJSONOK(w, history)
}

func (s *Server) doorStatus(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	httputil.WriteJSONOK(w, s.src.Snapshot().State.IsOpen)
}

func (s *Server) occupancy(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	httputil.WriteJSONOK(w, s.src.Snapshot().State.Occupancy)
}

type resetResponse struct {
	Previous  uint64 `json:"previous"`
	Occupancy uint64 `json:"occupancy"`
}

func (s *Server) resetOccupancy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), resetTimeout)
	defer cancel()

	prev, err := s.src.ResetOccupancy(ctx)
	switch {
	case errors.Is(err, pipeline.ErrNotRunning), errors.Is(err, context.DeadlineExceeded):
		httputil.ServiceUnavailable(w, "ingest pipeline is not running")
		return
	case err != nil:
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, resetResponse{Previous: prev, Occupancy: s.src.Snapshot().State.Occupancy})
}

type stateResponse struct {
	*pipeline.Snapshot
	Thresholds doorway.Thresholds `json:"thresholds"`
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	httputil.WriteJSONOK(w, stateResponse{
		Snapshot:   s.src.Snapshot(),
		Thresholds: s.src.Classifier().Thresholds(),
	})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.opts.Events == nil {
		httputil.ServiceUnavailable(w, "event log disabled")
		return
	}

	limit, err := httputil.QueryInt(r, "limit", defaultEventLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if limit < 1 || limit > maxEventLimit {
		httputil.BadRequest(w, "limit must be between 1 and "+strconv.Itoa(maxEventLimit))
		return
	}

	events, err := s.opts.Events.RecentDoorEvents(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to read events")
		log.Printf("read door events: %v", err)
		return
	}
	if events == nil {
		events = []pipeline.Event{}
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) eventSummary(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.opts.Events == nil {
		httputil.ServiceUnavailable(w, "event log disabled")
		return
	}

	sum, err := s.opts.Events.Summary(r.Context())
	if err != nil {
		httputil.InternalServerError(w, "failed to summarise events")
		log.Printf("summarise door events: %v", err)
		return
	}
	httputil.WriteJSONOK(w, sum)
}

func (s *Server) profile(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	httputil.WriteJSONOK(w, s.src.Classifier().BuildProfile(s.src.Snapshot().History))
}

func (s *Server) version(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}
