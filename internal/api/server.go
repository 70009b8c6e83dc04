// Package api serves the recitation pipeline over HTTP.
//
// Routes:
//
//	POST /api/process                 multipart upload, full pipeline
//	POST /api/resegment               re-clean boundaries of a session
//	POST /api/retranscribe            re-run ASR with another model
//	POST /api/realign                 align client-supplied boundaries
//	GET  /api/sessions/{id}/segments  last stored results
//	GET  /api/progress/{request_id}   websocket stream of stage events
//
// Every response body has the shape of [pipeline.Response]. Domain failures
// (expired session, no speech, unchanged model) are answered with 200 and a
// populated error field; malformed requests get 400 with the same shape.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrWong99/recitalign/internal/observe"
	"github.com/MrWong99/recitalign/internal/pipeline"
	"github.com/MrWong99/recitalign/internal/progress"
	"github.com/MrWong99/recitalign/pkg/segment"
)

// RequestIDHeader lets a client correlate a pipeline request with a progress
// stream opened on /api/progress/{request_id}.
const RequestIDHeader = "X-Request-ID"

// Config holds the HTTP-level limits of the API.
type Config struct {
	// MaxUploadBytes caps the multipart body of /api/process. Default: 200 MiB.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// DefaultPreset supplies segmentation values the client leaves out.
	// Default: murattal.
	DefaultPreset string `yaml:"-"`

	// OriginPatterns are the websocket origins accepted besides the
	// request's own host.
	OriginPatterns []string `yaml:"origin_patterns"`

	// WriteTimeout bounds a single progress frame write. Default: 10s.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (c Config) withDefaults() Config {
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 200 << 20
	}
	if c.DefaultPreset == "" {
		c.DefaultPreset = segment.DefaultPreset
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Server holds the handler dependencies.
type Server struct {
	cfg      Config
	pipeline *pipeline.Pipeline
	broker   *progress.Broker
	defaults segment.Params
}

// Option configures a [Server].
type Option func(*Server)

// WithConfig replaces the default limits.
func WithConfig(cfg Config) Option {
	return func(s *Server) { s.cfg = cfg }
}

// WithBroker enables progress streaming. Without a broker the progress route
// answers 404 and the request id header is ignored.
func WithBroker(b *progress.Broker) Option {
	return func(s *Server) { s.broker = b }
}

// New returns a server for p. It fails only when the configured default
// preset is unknown.
func New(p *pipeline.Pipeline, opts ...Option) (*Server, error) {
	s := &Server{pipeline: p}
	for _, o := range opts {
		o(s)
	}
	s.cfg = s.cfg.withDefaults()
	defaults, err := segment.Preset(s.cfg.DefaultPreset)
	if err != nil {
		return nil, err
	}
	s.defaults = defaults
	return s, nil
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/process", s.handleProcess)
	mux.HandleFunc("POST /api/resegment", s.handleResegment)
	mux.HandleFunc("POST /api/retranscribe", s.handleRetranscribe)
	mux.HandleFunc("POST /api/realign", s.handleRealign)
	mux.HandleFunc("GET /api/sessions/{id}/segments", s.handleSegments)
	if s.broker != nil {
		mux.HandleFunc("GET /api/progress/{request_id}", s.handleProgress)
	}
}

// Handler returns a mux serving only the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// ─── Responses ──────────────────────────────────────────────────────────────

// respond writes a pipeline outcome. ErrInvalidInput becomes 400; anything
// else unexpected is logged and reported as 500.
func respond(w http.ResponseWriter, r *http.Request, resp *pipeline.Response, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, pipeline.ErrInvalidInput):
		badRequest(w, err.Error())
	default:
		observe.Logger(r.Context()).Error("pipeline request", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, &pipeline.Response{
			Error:    pipeline.MsgTranscriptionFailed,
			Segments: []pipeline.Segment{},
		})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, &pipeline.Response{Error: msg, Segments: []pipeline.Segment{}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
