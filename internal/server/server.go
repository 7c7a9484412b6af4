package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"image/color"
	"log/slog"
	"net/http"
	"time"

	"reimage/internal/failure"
	"reimage/internal/imaging"
	"reimage/internal/logging"
	"reimage/internal/pipeline"
	"reimage/internal/session"
	"reimage/internal/storage"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Options configures a Server.
type Options struct {
	Addr         string
	Store        *storage.Store
	Pipeline     *pipeline.Pipeline
	Sessions     *session.Registry
	Overlay      color.RGBA
	OverlayAlpha float64
	Log          *slog.Logger
}

// Server exposes segmentation sessions over HTTP.
type Server struct {
	opts     Options
	log      *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	// base outlives single requests; asynchronous runs hang off it.
	base context.Context
}

// New creates a server. Call Start to listen or Handler to embed it.
func New(opts Options) *Server {
	if opts.OverlayAlpha <= 0 {
		opts.OverlayAlpha = imaging.DefaultAlpha
	}
	if opts.Overlay == (color.RGBA{}) {
		opts.Overlay = imaging.DefaultOverlay
	}
	return &Server{
		opts: opts,
		log:  logging.OrDefault(opts.Log),
		base: context.Background(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.base = ctx
	s.server = &http.Server{
		Addr:    s.opts.Addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.opts.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/invocations", s.handleInvocations).Methods("GET")
	r.HandleFunc("/invocations/{id}", s.handleInvocation).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	s.setupSessionRoutes(r)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	recs, err := s.opts.Store.Recent(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleInvocation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.opts.Store.Get(mux.Vars(r)["id"])
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "invocation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// invocationEvent is the SSE payload for one finished run.
type invocationEvent struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id,omitempty"`
	Mode       string `json:"mode"`
	ExitCode   int    `json:"exit_code"`
	Foreground int    `json:"foreground"`
	DurationMS int64  `json:"duration_ms"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Error      string `json:"error,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
}

func eventFor(res pipeline.Result) invocationEvent {
	ev := invocationEvent{
		ID:         res.Job.ID,
		SessionID:  res.Job.SessionID,
		Mode:       string(res.Job.Request.Mode),
		ExitCode:   res.Engine.ExitCode,
		DurationMS: res.Engine.Duration.Milliseconds(),
		Stderr:     res.Engine.Stderr,
	}
	if res.Engine.Mask != nil {
		ev.Foreground = res.Engine.Mask.Count()
	}
	if res.Error != nil {
		ev.ErrorKind = failure.KindOf(res.Error).String()
		ev.Error = res.Error.Error()
	}
	return ev
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.opts.Pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(eventFor(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// statusFor maps a failure kind to its HTTP status.
func statusFor(err error) int {
	switch failure.KindOf(err) {
	case failure.KindValidation:
		return http.StatusBadRequest
	case failure.KindCodec:
		return http.StatusUnprocessableEntity
	case failure.KindBusy:
		return http.StatusConflict
	case failure.KindEngine:
		return http.StatusBadGateway
	case failure.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error    string `json:"error"`
	Kind     string `json:"kind"`
	ExitCode int    `json:"exit_code,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error(), Kind: failure.KindOf(err).String()}
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Kind == failure.KindEngine {
		body.ExitCode = fe.ExitCode
		body.Stderr = fe.Detail
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "kind", body.Kind, "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
