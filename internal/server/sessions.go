package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"

	"reimage/internal/codec"
	"reimage/internal/failure"
	"reimage/internal/imaging"
	"reimage/internal/session"
	"reimage/internal/trimap"
	"reimage/internal/viewport"

	"github.com/gorilla/mux"
)

// maxUpload caps image and mask uploads.
const maxUpload = 64 << 20

func (s *Server) setupSessionRoutes(r *mux.Router) {
	r.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	r.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")

	r.HandleFunc("/sessions/{id}", s.withSession(s.handleGetSession)).Methods("GET")
	r.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods("DELETE")

	sr := r.PathPrefix("/sessions/{id}").Subrouter()
	sr.HandleFunc("/image", s.withSession(s.handleLoadImage)).Methods("PUT")
	sr.HandleFunc("/brush", s.withSession(s.handleBrush)).Methods("PUT")
	sr.HandleFunc("/rect", s.withSession(s.handleRect)).Methods("POST")
	sr.HandleFunc("/strokes", s.withSession(s.handleStroke)).Methods("POST")
	sr.HandleFunc("/reset", s.withSession(s.handleReset)).Methods("POST")
	sr.HandleFunc("/import-mask", s.withSession(s.handleImportMask)).Methods("PUT")
	sr.HandleFunc("/run", s.withSession(s.handleRun)).Methods("POST")
	sr.HandleFunc("/mask", s.withSession(s.handleMask)).Methods("GET")
	sr.HandleFunc("/overlay", s.withSession(s.handleOverlay)).Methods("GET")
	sr.HandleFunc("/pointer", s.withSession(s.handlePointer)).Methods("GET")
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *session.Session)

func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.opts.Sessions.Get(mux.Vars(r)["id"])
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		h(w, r, sess)
	}
}

// sessionView is the JSON form of session.Info.
type sessionView struct {
	ID        string  `json:"id"`
	Name      string  `json:"name,omitempty"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Scale     float64 `json:"scale"`
	DisplayW  int     `json:"display_width"`
	DisplayH  int     `json:"display_height"`
	State     string  `json:"state"`
	Label     string  `json:"brush_label"`
	Radius    int     `json:"brush_radius"`
	Rect      *[4]int `json:"rect,omitempty"`
	Strokes   int     `json:"strokes"`
	Pending   string  `json:"pending,omitempty"`
	HasResult bool    `json:"has_result"`
}

func viewOf(info session.Info) sessionView {
	v := sessionView{
		ID:        info.ID,
		Name:      info.Name,
		Width:     info.Width,
		Height:    info.Height,
		Scale:     info.Scale,
		DisplayW:  info.Displayed.W,
		DisplayH:  info.Displayed.H,
		State:     info.State.String(),
		Label:     info.Brush.Label.String(),
		Radius:    info.Brush.Radius,
		Strokes:   info.Strokes,
		Pending:   info.Pending,
		HasResult: info.HasMask,
	}
	if info.Rect != nil {
		a := info.Rect.Array()
		v.Rect = &a
	}
	return v
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Sessions.IDs())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess := s.opts.Sessions.Create()
	s.log.Info("session created", "session", sess.ID)
	writeJSON(w, http.StatusCreated, viewOf(sess.Info()))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	writeJSON(w, http.StatusOK, viewOf(sess.Info()))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Sessions.Delete(mux.Vars(r)["id"]) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readImage(r *http.Request) (image.Image, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpload))
	if err != nil {
		return nil, failure.IO("read upload", err)
	}
	img, _, err := imaging.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, failure.Validationf("read upload", "decode image: %v", err)
	}
	return img, nil
}

func (s *Server) handleLoadImage(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	img, err := readImage(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "upload.png"
	}
	if err := sess.LoadImage(name, img); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess.Info()))
}

type brushRequest struct {
	Label  string `json:"label"`
	Radius int    `json:"radius"`
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return failure.Validationf("decode request", "%v", err)
	}
	return nil
}

func (s *Server) handleBrush(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req brushRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	label, err := trimap.ParseLabel(req.Label)
	if err == nil {
		err = sess.SetBrush(label, req.Radius)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess.Info()))
}

// rectRequest carries two corners. With Display set they are viewport
// coordinates and go through the coordinate mapper.
type rectRequest struct {
	X0      float64 `json:"x0"`
	Y0      float64 `json:"y0"`
	X1      float64 `json:"x1"`
	Y1      float64 `json:"y1"`
	Display bool    `json:"display"`
}

func (s *Server) handleRect(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req rectRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	var (
		applied trimap.Rect
		err     error
	)
	if req.Display {
		applied, err = sess.SetRect(viewport.PointF{X: req.X0, Y: req.Y0}, viewport.PointF{X: req.X1, Y: req.Y1})
	} else {
		var rect trimap.Rect
		rect, err = trimap.RectFromFloats(req.X0, req.Y0, req.X1, req.Y1)
		if err == nil {
			applied, err = sess.ApplyRect(rect)
		}
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][4]int{"rect": applied.Array()})
}

type strokeRequest struct {
	Points [][2]int `json:"points"`
	Radius int      `json:"radius"`
	Label  string   `json:"label"`
}

func (s *Server) handleStroke(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req strokeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	label, err := trimap.ParseLabel(req.Label)
	if err != nil {
		s.writeError(w, err)
		return
	}
	st := trimap.Stroke{Radius: req.Radius, Label: label}
	for _, p := range req.Points {
		st.Points = append(st.Points, image.Pt(p[0], p[1]))
	}
	if err := sess.ApplyStroke(st); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess.Info()))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := sess.Reset(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess.Info()))
}

func (s *Server) handleImportMask(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	img, err := readImage(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	info := sess.Info()
	if info.Width == 0 {
		s.writeError(w, failure.Validationf("import mask", "no image loaded"))
		return
	}
	t, err := codec.TrimapFromMaskImage(img, info.Width, info.Height)
	if err == nil {
		err = sess.ImportTrimap(t)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess.Info()))
}

type runRequest struct {
	Mode string `json:"mode"`
	Wait bool   `json:"wait"`
}

type runResponse struct {
	InvocationID string `json:"invocation_id"`
	Mode         string `json:"mode"`
	ExitCode     int    `json:"exit_code,omitempty"`
	Foreground   int    `json:"foreground,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
}

// handleRun starts an engine run. By default it answers 202 at once and the
// result is published on /stream; with wait set it blocks until the engine exits.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req runRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	mode, err := codec.ParseSeedMode(req.Mode)
	if err != nil {
		s.writeError(w, err)
		return
	}

	id, ch, err := sess.Run(s.base, mode)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if !req.Wait {
		go func() {
			o := <-ch
			if o.Err != nil {
				s.log.Warn("run failed", "session", sess.ID, "id", o.InvocationID, "error", o.Err)
			}
		}()
		writeJSON(w, http.StatusAccepted, runResponse{InvocationID: id, Mode: string(mode)})
		return
	}

	select {
	case o := <-ch:
		if o.Err != nil {
			s.writeError(w, o.Err)
			return
		}
		writeJSON(w, http.StatusOK, runResponse{
			InvocationID: o.InvocationID,
			Mode:         string(o.Mode),
			ExitCode:     o.Result.ExitCode,
			Foreground:   o.Mask.Count(),
			DurationMS:   o.Result.Duration.Milliseconds(),
		})
	case <-r.Context().Done():
		// the run continues; its result still reaches the session
	}
}

func (s *Server) handleMask(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	m := sess.LastMask()
	if m == nil {
		http.Error(w, "no result yet", http.StatusNotFound)
		return
	}
	writePNG(w, imaging.MaskImage(m))
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	m := sess.LastMask()
	if m == nil {
		http.Error(w, "no result yet", http.StatusNotFound)
		return
	}
	out, err := imaging.Overlay(sess.Image(), m, s.opts.Overlay, s.opts.OverlayAlpha)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writePNG(w, out)
}

func writePNG(w http.ResponseWriter, img image.Image) {
	w.Header().Set("Content-Type", "image/png")
	png.Encode(w, img)
}
