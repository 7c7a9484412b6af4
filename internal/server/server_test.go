package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reimage/internal/engine"
	"reimage/internal/engine/stub"
	"reimage/internal/failure"
	"reimage/internal/pipeline"
	"reimage/internal/session"
	"reimage/internal/storage"
	"reimage/internal/trimap"
	"reimage/internal/viewport"

	"github.com/gorilla/websocket"
)

const helperEnv = "REIMAGE_SERVER_ENGINE_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(stub.Run(os.Args[1:], os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

type fixture struct {
	srv   *httptest.Server
	store *storage.Store
	pipe  *pipeline.Pipeline
	reg   *session.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv(helperEnv, "1")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	pipe := pipeline.New(context.Background(), pipeline.Options{Workers: 1, Queue: 4},
		pipeline.EngineProcessor{Runner: engine.NewRunner(log)}, log, store)
	reg := session.NewRegistry(session.Options{
		Viewport:      viewport.Size{W: 800, H: 600},
		DefaultRadius: 1,
		MaxRadius:     10,
		WorkDir:       t.TempDir(),
		Engine:        exe,
		Timeout:       10 * time.Second,
		Log:           log,
	}, pipe)
	s := New(Options{Store: store, Pipeline: pipe, Sessions: reg, Log: log})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		pipe.Stop()
		store.Close()
	})
	return &fixture{srv: srv, store: store, pipe: pipe, reg: reg}
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) doJSON(t *testing.T, method, path string, in any, wantStatus int, out any) {
	t.Helper()
	var body io.Reader
	if in != nil {
		b, _ := json.Marshal(in)
		body = bytes.NewReader(b)
	}
	resp := f.do(t, method, path, body)
	if resp.StatusCode != wantStatus {
		msg, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status %d, want %d: %s", method, path, resp.StatusCode, wantStatus, msg)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
}

func pngBody(t *testing.T, w, h int) io.Reader {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func (f *fixture) loadedSession(t *testing.T, w, h int) string {
	t.Helper()
	var view sessionView
	f.doJSON(t, "POST", "/sessions", nil, http.StatusCreated, &view)
	resp := f.do(t, "PUT", "/sessions/"+view.ID+"/image?name=cat.png", pngBody(t, w, h))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload image: status %d", resp.StatusCode)
	}
	return view.ID
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "GET", "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestStatusForKinds(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{failure.Validationf("op", "x"), http.StatusBadRequest},
		{failure.Codecf("op", "x"), http.StatusUnprocessableEntity},
		{failure.Busyf("op", "x"), http.StatusConflict},
		{failure.Engine("op", 1, "bad"), http.StatusBadGateway},
		{failure.Timeout("op", time.Second), http.StatusGatewayTimeout},
		{failure.IO("op", errors.New("disk")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestSessionEditAndRun(t *testing.T) {
	f := newFixture(t)
	id := f.loadedSession(t, 10, 8)

	var view sessionView
	f.doJSON(t, "GET", "/sessions/"+id, nil, http.StatusOK, &view)
	if view.Width != 10 || view.Height != 8 || view.State != "idle" {
		t.Fatalf("unexpected view %+v", view)
	}

	f.doJSON(t, "PUT", "/sessions/"+id+"/brush", brushRequest{Label: "fg", Radius: 1}, http.StatusOK, nil)
	f.doJSON(t, "POST", "/sessions/"+id+"/strokes",
		strokeRequest{Points: [][2]int{{2, 2}, {6, 2}}, Radius: 1, Label: "fg"}, http.StatusOK, &view)
	if view.Strokes != 1 {
		t.Fatalf("strokes = %d, want 1", view.Strokes)
	}

	resp := f.do(t, "GET", "/sessions/"+id+"/mask", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("mask before run: status %d", resp.StatusCode)
	}

	var run runResponse
	f.doJSON(t, "POST", "/sessions/"+id+"/run", runRequest{Mode: "scribbles", Wait: true}, http.StatusOK, &run)
	if run.InvocationID == "" || run.Foreground == 0 {
		t.Fatalf("unexpected run response %+v", run)
	}

	resp = f.do(t, "GET", "/sessions/"+id+"/overlay", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("overlay: status %d type %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	overlay, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("decode overlay: %v", err)
	}
	if b := overlay.Bounds(); b.Dx() != 10 || b.Dy() != 8 {
		t.Fatalf("overlay bounds %v", b)
	}

	var rec storage.InvocationRecord
	f.doJSON(t, "GET", "/invocations/"+run.InvocationID, nil, http.StatusOK, &rec)
	if rec.Status != storage.StatusCompleted || rec.Foreground != run.Foreground {
		t.Fatalf("history record %+v", rec)
	}
}

func TestRunErrorsMapToStatus(t *testing.T) {
	f := newFixture(t)
	id := f.loadedSession(t, 6, 6)

	// nothing painted yet
	var body errorBody
	f.doJSON(t, "POST", "/sessions/"+id+"/run", runRequest{Mode: "scribbles", Wait: true}, http.StatusBadRequest, &body)
	if body.Kind != "validation" {
		t.Fatalf("kind = %q", body.Kind)
	}

	f.doJSON(t, "POST", "/sessions/"+id+"/rect", rectRequest{X0: 1, Y0: 1, X1: 4, Y1: 4}, http.StatusOK, nil)
	t.Setenv(stub.EnvExit, "3")
	t.Setenv(stub.EnvStderr, "model not found")
	f.doJSON(t, "POST", "/sessions/"+id+"/run", runRequest{Mode: "rect", Wait: true}, http.StatusBadGateway, &body)
	if body.Kind != "engine" || body.ExitCode != 3 || body.Stderr != "model not found" {
		t.Fatalf("unexpected error body %+v", body)
	}

	f.doJSON(t, "POST", "/sessions/"+id+"/run", runRequest{Mode: "sideways"}, http.StatusBadRequest, nil)
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/sessions/nope", "/sessions/nope/mask"} {
		if resp := f.do(t, "GET", path, nil); resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s: status %d", path, resp.StatusCode)
		}
	}
	if resp := f.do(t, "DELETE", "/sessions/nope", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("DELETE: status %d", resp.StatusCode)
	}
}

func TestImportMask(t *testing.T) {
	f := newFixture(t)
	id := f.loadedSession(t, 4, 4)

	mask := image.NewGray(image.Rect(0, 0, 2, 2))
	mask.SetGray(0, 0, color.Gray{Y: 255})
	var buf bytes.Buffer
	png.Encode(&buf, mask)
	if resp := f.do(t, "PUT", "/sessions/"+id+"/import-mask", &buf); resp.StatusCode != http.StatusOK {
		t.Fatalf("import-mask: status %d", resp.StatusCode)
	}

	sess, _ := f.reg.Get(id)
	snap, err := sess.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	// the 2x2 mask is scaled up, so its top-left pixel covers a 2x2 block
	if got := snap.Count(trimap.Foreground); got != 4 {
		t.Fatalf("foreground pixels = %d, want 4", got)
	}
}

func TestPointerWebSocket(t *testing.T) {
	f := newFixture(t)
	id := f.loadedSession(t, 100, 100)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/sessions/" + id + "/pointer"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sess, _ := f.reg.Get(id)
	ox, oy := sess.Mapper().Offset()

	steps := []struct {
		ev          pointerEvent
		wantType    string
		wantHandled bool
		wantState   string
	}{
		{pointerEvent{Type: "brush", Label: "bg", Radius: 2}, "ack", true, "idle"},
		{pointerEvent{Type: "move", X: ox + 5, Y: oy + 5}, "ack", false, "idle"},
		{pointerEvent{Type: "down", X: ox + 5, Y: oy + 5}, "ack", true, "drawing"},
		{pointerEvent{Type: "down", X: ox + 6, Y: oy + 6}, "ack", false, "drawing"},
		{pointerEvent{Type: "move", X: ox + 20, Y: oy + 5}, "ack", true, "drawing"},
		{pointerEvent{Type: "up", X: ox + 20, Y: oy + 5}, "ack", true, "idle"},
		{pointerEvent{Type: "brush", Label: "bg", Radius: 0}, "error", false, "idle"},
		{pointerEvent{Type: "wiggle"}, "error", false, "idle"},
	}
	for i, step := range steps {
		if err := conn.WriteJSON(step.ev); err != nil {
			t.Fatalf("step %d write: %v", i, err)
		}
		var reply pointerReply
		if err := conn.ReadJSON(&reply); err != nil {
			t.Fatalf("step %d read: %v", i, err)
		}
		if reply.Type != step.wantType || reply.Handled != step.wantHandled || reply.State != step.wantState {
			t.Fatalf("step %d (%s): got %+v", i, step.ev.Type, reply)
		}
	}

	snap, _ := sess.Snapshot()
	if snap.Count(trimap.Background) == 0 {
		t.Fatal("pointer strokes should paint background")
	}
}

func TestStreamPublishesResults(t *testing.T) {
	f := newFixture(t)
	id := f.loadedSession(t, 6, 6)
	f.doJSON(t, "POST", "/sessions/"+id+"/rect", rectRequest{X0: 1, Y0: 1, X1: 3, Y1: 3}, http.StatusOK, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", f.srv.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	var run runResponse
	f.doJSON(t, "POST", "/sessions/"+id+"/run", runRequest{Mode: "rect"}, http.StatusAccepted, &run)
	if run.InvocationID == "" {
		t.Fatal("accepted run must carry its invocation id")
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev invocationEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		if ev.ID != run.InvocationID || ev.SessionID != id || ev.Mode != "rect" || ev.Foreground != 9 {
			t.Fatalf("unexpected event %+v", ev)
		}
		return
	}
	t.Fatalf("stream ended without an event: %v", sc.Err())
}
