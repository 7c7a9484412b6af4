package server

import (
	"net/http"

	"reimage/internal/failure"
	"reimage/internal/session"
	"reimage/internal/trimap"
	"reimage/internal/viewport"

	"github.com/gorilla/websocket"
)

// pointerEvent is one message on the pointer socket. Coordinates are in
// viewport pixels.
type pointerEvent struct {
	Type   string  `json:"type"` // down, move, up, brush
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Label  string  `json:"label,omitempty"`
	Radius int     `json:"radius,omitempty"`
}

type pointerReply struct {
	Type    string `json:"type"` // ack, error
	Event   string `json:"event"`
	Handled bool   `json:"handled"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// handlePointer feeds a websocket of pointer events into the session's
// state machine, answering each event in order.
func (s *Server) handlePointer(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "session", sess.ID, "error", err)
		return
	}
	defer conn.Close()

	for {
		var ev pointerEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("pointer stream closed", "session", sess.ID, "error", err)
			}
			return
		}
		handled, err := dispatchPointer(sess, ev)
		reply := pointerReply{Type: "ack", Event: ev.Type, Handled: handled, State: sess.Info().State.String()}
		if err != nil {
			reply.Type = "error"
			reply.Error = err.Error()
			reply.Kind = failure.KindOf(err).String()
		}
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

func dispatchPointer(sess *session.Session, ev pointerEvent) (bool, error) {
	p := viewport.PointF{X: ev.X, Y: ev.Y}
	switch ev.Type {
	case "down":
		return sess.PointerDown(p)
	case "move":
		return sess.PointerMove(p)
	case "up":
		return sess.PointerUp(p)
	case "brush":
		label, err := trimap.ParseLabel(ev.Label)
		if err != nil {
			return false, err
		}
		if err := sess.SetBrush(label, ev.Radius); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, failure.Validationf("pointer", "unknown event type %q", ev.Type)
	}
}
