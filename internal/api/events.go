package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/satindergrewal/chordsync/internal/session"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

// stateMessage is the first frame on an event feed.
type stateMessage struct {
	Type  string        `json:"type"`
	State session.State `json:"state"`
}

// handleEvents streams session events over a websocket until the session
// ends or the client goes away. A client that falls behind loses events;
// it then gets a fresh state frame in place of what was buffered.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("api: websocket upgrade", "error", err)
		return
	}
	defer ws.Close()

	l := sess.Subscribe()
	defer sess.Unsubscribe(l)

	// reads only detect the client hanging up
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(stateMessage{Type: "state", State: sess.Snapshot()}); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-l.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if ok && l.Missed() {
				ok = resync(ws, sess, l.C)
			} else if ok {
				if err := ws.WriteJSON(ev); err != nil {
					return
				}
			}
			if !ok {
				ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
		}
	}
}

// resync discards stale buffered events and sends the current state. It
// reports false once the feed is closed or the write failed.
func resync(ws *websocket.Conn, sess *session.Session, c <-chan session.Event) bool {
	open := true
drain:
	for {
		select {
		case _, ok := <-c:
			if !ok {
				open = false
				break drain
			}
		default:
			break drain
		}
	}
	if err := ws.WriteJSON(stateMessage{Type: "state", State: sess.Snapshot()}); err != nil {
		return false
	}
	return open
}
