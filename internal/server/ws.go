// internal/server/ws.go
package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sightglass-sh/sightglass/api/schemas"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Observers connect from whatever origin hosts the frontend.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

func encodeFrame(frame []byte) string {
	return base64.StdEncoding.EncodeToString(frame)
}

// clientMessage is the loosely-typed shape of everything a connected client
// may send: control messages, human input and agent commands.
type clientMessage struct {
	Type string `json:"type"`

	// click / scroll
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	DeltaY float64 `json:"deltaY"`

	// keypress
	Key   string `json:"key"`
	Ctrl  bool   `json:"ctrl"`
	Shift bool   `json:"shift"`
	Alt   bool   `json:"alt"`

	// ai_start
	Task string `json:"task"`
}

// wsObserver adapts one websocket connection to the hub's Observer
// interface. Outbound events go through a buffered channel drained by a
// single writer goroutine; a full buffer counts as a failed send so the hub
// prunes watchers that cannot keep up.
type wsObserver struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *zap.Logger
}

func (o *wsObserver) ID() string { return o.id }

func (o *wsObserver) Send(ev schemas.Event) error {
	payload, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("could not encode event: %w", err)
	}
	select {
	case <-o.done:
		return fmt.Errorf("observer %s is gone", o.id)
	case o.send <- payload:
		return nil
	default:
		return fmt.Errorf("observer %s cannot keep up", o.id)
	}
}

// writePump is the only goroutine that writes to the connection.
func (o *wsObserver) writePump() {
	for {
		select {
		case <-o.done:
			return
		case payload := <-o.send:
			o.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := o.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				o.logger.Debug("Observer write failed.", zap.Error(err))
				return
			}
		}
	}
}

// handleObserverSocket upgrades the connection, registers it with the hub
// and services inbound messages until the client goes away.
func (s *Server) handleObserverSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed.", zap.Error(err))
		return
	}

	obs := &wsObserver{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, s.cfg.Stream.SendBuffer),
		done:   make(chan struct{}),
		logger: s.logger,
	}
	go obs.writePump()
	s.hub.Subscribe(obs)
	s.logger.Info("Observer connected.", zap.String("observer_id", obs.id))

	defer func() {
		s.hub.Unsubscribe(obs.id)
		close(obs.done)
		conn.Close()
		s.logger.Info("Observer disconnected.",
			zap.String("observer_id", obs.id),
			zap.Int("observers", s.hub.ObserverCount()))
	}()

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Observer read failed.", zap.Error(err))
			}
			return
		}
		s.dispatchClientMessage(r, obs, msg)
	}
}

func (s *Server) dispatchClientMessage(r *http.Request, obs *wsObserver, msg clientMessage) {
	ctx := r.Context()

	switch msg.Type {
	case "ping":
		_ = obs.Send(schemas.Event{Type: schemas.EventPong})

	case "get_state":
		st := s.shared.Status()
		_ = obs.Send(schemas.Event{
			Type:         schemas.EventState,
			Mode:         st.Mode,
			AgentRunning: st.AgentRunning,
			Connections:  s.hub.ObserverCount(),
		})

	case "click":
		if err := s.arbiter.ApplyHuman(ctx, schemas.Click{X: msg.X, Y: msg.Y, Button: schemas.ButtonLeft}); err != nil {
			s.logger.Warn("Human click failed.", zap.Error(err))
		}

	case "keypress":
		if err := s.applyHumanKeypress(ctx, msg); err != nil {
			s.logger.Warn("Human keypress failed.", zap.Error(err))
		}

	case "scroll":
		if err := s.arbiter.ApplyHuman(ctx, schemas.Scroll{ScrollY: msg.DeltaY}); err != nil {
			s.logger.Warn("Human scroll failed.", zap.Error(err))
		}

	case "ai_start":
		if msg.Task == "" {
			return
		}
		if err := s.arbiter.StartAgent(msg.Task); err != nil {
			s.logger.Warn("Agent start over socket rejected.", zap.Error(err))
		}

	case "ai_stop":
		s.arbiter.StopAgent()

	default:
		s.logger.Debug("Ignoring unknown client message.", zap.String("type", msg.Type))
	}
}

// applyHumanKeypress reproduces the frontend's key semantics: a bare
// printable character is typed as text, anything else becomes a chord of the
// held modifiers plus the key.
func (s *Server) applyHumanKeypress(ctx context.Context, msg clientMessage) error {
	if isBareTypableKey(msg) {
		return s.arbiter.ApplyHuman(ctx, schemas.TypeText{Text: msg.Key})
	}

	var keys []string
	if msg.Ctrl {
		keys = append(keys, "ctrl")
	}
	if msg.Shift {
		keys = append(keys, "shift")
	}
	if msg.Alt {
		keys = append(keys, "alt")
	}
	if msg.Key != "" {
		keys = append(keys, msg.Key)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.arbiter.ApplyHuman(ctx, schemas.Keypress{Keys: keys})
}

// isBareTypableKey reports whether the keypress is a single printable
// character with no chord-forming modifier held. Shift alone stays typable;
// it only changes the character the browser already reports.
func isBareTypableKey(msg clientMessage) bool {
	if msg.Ctrl || msg.Alt {
		return false
	}
	if utf8.RuneCountInString(msg.Key) != 1 {
		return false
	}
	r, _ := utf8.DecodeRuneInString(msg.Key)
	return unicode.IsPrint(r)
}
