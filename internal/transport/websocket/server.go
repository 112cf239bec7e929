// Package websocket exposes the coordination hub over a gorilla/websocket
// endpoint. The handshake is authenticated with an HS256 token before the hub
// ever sees the connection; after that the transport is a thin codec between
// wire messages and hub operations.
package websocket

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/kinsync/kinsync/internal/config"
	"github.com/kinsync/kinsync/internal/core/hub"
	"github.com/kinsync/kinsync/internal/observability/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// Transport-level event names, on top of the hub's own.
const (
	// EventEditAck answers an edit-start request with the lock outcome.
	EventEditAck = "edit-ack"
	// EventError reports a rejected client message back to its sender.
	EventError = "error"
)

// clientMessage is the inbound wire envelope.
type clientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type roomRequest struct {
	EntityID string `json:"entityId"`
}

type editRequest struct {
	EntityID string `json:"entityId"`
	Field    string `json:"field,omitempty"`
}

type editAck struct {
	EntityID string `json:"entityId"`
	Field    string `json:"field,omitempty"`
	Acquired bool   `json:"acquired"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// Server terminates websocket connections and feeds the hub.
type Server struct {
	cfg      config.ServerConfig
	secret   []byte
	hub      *hub.Hub
	logger   log.Log
	server   *http.Server
	running  int32
	upgrader websocket.Upgrader
}

// New creates a websocket server in front of the hub.
func New(cfg config.ServerConfig, auth config.AuthConfig, h *hub.Hub, logger log.Log) *Server {
	return &Server{
		cfg:    cfg,
		secret: []byte(auth.TokenSecret),
		hub:    h,
		logger: logger.With(log.String("component", "websocket")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler returns the HTTP handler serving /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins listening. It returns immediately; serve errors are logged.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return errors.New("server is already running")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	go func() {
		var err error
		if s.cfg.TLSEnabled {
			err = s.server.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server error", log.Error(err))
		}
	}()

	s.logger.Info("websocket server started", log.String("addr", addr))
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return errors.New("server is not running")
	}
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "failed to shutdown HTTP server")
		}
	}
	s.logger.Info("websocket server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	participantID, err := ParticipantFromToken(token, s.secret)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", log.Error(err))
		return
	}

	sess := newSession(ws)
	conn, err := s.hub.Connect(participantID, sess)
	if err != nil {
		s.logger.Warn("hub rejected connection",
			log.String("participant_id", participantID), log.Error(err))
		sess.close()
		return
	}
	go sess.pingLoop()

	s.logger.Info("participant connected",
		log.String("participant_id", participantID),
		log.String("connection_id", conn.ID()))
	s.readLoop(sess, conn)
}

// readLoop owns all reads for one connection. It returns when the peer goes
// away, and always runs the hub's disconnect cascade on the way out.
func (s *Server) readLoop(sess *session, conn *hub.Connection) {
	defer func() {
		_ = s.hub.OnDisconnect(context.Background(), conn.ID())
		sess.close()
		s.logger.Info("participant disconnected",
			log.String("participant_id", conn.ParticipantID()),
			log.String("connection_id", conn.ID()))
	}()

	sess.ws.SetReadLimit(maxMessageSize)
	_ = sess.ws.SetReadDeadline(time.Now().Add(pongWait))
	sess.ws.SetPongHandler(func(string) error {
		return sess.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := sess.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("read error",
					log.String("connection_id", conn.ID()), log.Error(err))
			}
			return
		}
		if err := s.dispatch(sess, conn, msg); err != nil {
			s.sendError(sess, err.Error())
		}
	}
}

func (s *Server) dispatch(sess *session, conn *hub.Connection, msg clientMessage) error {
	ctx := context.Background()

	switch msg.Type {
	case hub.EventJoinRoom:
		var req roomRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return errors.Wrap(err, "invalid join-room payload")
		}
		return s.hub.Join(ctx, conn.ID(), req.EntityID)

	case hub.EventLeaveRoom:
		var req roomRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return errors.Wrap(err, "invalid leave-room payload")
		}
		return s.hub.Leave(ctx, conn.ID(), req.EntityID)

	case hub.EventEditStart:
		var req editRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return errors.Wrap(err, "invalid edit-start payload")
		}
		acquired, err := s.hub.StartEdit(ctx, conn.ID(), req.EntityID, req.Field)
		if err != nil {
			return err
		}
		return s.sendEvent(sess, EventEditAck, conn.ParticipantID(), editAck{
			EntityID: req.EntityID,
			Field:    req.Field,
			Acquired: acquired,
		})

	case hub.EventEditStop:
		var req editRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return errors.Wrap(err, "invalid edit-stop payload")
		}
		return s.hub.StopEdit(ctx, conn.ID(), req.EntityID, req.Field)

	case hub.EventFieldChange:
		var p hub.FieldChange
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return errors.Wrap(err, "invalid field-change payload")
		}
		return s.hub.BroadcastFieldChange(ctx, conn.ID(), p)

	case hub.EventEntityUpdate:
		var p hub.EntityUpdate
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return errors.Wrap(err, "invalid entity-update payload")
		}
		return s.hub.BroadcastEntityUpdate(ctx, conn.ID(), p)

	case hub.EventRelationshipChange:
		var p hub.RelationshipChange
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return errors.Wrap(err, "invalid relationship-change payload")
		}
		return s.hub.BroadcastRelationshipChange(ctx, conn.ID(), p)

	case hub.EventUploadProgress:
		var p hub.UploadProgress
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return errors.Wrap(err, "invalid upload-progress payload")
		}
		return s.hub.BroadcastUploadProgress(ctx, conn.ID(), p)

	case hub.EventCursorMove:
		var p hub.CursorMove
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return errors.Wrap(err, "invalid cursor-move payload")
		}
		return s.hub.BroadcastCursor(ctx, conn.ID(), p)

	case hub.EventCommentAdd:
		var p hub.CommentAdd
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return errors.Wrap(err, "invalid comment-add payload")
		}
		return s.hub.BroadcastComment(ctx, conn.ID(), p)

	case hub.EventActivity:
		var p hub.Activity
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return errors.Wrap(err, "invalid activity payload")
		}
		return s.hub.BroadcastActivity(ctx, conn.ID(), p)

	default:
		return errors.Errorf("unknown message type %q", msg.Type)
	}
}

func (s *Server) sendEvent(sess *session, eventType, participantID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return sess.Send(hub.Event{
		Type:          eventType,
		ParticipantID: participantID,
		Timestamp:     time.Now().UTC(),
		Payload:       data,
	})
}

func (s *Server) sendError(sess *session, message string) {
	if err := s.sendEvent(sess, EventError, "", errorPayload{Message: message}); err != nil {
		s.logger.Warn("failed to send error event", log.Error(err))
	}
}

// session wraps one websocket connection. The mutex serializes writes from
// the hub's write pump and the read loop's direct replies.
type session struct {
	ws   *websocket.Conn
	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

func newSession(ws *websocket.Conn) *session {
	return &session{ws: ws, done: make(chan struct{})}
}

// Send implements hub.Sender.
func (s *session) Send(ev hub.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteJSON(ev)
}

func (s *session) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.ws.WriteMessage(websocket.PingMessage, nil)
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ws.Close()
	})
}
