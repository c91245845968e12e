package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Million1701/Lulutracker-sub000/internal/controller"
	lterrors "github.com/Million1701/Lulutracker-sub000/internal/errors"
	"github.com/Million1701/Lulutracker-sub000/internal/identity"
	"github.com/Million1701/Lulutracker-sub000/internal/push"
	"github.com/Million1701/Lulutracker-sub000/internal/realtime"
	"github.com/gorilla/websocket"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 54 * time.Second // Must be less than pongWait
	maxFrameBytes = 4096
	sendBuffer    = 64
)

// Server frame types besides the push frames
const (
	FrameState = "state"
	FrameError = "error"
)

// Client frame types
const (
	FramePermission  = "permission"
	FrameRefresh     = "refresh"
	FrameMarkRead    = "mark_read"
	FrameMarkAllRead = "mark_all_read"
	FrameDelete      = "delete"
	FrameDeleteRead  = "delete_read"
)

var errSessionClosed = errors.New("stream session closed")

// Frame is one websocket message in either direction.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// permissionFrame is what the browser reports about notification support.
type permissionFrame struct {
	Supported  bool            `json:"supported"`
	Permission push.Permission `json:"permission"`
}

type idFrame struct {
	ID string `json:"id"`
}

type errorFrame struct {
	Code    lterrors.ErrorCode `json:"code"`
	Message string             `json:"message"`
}

// session is one websocket connection. Writes go through send and are drained
// by writePump; it implements push.Sender.
type session struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newSession(conn *websocket.Conn, userID string) *session {
	return &session{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "stream", "user_id", userID),
	}
}

// Send queues a frame. A client that stops draining its frames is disconnected.
func (s *session) Send(frameType string, payload any) error {
	frame := Frame{Type: frameType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		frame.Data = data
	}
	msg, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return errSessionClosed
	default:
		s.logger.Warn("stream client too slow, disconnecting")
		s.close()
		return errSessionClosed
	}
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

// writePump writes queued frames and keepalive pings until the session closes.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// checkOrigin admits same-host pages, non-browser clients and CORS-allowed origins.
func (m *Mux) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || m.originAllowed(origin) {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// handleStream handles GET /v1/notifications/stream. Each connection gets its
// own subscription manager, presenter and notification controller; the
// controller's state goes out as "state" frames after every change.
func (m *Mux) handleStream(w http.ResponseWriter, r *http.Request) {
	user, err := identity.CurrentUser(r.Context())
	if err != nil {
		m.writeErr(w, r, lterrors.Wrap(lterrors.LT_AUTHN, "Sign in to see your notifications.", err))
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     m.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already answered the request
		slog.Warn("failed to upgrade notification stream", "user_id", user.ID, "error", err)
		return
	}

	sess := newSession(conn, user.ID)
	presenter := push.NewSessionPresenter(sess)
	manager := realtime.NewManager(m.broker, m.realtimeCfg)
	ctrl := controller.New(m.notifications, manager, presenter, controller.Config{PollInterval: m.pollInterval})
	ctrl.OnChange(func(st controller.State) { _ = sess.Send(FrameState, st) })

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		ctrl.Stop()
		manager.Close()
		sess.close()
		cancel()
		sess.logger.Info("notification stream closed")
	}()

	go sess.writePump()
	sess.logger.Info("notification stream opened")

	ctrl.Start(ctx, user.ID)
	m.readPump(ctx, sess, ctrl, presenter)
}

// readPump dispatches client frames until the connection drops.
func (m *Mux) readPump(ctx context.Context, sess *session, ctrl *controller.Controller, presenter *push.SessionPresenter) {
	sess.conn.SetReadLimit(maxFrameBytes)
	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	prompted := false

	for {
		var frame Frame
		if err := sess.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				sess.logger.Warn("notification stream read failed", "error", err)
			}
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))

		var err error
		switch frame.Type {
		case FramePermission:
			var p permissionFrame
			if err = json.Unmarshal(frame.Data, &p); err != nil {
				break
			}
			presenter.Report(p.Supported, p.Permission)
			// Prompt once per session while the user has not decided
			if p.Supported && p.Permission == push.PermissionDefault && !prompted {
				prompted = true
				go func() {
					if perm, err := presenter.RequestPermission(ctx); err != nil {
						sess.logger.Debug("permission request ended", "error", err)
					} else {
						sess.logger.Info("notification permission decided", "permission", perm)
					}
				}()
			}
		case FrameRefresh:
			ctrl.Refresh(ctx)
		case FrameMarkRead:
			var f idFrame
			if err = json.Unmarshal(frame.Data, &f); err == nil {
				err = ctrl.MarkAsRead(ctx, f.ID)
			}
		case FrameMarkAllRead:
			err = ctrl.MarkAllAsRead(ctx)
		case FrameDelete:
			var f idFrame
			if err = json.Unmarshal(frame.Data, &f); err == nil {
				err = ctrl.Delete(ctx, f.ID)
			}
		case FrameDeleteRead:
			err = ctrl.DeleteAllRead(ctx)
		default:
			err = lterrors.New(lterrors.LT_BAD_REQUEST, "unknown frame type "+frame.Type, "")
		}

		if err != nil {
			e, ok := lterrors.As(err)
			if !ok {
				e = lterrors.Wrap(lterrors.LT_BAD_REQUEST, "The frame could not be read.", err)
			}
			_ = sess.Send(FrameError, errorFrame{Code: e.Code, Message: e.Message})
		}
	}
}
