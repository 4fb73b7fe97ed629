// ABOUTME: Websocket transport for operator consoles and embedded widgets
// ABOUTME: One errgroup per connection runs the read loop and the write/ping loop as a unit

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/delivery"
	"github.com/2389/switchboard/internal/events"
	"github.com/2389/switchboard/internal/registry"
	"github.com/2389/switchboard/internal/store"
)

const maxFrameBytes = 64 << 10

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origins are checked during admission against the tenant's domains.
	CheckOrigin: func(r *http.Request) bool { return true },
}

var (
	errSenderClosed = errors.New("sender closed")
	errMissedPongs  = errors.New("missed pongs")
	errFrameRate    = errors.New("client frame rate exceeded")
)

// Client frame types.
const (
	frameMessage = "message"
	frameSync    = "sync"
)

// clientFrame is an inbound websocket frame.
type clientFrame struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// attach registers h into its pool and returns the matching unregister.
// The pool's handle type fixes which constructor may be passed.
func attach[H registry.Handle](pool *registry.Pool[H], h H) func() {
	pool.Register(h)
	return func() { pool.Unregister(h) }
}

func (g *Gateway) handleOperatorSocket(w http.ResponseWriter, r *http.Request) {
	g.serveSocket(w, r, registry.ClassOperator, g.admitOperator)
}

func (g *Gateway) handleWidgetSocket(w http.ResponseWriter, r *http.Request) {
	g.serveSocket(w, r, registry.ClassWidget, g.admitWidget)
}

func (g *Gateway) serveSocket(w http.ResponseWriter, r *http.Request, class registry.Class, admit func(*http.Request, string) (*admission, *rejection)) {
	transport := "ws_" + string(class)

	addr, rej := g.checkRate(r)
	var adm *admission
	if rej == nil {
		adm, rej = admit(r, addr)
	}

	// Rejections are delivered as close codes, so the upgrade happens first.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "remote_addr", addr, "error", err)
		if rej != nil {
			g.rejected(transport, r, addr, rej)
		}
		return
	}
	if rej != nil {
		g.rejected(transport, r, addr, rej)
		g.closeSocket(conn, rej.code, rej.reason)
		_ = conn.Close()
		return
	}

	g.metrics.Admissions.WithLabelValues(transport).Inc()

	sess := &socketSession{
		gw:      g,
		conn:    conn,
		adm:     adm,
		class:   class,
		sender:  delivery.NewSender(g.config.Stream.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(g.config.Stream.FrameRate), g.config.Stream.FrameBurst),
		meta: registry.Metadata{
			ConnID:     uuid.NewString(),
			DialogID:   adm.dialog.ID,
			RemoteAddr: addr,
			Identity:   adm.identity,
			Domain:     adm.domain,
		},
	}
	sess.logger = g.logger.With(
		"transport", transport,
		"dialog_id", adm.dialog.ID,
		"conn_id", sess.meta.ConnID)

	sess.serve(r.Context())
}

// closeSocket sends a close frame with a reason code.
func (g *Gateway) closeSocket(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(g.config.Stream.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// socketSession is one admitted websocket connection.
type socketSession struct {
	gw      *Gateway
	conn    *websocket.Conn
	adm     *admission
	class   registry.Class
	sender  *delivery.Sender
	limiter *rate.Limiter
	meta    registry.Metadata
	logger  *slog.Logger

	missedPongs atomic.Int32
}

func (s *socketSession) register() func() {
	switch s.class {
	case registry.ClassOperator:
		return attach(s.gw.registry.Operators, registry.NewOperatorConn(s.sender, s.meta))
	default:
		return attach(s.gw.registry.Widgets, registry.NewWidgetConn(s.sender, s.meta))
	}
}

func (s *socketSession) serve(ctx context.Context) {
	detach := s.register()
	defer detach()
	defer s.sender.Close(delivery.CloseNormal, "")

	s.logger.Info("websocket connected", "identity", s.meta.Identity, "remote_addr", s.meta.RemoteAddr)

	// Registered before the sync is built, so any later transition is
	// either reflected in it or delivered after it.
	if err := s.sendSync(ctx); err != nil {
		s.logger.Error("failed to build sync event", "error", err)
		s.gw.closeSocket(s.conn, delivery.CloseGoingAway, "state unavailable")
		_ = s.conn.Close()
		return
	}
	s.heartbeat(ctx)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.readLoop(egCtx) })
	eg.Go(func() error { return s.writeLoop(egCtx) })

	err := eg.Wait()
	code, reason := s.sender.CloseReason()
	s.logger.Info("websocket disconnected", "code", code, "reason", reason, "error", err)
}

func (s *socketSession) sendSync(ctx context.Context) error {
	ev, err := s.gw.delivery.Sync(ctx, s.adm.dialog.ID)
	if err != nil {
		return err
	}
	if !s.sender.Send(ev) {
		return errSenderClosed
	}
	return nil
}

// heartbeat refreshes presence for operator principals.
func (s *socketSession) heartbeat(ctx context.Context) {
	op := s.adm.operator
	if op == nil || op.PrincipalType != auth.PrincipalOperator {
		return
	}
	hbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.gw.presence.Heartbeat(hbCtx, op.PrincipalID, op.TenantID); err != nil {
		s.logger.Warn("presence heartbeat failed", "operator_id", op.PrincipalID, "error", err)
	}
}

// readLoop reads client frames until the connection fails.
func (s *socketSession) readLoop(ctx context.Context) error {
	s.conn.SetReadLimit(maxFrameBytes)
	s.conn.SetPongHandler(func(string) error {
		s.missedPongs.Store(0)
		s.heartbeat(ctx)
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.sender.Close(delivery.CloseNormal, "client closed")
			}
			return err
		}

		if !s.limiter.Allow() {
			s.sender.Close(delivery.CloseRateLimited, "too many frames")
			return errFrameRate
		}

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.sender.Close(delivery.CloseProtocolError, "invalid frame")
			return err
		}
		if err := s.handleFrame(ctx, f); err != nil {
			return err
		}
	}
}

func (s *socketSession) handleFrame(ctx context.Context, f clientFrame) error {
	switch f.Type {
	case frameSync:
		return s.sendSync(ctx)
	case frameMessage:
		if s.class != registry.ClassOperator {
			s.logger.Debug("ignoring message frame from widget")
			return nil
		}
		return s.operatorMessage(ctx, f)
	default:
		s.sender.Close(delivery.CloseProtocolError, "unknown frame type")
		return errors.New("unknown frame type: " + f.Type)
	}
}

// operatorMessage publishes a message from an operator that holds the dialog.
func (s *socketSession) operatorMessage(ctx context.Context, f clientFrame) error {
	d, err := s.gw.store.GetDialog(ctx, s.adm.dialog.ID)
	if err != nil {
		return err
	}
	if d.Status != store.StatusActive || d.OperatorID != s.meta.Identity {
		s.logger.Warn("operator message rejected, dialog not held",
			"operator_id", s.meta.Identity,
			"status", d.Status,
			"assigned_operator_id", d.OperatorID)
		return nil
	}

	if f.MessageID == "" {
		f.MessageID = uuid.NewString()
	}
	_, err = s.gw.delivery.PublishMessage(ctx, d.ID, events.Message{
		Sender:    "operator",
		Text:      f.Text,
		MessageID: f.MessageID,
	})
	return err
}

// writeLoop drains the sender and pings on an interval. It returns when the
// sender is closed, a write fails, too many pongs are missed, or the read
// loop ends. On exit it sends the sender's close code, if any, and closes
// the socket, which unblocks the read loop.
func (s *socketSession) writeLoop(ctx context.Context) error {
	defer func() {
		if code, reason := s.sender.CloseReason(); code != 0 {
			s.gw.closeSocket(s.conn, code, reason)
		}
		_ = s.conn.Close()
	}()

	cfg := s.gw.config.Stream
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.sender.Done():
			if code, _ := s.sender.CloseReason(); code == delivery.CloseMissedPongs {
				return errMissedPongs
			}
			return errSenderClosed

		case ev := <-s.sender.Events():
			if err := s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout)); err != nil {
				return err
			}
			if err := s.conn.WriteJSON(ev); err != nil {
				return err
			}

		case <-ticker.C:
			if int(s.missedPongs.Add(1)) > cfg.MissedPongs {
				s.sender.Close(delivery.CloseMissedPongs, "missed pongs")
				continue
			}
			deadline := time.Now().Add(cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}
		}
	}
}
