// Package relay serves the persistent connection of a live session: it admits
// a WebSocket into a role, then routes frames between the host and guests and
// schedules each routed frame for the event log.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/telemyapp/liveterm-relay/internal/auth"
	"github.com/telemyapp/liveterm-relay/internal/logging"
	"github.com/telemyapp/liveterm-relay/internal/metrics"
	"github.com/telemyapp/liveterm-relay/internal/model"
	"github.com/telemyapp/liveterm-relay/internal/registry"
	"github.com/telemyapp/liveterm-relay/internal/session"
)

const (
	msgHostConflict     = "Host already connected"
	msgHostNotConnected = "Host is not connected"
	msgRateLimited      = "Rate limit exceeded"
)

type Admitter interface {
	Admit(ctx context.Context, ident auth.Identity, sessionID string, role model.Role) (*model.Session, error)
}

// Recorder is the asynchronous event-log writer.
type Recorder interface {
	Now() time.Time
	Record(ev model.Event) model.Event
	Claim(c model.ConnectionClaim)
	Seen(connectionID string)
	Left(connectionID string)
}

type Pinger interface {
	Ping(ctx context.Context, sessionID string, at time.Time) error
}

type Options struct {
	AllowedOrigins    []string
	AdmitTimeout      time.Duration
	HeartbeatInterval time.Duration
	SendBuffer        int
	MaxFrameBytes     int64
	InputRate         float64
	InputBurst        int
}

type Handler struct {
	auth     auth.Authorizer
	admitter Admitter
	registry *registry.Registry
	recorder Recorder
	pinger   Pinger
	opts     Options
}

func NewHandler(a auth.Authorizer, admitter Admitter, reg *registry.Registry, rec Recorder, pinger Pinger, opts Options) *Handler {
	if opts.AdmitTimeout <= 0 {
		opts.AdmitTimeout = 10 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 1 << 20
	}
	if opts.InputRate <= 0 {
		opts.InputRate = 200
	}
	if opts.InputBurst <= 0 {
		opts.InputBurst = int(opts.InputRate)
	}
	return &Handler{auth: a, admitter: admitter, registry: reg, recorder: rec, pinger: pinger, opts: opts}
}

// conn is the per-connection state once admitted.
type conn struct {
	sessionID string
	role      model.Role
	ident     auth.Identity
	peer      *Peer
	log       *logrus.Entry
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	q := r.URL.Query()

	role, ok := model.ParseRole(q.Get("role"))
	if !ok {
		h.reject(w, r, http.StatusBadRequest, "invalid_role", "role must be host or guest", "")
		return
	}
	token := q.Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		h.reject(w, r, http.StatusUnauthorized, "unauthorized", "missing auth token", role)
		return
	}

	admitCtx, cancel := context.WithTimeout(r.Context(), h.opts.AdmitTimeout)
	ident, err := h.auth.Authorize(admitCtx, token)
	if err != nil {
		cancel()
		h.reject(w, r, http.StatusUnauthorized, "unauthorized", "invalid token", role)
		return
	}
	sess, err := h.admitter.Admit(admitCtx, ident, sessionID, role)
	cancel()
	if err != nil {
		status, code, msg := admissionStatus(err)
		if status == http.StatusInternalServerError {
			logging.Logger.WithFields(logrus.Fields{"session_id": sessionID, "err": err}).Error("admission lookup failed")
		}
		h.reject(w, r, status, code, msg, role)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.AllowedOrigins})
	if err != nil {
		logging.Logger.WithFields(logrus.Fields{"session_id": sess.ID, "err": err}).Warn("websocket accept failed")
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(h.opts.MaxFrameBytes)

	c := &conn{
		sessionID: sess.ID,
		role:      role,
		ident:     ident,
		peer:      newPeer(ws, h.opts.SendBuffer),
	}
	c.log = logging.Logger.WithFields(logrus.Fields{
		"session_id": c.sessionID,
		"user_id":    logging.Sanitize(ident.UserID),
		"role":       role,
		"conn_id":    c.peer.ID(),
	})

	// hello is queued before attach so it precedes any relayed frame.
	_ = c.peer.Send(r.Context(), HelloFrame(sess.ID, role, h.recorder.Now().UnixMilli()))
	if err := h.registry.Attach(sess.ID, role, c.peer); err != nil {
		h.countAdmission(role, "host_conflict")
		c.log.Info("refusing second host connection")
		wctx, wcancel := context.WithTimeout(r.Context(), writeTimeout)
		_ = ws.Write(wctx, websocket.MessageText, ErrorFrame(msgHostConflict))
		wcancel()
		ws.Close(websocket.StatusTryAgainLater, msgHostConflict)
		return
	}
	h.countAdmission(role, "admitted")
	c.log.Info("connection admitted")

	h.recorder.Claim(model.ConnectionClaim{
		SessionID:    sess.ID,
		UserID:       ident.UserID,
		DisplayName:  ident.DisplayName,
		Role:         role,
		ConnectionID: c.peer.ID(),
	})
	h.ping(r.Context(), c)

	h.serve(r.Context(), ws, c)
}

func (h *Handler) serve(parent context.Context, ws *websocket.Conn, c *conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	defer func() {
		h.registry.Detach(c.sessionID, c.peer)
		h.recorder.Left(c.peer.ID())
		c.log.Info("connection closed")
	}()

	go func() {
		defer cancel()
		if err := c.peer.writeLoop(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errPeerClosed) {
			c.log.WithError(err).Debug("write loop ended")
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
		case <-c.peer.done:
			ws.Close(websocket.StatusGoingAway, c.peer.closeReason())
			cancel()
		}
	}()
	if h.opts.HeartbeatInterval > 0 {
		go h.heartbeat(ctx, ws, c)
	}

	limiter := rate.NewLimiter(rate.Limit(h.opts.InputRate), h.opts.InputBurst)
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		if !limiter.Allow() {
			metrics.Default().IncCounter("liveterm_relay_frames_total", map[string]string{"kind": "any", "role": string(c.role), "status": "rate_limited"})
			_ = c.peer.Send(ctx, ErrorFrame(msgRateLimited))
			continue
		}
		kind, err := h.handleFrame(ctx, c, data)
		status := "ok"
		if err != nil {
			status = "rejected"
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				perr = &ProtocolError{Message: err.Error()}
			}
			_ = c.peer.Send(ctx, ErrorFrame(perr.Message))
		}
		metrics.Default().IncCounter("liveterm_relay_frames_total", map[string]string{"kind": kind.String(), "role": string(c.role), "status": status})
	}
}

// handleFrame applies the routing rules: host output fans out to guests,
// guest input goes to the host, meta flows host to guests or guest to host.
// Every routed frame is delivered before it is recorded.
func (h *Handler) handleFrame(ctx context.Context, c *conn, data []byte) (Kind, error) {
	in, err := DecodeInbound(data)
	if err != nil {
		return in.Kind, err
	}
	switch in.Kind {
	case KindPTYOutput:
		if c.role != model.RoleHost {
			return in.Kind, protocolErrorf("Only the host can send pty_output")
		}
		h.registry.BroadcastToGuests(ctx, c.sessionID, OutputFrame(in.Data))
		h.record(c, model.EventPTYOutput, streamPayload(in.Data))
		return in.Kind, nil

	case KindPTYInput:
		if c.role != model.RoleGuest {
			return in.Kind, protocolErrorf("Only guests can send pty_input")
		}
		sendErr := h.registry.SendToHost(ctx, c.sessionID, InputFrame(in.Data, c.ident.UserID, c.ident.DisplayName))
		h.record(c, model.EventPTYInput, streamPayload(in.Data))
		if errors.Is(sendErr, registry.ErrHostNotConnected) {
			return in.Kind, &ProtocolError{Message: msgHostNotConnected}
		}
		return in.Kind, nil

	case KindMeta:
		frame := MetaFrame(in.Payload, c.role)
		if c.role == model.RoleHost {
			h.registry.BroadcastToGuests(ctx, c.sessionID, frame)
		} else {
			// a guest's meta without a host has nowhere to go; it is still logged.
			_ = h.registry.SendToHost(ctx, c.sessionID, frame)
		}
		h.record(c, model.EventMeta, in.Payload)
		return in.Kind, nil

	case KindHello, KindError:
		// server-to-client only
		return in.Kind, protocolErrorf("Unknown message type: %s", in.Tag)
	default:
		return in.Kind, protocolErrorf("Unknown message type: %s", in.Tag)
	}
}

func (h *Handler) record(c *conn, kind model.EventKind, payload json.RawMessage) {
	h.recorder.Record(model.Event{
		SessionID:        c.sessionID,
		ActorUserID:      c.ident.UserID,
		ActorDisplayName: c.ident.DisplayName,
		Kind:             kind,
		Payload:          payload,
	})
}

func (h *Handler) heartbeat(ctx context.Context, ws *websocket.Conn, c *conn) {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, h.opts.HeartbeatInterval)
			err := ws.Ping(pctx)
			cancel()
			if err != nil {
				c.log.WithError(err).Info("heartbeat failed, closing connection")
				c.peer.Close("heartbeat timeout")
				return
			}
			h.recorder.Seen(c.peer.ID())
			h.ping(ctx, c)
		}
	}
}

func (h *Handler) ping(ctx context.Context, c *conn) {
	if h.pinger == nil {
		return
	}
	if err := h.pinger.Ping(ctx, c.sessionID, h.recorder.Now()); err != nil {
		c.log.WithError(err).Warn("presence ping failed")
	}
}

func (h *Handler) countAdmission(role model.Role, status string) {
	metrics.Default().IncCounter("liveterm_relay_admissions_total", map[string]string{"role": string(role), "status": status})
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, status int, code, message string, role model.Role) {
	h.countAdmission(role, code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":       code,
			"message":    message,
			"request_id": middleware.GetReqID(r.Context()),
		},
	})
}

func admissionStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found", "session not found"
	case errors.Is(err, session.ErrForbidden):
		return http.StatusForbidden, "forbidden", "session belongs to another team"
	case errors.Is(err, session.ErrNotHost):
		return http.StatusForbidden, "not_host", "only the session host may connect as host"
	case errors.Is(err, session.ErrNotActive):
		return http.StatusConflict, "session_not_active", "session is not active"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}
