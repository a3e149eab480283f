package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/telemyapp/liveterm-relay/internal/auth"
	"github.com/telemyapp/liveterm-relay/internal/logging"
	"github.com/telemyapp/liveterm-relay/internal/model"
	"github.com/telemyapp/liveterm-relay/internal/session"
)

const maxBodyBytes = 64 << 10

type createRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Settings    json.RawMessage `json:"settings"`
}

type joinRequest struct {
	SessionID string `json:"sessionId"`
}

type connectDescriptor struct {
	URL       string     `json:"url"`
	SessionID string     `json:"sessionId"`
	Role      model.Role `json:"role"`
	Token     string     `json:"token"`
}

type admissionResponse struct {
	OK        bool              `json:"ok"`
	SessionID string            `json:"sessionId"`
	Role      model.Role        `json:"role"`
	WSURL     string            `json:"wsUrl"`
	Connect   connectDescriptor `json:"connect"`
}

type sessionResponse struct {
	ID              string              `json:"id"`
	TeamID          string              `json:"teamId"`
	HostUserID      string              `json:"hostUserId"`
	HostDisplayName string              `json:"hostDisplayName"`
	Status          model.SessionStatus `json:"status"`
	Title           string              `json:"title"`
	Description     string              `json:"description"`
	Settings        json.RawMessage     `json:"settings"`
	CreatedAt       int64               `json:"createdAt"`
	LastActivityAt  int64               `json:"lastActivityAt"`
}

type participantResponse struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	Role        model.Role `json:"role"`
	JoinedAt    int64      `json:"joinedAt"`
	LastSeenAt  int64      `json:"lastSeenAt"`
	LeftAt      *int64     `json:"leftAt"`
}

type presenceResponse struct {
	HostConnected bool   `json:"hostConnected"`
	Guests        int    `json:"guests"`
	LastPingAt    *int64 `json:"lastPingAt"`
}

type eventResponse struct {
	ID               int64           `json:"id"`
	TS               int64           `json:"ts"`
	ActorUserID      string          `json:"actorUserId"`
	ActorDisplayName string          `json:"actorDisplayName"`
	Kind             model.EventKind `json:"kind"`
	Payload          json.RawMessage `json:"payload"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ident, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeAPIError(w, r, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	var req createRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		// an unreadable body creates a session with defaults
		logging.Logger.WithFields(logrus.Fields{"user_id": logging.Sanitize(ident.UserID), "err": err}).Debug("ignoring malformed create body")
		req = createRequest{}
	}
	sess, err := s.sessions.Create(r.Context(), ident, session.CreateInput{
		Title:       req.Title,
		Description: req.Description,
		Settings:    req.Settings,
	})
	if err != nil {
		logging.Logger.WithFields(logrus.Fields{"user_id": ident.UserID, "err": err}).Error("create session failed")
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, s.admission(r, sess.ID, model.RoleHost, ident.Credential))
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	ident, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeAPIError(w, r, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	var req joinRequest
	if err := decodeOptionalBody(r, &req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "sessionId is required")
		return
	}
	sess, err := s.sessions.Join(r.Context(), ident, req.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			writeAPIError(w, r, http.StatusNotFound, "not_found", "session not found")
		case errors.Is(err, session.ErrNotActive):
			writeAPIError(w, r, http.StatusBadRequest, "session_not_active", "session is not active")
		case errors.Is(err, session.ErrForbidden):
			writeAPIError(w, r, http.StatusForbidden, "forbidden", "not authorized for this team session")
		default:
			logging.Logger.WithFields(logrus.Fields{"session_id": logging.Sanitize(req.SessionID), "user_id": ident.UserID, "err": err}).Error("join session failed")
			writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to join session")
		}
		return
	}
	writeJSON(w, http.StatusOK, s.admission(r, sess.ID, model.RoleGuest, ident.Credential))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	ident, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeAPIError(w, r, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	sum, err := s.sessions.Summary(r.Context(), ident, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeAPIError(w, r, http.StatusNotFound, "not_found", "session not found")
			return
		}
		logging.Logger.WithFields(logrus.Fields{"session_id": logging.Sanitize(sessionID), "err": err}).Error("session summary failed")
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to query session")
		return
	}

	participants := make([]participantResponse, 0, len(sum.Participants))
	for _, p := range sum.Participants {
		participants = append(participants, participantResponse{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Role:        p.Role,
			JoinedAt:    p.JoinedAt.UnixMilli(),
			LastSeenAt:  p.LastSeenAt.UnixMilli(),
			LeftAt:      millisPtr(p.LeftAt),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"session":      toSessionResponse(sum.Session),
		"participants": participants,
		"presence": presenceResponse{
			HostConnected: sum.Presence.HostConnected,
			Guests:        sum.Presence.Guests,
			LastPingAt:    millisPtr(sum.Presence.LastPingAt),
		},
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ident, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeAPIError(w, r, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	q, err := parseEventsQuery(r.URL.Query())
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	events, err := s.sessions.Events(r.Context(), ident, sessionID, q)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeAPIError(w, r, http.StatusNotFound, "not_found", "session not found")
			return
		}
		logging.Logger.WithFields(logrus.Fields{"session_id": logging.Sanitize(sessionID), "err": err}).Error("list events failed")
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to query events")
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse{
			ID:               ev.ID,
			TS:               ev.TS.UnixMilli(),
			ActorUserID:      ev.ActorUserID,
			ActorDisplayName: ev.ActorDisplayName,
			Kind:             ev.Kind,
			Payload:          ev.Payload,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"sessionId": sessionID,
		"events":    out,
	})
}

// parseEventsQuery reads limit and beforeTs (unix ms, exclusive). Values of
// zero or less mean "not set".
func parseEventsQuery(v url.Values) (session.EventsQuery, error) {
	var q session.EventsQuery
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, errors.New("limit must be an integer")
		}
		q.Limit = n
	}
	if raw := v.Get("beforeTs"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return q, errors.New("beforeTs must be unix milliseconds")
		}
		if ms > 0 {
			before := time.UnixMilli(ms).UTC()
			q.Before = &before
		}
	}
	return q, nil
}

func (s *Server) admission(r *http.Request, sessionID string, role model.Role, token string) admissionResponse {
	wsURL := s.connectURL(r, sessionID, role, token)
	return admissionResponse{
		OK:        true,
		SessionID: sessionID,
		Role:      role,
		WSURL:     wsURL,
		Connect: connectDescriptor{
			URL:       wsURL,
			SessionID: sessionID,
			Role:      role,
			Token:     token,
		},
	}
}

// connectURL points at the WebSocket route on the host the request came in
// on, unless a public base is configured.
func (s *Server) connectURL(r *http.Request, sessionID string, role model.Role, token string) string {
	base := strings.TrimRight(s.cfg.PublicWSBase, "/")
	if base == "" {
		scheme := "ws"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "wss"
		}
		base = scheme + "://" + r.Host
	}
	params := url.Values{}
	params.Set("role", string(role))
	params.Set("token", token)
	return base + "/ws/live-session/" + url.PathEscape(sessionID) + "?" + params.Encode()
}

func decodeOptionalBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func toSessionResponse(sess *model.Session) sessionResponse {
	settings := sess.Settings
	if len(settings) == 0 {
		settings = json.RawMessage(`{}`)
	}
	return sessionResponse{
		ID:              sess.ID,
		TeamID:          sess.TeamID,
		HostUserID:      sess.HostUserID,
		HostDisplayName: sess.HostDisplayName,
		Status:          sess.Status,
		Title:           sess.Title,
		Description:     sess.Description,
		Settings:        settings,
		CreatedAt:       sess.CreatedAt.UnixMilli(),
		LastActivityAt:  sess.LastActivityAt.UnixMilli(),
	}
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
