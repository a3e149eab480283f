// Package session implements the request/response side of live sessions:
// create, join, summary, event pages, and the admission checks the relay runs
// before upgrading a connection.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telemyapp/liveterm-relay/internal/auth"
	"github.com/telemyapp/liveterm-relay/internal/cache"
	"github.com/telemyapp/liveterm-relay/internal/logging"
	"github.com/telemyapp/liveterm-relay/internal/metrics"
	"github.com/telemyapp/liveterm-relay/internal/model"
	"github.com/telemyapp/liveterm-relay/internal/registry"
	"github.com/telemyapp/liveterm-relay/internal/store"
)

const (
	DefaultTitle      = "Shared Terminal Session"
	DefaultEventLimit = 200
	MaxEventLimit     = 1000
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrNotActive = errors.New("session is not active")
	ErrForbidden = errors.New("session belongs to another team")
	ErrNotHost   = errors.New("only the session host may connect as host")
)

type Store interface {
	CreateSession(ctx context.Context, in store.CreateSessionInput) (*model.Session, error)
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	AddParticipant(ctx context.Context, in store.AddParticipantInput) (*model.Participant, error)
	ListParticipants(ctx context.Context, sessionID string) ([]model.Participant, error)
	ListEvents(ctx context.Context, in store.EventQuery) ([]model.Event, error)
}

// Recorder schedules event-log appends and hands out monotonic timestamps.
type Recorder interface {
	Now() time.Time
	Record(ev model.Event) model.Event
}

type Liveness interface {
	PutSnapshot(ctx context.Context, snap cache.Snapshot) error
	LastPing(ctx context.Context, sessionID string) (time.Time, bool, error)
}

type PresenceSource interface {
	Presence(sessionID string) registry.Presence
}

type Service struct {
	store    Store
	recorder Recorder
	liveness Liveness
	presence PresenceSource
}

func NewService(st Store, rec Recorder, live Liveness, presence PresenceSource) *Service {
	return &Service{store: st, recorder: rec, liveness: live, presence: presence}
}

type CreateInput struct {
	Title       string
	Description string
	Settings    json.RawMessage
}

type Summary struct {
	Session      *model.Session
	Participants []model.Participant
	Presence     Presence
}

type Presence struct {
	HostConnected bool
	Guests        int
	LastPingAt    *time.Time
}

type EventsQuery struct {
	Limit  int
	Before *time.Time
}

// Create writes the session and host participant before returning. Retrying
// after an ambiguous failure may create a second session.
func (s *Service) Create(ctx context.Context, ident auth.Identity, in CreateInput) (sess *model.Session, err error) {
	defer func() { observe("create", err) }()

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = DefaultTitle
	}
	settings := in.Settings
	if len(settings) == 0 || string(settings) == "null" {
		settings = json.RawMessage(`{}`)
	}
	at := s.recorder.Now()
	sess, err = s.store.CreateSession(ctx, store.CreateSessionInput{
		TeamID:          ident.TeamID,
		HostUserID:      ident.UserID,
		HostDisplayName: ident.DisplayName,
		Title:           title,
		Description:     in.Description,
		Settings:        settings,
		At:              at,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.primeCache(ctx, sess, at)

	payload, _ := json.Marshal(struct {
		Type        string          `json:"type"`
		Title       string          `json:"title"`
		Description string          `json:"description"`
		Settings    json.RawMessage `json:"settings"`
	}{"session_created", title, in.Description, settings})
	s.recorder.Record(model.Event{
		SessionID:        sess.ID,
		ActorUserID:      ident.UserID,
		ActorDisplayName: ident.DisplayName,
		Kind:             model.EventMeta,
		Payload:          payload,
	})

	logging.Logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"team_id":    sess.TeamID,
		"user_id":    ident.UserID,
	}).Info("session created")
	return sess, nil
}

// Join adds the caller as a guest. Cross-team callers always get
// ErrForbidden, whatever the session's status, and no row is written.
func (s *Service) Join(ctx context.Context, ident auth.Identity, sessionID string) (sess *model.Session, err error) {
	defer func() { observe("join", err) }()

	sess, err = s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.TeamID != ident.TeamID {
		return nil, ErrForbidden
	}
	if sess.Status != model.SessionActive {
		return nil, ErrNotActive
	}

	at := s.recorder.Now()
	if _, err := s.store.AddParticipant(ctx, store.AddParticipantInput{
		SessionID:   sess.ID,
		UserID:      ident.UserID,
		DisplayName: ident.DisplayName,
		Role:        model.RoleGuest,
		At:          at,
	}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("add participant: %w", err)
	}
	sess.LastActivityAt = at
	s.primeCache(ctx, sess, at)

	s.recorder.Record(model.Event{
		SessionID:        sess.ID,
		ActorUserID:      ident.UserID,
		ActorDisplayName: ident.DisplayName,
		Kind:             model.EventJoin,
		Payload:          json.RawMessage(`{"role":"guest"}`),
	})

	logging.Logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"user_id":    ident.UserID,
	}).Info("guest joined session")
	return sess, nil
}

// Summary is a pure read. Sessions of other teams are reported as not found.
func (s *Service) Summary(ctx context.Context, ident auth.Identity, sessionID string) (*Summary, error) {
	sess, err := s.loadForTeam(ctx, ident, sessionID)
	if err != nil {
		return nil, err
	}
	participants, err := s.store.ListParticipants(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	out := &Summary{Session: sess, Participants: participants}
	if s.presence != nil {
		p := s.presence.Presence(sess.ID)
		out.Presence.HostConnected = p.HostConnected
		out.Presence.Guests = p.Guests
	}
	if s.liveness != nil {
		lastPing, ok, err := s.liveness.LastPing(ctx, sess.ID)
		if err != nil {
			logging.Logger.WithFields(logrus.Fields{"session_id": sess.ID, "err": err}).Warn("presence lookup failed")
		} else if ok {
			out.Presence.LastPingAt = &lastPing
		}
	}
	return out, nil
}

// Events returns one page of the replay log, newest first.
func (s *Service) Events(ctx context.Context, ident auth.Identity, sessionID string, q EventsQuery) ([]model.Event, error) {
	sess, err := s.loadForTeam(ctx, ident, sessionID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, store.EventQuery{
		SessionID: sess.ID,
		Limit:     ClampLimit(q.Limit),
		Before:    q.Before,
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// Admit runs the checks a persistent connection must pass before upgrade.
func (s *Service) Admit(ctx context.Context, ident auth.Identity, sessionID string, role model.Role) (*model.Session, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.TeamID != ident.TeamID {
		return nil, ErrForbidden
	}
	if sess.Status != model.SessionActive {
		return nil, ErrNotActive
	}
	if role == model.RoleHost && sess.HostUserID != ident.UserID {
		return nil, ErrNotHost
	}
	return sess, nil
}

func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultEventLimit
	case limit > MaxEventLimit:
		return MaxEventLimit
	default:
		return limit
	}
}

func (s *Service) load(ctx context.Context, sessionID string) (*model.Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrNotFound
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Service) loadForTeam(ctx context.Context, ident auth.Identity, sessionID string) (*model.Session, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.TeamID != ident.TeamID {
		return nil, ErrNotFound
	}
	return sess, nil
}

// primeCache is best effort; the cache is only ever a hint.
func (s *Service) primeCache(ctx context.Context, sess *model.Session, at time.Time) {
	if s.liveness == nil {
		return
	}
	if err := s.liveness.PutSnapshot(ctx, cache.SnapshotOf(sess, at)); err != nil {
		logging.Logger.WithFields(logrus.Fields{"session_id": sess.ID, "err": err}).Warn("cache snapshot write failed")
	}
}

func observe(op string, err error) {
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case errors.Is(err, ErrForbidden):
		status = "forbidden"
	case errors.Is(err, ErrNotActive):
		status = "not_active"
	default:
		status = "error"
	}
	metrics.Default().IncCounter("liveterm_lifecycle_requests_total", map[string]string{"op": op, "status": status})
}
