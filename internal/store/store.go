package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/telemyapp/liveterm-relay/internal/model"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type CreateSessionInput struct {
	TeamID          string
	HostUserID      string
	HostDisplayName string
	Title           string
	Description     string
	Settings        json.RawMessage
	At              time.Time
}

type AddParticipantInput struct {
	SessionID   string
	UserID      string
	DisplayName string
	Role        model.Role
	At          time.Time
}

type EventQuery struct {
	SessionID string
	Limit     int
	Before    *time.Time
}

func New(db DB) *Store {
	return &Store{db: db}
}

const sessionColumns = `id, team_id, host_user_id, host_display_name, status, title, description, settings, created_at, last_activity_at`

// CreateSession writes the session row and the host's participant row in one
// transaction. It is not idempotent.
func (s *Store) CreateSession(ctx context.Context, in CreateSessionInput) (*model.Session, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	settings := in.Settings
	if len(settings) == 0 {
		settings = json.RawMessage(`{}`)
	}
	newID := "ses_" + uuid.NewString()
	const insertSession = `
insert into live_sessions
  (id, team_id, host_user_id, host_display_name, status, title, description, settings, created_at, last_activity_at)
values
  ($1, $2, $3, $4, 'active', $5, $6, $7, $8, $8)`
	if _, err := tx.Exec(ctx, insertSession,
		newID, in.TeamID, in.HostUserID, in.HostDisplayName, in.Title, in.Description, settings, in.At,
	); err != nil {
		return nil, err
	}
	if err := insertParticipantTx(ctx, tx, AddParticipantInput{
		SessionID:   newID,
		UserID:      in.HostUserID,
		DisplayName: in.HostDisplayName,
		Role:        model.RoleHost,
		At:          in.At,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &model.Session{
		ID:              newID,
		TeamID:          in.TeamID,
		HostUserID:      in.HostUserID,
		HostDisplayName: in.HostDisplayName,
		Status:          model.SessionActive,
		Title:           in.Title,
		Description:     in.Description,
		Settings:        settings,
		CreatedAt:       in.At,
		LastActivityAt:  in.At,
	}, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	q := `select ` + sessionColumns + ` from live_sessions where id = $1`
	var out model.Session
	var settings []byte
	if err := s.db.QueryRow(ctx, q, sessionID).Scan(
		&out.ID, &out.TeamID, &out.HostUserID, &out.HostDisplayName, &out.Status,
		&out.Title, &out.Description, &settings, &out.CreatedAt, &out.LastActivityAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out.Settings = json.RawMessage(settings)
	return &out, nil
}

// AddParticipant inserts a membership row and refreshes the session's
// last activity marker.
func (s *Store) AddParticipant(ctx context.Context, in AddParticipantInput) (*model.Participant, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := insertParticipantTx(ctx, tx, in); err != nil {
		return nil, err
	}
	const touch = `
update live_sessions
set last_activity_at = greatest(last_activity_at, $2)
where id = $1`
	tag, err := tx.Exec(ctx, touch, in.SessionID, in.At)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &model.Participant{
		SessionID:   in.SessionID,
		UserID:      in.UserID,
		DisplayName: in.DisplayName,
		Role:        in.Role,
		JoinedAt:    in.At,
		LastSeenAt:  in.At,
	}, nil
}

func insertParticipantTx(ctx context.Context, tx pgx.Tx, in AddParticipantInput) error {
	const q = `
insert into live_session_participants
  (session_id, user_id, display_name, role, joined_at, last_seen_at)
values
  ($1, $2, $3, $4, $5, $5)`
	_, err := tx.Exec(ctx, q, in.SessionID, in.UserID, in.DisplayName, string(in.Role), in.At)
	return err
}

func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]model.Participant, error) {
	const q = `
select session_id, user_id, display_name, role, coalesce(connection_id, ''), joined_at, last_seen_at, left_at
from live_session_participants
where session_id = $1
order by joined_at asc`
	rows, err := s.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Participant, 0)
	for rows.Next() {
		var p model.Participant
		var leftAt *time.Time
		if err := rows.Scan(&p.SessionID, &p.UserID, &p.DisplayName, &p.Role, &p.ConnectionID, &p.JoinedAt, &p.LastSeenAt, &leftAt); err != nil {
			return nil, err
		}
		p.LeftAt = leftAt
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimConnection binds a live connection to the newest unclaimed open row
// for the same user and role, or inserts a fresh row when none is left
// (reconnects after the original row was closed).
func (s *Store) ClaimConnection(ctx context.Context, c model.ConnectionClaim) error {
	const claim = `
update live_session_participants
set connection_id = $4, last_seen_at = $5
where (session_id, user_id, joined_at) = (
  select session_id, user_id, joined_at
  from live_session_participants
  where session_id = $1 and user_id = $2 and role = $3 and connection_id is null and left_at is null
  order by joined_at desc
  limit 1
)`
	tag, err := s.db.Exec(ctx, claim, c.SessionID, c.UserID, string(c.Role), c.ConnectionID, c.At)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	const insert = `
insert into live_session_participants
  (session_id, user_id, display_name, role, connection_id, joined_at, last_seen_at)
values
  ($1, $2, $3, $4, $5, $6, $6)`
	_, err = s.db.Exec(ctx, insert, c.SessionID, c.UserID, c.DisplayName, string(c.Role), c.ConnectionID, c.At)
	return err
}

func (s *Store) MarkConnectionSeen(ctx context.Context, connectionID string, at time.Time) error {
	const q = `
update live_session_participants
set last_seen_at = greatest(last_seen_at, $2)
where connection_id = $1 and left_at is null`
	_, err := s.db.Exec(ctx, q, connectionID, at)
	return err
}

func (s *Store) MarkConnectionLeft(ctx context.Context, connectionID string, at time.Time) error {
	const q = `
update live_session_participants
set left_at = $2, last_seen_at = greatest(last_seen_at, $2)
where connection_id = $1 and left_at is null`
	_, err := s.db.Exec(ctx, q, connectionID, at)
	return err
}

// CloseStaleParticipants sets left_at on open rows that have not been seen
// since cutoff, which happens when the instance holding the connection died.
func (s *Store) CloseStaleParticipants(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `
update live_session_participants
set left_at = last_seen_at
where left_at is null and last_seen_at < $1`
	tag, err := s.db.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) TouchSessionActivity(ctx context.Context, sessionID string, at time.Time) error {
	const q = `
update live_sessions
set last_activity_at = greatest(last_activity_at, $2)
where id = $1`
	_, err := s.db.Exec(ctx, q, sessionID, at)
	return err
}

func (s *Store) AppendEvent(ctx context.Context, ev model.Event) error {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	const q = `
insert into live_session_events
  (session_id, ts, actor_user_id, actor_display_name, kind, payload)
values
  ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.Exec(ctx, q, ev.SessionID, ev.TS, ev.ActorUserID, ev.ActorDisplayName, string(ev.Kind), payload)
	return err
}

// ListEvents returns one page of a session's events, newest first. Before is
// an exclusive upper bound on ts.
func (s *Store) ListEvents(ctx context.Context, in EventQuery) ([]model.Event, error) {
	var b strings.Builder
	b.WriteString(`
select id, session_id, ts, actor_user_id, actor_display_name, kind, payload
from live_session_events
where session_id = $1`)
	args := []any{in.SessionID}
	if in.Before != nil {
		args = append(args, *in.Before)
		b.WriteString(` and ts < $` + strconv.Itoa(len(args)))
	}
	args = append(args, in.Limit)
	b.WriteString(`
order by ts desc, id desc
limit $` + strconv.Itoa(len(args)))

	rows, err := s.db.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Event, 0, in.Limit)
	for rows.Next() {
		var e model.Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TS, &e.ActorUserID, &e.ActorDisplayName, &e.Kind, &payload); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
