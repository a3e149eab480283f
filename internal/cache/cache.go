// Package cache keeps short-lived liveness hints about sessions. Nothing read
// from it is authoritative; the durable store is.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/telemyapp/liveterm-relay/internal/model"
)

var ErrMiss = errors.New("cache miss")

// KV is an expiring key/value store.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}

type Snapshot struct {
	SessionID       string              `json:"sessionId"`
	TeamID          string              `json:"teamId"`
	HostUserID      string              `json:"hostUserId"`
	HostDisplayName string              `json:"hostDisplayName"`
	Status          model.SessionStatus `json:"status"`
	LastActivityAt  int64               `json:"lastActivityAt"`
}

func SnapshotOf(sess *model.Session, lastActivity time.Time) Snapshot {
	return Snapshot{
		SessionID:       sess.ID,
		TeamID:          sess.TeamID,
		HostUserID:      sess.HostUserID,
		HostDisplayName: sess.HostDisplayName,
		Status:          sess.Status,
		LastActivityAt:  lastActivity.UnixMilli(),
	}
}

type presence struct {
	SessionID string `json:"sessionId"`
	LastPing  int64  `json:"lastPing"`
}

// Liveness stores session snapshots and presence pings under separate keys
// so a ping never overwrites the snapshot.
type Liveness struct {
	kv  KV
	ttl time.Duration
}

func NewLiveness(kv KV, ttl time.Duration) *Liveness {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Liveness{kv: kv, ttl: ttl}
}

func snapshotKey(sessionID string) string { return "session:" + sessionID }
func presenceKey(sessionID string) string { return "presence:" + sessionID }

func (l *Liveness) PutSnapshot(ctx context.Context, snap Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return l.kv.Set(ctx, snapshotKey(snap.SessionID), b, l.ttl)
}

func (l *Liveness) Ping(ctx context.Context, sessionID string, at time.Time) error {
	b, err := json.Marshal(presence{SessionID: sessionID, LastPing: at.UnixMilli()})
	if err != nil {
		return err
	}
	return l.kv.Set(ctx, presenceKey(sessionID), b, l.ttl)
}

// LastPing reports the most recent presence ping, if one is still cached.
func (l *Liveness) LastPing(ctx context.Context, sessionID string) (time.Time, bool, error) {
	b, err := l.kv.Get(ctx, presenceKey(sessionID))
	if errors.Is(err, ErrMiss) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	var p presence
	if err := json.Unmarshal(b, &p); err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(p.LastPing).UTC(), true, nil
}
