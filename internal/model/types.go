package model

import (
	"encoding/json"
	"time"
)

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// ParseRole maps a wire value onto a Role. An empty value is a guest.
func ParseRole(v string) (Role, bool) {
	switch Role(v) {
	case "", RoleGuest:
		return RoleGuest, true
	case RoleHost:
		return RoleHost, true
	default:
		return "", false
	}
}

type EventKind string

const (
	EventMeta      EventKind = "meta"
	EventJoin      EventKind = "join"
	EventPTYOutput EventKind = "pty_output"
	EventPTYInput  EventKind = "pty_input"
)

type Session struct {
	ID              string
	TeamID          string
	HostUserID      string
	HostDisplayName string
	Status          SessionStatus
	Title           string
	Description     string
	Settings        json.RawMessage
	CreatedAt       time.Time
	LastActivityAt  time.Time
}

// Participant is one physical membership row. Rows are append-only apart
// from LastSeenAt, LeftAt and the connection claim.
type Participant struct {
	SessionID    string
	UserID       string
	DisplayName  string
	Role         Role
	ConnectionID string
	JoinedAt     time.Time
	LastSeenAt   time.Time
	LeftAt       *time.Time
}

type Event struct {
	ID               int64
	SessionID        string
	TS               time.Time
	ActorUserID      string
	ActorDisplayName string
	Kind             EventKind
	Payload          json.RawMessage
}

// ConnectionClaim binds a live connection to a participant row.
type ConnectionClaim struct {
	SessionID    string
	UserID       string
	DisplayName  string
	Role         Role
	ConnectionID string
	At           time.Time
}
