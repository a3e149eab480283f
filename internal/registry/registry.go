// Package registry tracks which connections are attached to which session on
// this instance. It answers "who is live right now" and nothing else; history
// belongs to the event log.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/telemyapp/liveterm-relay/internal/logging"
	"github.com/telemyapp/liveterm-relay/internal/metrics"
	"github.com/telemyapp/liveterm-relay/internal/model"
)

var (
	ErrHostConflict     = errors.New("host already connected")
	ErrHostNotConnected = errors.New("host is not connected")
)

// Conn is a live transport handle. Send must not block on a slow peer.
type Conn interface {
	ID() string
	Send(ctx context.Context, frame []byte) error
	Close(reason string)
}

type entry struct {
	host   Conn
	guests map[string]Conn
}

func (e *entry) empty() bool {
	return e.host == nil && len(e.guests) == 0
}

type Presence struct {
	HostConnected bool `json:"hostConnected"`
	Guests        int  `json:"guests"`
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
}

func New() *Registry {
	return &Registry{sessions: make(map[string]*entry)}
}

// Attach registers c under role. A second host is refused with
// ErrHostConflict and the incumbent is left in place.
func (r *Registry) Attach(sessionID string, role model.Role, c Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.sessions[sessionID]
	if e == nil {
		e = &entry{guests: make(map[string]Conn)}
		r.sessions[sessionID] = e
	}
	if role == model.RoleHost {
		if e.host != nil {
			return ErrHostConflict
		}
		e.host = c
		return nil
	}
	e.guests[c.ID()] = c
	return nil
}

// Detach removes c from the session, whatever role it holds. The session entry
// is dropped once nothing is attached. Detaching an unknown handle is a no-op.
func (r *Registry) Detach(sessionID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked(sessionID, c)
}

func (r *Registry) detachLocked(sessionID string, c Conn) bool {
	e := r.sessions[sessionID]
	if e == nil {
		return false
	}
	removed := false
	if e.host != nil && e.host.ID() == c.ID() {
		e.host = nil
		removed = true
	}
	if _, ok := e.guests[c.ID()]; ok {
		delete(e.guests, c.ID())
		removed = true
	}
	if e.empty() {
		delete(r.sessions, sessionID)
	}
	return removed
}

// BroadcastToGuests delivers frame to every guest attached at call time and
// returns how many received it. A failed send detaches and closes that guest
// only; the others still get the frame.
func (r *Registry) BroadcastToGuests(ctx context.Context, sessionID string, frame []byte) int {
	r.mu.Lock()
	e := r.sessions[sessionID]
	var targets []Conn
	if e != nil {
		targets = make([]Conn, 0, len(e.guests))
		for _, g := range e.guests {
			targets = append(targets, g)
		}
	}
	r.mu.Unlock()

	delivered := 0
	for _, g := range targets {
		if err := g.Send(ctx, frame); err != nil {
			r.dropFailed(sessionID, model.RoleGuest, g, err)
			continue
		}
		delivered++
	}
	metrics.Default().ObserveHistogram("liveterm_relay_broadcast_fanout", float64(delivered), nil)
	return delivered
}

// SendToHost forwards frame to the session's host. It returns
// ErrHostNotConnected when no host is attached or the send failed.
func (r *Registry) SendToHost(ctx context.Context, sessionID string, frame []byte) error {
	r.mu.Lock()
	var host Conn
	if e := r.sessions[sessionID]; e != nil {
		host = e.host
	}
	r.mu.Unlock()

	if host == nil {
		return ErrHostNotConnected
	}
	if err := host.Send(ctx, frame); err != nil {
		r.dropFailed(sessionID, model.RoleHost, host, err)
		return ErrHostNotConnected
	}
	return nil
}

func (r *Registry) dropFailed(sessionID string, role model.Role, c Conn, err error) {
	r.mu.Lock()
	removed := r.detachLocked(sessionID, c)
	r.mu.Unlock()
	if !removed {
		return
	}
	metrics.Default().IncCounter("liveterm_relay_send_failures_total", map[string]string{"role": string(role)})
	logging.Logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"conn_id":    c.ID(),
		"role":       role,
		"err":        err,
	}).Warn("send failed, detaching connection")
	c.Close("send failed")
}

func (r *Registry) Presence(sessionID string) Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.sessions[sessionID]
	if e == nil {
		return Presence{}
	}
	return Presence{HostConnected: e.host != nil, Guests: len(e.guests)}
}

// Sessions returns the number of sessions with at least one attachment.
func (r *Registry) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Stats counts attachments across all sessions on this instance.
type Stats struct {
	Sessions int
	Hosts    int
	Guests   int
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{Sessions: len(r.sessions)}
	for _, e := range r.sessions {
		if e.host != nil {
			st.Hosts++
		}
		st.Guests += len(e.guests)
	}
	return st
}

// ExportMetrics publishes live session and connection gauges on m, read from
// the registry on every scrape.
func (r *Registry) ExportMetrics(m *metrics.Registry) {
	m.RegisterGaugeFunc("liveterm_relay_live_sessions", "Sessions with at least one attached connection on this instance.", func() []metrics.Sample {
		return []metrics.Sample{{Value: float64(r.Stats().Sessions)}}
	})
	m.RegisterGaugeFunc("liveterm_relay_connections", "Attached connections on this instance by role.", func() []metrics.Sample {
		st := r.Stats()
		return []metrics.Sample{
			{Labels: metrics.Labels{"role": string(model.RoleHost)}, Value: float64(st.Hosts)},
			{Labels: metrics.Labels{"role": string(model.RoleGuest)}, Value: float64(st.Guests)},
		}
	})
}

// CloseAll closes every attached connection. Used on shutdown.
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	var all []Conn
	for _, e := range r.sessions {
		if e.host != nil {
			all = append(all, e.host)
		}
		for _, g := range e.guests {
			all = append(all, g)
		}
	}
	r.mu.Unlock()
	for _, c := range all {
		c.Close(reason)
	}
	logging.Logger.WithField("count", len(all)).Info("closed live connections")
	return len(all)
}
