package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	errPeerClosed     = errors.New("peer closed")
	errSendBufferFull = errors.New("peer send buffer full")
)

const writeTimeout = 10 * time.Second

// Peer is one accepted WebSocket. Sends are queued and written by a single
// writer goroutine so a slow reader never blocks the sender.
type Peer struct {
	id   string
	conn *websocket.Conn
	out  chan []byte

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
	reason    string
}

func newPeer(conn *websocket.Conn, buffer int) *Peer {
	if buffer <= 0 {
		buffer = 1
	}
	return &Peer{
		id:   "conn_" + uuid.NewString(),
		conn: conn,
		out:  make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (p *Peer) ID() string { return p.id }

// Send queues frame. It fails instead of waiting when the queue is full.
func (p *Peer) Send(_ context.Context, frame []byte) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.out <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close asks the connection to shut down. The serving goroutine performs the
// close handshake.
func (p *Peer) Close(reason string) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.reason = reason
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *Peer) closeReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

func (p *Peer) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return errPeerClosed
		case frame := <-p.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := p.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
