package relay

import (
	"sync"

	"github.com/google/uuid"

	"busrelay/internal/auth"
	"busrelay/internal/model"
)

// Conn is one authenticated socket session. Outbound frames are queued on a
// bounded buffer drained by the session's write pump; a full or closed queue
// drops the frame.
type Conn struct {
	ID       string
	Subject  model.ID
	Role     model.Role
	// EntityID is the entity a tracked-entity connection declared at handshake.
	EntityID model.ID
	token    string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	reasonMu  sync.Mutex
	reason    closeReason
}

type closeReason struct {
	code int
	text string
}

func newConn(id auth.Identity, entityID model.ID, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 64
	}
	return &Conn{
		ID:       uuid.New().String(),
		Subject:  id.SubjectID,
		Role:     id.Role,
		EntityID: entityID,
		token:    id.Token,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

// Send enqueues a frame. It reports false when the frame was dropped.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Outbox is drained by the transport writer.
func (c *Conn) Outbox() <-chan []byte { return c.send }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close marks the connection closed. The first call's close code and text
// are what the transport reports to the peer.
func (c *Conn) Close(code int, text string) {
	c.closeOnce.Do(func() {
		c.reasonMu.Lock()
		c.reason = closeReason{code: code, text: text}
		c.reasonMu.Unlock()
		close(c.done)
	})
}

func (c *Conn) closeReason() closeReason {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	return c.reason
}
