package registry

import (
	"net"
	"sync"
	"time"
)

// State is the lifecycle state of a device connection
type State int

const (
	StateAccepted State = iota
	StateIdentified
	StateActive
	StateClosing
	StateClosed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateIdentified:
		return "identified"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one open device socket on this node.
// The reading goroutine owns the socket; other goroutines may only
// Write to it or Shut it down, both serialized by mu.
type Connection struct {
	addr string
	node string

	mu           sync.Mutex
	conn         net.Conn
	closed       bool
	deviceID     string
	lastActivity time.Time
	state        State
}

// NewConnection wraps an accepted socket
func NewConnection(conn net.Conn, node string, now time.Time) *Connection {
	return &Connection{
		addr:         conn.RemoteAddr().String(),
		node:         node,
		conn:         conn,
		lastActivity: now,
		state:        StateAccepted,
	}
}

// Addr returns the remote address, the key of the connection within a node
func (c *Connection) Addr() string {
	return c.addr
}

// Node returns the node that accepted the connection
func (c *Connection) Node() string {
	return c.node
}

// Conn returns the underlying socket for the owning goroutine
func (c *Connection) Conn() net.Conn {
	return c.conn
}

// Write writes one encoded frame to the socket
func (c *Connection) Write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	_, err := c.conn.Write(frame)
	return err
}

// Shutdown closes the socket. A second call returns net.ErrClosed.
func (c *Connection) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.closed = true
	if c.state < StateClosing {
		c.state = StateClosing
	}
	return c.conn.Close()
}

// Closed reports whether Shutdown has been called
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Bind records the device id announced by the device.
// Re-identification replaces the previous id.
func (c *Connection) Bind(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceID = deviceID
	if c.state < StateClosing {
		c.state = StateIdentified
	}
}

// DeviceID returns the bound device id, empty before identification
func (c *Connection) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// Touch updates the in-memory mirror of the liveness record
func (c *Connection) Touch(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.lastActivity) {
		c.lastActivity = t
	}
}

// LastActivity returns the in-memory mirror of the liveness record
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// State returns the current lifecycle state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState moves the connection forward in its lifecycle, never backwards
func (c *Connection) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s > c.state {
		c.state = s
	}
}
