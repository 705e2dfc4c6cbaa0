package main

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const (
	// Send pings to peer with this period.
	heartbeatInterval = 5 * time.Second

	// Close the connection when nothing was heard from the peer for longer than this.
	clientTimeout = 2 * heartbeatInterval

	// Payloads buffered per connection before the registry starts dropping.
	inboxSize = 256
)

type delivery int

const (
	delivered delivery = iota
	dropped
	gone
)

// handle lets the registry hand a payload to a connection. It grants no
// access to the connection's socket.
type handle struct {
	inbox chan<- string
	done  <-chan struct{}
}

func (h handle) deliver(payload string) delivery {
	select {
	case <-h.done:
		return gone
	default:
	}
	select {
	case h.inbox <- payload:
		return delivered
	case <-h.done:
		return gone
	default:
		return dropped
	}
}

// registrar is the part of the registry a connection talks to.
type registrar interface {
	Register(endpoint string, id uuid.UUID, h handle) error
	Remove(endpoint string, id uuid.UUID) error
}

type frameKind int

const (
	dataFrame frameKind = iota
	pingFrame
	pongFrame
	closeFrame
)

type frame struct {
	kind        frameKind
	messageType int
	data        []byte
	err         error
}

type connection struct {
	id       uuid.UUID
	endpoint string
	w        websocketManager
	reg      registrar
	beats    *heartbeat
	clock    clockwork.Clock
	inbox    chan string
	frames   chan frame
	done     chan struct{}
	lastSeen time.Time
	log      *logrus.Entry
}

func newConnection(w websocketManager, reg registrar, beats *heartbeat, endpoint string) *connection {
	id := uuid.New()
	return &connection{
		id:       id,
		endpoint: endpoint,
		w:        w,
		reg:      reg,
		beats:    beats,
		clock:    beats.clock,
		inbox:    make(chan string, inboxSize),
		frames:   make(chan frame),
		done:     make(chan struct{}),
		lastSeen: beats.clock.Now(),
		log: logrus.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"conn_id":  id,
		}),
	}
}

func (c *connection) handle() handle {
	return handle{inbox: c.inbox, done: c.done}
}

// run owns the connection until it terminates. It returns once the registry
// has been told about the close and the socket is released.
func (c *connection) run() {
	sub := c.beats.subscribe()
	defer c.beats.unsubscribe(sub)

	if err := c.reg.Register(c.endpoint, c.id, c.handle()); err != nil {
		c.log.WithError(err).Warn("unable to register connection")
		close(c.done)
		c.w.wsClose()
		return
	}
	incr("websockets", 1)
	defer decr("websockets", 1)

	go c.reader()
	c.terminate(c.serve(sub.tick))
}

func (c *connection) serve(ticks <-chan time.Time) string {
	for {
		select {
		case f := <-c.frames:
			if reason, closing := c.handleFrame(f); closing {
				return reason
			}
		case payload := <-c.inbox:
			if err := c.write(websocket.TextMessage, []byte(payload)); err != nil {
				c.log.WithError(err).Debug("write failed")
				return "write failed"
			}
			incr("conn.send", 1)
		case _, ok := <-ticks:
			if !ok {
				return "heartbeat stopped"
			}
			if c.clock.Since(c.lastSeen) > clientTimeout {
				incr("conn.timeouts", 1)
				return "heartbeat timeout"
			}
			if err := c.w.wsWriteControl(websocket.PingMessage, nil); err != nil {
				c.log.WithError(err).Debug("ping failed")
				return "ping failed"
			}
		}
	}
}

func (c *connection) handleFrame(f frame) (string, bool) {
	switch f.kind {
	case pingFrame:
		c.touch()
		if err := c.w.wsWriteControl(websocket.PongMessage, f.data); err != nil {
			return "pong failed", true
		}
	case pongFrame:
		c.touch()
	case dataFrame:
		c.touch()
		incr("conn.recv", 1)
		if err := c.write(f.messageType, f.data); err != nil {
			return "write failed", true
		}
	case closeFrame:
		if websocket.IsUnexpectedCloseError(f.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.log.WithError(f.err).Debug("read error")
		}
		return "closed by peer", true
	}
	return "", false
}

func (c *connection) touch() {
	c.lastSeen = c.clock.Now()
}

func (c *connection) write(messageType int, data []byte) error {
	c.w.wsSetWriteDeadline()
	return c.w.wsWriteMessage(messageType, data)
}

// reader turns inbound frames into events for serve, in arrival order.
// Control frame handlers are invoked by wsReadMessage on this goroutine.
func (c *connection) reader() {
	c.w.wsSetReadLimit()
	c.w.wsSetPingHandler(func(data string) error {
		c.push(frame{kind: pingFrame, data: []byte(data)})
		return nil
	})
	c.w.wsSetPongHandler(func(string) error {
		c.push(frame{kind: pongFrame})
		return nil
	})
	for {
		messageType, message, err := c.w.wsReadMessage()
		if err != nil {
			c.push(frame{kind: closeFrame, err: err})
			return
		}
		c.push(frame{kind: dataFrame, messageType: messageType, data: message})
	}
}

func (c *connection) push(f frame) {
	select {
	case c.frames <- f:
	case <-c.done:
	}
}

func (c *connection) terminate(reason string) {
	close(c.done)
	if err := c.reg.Remove(c.endpoint, c.id); err != nil {
		c.log.WithError(err).Debug("unable to deregister connection")
	}
	c.w.wsClose()
	c.log.WithField("reason", reason).Info("connection closed")
}
