package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// Pending operations the registry will buffer before producers block.
	queueSize = 100

	// How long a publish waits for room in a full queue before it is rejected.
	publishWait = time.Second
)

var (
	errRegistryStopped = errors.New("registry stopped")
	errQueueFull       = errors.New("registry queue full")
)

type opcode int

const (
	REGISTER opcode = iota + 1
	PUBLISH
	REMOVE
	SNAPSHOT
	SHUTDOWN
)

func (op opcode) String() string {
	switch op {
	case REGISTER:
		return "register"
	case PUBLISH:
		return "publish"
	case REMOVE:
		return "remove"
	case SNAPSHOT:
		return "snapshot"
	case SHUTDOWN:
		return "shutdown"
	}
	return fmt.Sprintf("opcode(%d)", int(op))
}

type command struct {
	cmd      opcode
	endpoint string
	id       uuid.UUID
	handle   handle
	payload  string
	reply    chan snapshot
	ack      chan struct{}
}

type queue chan command

// endpoints maps an endpoint name to the connections registered under it.
// An endpoint is only present while it has at least one connection.
type endpoints map[string]map[uuid.UUID]handle

// snapshot is a copy of the endpoint table, safe to read outside the registry.
type snapshot map[string][]uuid.UUID

func (s snapshot) connections() int {
	n := 0
	for _, ids := range s {
		n += len(ids)
	}
	return n
}

// registry is the single owner of the endpoint table. Every operation is a
// command on its queue and run() applies them one at a time.
type registry struct {
	queue       queue
	endpoints   endpoints
	coord       Coordinator
	done        chan struct{}
	started     time.Time
	publishWait time.Duration
	log         *logrus.Entry
}

func newRegistry(coord Coordinator) *registry {
	if coord == nil {
		coord = noopCoordinator{}
	}
	return &registry{
		queue:       make(queue, queueSize),
		endpoints:   make(endpoints),
		coord:       coord,
		done:        make(chan struct{}),
		started:     time.Now(),
		publishWait: publishWait,
		log:         logrus.WithField("component", "registry"),
	}
}

func (r *registry) run() {
	for {
		cmd := <-r.queue
		switch cmd.cmd {
		case REGISTER:
			r.subscribe(cmd)
		case PUBLISH:
			r.broadcast(cmd)
		case REMOVE:
			r.unsubscribe(cmd)
		case SNAPSHOT:
			cmd.reply <- r.snapshot()
		case SHUTDOWN:
			r.log.Info("stopping registry")
			close(r.done)
			close(cmd.ack)
			return
		default:
			panic(fmt.Sprintf("unexpected registry cmd: %v\n", cmd.cmd))
		}
	}
}

// listen feeds publishes from other instances into the queue until ctx ends.
func (r *registry) listen(ctx context.Context) {
	if err := r.coord.Run(ctx, r.onRemotePublish); err != nil {
		r.log.WithError(err).Error("coordinator stopped")
	}
}

func (r *registry) onRemotePublish(endpoint, payload string) {
	if err := r.submit(context.Background(), command{cmd: PUBLISH, endpoint: endpoint, payload: payload}); err != nil {
		r.log.WithError(err).WithField("endpoint", endpoint).Warn("dropping remote publish")
	}
}

// Done is closed once the registry has processed a shutdown.
func (r *registry) Done() <-chan struct{} {
	return r.done
}

func (r *registry) Register(endpoint string, id uuid.UUID, h handle) error {
	return r.submit(context.Background(), command{cmd: REGISTER, endpoint: endpoint, id: id, handle: h})
}

// Publish delivers payload to the local connections on endpoint and mirrors
// it to the coordinator. Mirroring happens on the caller's goroutine.
func (r *registry) Publish(ctx context.Context, endpoint, payload string) error {
	if err := r.submit(ctx, command{cmd: PUBLISH, endpoint: endpoint, payload: payload}); err != nil {
		return err
	}
	if err := r.coord.PublishRemote(ctx, endpoint, payload); err != nil {
		r.log.WithError(err).WithField("endpoint", endpoint).Warn("mirroring publish failed")
	}
	return nil
}

func (r *registry) Remove(endpoint string, id uuid.UUID) error {
	return r.submit(context.Background(), command{cmd: REMOVE, endpoint: endpoint, id: id})
}

func (r *registry) Snapshot() (snapshot, error) {
	reply := make(chan snapshot, 1)
	if err := r.submit(context.Background(), command{cmd: SNAPSHOT, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-r.done:
		return nil, errRegistryStopped
	}
}

// Shutdown stops the registry and waits for it to acknowledge.
func (r *registry) Shutdown(ctx context.Context) error {
	ack := make(chan struct{})
	if err := r.submit(ctx, command{cmd: SHUTDOWN, ack: ack}); err != nil {
		if errors.Is(err, errRegistryStopped) {
			return nil
		}
		return fmt.Errorf("registry shutdown: %w", err)
	}
	select {
	case <-ack:
		return nil
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("registry shutdown: %w", ctx.Err())
	}
}

// submit enqueues cmd. Waiting for room in a full queue ends early when ctx
// is done.
func (r *registry) submit(ctx context.Context, cmd command) error {
	select {
	case <-r.done:
		return errRegistryStopped
	default:
	}

	select {
	case r.queue <- cmd:
		return nil
	default:
	}

	incr("registry.queue.full", 1)
	r.log.WithFields(logrus.Fields{
		"op":       cmd.cmd.String(),
		"endpoint": cmd.endpoint,
		"capacity": cap(r.queue),
	}).Error("registry queue full")

	if cmd.cmd != PUBLISH {
		// Losing a register or remove would leak table entries, so wait.
		select {
		case r.queue <- cmd:
			return nil
		case <-r.done:
			return errRegistryStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.NewTimer(r.publishWait)
	defer timer.Stop()
	select {
	case r.queue <- cmd:
		return nil
	case <-r.done:
		return errRegistryStopped
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		r.log.WithField("endpoint", cmd.endpoint).Error("publish rejected, registry queue full")
		return errQueueFull
	}
}

func (r *registry) subscribe(cmd command) {
	conns, ok := r.endpoints[cmd.endpoint]
	if !ok {
		conns = make(map[uuid.UUID]handle)
		r.endpoints[cmd.endpoint] = conns
		incr("endpoints", 1)
	}
	conns[cmd.id] = cmd.handle
	r.log.WithFields(logrus.Fields{
		"endpoint": cmd.endpoint,
		"conn_id":  cmd.id,
	}).Info("registering connection")
}

func (r *registry) broadcast(cmd command) {
	conns, ok := r.endpoints[cmd.endpoint]
	if !ok {
		incr("registry.drops", 1)
		r.log.WithField("endpoint", cmd.endpoint).Debug("no connections for endpoint")
		return
	}
	mark("registry.publish", 1)
	for id, h := range conns {
		switch h.deliver(cmd.payload) {
		case dropped:
			incr("registry.slow", 1)
			r.log.WithFields(logrus.Fields{
				"endpoint": cmd.endpoint,
				"conn_id":  id,
			}).Warn("connection inbox full, dropping payload")
		case gone:
			// The connection terminated; its own remove is on the way.
			r.unsubscribe(command{cmd: REMOVE, endpoint: cmd.endpoint, id: id})
		}
	}
}

func (r *registry) unsubscribe(cmd command) {
	conns, ok := r.endpoints[cmd.endpoint]
	if !ok {
		return
	}
	if _, ok := conns[cmd.id]; !ok {
		return
	}
	delete(conns, cmd.id)
	r.log.WithFields(logrus.Fields{
		"endpoint": cmd.endpoint,
		"conn_id":  cmd.id,
	}).Info("removing connection")
	if len(conns) == 0 {
		delete(r.endpoints, cmd.endpoint)
		decr("endpoints", 1)
	}
}

func (r *registry) snapshot() snapshot {
	s := make(snapshot, len(r.endpoints))
	for endpoint, conns := range r.endpoints {
		ids := make([]uuid.UUID, 0, len(conns))
		for id := range conns {
			ids = append(ids, id)
		}
		s[endpoint] = ids
	}
	return s
}
