package main

import (
	"context"
	"sync"
	"testing"
	"testing/quick"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConn stands in for a connection: an inbox the registry delivers to.
type testConn struct {
	id    uuid.UUID
	inbox chan string
	done  chan struct{}
}

func newTestConn(size int) *testConn {
	return &testConn{
		id:    uuid.New(),
		inbox: make(chan string, size),
		done:  make(chan struct{}),
	}
}

func (c *testConn) handle() handle {
	return handle{inbox: c.inbox, done: c.done}
}

func (c *testConn) received() []string {
	var got []string
	for {
		select {
		case p := <-c.inbox:
			got = append(got, p)
		default:
			return got
		}
	}
}

func register(r *registry, endpoint string, c *testConn) {
	r.subscribe(command{cmd: REGISTER, endpoint: endpoint, id: c.id, handle: c.handle()})
}

func startedRegistry(t *testing.T, coord Coordinator) *registry {
	t.Helper()
	r := newRegistry(coord)
	go r.run()
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}

func TestSubscribe(t *testing.T) {
	r := newRegistry(nil)
	require.Empty(t, r.endpoints)

	// registering under a new endpoint adds one endpoint
	register(r, "/monkey", newTestConn(1))
	assert.Len(t, r.endpoints, 1)

	// further connections share the endpoint
	register(r, "/monkey", newTestConn(1))
	register(r, "/monkey", newTestConn(1))
	assert.Len(t, r.endpoints, 1)
	assert.Len(t, r.endpoints["/monkey"], 3)

	register(r, "/banana", newTestConn(1))
	assert.Len(t, r.endpoints, 2)
}

func TestSubscribeUniqueIDs(t *testing.T) {
	r := newRegistry(nil)
	conns := map[string][]*testConn{}
	for i, endpoint := range []string{"/a", "/b", "/a", "/c", "/b", "/a"} {
		c := newTestConn(1)
		conns[endpoint] = append(conns[endpoint], c)
		register(r, endpoint, c)
		require.Len(t, r.snapshot(), len(conns), "after %d registrations", i+1)
	}

	seen := map[uuid.UUID]string{}
	for endpoint, ids := range r.snapshot() {
		for _, id := range ids {
			_, dup := seen[id]
			assert.False(t, dup, "id %s listed twice", id)
			seen[id] = endpoint
		}
	}
	for endpoint, cs := range conns {
		for _, c := range cs {
			assert.Equal(t, endpoint, seen[c.id])
		}
	}
}

func TestBroadcast(t *testing.T) {
	r := newRegistry(nil)
	c1, c2, c3 := newTestConn(4), newTestConn(4), newTestConn(4)
	register(r, "E", c1)
	register(r, "E", c2)
	register(r, "F", c3)

	r.broadcast(command{cmd: PUBLISH, endpoint: "E", payload: "payload"})

	assert.Equal(t, []string{"payload"}, c1.received())
	assert.Equal(t, []string{"payload"}, c2.received())
	assert.Empty(t, c3.received())
}

func TestBroadcastNoSubscribers(t *testing.T) {
	r := newRegistry(nil)
	c := newTestConn(1)
	register(r, "/monkey", c)
	drops := count("registry.drops")

	r.broadcast(command{cmd: PUBLISH, endpoint: "unregistered-endpoint", payload: "banana"})

	_, ok := r.endpoints["unregistered-endpoint"]
	assert.False(t, ok, "publishing must not create an endpoint")
	assert.Empty(t, c.received())
	assert.Equal(t, drops+1, count("registry.drops"))
}

func TestBroadcastSlowConnection(t *testing.T) {
	r := newRegistry(nil)
	slow, fast := newTestConn(1), newTestConn(4)
	register(r, "/monkey", slow)
	register(r, "/monkey", fast)

	r.broadcast(command{cmd: PUBLISH, endpoint: "/monkey", payload: "1"})
	r.broadcast(command{cmd: PUBLISH, endpoint: "/monkey", payload: "2"})
	r.broadcast(command{cmd: PUBLISH, endpoint: "/monkey", payload: "3"})

	// a full inbox costs the slow connection payloads, never the others
	assert.Equal(t, []string{"1"}, slow.received())
	assert.Equal(t, []string{"1", "2", "3"}, fast.received())
	assert.Len(t, r.endpoints["/monkey"], 2, "slow connections stay registered")
}

func TestBroadcastGoneConnection(t *testing.T) {
	r := newRegistry(nil)
	dead, live := newTestConn(1), newTestConn(1)
	register(r, "/monkey", dead)
	register(r, "/monkey", live)
	close(dead.done)

	r.broadcast(command{cmd: PUBLISH, endpoint: "/monkey", payload: "banana"})

	assert.Empty(t, dead.received())
	assert.Equal(t, []string{"banana"}, live.received())
	assert.NotContains(t, r.endpoints["/monkey"], dead.id)
}

func TestUnsubscribe(t *testing.T) {
	r := newRegistry(nil)
	c1, c2 := newTestConn(1), newTestConn(1)
	register(r, "/monkey", c1)
	register(r, "/monkey", c2)
	register(r, "/banana", newTestConn(1))

	r.unsubscribe(command{cmd: REMOVE, endpoint: "/monkey", id: c1.id})
	assert.Len(t, r.endpoints["/monkey"], 1)

	// the last removal drops the endpoint itself
	r.unsubscribe(command{cmd: REMOVE, endpoint: "/monkey", id: c2.id})
	_, ok := r.endpoints["/monkey"]
	assert.False(t, ok, "endpoint not removed")

	_, ok = r.endpoints["/banana"]
	assert.True(t, ok, "unrelated endpoint removed")
}

func TestUnsubscribeIdempotent(t *testing.T) {
	r := newRegistry(nil)
	c1, c2 := newTestConn(1), newTestConn(1)
	register(r, "/monkey", c1)
	register(r, "/monkey", c2)

	r.unsubscribe(command{cmd: REMOVE, endpoint: "/monkey", id: c1.id})
	once := r.snapshot()
	r.unsubscribe(command{cmd: REMOVE, endpoint: "/monkey", id: c1.id})
	assert.Equal(t, once, r.snapshot())

	// unknown endpoints and ids are no-ops
	r.unsubscribe(command{cmd: REMOVE, endpoint: "/nope", id: c1.id})
	r.unsubscribe(command{cmd: REMOVE, endpoint: "/monkey", id: uuid.New()})
	assert.Equal(t, once, r.snapshot())
}

func TestRegistryScenario(t *testing.T) {
	r := startedRegistry(t, nil)
	c1, c2, c3 := newTestConn(4), newTestConn(4), newTestConn(4)
	require.NoError(t, r.Register("A", c1.id, c1.handle()))
	require.NoError(t, r.Register("A", c2.id, c2.handle()))
	require.NoError(t, r.Register("B", c3.id, c3.handle()))

	require.NoError(t, r.Publish(context.Background(), "A", "x"))
	s, err := r.Snapshot()
	require.NoError(t, err)
	assert.Len(t, s["A"], 2)
	assert.Len(t, s["B"], 1)

	// the snapshot is served after the publish, so delivery already happened
	assert.Equal(t, []string{"x"}, c1.received())
	assert.Equal(t, []string{"x"}, c2.received())
	assert.Empty(t, c3.received())

	require.NoError(t, r.Remove("A", c1.id))
	s, err = r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, snapshot{"A": {c2.id}, "B": {c3.id}}, s)

	require.NoError(t, r.Remove("A", c2.id))
	s, err = r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, snapshot{"B": {c3.id}}, s)
}

// Any mix of endpoints is fanned out exactly and leaves nothing behind.
func TestRegistryFanOutProperty(t *testing.T) {
	property := func(endpoints []string, payload string) bool {
		r := newRegistry(nil)
		conns := map[string][]*testConn{}
		for _, endpoint := range endpoints {
			c := newTestConn(1)
			conns[endpoint] = append(conns[endpoint], c)
			register(r, endpoint, c)
		}
		if len(endpoints) == 0 {
			return len(r.endpoints) == 0
		}

		target := endpoints[0]
		r.broadcast(command{cmd: PUBLISH, endpoint: target, payload: payload})
		for endpoint, cs := range conns {
			for _, c := range cs {
				got := c.received()
				if endpoint == target && (len(got) != 1 || got[0] != payload) {
					return false
				}
				if endpoint != target && len(got) != 0 {
					return false
				}
				r.unsubscribe(command{cmd: REMOVE, endpoint: endpoint, id: c.id})
			}
		}
		return len(r.endpoints) == 0
	}
	if err := quick.Check(property, nil); err != nil {
		t.Error(err)
	}
}

func TestRegistryConcurrentChurn(t *testing.T) {
	r := startedRegistry(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newTestConn(8)
			endpoint := []string{"/a", "/b", "/c"}[i%3]
			assert.NoError(t, r.Register(endpoint, c.id, c.handle()))
			assert.NoError(t, r.Publish(context.Background(), endpoint, "tick"))
			assert.NoError(t, r.Remove(endpoint, c.id))
			assert.NoError(t, r.Remove(endpoint, c.id))
		}(i)
	}
	wg.Wait()

	s, err := r.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, s)
}

func TestRegistryShutdown(t *testing.T) {
	r := newRegistry(nil)
	go r.run()

	require.NoError(t, r.Shutdown(context.Background()))
	select {
	case <-r.Done():
	default:
		t.Fatal("Expectation: Done closed after Shutdown")
	}

	// nothing is serviced afterwards
	c := newTestConn(1)
	assert.ErrorIs(t, r.Register("/monkey", c.id, c.handle()), errRegistryStopped)
	assert.ErrorIs(t, r.Publish(context.Background(), "/monkey", "x"), errRegistryStopped)
	assert.ErrorIs(t, r.Remove("/monkey", c.id), errRegistryStopped)
	_, err := r.Snapshot()
	assert.ErrorIs(t, err, errRegistryStopped)
	assert.NoError(t, r.Shutdown(context.Background()))
}

func TestRegistryShutdownTimeout(t *testing.T) {
	// not running, so the shutdown is queued but never acknowledged
	r := newRegistry(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Shutdown(ctx), context.DeadlineExceeded)
}

func TestRegistryShutdownTimeoutFullQueue(t *testing.T) {
	// not running and full, so the shutdown can't even be queued
	r := newRegistry(nil)
	for i := 0; i < queueSize; i++ {
		require.NoError(t, r.Publish(context.Background(), "/monkey", "filler"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.ErrorIs(t, r.Shutdown(ctx), context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRegistryQueueFull(t *testing.T) {
	r := newRegistry(nil)
	r.publishWait = 10 * time.Millisecond
	for i := 0; i < queueSize; i++ {
		require.NoError(t, r.Publish(context.Background(), "/monkey", "filler"))
	}
	full := count("registry.queue.full")

	// publishes give up after publishWait
	assert.ErrorIs(t, r.Publish(context.Background(), "/monkey", "late"), errQueueFull)
	assert.Equal(t, full+1, count("registry.queue.full"))

	// registrations wait for room instead of being dropped
	c := newTestConn(1)
	registered := make(chan error, 1)
	go func() { registered <- r.Register("/monkey", c.id, c.handle()) }()
	select {
	case <-registered:
		t.Fatal("Expectation: Register blocks while the queue is full")
	case <-time.After(20 * time.Millisecond):
	}

	go r.run()
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	require.NoError(t, <-registered)

	s, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{c.id}, s["/monkey"])
}

type fakeCoordinator struct {
	mu        sync.Mutex
	published []string
	remote    chan [2]string
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{remote: make(chan [2]string)}
}

func (f *fakeCoordinator) PublishRemote(_ context.Context, endpoint, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, endpoint+" "+payload)
	return nil
}

func (f *fakeCoordinator) Run(ctx context.Context, onRemotePublish func(endpoint, payload string)) error {
	for {
		select {
		case m := <-f.remote:
			onRemotePublish(m[0], m[1])
		case <-ctx.Done():
			return nil
		}
	}
}

func (f *fakeCoordinator) Close() error { return nil }

func (f *fakeCoordinator) mirrored() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

func TestRegistryCoordinator(t *testing.T) {
	coord := newFakeCoordinator()
	r := startedRegistry(t, coord)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.listen(ctx)

	c := newTestConn(4)
	require.NoError(t, r.Register("/monkey", c.id, c.handle()))

	// local publishes are delivered and mirrored once
	require.NoError(t, r.Publish(context.Background(), "/monkey", "local"))
	assert.Equal(t, []string{"/monkey local"}, coord.mirrored())

	// remote publishes are delivered and not mirrored back
	coord.remote <- [2]string{"/monkey", "remote"}
	assert.Eventually(t, func() bool { return len(c.inbox) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"local", "remote"}, c.received())
	assert.Equal(t, []string{"/monkey local"}, coord.mirrored())
}
