package main

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// heartbeat is one ticker shared by every connection. Each connection
// subscribes and receives the ticks on its own channel.
type heartbeat struct {
	mux         sync.Mutex // Protects subscribers
	subscribers subscribers

	clock    clockwork.Clock
	ticker   clockwork.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
}

type subscribers map[*subscriber]interface {
}

type subscriber struct {
	tick chan time.Time
}

// creates and starts a new heartbeat ticking every interval on clock
func newHeartbeat(clock clockwork.Clock, interval time.Duration) *heartbeat {
	t := &heartbeat{
		subscribers: make(subscribers),
		clock:       clock,
		ticker:      clock.NewTicker(interval),
		stopCh:      make(chan struct{}),
	}
	go t.run()
	return t
}

func newSubscriber() *subscriber {
	return &subscriber{
		tick: make(chan time.Time, 1),
	}
}

// subscribe returns a subscriber whose channel receives ticks. Ticks that
// can't be delivered, because the subscriber is not ready to receive, are
// discarded. After stop the channel is returned already closed.
func (t *heartbeat) subscribe() *subscriber {
	t.mux.Lock()
	defer t.mux.Unlock()

	sub := newSubscriber()
	select {
	case <-t.stopCh:
		close(sub.tick)
	default:
		t.subscribers[sub] = nil
	}
	return sub
}

func (t *heartbeat) unsubscribe(sub *subscriber) {
	t.mux.Lock()
	defer t.mux.Unlock()

	if _, ok := t.subscribers[sub]; !ok {
		return
	}
	close(sub.tick)
	delete(t.subscribers, sub)
}

// stop stops the ticker and closes all subscribed channels
func (t *heartbeat) stop() {
	t.stopOnce.Do(func() {
		t.mux.Lock()
		defer t.mux.Unlock()

		t.ticker.Stop()
		close(t.stopCh)
		for sub := range t.subscribers {
			close(sub.tick)
			delete(t.subscribers, sub)
		}
	})
}

func (t *heartbeat) len() int {
	t.mux.Lock()
	defer t.mux.Unlock()
	return len(t.subscribers)
}

func (t *heartbeat) run() {
	for {
		select {
		case tick := <-t.ticker.Chan():
			t.mux.Lock()
			for sub := range t.subscribers {
				select {
				case sub.tick <- tick:
				default:
					incr("heartbeat.dropped", 1)
				}
			}
			t.mux.Unlock()
		case <-t.stopCh:
			return
		}
	}
}
