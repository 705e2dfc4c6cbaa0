package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	channelPrefix  = "sockethook:"
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// remoteMessage is what travels over the broker. Origin identifies the
// instance that published it so that instance can skip its own echo.
type remoteMessage struct {
	Origin  string `json:"origin"`
	Payload string `json:"payload"`
}

func endpointChannel(endpoint string) string {
	return channelPrefix + endpoint
}

// redisCoordinator mirrors publishes through Redis pub/sub. Every instance
// publishes to sockethook:<endpoint> and pattern-subscribes to sockethook:*.
type redisCoordinator struct {
	rdb     *redis.Client
	origin  string
	breaker *gobreaker.CircuitBreaker
	log     *logrus.Entry
}

// newRedisCoordinator connects to redisURL. A URL that does not parse or a
// server that does not answer PING is an error.
func newRedisCoordinator(ctx context.Context, redisURL string) (*redisCoordinator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", opts.Addr, err)
	}

	origin := uuid.NewString()
	rc := &redisCoordinator{
		rdb:    rdb,
		origin: origin,
		log: logrus.WithFields(logrus.Fields{
			"component": "coordinator",
			"origin":    origin,
		}),
	}
	rc.breaker = newBreaker(rc.log)
	rc.log.WithField("addr", opts.Addr).Info("connected to redis")
	return rc, nil
}

func newBreaker(log *logrus.Entry) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-publish",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	})
}

func (rc *redisCoordinator) PublishRemote(ctx context.Context, endpoint, payload string) error {
	data, err := json.Marshal(remoteMessage{Origin: rc.origin, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal remote message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_, err = rc.breaker.Execute(func() (interface{}, error) {
		return nil, rc.rdb.Publish(ctx, endpointChannel(endpoint), data).Err()
	})
	if err != nil {
		incr("coordinator.errors", 1)
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	incr("coordinator.publish", 1)
	return nil
}

// Run blocks until ctx is cancelled or the subscription is closed.
func (rc *redisCoordinator) Run(ctx context.Context, onRemotePublish func(endpoint, payload string)) error {
	pubsub := rc.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer func() {
		_ = pubsub.Close()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			rc.dispatch(msg.Channel, msg.Payload, onRemotePublish)
		case <-ctx.Done():
			return nil
		}
	}
}

func (rc *redisCoordinator) dispatch(channel, data string, onRemotePublish func(endpoint, payload string)) {
	endpoint, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok {
		return
	}
	var msg remoteMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		rc.log.WithError(err).WithField("channel", channel).Warn("invalid remote message")
		return
	}
	if msg.Origin == rc.origin {
		return
	}
	incr("coordinator.recv", 1)
	onRemotePublish(endpoint, msg.Payload)
}

func (rc *redisCoordinator) Close() error {
	return rc.rdb.Close()
}
