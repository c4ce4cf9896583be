package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const pushChannel = "hms:ws:push"

// Broker is the pub/sub transport between server instances.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error)
}

type envelope struct {
	Origin  string          `json:"origin"`
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload"`
}

// RedisFanout delivers to local sessions directly and publishes the frame
// so other instances can deliver to the sessions they hold. Frames an
// instance published itself are ignored when they come back.
type RedisFanout struct {
	local    *Registry
	broker   Broker
	instance string
	logger   zerolog.Logger

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewRedisFanout(local *Registry, broker Broker, logger zerolog.Logger) *RedisFanout {
	return &RedisFanout{
		local:    local,
		broker:   broker,
		instance: uuid.NewString(),
		logger:   logger.With().Str("component", "ws-fanout").Logger(),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the push channel and relays remote frames until Stop.
func (f *RedisFanout) Start(ctx context.Context) error {
	ctx, f.cancel = context.WithCancel(ctx)
	msgs, closeSub, err := f.broker.Subscribe(ctx, pushChannel)
	if err != nil {
		f.cancel()
		close(f.done)
		return err
	}

	go func() {
		defer close(f.done)
		defer closeSub()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-msgs:
				if !ok {
					return
				}
				f.deliverRemote(ctx, raw)
			}
		}
	}()
	return nil
}

func (f *RedisFanout) deliverRemote(ctx context.Context, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		f.logger.Warn().Err(err).Msg("malformed fanout message")
		return
	}
	if env.Origin == f.instance || !f.local.Connected(env.UserID) {
		return
	}
	f.local.PushRaw(ctx, env.UserID, env.Payload)
}

// Push implements Pusher. The returned count covers local sessions only.
func (f *RedisFanout) Push(ctx context.Context, userID string, frame Frame) int {
	payload, err := json.Marshal(frame)
	if err != nil {
		f.logger.Error().Err(err).Msg("marshal frame")
		return 0
	}

	delivered := f.local.PushRaw(ctx, userID, payload)

	env, _ := json.Marshal(envelope{Origin: f.instance, UserID: userID, Payload: payload})
	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.broker.Publish(pubCtx, pushChannel, env); err != nil {
		f.logger.Warn().Err(err).Str("user_id", userID).Msg("publish to other instances failed")
	}
	return delivered
}

func (f *RedisFanout) Stop() {
	f.stopOnce.Do(func() {
		if f.cancel == nil {
			return
		}
		f.cancel()
		<-f.done
	})
}

// RedisBroker implements Broker on go-redis pub/sub.
type RedisBroker struct {
	client *redis.Client
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, err
	}

	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, ps.Close, nil
}
