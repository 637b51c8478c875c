package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/common/cnst"
)

// streamMaxLen bounds the invalidation stream; watchers only read new entries
const streamMaxLen = 1024

// RedisBus implements Bus on a Redis stream so every instance reads every event
type RedisBus struct {
	logger *zap.Logger
	client redis.UniversalClient
	stream string
	role   Role
}

var _ Bus = (*RedisBus)(nil)

func NewRedisBus(logger *zap.Logger, client redis.UniversalClient, stream string, role Role) *RedisBus {
	return &RedisBus{
		logger: logger.Named("bus.redis"),
		client: client,
		stream: stream,
		role:   role,
	}
}

// Watch implements Bus.Watch
func (r *RedisBus) Watch(ctx context.Context) (<-chan *Event, error) {
	if !r.CanReceive() {
		return nil, cnst.ErrNotReceiver
	}

	ch := make(chan *Event, 16)

	go func() {
		defer close(ch)

		// $ reads only entries added after the first XREAD
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			// XREAD without a group so each instance sees every event
			streams, err := r.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{r.stream, lastID},
				Count:   32,
				Block:   time.Second,
			}).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					r.logger.Error("failed to read from stream", zap.Error(err))
					time.Sleep(100 * time.Millisecond)
				}
				continue
			}

			for _, stream := range streams {
				for _, message := range stream.Messages {
					lastID = message.ID

					raw, ok := message.Values["event"].(string)
					if !ok {
						continue
					}
					var evt Event
					if err := json.Unmarshal([]byte(raw), &evt); err != nil {
						r.logger.Error("failed to unmarshal event", zap.Error(err))
						continue
					}
					select {
					case ch <- &evt:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// Publish implements Bus.Publish
func (r *RedisBus) Publish(ctx context.Context, evt *Event) error {
	if !r.CanSend() {
		return cnst.ErrNotSender
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to add event to stream: %w", err)
	}
	return nil
}

func (r *RedisBus) CanReceive() bool { return canReceive(r.role) }

func (r *RedisBus) CanSend() bool { return canSend(r.role) }

func (r *RedisBus) Close() error {
	return r.client.Close()
}
