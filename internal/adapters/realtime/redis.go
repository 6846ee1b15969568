package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/Spaces/internal/core"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var (
	_ core.Realtime  = (*Redis)(nil)
	_ core.Publisher = (*Redis)(nil)
)

// Redis fans row events out through pub/sub, one channel per space.
type Redis struct {
	client *redis.Client
	buffer int
}

func ChannelName(space domain.SpaceID) string {
	return fmt.Sprintf("spaces:%s:rows", space)
}

// DialRedis parses url, pings the server and returns a broker.
func DialRedis(ctx context.Context, url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewRedis(c), nil
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, buffer: DefaultBuffer}
}

func (r *Redis) Close() error { return r.client.Close() }

func encodeEvent(ev core.RowEvent) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode row event: %w", err)
	}
	return b, nil
}

func decodeEvent(payload string) (core.RowEvent, error) {
	var ev core.RowEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return core.RowEvent{}, fmt.Errorf("decode row event: %w", err)
	}
	return ev, nil
}

func (r *Redis) Publish(ctx context.Context, ev core.RowEvent) error {
	b, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, ChannelName(ev.SpaceID), b).Err()
}

// Subscribe waits for the subscription to be confirmed before returning so
// no event published afterwards is missed.
func (r *Redis) Subscribe(ctx context.Context, space domain.SpaceID) (<-chan core.RowEvent, error) {
	ps := r.client.Subscribe(ctx, ChannelName(space))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", space, err)
	}

	logger := log.With().Str("module", "realtime.redis").Str("space", string(space)).Logger()
	out := make(chan core.RowEvent, r.buffer)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := decodeEvent(msg.Payload)
				if err != nil {
					logger.Warn().Err(err).Msg("bad row event")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
