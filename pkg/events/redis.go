package events

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/harunnryd/wardline/pkg/errorsx"
)

const DefaultStream = "wardline:calls"

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen trims the stream approximately; zero keeps everything.
	MaxLen int64
}

// RedisPublisher appends events to a Redis stream with XADD.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisPublisher(cfg RedisConfig) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisPublisherWithClient(client, cfg.Stream, cfg.MaxLen)
}

func NewRedisPublisherWithClient(client *redis.Client, stream string, maxLen int64) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

// Ping checks connectivity.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return errorsx.Wrapf(err, errorsx.ReasonEventPublish, "marshal event data")
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"id":          evt.ID,
			"type":        string(evt.Type),
			"call_id":     evt.CallID,
			"hospital_id": evt.HospitalID,
			"state":       evt.State,
			"data":        string(data),
			"ts":          strconv.FormatInt(evt.At.UnixMilli(), 10),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if _, err := p.client.XAdd(ctx, args).Result(); err != nil {
		return errorsx.Wrapf(err, errorsx.ReasonEventPublish, "xadd %s", p.stream)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
