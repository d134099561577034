package progress

import (
	"context"
	"encoding/json"

	"github.com/loadsched/loadsched/internal/redis"
)

// wireEvent is the JSON shape published to Redis. It carries no
// timestamp; the event's Err is sent as its message string.
type wireEvent struct {
	Type     string `json:"type"`
	Database string `json:"database,omitempty"`
	Table    string `json:"table,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RedisPublisher republishes every bus event as JSON on a single Redis
// channel, for an external dashboard or log shipper. A disabled
// redis.Client makes every publish a no-op, so it is always safe to
// wire in regardless of whether --redis-url was given.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher subscribes a RedisPublisher to every event type the
// bus carries.
func NewRedisPublisher(bus *Bus, client *redis.Client, channel string) *RedisPublisher {
	p := &RedisPublisher{client: client, channel: channel}
	bus.SubscribeMultiple([]EventType{
		RunStarted, RunComplete, DatabaseCreated, TableCreated,
		TableDataDone, TableAllDone, TableFailed, JobFailed,
	}, p.handle)
	return p
}

func (p *RedisPublisher) handle(ctx context.Context, e Event) error {
	if !p.client.IsEnabled() {
		return nil
	}
	w := wireEvent{
		Type:     string(e.Type),
		Database: e.Database,
		Table:    e.Table,
		Message:  e.Message,
	}
	if e.Err != nil {
		w.Error = e.Err.Error()
	}
	payload, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, payload)
}
