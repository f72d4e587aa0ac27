package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"wastezone/internal/logging"
)

// Redis implements Broker over Redis pub/sub so every instance sees every
// event.
type Redis struct {
	rdb    *redis.Client
	prefix string
	log    logging.Logger

	mu   sync.Mutex
	subs map[chan Event]*redis.PubSub
}

// NewRedis connects to url (redis://...) and pings the server.
func NewRedis(ctx context.Context, url string, log logging.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Redis{rdb: rdb, prefix: "wastezone:", log: log, subs: map[chan Event]*redis.PubSub{}}, nil
}

func (b *Redis) Subscribe(topic string) chan Event {
	ch := make(chan Event, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(topic))
	// initial consume to ensure subscription
	if _, err := ps.Receive(ctx); err != nil {
		b.log.Warn(ctx, "redis subscribe failed", logging.String("topic", topic), logging.Err(err))
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}()
	return ch
}

// Unsubscribe closes the pub/sub connection; the reader goroutine then
// closes ch.
func (b *Redis) Unsubscribe(topic string, ch chan Event) {
	b.mu.Lock()
	ps := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

func (b *Redis) Publish(topic string, evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(evt)
	if err != nil {
		b.log.Error(ctx, "event encode failed", logging.String("type", evt.Type), logging.Err(err))
		return
	}
	if err := b.rdb.Publish(ctx, b.chanName(topic), data).Err(); err != nil {
		b.log.Warn(ctx, "redis publish failed", logging.String("topic", topic), logging.Err(err))
	}
}

func (b *Redis) Close() error { return b.rdb.Close() }

func (b *Redis) chanName(topic string) string { return b.prefix + topic }
