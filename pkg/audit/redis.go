package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the shared audit backend.
type RedisOptions struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379/0")
	URL string

	// Key is the list holding the events; Key+":seq" holds the counter.
	Key string

	ConnectTimeout time.Duration
}

/*
RedisLog stores events in a Redis list so several processes can share one
audit trail. Sequence numbers come from INCR inside the append script, which
keeps them unique and monotonic across writers and makes every counted event
visible to readers. Durability follows the server's persistence
settings.
*/
type RedisLog struct {
	client *redis.Client
	key    string
	seqKey string
}

func NewRedisLog(opts RedisOptions) (*RedisLog, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}

	if opts.Key == "" {
		opts.Key = "memcube:audit"
	}

	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	redisOpts.DialTimeout = opts.ConnectTimeout
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisLog{client: client, key: opts.Key, seqKey: opts.Key + ":seq"}, nil
}

/*
appendScript allocates the sequence number and pushes the record in one
step, so a reader never sees a counter value whose event is not in the list
yet. The record arrives encoded with seq 0 and the script splices the real
number in.
*/
var appendScript = redis.NewScript(`
local seq = redis.call("INCR", KEYS[2])
local record = string.gsub(ARGV[1], '"seq":0,', '"seq":' .. seq .. ',', 1)
redis.call("RPUSH", KEYS[1], record)
return seq
`)

func (l *RedisLog) Append(ctx context.Context, event Event) (Event, error) {
	event = stamp(event, 0)

	data, err := json.Marshal(event)
	if err != nil {
		return Event{}, fmt.Errorf("encode audit event: %w", err)
	}

	seq, err := appendScript.Run(ctx, l.client, []string{l.key, l.seqKey}, data).Uint64()
	if err != nil {
		return Event{}, fmt.Errorf("append audit event: %w", err)
	}

	event.Seq = seq

	return event, nil
}

func (l *RedisLog) List(ctx context.Context, options ListOptions) (Page, error) {
	current, err := l.client.Get(ctx, l.seqKey).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Page{}, fmt.Errorf("read audit sequence: %w", err)
	}

	asOf := current
	if options.AsOf > 0 && options.AsOf < asOf {
		asOf = options.AsOf
	}

	raw, err := l.client.LRange(ctx, l.key, 0, -1).Result()
	if err != nil {
		return Page{}, fmt.Errorf("read audit events: %w", err)
	}

	events := make([]Event, 0, len(raw))

	for _, item := range raw {
		var event Event

		if err := json.Unmarshal([]byte(item), &event); err != nil {
			log.Warn("skipping unreadable audit record", "key", l.key, "error", err)
			continue
		}

		events = append(events, event)
	}

	// Concurrent writers may push slightly out of sequence order.
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	return paginate(events, options, asOf), nil
}

func (l *RedisLog) Close() error {
	return l.client.Close()
}
