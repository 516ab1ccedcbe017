// Package notify publishes state-change events to Redis pub/sub so
// external consumers (web UI, policy daemons) can react without polling
// the database. Publishing is best-effort: the hooks are registered
// fail-safe and a Redis outage never blocks a transition.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"buildhub/internal/config"
	"buildhub/internal/hooks"
	"buildhub/internal/models"
)

// Message is the wire format published on the notify channel.
type Message struct {
	Type      string    `json:"type"`
	Attribute string    `json:"attribute,omitempty"`
	Old       any       `json:"old,omitempty"`
	New       any       `json:"new,omitempty"`
	TaskID    *int64    `json:"task_id,omitempty"`
	Method    string    `json:"method,omitempty"`
	RepoID    *int64    `json:"repo_id,omitempty"`
	TagID     *int64    `json:"tag_id,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher sends hook events to a Redis channel.
type Publisher struct {
	rdb     *redis.Client
	channel string
}

func New(cfg config.Config) *Publisher {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Publisher{rdb: rdb, channel: cfg.NotifyChannel}
}

// NewWithClient wires an existing client; used by tests.
func NewWithClient(rdb *redis.Client, channel string) *Publisher {
	return &Publisher{rdb: rdb, channel: channel}
}

// Register hooks the publisher into post-transition events. All
// registrations are fail-safe.
func (p *Publisher) Register(reg *hooks.Registry) {
	reg.Register(hooks.PostTaskStateChange, "notify", p.onTaskEvent, true)
	reg.Register(hooks.PostRepoDone, "notify", p.onRepoEvent, true)
}

func (p *Publisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

func (p *Publisher) Close() error {
	return p.rdb.Close()
}

func (p *Publisher) onTaskEvent(ctx context.Context, ev *hooks.Event) error {
	msg := Message{
		Type:      ev.Type,
		Attribute: ev.Attribute,
		Old:       ev.Old,
		New:       ev.New,
		Time:      time.Now().UTC(),
	}
	if ev.Info != nil {
		msg.TaskID = &ev.Info.ID
		msg.Method = ev.Info.Method
	}
	return p.publish(ctx, msg)
}

func (p *Publisher) onRepoEvent(ctx context.Context, ev *hooks.Event) error {
	msg := Message{
		Type:      ev.Type,
		Attribute: ev.Attribute,
		Old:       stateValue(ev.Old),
		New:       stateValue(ev.New),
		Time:      time.Now().UTC(),
	}
	if ev.Repo != nil {
		msg.RepoID = &ev.Repo.ID
		msg.TagID = &ev.Repo.TagID
	}
	return p.publish(ctx, msg)
}

// stateValue flattens repo states to their integer encoding so
// consumers don't depend on Go type names.
func stateValue(v any) any {
	if s, ok := v.(models.RepoState); ok {
		return int(s)
	}
	return v
}

func (p *Publisher) publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notify message: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}
