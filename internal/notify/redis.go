// Package notify publishes definition changes and in-doubt escalations to
// Redis pub/sub so external consumers can react without polling the API.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/deliveryguard/internal/domain"
	"github.com/djlord-it/deliveryguard/internal/tracker"
)

const (
	ChannelDefinitions = "deliveryguard:definitions"
	ChannelEscalations = "deliveryguard:escalations"

	// DefaultRetention is how long hourly escalation counters are kept.
	DefaultRetention = 7 * 24 * time.Hour

	publishTimeout = 2 * time.Second
)

// redisClient is the part of *redis.Client the notifier uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// DefinitionMessage is published on ChannelDefinitions. It never carries
// the definition secret.
type DefinitionMessage struct {
	Action       string    `json:"action"`
	DefinitionID string    `json:"definition_id"`
	ClusterID    string    `json:"cluster_id"`
	Name         string    `json:"name"`
	Target       string    `json:"target"`
	TargetType   string    `json:"target_type"`
	ShortDef     string    `json:"short_def"`
	At           time.Time `json:"at"`
}

// EscalationMessage is published on ChannelEscalations.
type EscalationMessage struct {
	InstanceID      string    `json:"instance_id"`
	DefinitionID    string    `json:"definition_id"`
	Definition      string    `json:"definition"`
	ClusterID       string    `json:"cluster_id"`
	Attempts        int       `json:"attempts"`
	InDoubtSince    time.Time `json:"in_doubt_since"`
	DwellSeconds    float64   `json:"dwell_seconds"`
	MaxDwellSeconds float64   `json:"max_dwell_seconds"`
	At              time.Time `json:"at"`
}

// RedisNotifier is best-effort: failures are logged and never returned.
type RedisNotifier struct {
	client    redisClient
	retention time.Duration
	clock     func() time.Time
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return newNotifier(client)
}

func newNotifier(client redisClient) *RedisNotifier {
	return &RedisNotifier{
		client:    client,
		retention: DefaultRetention,
		clock:     time.Now,
	}
}

// WithRetention sets how long escalation counters live.
func (n *RedisNotifier) WithRetention(d time.Duration) *RedisNotifier {
	n.retention = d
	return n
}

func (n *RedisNotifier) WithClock(clock func() time.Time) *RedisNotifier {
	n.clock = clock
	return n
}

// DefinitionChanged publishes a create, edit or delete.
func (n *RedisNotifier) DefinitionChanged(ctx context.Context, action string, def domain.Definition) {
	msg := DefinitionMessage{
		Action:       action,
		DefinitionID: string(def.ID),
		ClusterID:    string(def.ClusterID),
		Name:         def.Name,
		Target:       def.Target,
		TargetType:   string(def.TargetType),
		ShortDef:     def.Policy.ShortDef(),
		At:           n.clock().UTC(),
	}
	if err := n.publish(ctx, ChannelDefinitions, msg); err != nil {
		log.Printf("notify: definition=%s action=%s publish failed: %v", def.ID, action, err)
	}
}

// InDoubtEscalated publishes the escalation and bumps the cluster's hourly
// escalation counter.
func (n *RedisNotifier) InDoubtEscalated(ctx context.Context, v tracker.InDoubtView) {
	now := n.clock().UTC()
	msg := EscalationMessage{
		InstanceID:      string(v.Instance.ID),
		DefinitionID:    string(v.Instance.DefinitionID),
		Definition:      v.DefinitionName,
		ClusterID:       string(v.Instance.ClusterID),
		Attempts:        v.Instance.Attempts,
		InDoubtSince:    v.Since.UTC(),
		DwellSeconds:    v.Dwell.Seconds(),
		MaxDwellSeconds: v.MaxDwell.Seconds(),
		At:              now,
	}
	if err := n.publish(ctx, ChannelEscalations, msg); err != nil {
		log.Printf("notify: instance=%s escalation publish failed: %v", v.Instance.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	key := escalationKey(v.Instance.ClusterID, now)
	if err := n.client.Incr(ctx, key).Err(); err != nil {
		log.Printf("notify: escalation counter %s: %v", key, err)
		return
	}
	if err := n.client.Expire(ctx, key, n.retention).Err(); err != nil {
		log.Printf("notify: escalation counter %s expire: %v", key, err)
	}
}

func (n *RedisNotifier) publish(ctx context.Context, channel string, msg interface{}) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := n.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// escalationKey buckets escalations per cluster and hour.
func escalationKey(cluster domain.ClusterID, t time.Time) string {
	return fmt.Sprintf("deliveryguard:escalations:c:%s:%s", cluster, t.UTC().Format("2006010215"))
}

var _ tracker.Notifier = (*RedisNotifier)(nil)
