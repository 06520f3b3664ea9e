// Package presence tracks which users are currently connected to a
// document's collaboration session. Records are ephemeral: one per
// connection, created on join, removed on leave, expired by TTL when a
// client dies without saying goodbye. Nothing here is ever persisted and
// nothing here touches document content.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"warmanager/collab/internal/identity"
)

// ErrNotJoined reports a heartbeat for a connection whose record already
// expired. The caller re-joins to become visible again.
var ErrNotJoined = errors.New("presence: connection not joined")

// Member is the presence record shown in avatars and member lists.
type Member struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// MemberFromIdentity keeps the mapping in one place so presence never
// carries more identity fields than the display needs.
func MemberFromIdentity(id identity.Identity) Member {
	return Member{
		UserID:    id.UserID,
		Name:      id.Name,
		Email:     id.Email,
		AvatarURL: id.AvatarURL,
	}
}

// Event is a join or leave broadcast on the presence channel.
type Event struct {
	Kind         string `json:"kind"` // "join" or "leave"
	DocumentID   string `json:"documentId"`
	ConnectionID string `json:"connectionId"`
	Member       Member `json:"member"`
}

// Channel is a redis-backed presence channel: one key per connection with
// its own TTL, plus pub/sub join/leave events. The per-connection TTL is
// the liveness boundary: a heartbeat refreshes only the heartbeating
// connection, so a dead client expires on schedule no matter how many
// live members keep beating.
type Channel struct {
	client *redis.Client
	ttl    time.Duration
}

// NewChannel creates a presence channel from a redis URL.
func NewChannel(redisURL string, ttl time.Duration) (*Channel, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Channel{client: client, ttl: ttl}, nil
}

// NewChannelWithClient creates a channel from an existing client.
func NewChannelWithClient(client *redis.Client, ttl time.Duration) *Channel {
	return &Channel{client: client, ttl: ttl}
}

// Document IDs never contain a colon (channel names restrict their
// charset), so the key scheme is unambiguous.
func memberKey(documentID, connectionID string) string {
	return "presence:" + documentID + ":" + connectionID
}

func membersPattern(documentID string) string {
	return "presence:" + documentID + ":*"
}

func eventsChannel(documentID string) string {
	return "presence-events:" + documentID
}

// Join records a member under its connection ID and broadcasts the join.
func (c *Channel) Join(ctx context.Context, documentID, connectionID string, m Member) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal member: %w", err)
	}
	if err := c.client.Set(ctx, memberKey(documentID, connectionID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("presence join: %w", err)
	}
	c.publish(ctx, Event{Kind: "join", DocumentID: documentID, ConnectionID: connectionID, Member: m})
	return nil
}

// Heartbeat refreshes the TTL of one connection's record. Clients call it
// on an interval well under the TTL. ErrNotJoined means the record
// already expired and the caller should re-join.
func (c *Channel) Heartbeat(ctx context.Context, documentID, connectionID string) error {
	refreshed, err := c.client.Expire(ctx, memberKey(documentID, connectionID), c.ttl).Result()
	if err != nil {
		return fmt.Errorf("presence heartbeat: %w", err)
	}
	if !refreshed {
		return ErrNotJoined
	}
	return nil
}

// Leave removes a connection's record and broadcasts the leave.
func (c *Channel) Leave(ctx context.Context, documentID, connectionID string) error {
	key := memberKey(documentID, connectionID)
	raw, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("presence leave lookup: %w", err)
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("presence leave: %w", err)
	}
	var m Member
	_ = json.Unmarshal([]byte(raw), &m)
	c.publish(ctx, Event{Kind: "leave", DocumentID: documentID, ConnectionID: connectionID, Member: m})
	return nil
}

// Members lists everyone currently connected to a document.
func (c *Channel) Members(ctx context.Context, documentID string) ([]Member, error) {
	keys, err := c.client.Keys(ctx, membersPattern(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence members: %w", err)
	}
	if len(keys) == 0 {
		return []Member{}, nil
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("presence members: %w", err)
	}
	members := make([]Member, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // expired between KEYS and MGET
		}
		var m Member
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		members = append(members, m)
	}
	return members, nil
}

// Watch subscribes to join/leave events for a document. Cancel the context
// to stop; the returned channel closes when the subscription ends.
func (c *Channel) Watch(ctx context.Context, documentID string) (<-chan Event, error) {
	sub := c.client.Subscribe(ctx, eventsChannel(documentID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("presence watch: %w", err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Channel) publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	// Best effort: presence events are advisory, members remain readable.
	_ = c.client.Publish(ctx, eventsChannel(ev.DocumentID), payload).Err()
}

// Ping checks redis reachability.
func (c *Channel) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (c *Channel) Close() error {
	return c.client.Close()
}
