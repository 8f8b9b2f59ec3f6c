// Package membership tracks group-room membership and coarse online status
// in Redis. Membership is the authority consulted on every group join and
// publish; online status is a TTL key refreshed by connection heartbeats.
package membership

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// MembersPrefix is the Redis key prefix for group member sets.
	MembersPrefix = "room:members:"

	// OnlinePrefix is the Redis key prefix for online markers.
	OnlinePrefix = "online:"

	// OnlineTTL is how long an online marker survives without a heartbeat.
	OnlineTTL = 60 * time.Second
)

// Store manages membership and online state in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a membership store connected to Redis.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("membership: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// AddMember records a user as a member of a group room.
func (s *Store) AddMember(ctx context.Context, roomID, userID string) error {
	return s.client.SAdd(ctx, MembersPrefix+roomID, userID).Err()
}

// RemoveMember removes a user from a group room.
func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) error {
	return s.client.SRem(ctx, MembersPrefix+roomID, userID).Err()
}

// IsMember reports whether a user belongs to a group room.
func (s *Store) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, MembersPrefix+roomID, userID).Result()
	if err != nil {
		return false, fmt.Errorf("membership: is member: %w", err)
	}
	return ok, nil
}

// Members returns all recorded members of a group room.
func (s *Store) Members(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, MembersPrefix+roomID).Result()
	if err != nil {
		return nil, fmt.Errorf("membership: members: %w", err)
	}
	return members, nil
}

// SetOnline marks a user online, refreshing the TTL. Called on connect and
// on every heartbeat.
func (s *Store) SetOnline(ctx context.Context, userID string) error {
	return s.client.Set(ctx, OnlinePrefix+userID, "1", OnlineTTL).Err()
}

// SetOffline clears a user's online marker eagerly on disconnect.
func (s *Store) SetOffline(ctx context.Context, userID string) error {
	return s.client.Del(ctx, OnlinePrefix+userID).Err()
}

// IsOnline reports whether a user currently has a live online marker.
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, OnlinePrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("membership: is online: %w", err)
	}
	return n > 0, nil
}

// FilterOnline returns the subset of userIDs that are currently online.
func (s *Store) FilterOnline(ctx context.Context, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(userIDs))
	for i, uid := range userIDs {
		cmds[i] = pipe.Exists(ctx, OnlinePrefix+uid)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("membership: filter online: %w", err)
	}

	var online []string
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			online = append(online, userIDs[i])
		}
	}
	return online, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
