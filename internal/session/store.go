package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for presence hashes.
	PresencePrefix = "presence:"

	// PresenceTTL bounds how long an entry survives without updates, so a
	// crashed server does not leave users online forever.
	PresenceTTL = 24 * time.Hour
)

// Status is a user's presence as stored in Redis.
type Status struct {
	Online     bool
	Server     string
	LastActive time.Time
}

// Store keeps presence state in Redis. It implements Presence.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// NewStore connects to Redis at redisAddr and verifies the connection.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// SetOnline marks userID online on this server.
func (s *Store) SetOnline(ctx context.Context, userID string) error {
	key := PresencePrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"online", 1,
		"server", s.serverName,
		"last_active", time.Now().UnixMilli(),
	)
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetOffline marks userID offline and stamps the last-active time.
func (s *Store) SetOffline(ctx context.Context, userID string) error {
	key := PresencePrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"online", 0,
		"last_active", time.Now().UnixMilli(),
	)
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns the stored presence for userID, or nil if none exists.
func (s *Store) Get(ctx context.Context, userID string) (*Status, error) {
	fields, err := s.client.HGetAll(ctx, PresencePrefix+userID).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	st := &Status{
		Online: fields["online"] == "1",
		Server: fields["server"],
	}
	if ms, err := strconv.ParseInt(fields["last_active"], 10, 64); err == nil {
		st.LastActive = time.UnixMilli(ms)
	}
	return st, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
