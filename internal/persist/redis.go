package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sketchsync/api/internal/command"
)

// RedisStore keeps each command log as one JSON value under sketch:commands:<id>.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and checks the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
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

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "sketch:commands:",
	}
}

func (s *RedisStore) key(documentID string) string {
	return s.prefix + documentID
}

func (s *RedisStore) Write(ctx context.Context, documentID string, cmds []command.Command) error {
	data, err := encodeLog(cmds)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(documentID), data, 0).Err(); err != nil {
		return fmt.Errorf("save command log: %w", err)
	}
	return nil
}

func (s *RedisStore) Read(ctx context.Context, documentID string) ([]command.Command, error) {
	data, err := s.client.Get(ctx, s.key(documentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []command.Command{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read command log: %w", err)
	}
	return decodeLog(data)
}

// Delete drops the log of documentID; deleting an unknown log is not an error.
func (s *RedisStore) Delete(ctx context.Context, documentID string) error {
	if err := s.client.Del(ctx, s.key(documentID)).Err(); err != nil {
		return fmt.Errorf("delete command log: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
