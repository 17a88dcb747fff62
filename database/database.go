// Package database is the redis-backed access layer for the external
// collaborators of the realtime core: user records, project membership and
// authoritative file content. The collaboration protocol itself never writes
// here except on durable saves.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrNoAccess = errors.New("no project membership")
)

// User mirrors the users.<id> hash.
type User struct {
	ID       string `mapstructure:"id"`
	Username string `mapstructure:"username"`
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

type Store struct {
	rdb *redis.Client
}

// New connects to redis and verifies the connection.
func New(ctx context.Context, addr string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// NewWithClient wraps an existing client. Tests use this with miniredis.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// User fetches a user record by id.
func (s *Store) User(ctx context.Context, userID string) (User, error) {
	res, err := s.rdb.HGetAll(ctx, fmt.Sprintf("users.%v", userID)).Result()
	if err != nil {
		return User{}, fmt.Errorf("getting user %v: %w", userID, err)
	}
	if len(res) == 0 {
		return User{}, ErrNotFound
	}
	var u User
	if err := mapstructure.Decode(res, &u); err != nil {
		return User{}, fmt.Errorf("decoding user %v: %w", userID, err)
	}
	return u, nil
}

// Authenticate resolves a username/password pair to a user record.
func (s *Store) Authenticate(ctx context.Context, username, password string) (User, error) {
	id, err := s.rdb.Get(ctx, fmt.Sprintf("usernames.%v", username)).Result()
	if err == redis.Nil {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("resolving username %v: %w", username, err)
	}
	u, err := s.User(ctx, id)
	if err != nil {
		return User{}, err
	}
	if u.Password != password {
		return User{}, ErrNotFound
	}
	return u, nil
}

// Membership returns the user's role in the project, or ErrNoAccess.
func (s *Store) Membership(ctx context.Context, userID, projectID string) (string, error) {
	role, err := s.rdb.HGet(ctx, fmt.Sprintf("projects.%v.collaborators", projectID), userID).Result()
	if err == redis.Nil {
		return "", ErrNoAccess
	}
	if err != nil {
		return "", fmt.Errorf("getting membership %v/%v: %w", userID, projectID, err)
	}
	return role, nil
}

// FileContent returns the durably stored content of a file.
func (s *Store) FileContent(ctx context.Context, fileID string) (string, error) {
	text, err := s.rdb.Get(ctx, fmt.Sprintf("texts.%v", fileID)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting file %v: %w", fileID, err)
	}
	return text, nil
}

// SaveFile durably writes the file's full content.
func (s *Store) SaveFile(ctx context.Context, fileID, content string) error {
	if err := s.rdb.Set(ctx, fmt.Sprintf("texts.%v", fileID), content, 0).Err(); err != nil {
		return fmt.Errorf("saving file %v: %w", fileID, err)
	}
	return nil
}
