package controller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	credentialFilePrefix  = "devicelink-token-"
	credentialFileSuffix  = ".json"
	credentialFileMode    = 0o600
	redisCredentialPrefix = "devicelink:token:"
)

// Credential is a bearer token with its issue and expiry instants.
type Credential struct {
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ValidAt reports whether the credential may still be handed out at now,
// keeping margin in reserve before expiry.
func (credential Credential) ValidAt(now time.Time, margin time.Duration) bool {
	if strings.TrimSpace(credential.Token) == "" {
		return false
	}
	return now.Before(credential.ExpiresAt.Add(-margin))
}

// CredentialCache persists credentials across process runs.
type CredentialCache interface {
	Load(ctx context.Context, key string) (Credential, bool, error)
	Save(ctx context.Context, key string, credential Credential) error
	Clear(ctx context.Context, key string) error
}

// CacheKey derives the persistent cache key for a controller base URL and app id.
func CacheKey(baseURL, appID string) string {
	sum := sha256.Sum256([]byte(strings.TrimRight(baseURL, "/") + "|" + appID))
	return hex.EncodeToString(sum[:])
}

// NopCredentialCache never persists anything.
type NopCredentialCache struct{}

func (NopCredentialCache) Load(context.Context, string) (Credential, bool, error) {
	return Credential{}, false, nil
}

func (NopCredentialCache) Save(context.Context, string, Credential) error { return nil }

func (NopCredentialCache) Clear(context.Context, string) error { return nil }

// FileCredentialCache stores one JSON file per key under a directory.
type FileCredentialCache struct {
	directory string
}

// NewFileCredentialCache returns a cache rooted at directory, or the OS temp dir when empty.
func NewFileCredentialCache(directory string) *FileCredentialCache {
	if strings.TrimSpace(directory) == "" {
		directory = os.TempDir()
	}
	return &FileCredentialCache{directory: directory}
}

// Path returns the file backing key.
func (cache *FileCredentialCache) Path(key string) string {
	return filepath.Join(cache.directory, credentialFilePrefix+key+credentialFileSuffix)
}

func (cache *FileCredentialCache) Load(_ context.Context, key string) (Credential, bool, error) {
	raw, err := os.ReadFile(cache.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, fmt.Errorf("read credential cache: %w", err)
	}
	var credential Credential
	if err := json.Unmarshal(raw, &credential); err != nil {
		return Credential{}, false, fmt.Errorf("decode credential cache: %w", err)
	}
	if credential.Token == "" {
		return Credential{}, false, nil
	}
	return credential, true, nil
}

// Save writes atomically through a temp file and rename.
func (cache *FileCredentialCache) Save(_ context.Context, key string, credential Credential) error {
	if err := os.MkdirAll(cache.directory, 0o700); err != nil {
		return fmt.Errorf("create credential cache dir: %w", err)
	}
	raw, err := json.Marshal(credential)
	if err != nil {
		return fmt.Errorf("encode credential cache: %w", err)
	}
	temporary, err := os.CreateTemp(cache.directory, credentialFilePrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("create credential temp file: %w", err)
	}
	temporaryPath := temporary.Name()
	defer os.Remove(temporaryPath)
	if _, err := temporary.Write(raw); err != nil {
		temporary.Close()
		return fmt.Errorf("write credential temp file: %w", err)
	}
	if err := temporary.Chmod(credentialFileMode); err != nil {
		temporary.Close()
		return fmt.Errorf("chmod credential temp file: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("close credential temp file: %w", err)
	}
	if err := os.Rename(temporaryPath, cache.Path(key)); err != nil {
		return fmt.Errorf("replace credential cache: %w", err)
	}
	return nil
}

func (cache *FileCredentialCache) Clear(_ context.Context, key string) error {
	err := os.Remove(cache.Path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credential cache: %w", err)
	}
	return nil
}

// RedisCredentialCache shares credentials between hosts through Redis.
// Entries expire with the credential itself.
type RedisCredentialCache struct {
	client redis.Cmdable
	now    func() time.Time
}

// NewRedisCredentialCache wraps a go-redis client.
func NewRedisCredentialCache(client redis.Cmdable, now func() time.Time) *RedisCredentialCache {
	if now == nil {
		now = time.Now
	}
	return &RedisCredentialCache{client: client, now: now}
}

func (cache *RedisCredentialCache) Load(ctx context.Context, key string) (Credential, bool, error) {
	raw, err := cache.client.Get(ctx, redisCredentialPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, fmt.Errorf("redis get credential: %w", err)
	}
	var credential Credential
	if err := json.Unmarshal(raw, &credential); err != nil {
		return Credential{}, false, fmt.Errorf("decode redis credential: %w", err)
	}
	return credential, credential.Token != "", nil
}

func (cache *RedisCredentialCache) Save(ctx context.Context, key string, credential Credential) error {
	ttl := credential.ExpiresAt.Sub(cache.now())
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(credential)
	if err != nil {
		return fmt.Errorf("encode redis credential: %w", err)
	}
	if err := cache.client.Set(ctx, redisCredentialPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set credential: %w", err)
	}
	return nil
}

func (cache *RedisCredentialCache) Clear(ctx context.Context, key string) error {
	if err := cache.client.Del(ctx, redisCredentialPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del credential: %w", err)
	}
	return nil
}
