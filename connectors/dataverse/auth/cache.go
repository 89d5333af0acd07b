// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// TokenCache persists tokens between sessions and processes. Load returns
// (nil, nil) on a miss.
type TokenCache interface {
	Load(ctx context.Context, key string) (*Token, error)
	Store(ctx context.Context, key string, token *Token) error
	Remove(ctx context.Context, key string) error
}

// CacheKey builds the token cache key of an identity and resource
func CacheKey(cfg Config, tenant, resource string) string {
	parts := []string{cfg.Mode().String(), clientID(cfg), tenant, strings.ToLower(strings.TrimRight(resource, "/"))}
	if c, ok := cfg.(InteractiveOAuth); ok && c.Username != "" {
		parts = append(parts, strings.ToLower(c.Username))
	}
	return strings.Join(parts, "|")
}

// FileTokenCache keeps tokens in a JSON file readable only by the owner.
type FileTokenCache struct {
	path string
	mu   sync.Mutex
}

// NewFileTokenCache creates a cache backed by path. The file is created on
// first store.
func NewFileTokenCache(path string) *FileTokenCache {
	return &FileTokenCache{path: path}
}

// Path returns the backing file path
func (c *FileTokenCache) Path() string { return c.path }

func (c *FileTokenCache) read() (map[string]*Token, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]*Token{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token cache: %w", err)
	}
	tokens := map[string]*Token{}
	if len(data) == 0 {
		return tokens, nil
	}
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("failed to parse token cache %s: %w", c.path, err)
	}
	return tokens, nil
}

func (c *FileTokenCache) write(tokens map[string]*Token) error {
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("failed to create token cache dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token cache: %w", err)
	}
	return os.Rename(tmp, c.path)
}

// Load implements TokenCache
func (c *FileTokenCache) Load(ctx context.Context, key string) (*Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tokens, err := c.read()
	if err != nil {
		return nil, err
	}
	return tokens[key], nil
}

// Store implements TokenCache
func (c *FileTokenCache) Store(ctx context.Context, key string, token *Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tokens, err := c.read()
	if err != nil {
		return err
	}
	tokens[key] = token
	return c.write(tokens)
}

// Remove implements TokenCache
func (c *FileTokenCache) Remove(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tokens, err := c.read()
	if err != nil {
		return err
	}
	if _, ok := tokens[key]; !ok {
		return nil
	}
	delete(tokens, key)
	return c.write(tokens)
}

// RedisTokenCache shares tokens between processes through Redis. Entries
// expire with the token.
type RedisTokenCache struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisTokenCache creates a cache on an existing client
func NewRedisTokenCache(client *redis.Client, prefix string) *RedisTokenCache {
	if prefix == "" {
		prefix = "dataverse:token:"
	}
	return &RedisTokenCache{client: client, prefix: prefix, now: time.Now}
}

// NewRedisTokenCacheFromURL connects to redis://host:port[/db] and verifies
// the connection.
func NewRedisTokenCacheFromURL(ctx context.Context, redisURL, prefix string) (*RedisTokenCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisTokenCache(client, prefix), nil
}

// Load implements TokenCache
func (c *RedisTokenCache) Load(ctx context.Context, key string) (*Token, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token from Redis: %w", err)
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("failed to decode cached token: %w", err)
	}
	return &tok, nil
}

// Store implements TokenCache
func (c *RedisTokenCache) Store(ctx context.Context, key string, token *Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	var ttl time.Duration
	if !token.ExpiresOn.IsZero() {
		ttl = token.ExpiresOn.Sub(c.now())
		if ttl <= 0 {
			return nil
		}
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token in Redis: %w", err)
	}
	return nil
}

// Remove implements TokenCache
func (c *RedisTokenCache) Remove(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

// Close closes the Redis client
func (c *RedisTokenCache) Close() error {
	return c.client.Close()
}
