package serverstate

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKey is the single key the bridge's status lives under. It is shared
// across replicas so a load balancer polling any instance sees one answer.
const redisKey = "voxbridge:state"

const redisOpTimeout = 2 * time.Second

// redisStore implements Store backed by Redis. Status reads sit on the
// healthz path, so every operation carries a short timeout.
type redisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to addr and returns a Store. The status key is
// seeded to not_ready only when absent, so a restarting replica does not
// clobber the state written by a live one.
func NewRedisStore(addr string) (*redisStore, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("serverstate: redis ping: %w", err)
	}
	b, _ := json.Marshal(State{Status: "not_ready"})
	_ = c.SetNX(ctx, redisKey, b, 0).Err()
	return &redisStore{client: c}, nil
}

// parseRedisURL accepts a bare host:port, redis:// and rediss:// URLs with
// an optional /db path, and redis-sentinel:// or rediss-sentinel:// URLs
// naming the master in the path.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("serverstate: redis url: %w", err)
	}

	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		opts.Password, _ = u.User.Password()
	}

	switch u.Scheme {
	case "redis", "rediss":
		db, err := dbFromPath(u.Path)
		if err != nil {
			return nil, err
		}
		opts.DB = db
		if u.Scheme == "rediss" {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		q := u.Query()
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
		if u.Scheme == "rediss-sentinel" {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	default:
		return nil, fmt.Errorf("serverstate: unsupported redis scheme %q", u.Scheme)
	}
	return opts, nil
}

func dbFromPath(path string) (int, error) {
	p := strings.TrimPrefix(path, "/")
	if p == "" {
		return 0, nil
	}
	db, err := strconv.Atoi(p)
	if err != nil {
		return 0, fmt.Errorf("serverstate: redis db %q: %w", p, err)
	}
	return db, nil
}

func (r *redisStore) Load() State {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	b, err := r.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return State{Status: "not_ready"}
		}
		return State{Status: "unknown"}
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{Status: "unknown"}
	}
	return st
}

func (r *redisStore) Store(s State) {
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	_ = r.client.Set(ctx, redisKey, b, 0).Err()
}
