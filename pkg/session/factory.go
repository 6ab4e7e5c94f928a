package session

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/redis/go-redis/v9"
)

const (
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverSupabase = "supabase"
)

// NewStore opens the session store selected by store.session_driver.
func NewStore(cfg *config.Config) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Store.SessionDriver))
	switch driver {
	case "", DriverSQLite:
		return NewSQLiteStore(cfg.SessionDBPath())
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		return NewRedisStore(client, cfg.RedisTTL()), nil
	case DriverSupabase:
		return NewSupabaseStore(cfg.Store.Supabase.URL, cfg.Store.Supabase.APIKey, cfg.Store.Supabase.Table)
	default:
		return nil, fmt.Errorf("unsupported session driver %q (use sqlite, memory, redis, or supabase)", driver)
	}
}
