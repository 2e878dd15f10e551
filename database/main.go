package database

import (
	"context"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"time"
)

var c *redis.Client

// Init connects the package-level client. Call once at startup; Database
// falls back to local defaults when Init was never called.
func Init(addr, password string, db int) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	if res := rdb.Ping(ctx); res.Err() != nil {
		return res.Err()
	}

	c = rdb
	return nil
}

func initDatabase() {
	if err := Init("localhost:6379", "", 0); err != nil {
		log.Fatal().Err(err).Msg("could not connect to redis")
	}
}

func Database() *redis.Client {
	if c == nil {
		initDatabase()
	}
	return c
}
