// Package cache provides the concrete tablestore.Cache backends: a
// Redis-backed L2 cache (grounded on SharedCode-sop/redis/redis.go,
// connection.go and locker.go) and an in-process map-backed cache for
// single-node deployments and tests. Both register themselves with
// tablestore.RegisterCacheFactory from an init(), the way the teacher's
// redis package self-registers with sop.RegisterCacheFactory.
package cache

import (
	"crypto/tls"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Options holds configuration for connecting to a Redis server, mirroring
// SharedCode-sop/redis/connection.go's Options.
type Options struct {
	Address   string
	Password  string
	DB        int
	TLSConfig *tls.Config
}

// DefaultOptions returns an Options pointed at a local, unauthenticated
// Redis instance on DB 0.
func DefaultOptions() Options {
	return Options{Address: "localhost:6379"}
}

// Connection wraps a redis.Client and the Options used to create it.
type Connection struct {
	Client  *redis.Client
	Options Options
}

var (
	connection *Connection
	connMu     sync.Mutex
)

// OpenConnection initializes and returns the package-level singleton
// connection, creating it on first call. Subsequent calls return the
// existing connection regardless of options (spec.md's ambient stack
// carries one shared Redis connection per process, per
// SharedCode-sop/redis/connection.go).
func OpenConnection(options Options) *Connection {
	connMu.Lock()
	defer connMu.Unlock()
	if connection != nil {
		return connection
	}
	connection = newConnection(options)
	return connection
}

// CloseConnection closes and clears the package-level singleton
// connection, if one is open.
func CloseConnection() error {
	connMu.Lock()
	defer connMu.Unlock()
	if connection == nil {
		return nil
	}
	err := connection.Client.Close()
	connection = nil
	return err
}

func newConnection(options Options) *Connection {
	client := redis.NewClient(&redis.Options{
		Addr:      options.Address,
		Password:  options.Password,
		DB:        options.DB,
		TLSConfig: options.TLSConfig,
	})
	return &Connection{Client: client, Options: options}
}
