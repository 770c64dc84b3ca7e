// Package store persists the installed-extension set, the bounded history
// log and the all-time ledger in Redis.
package store

import (
	"fmt"

	"github.com/cordum/extmgr/core/extensions"
	"github.com/cordum/extmgr/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const (
	installedKey = "ext:installed"
	historyKey   = "ext:history"
	alltimeKey   = "ext:alltime"
)

// Store bundles the persisted documents that share one Redis connection.
type Store struct {
	client    redis.UniversalClient
	Installed *InstalledSet
	History   *HistoryLog
	AllTime   *AllTime
}

// Open connects to Redis at url.
func Open(url string) (*Store, error) {
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return New(client), nil
}

// New builds the stores over an existing client.
func New(client redis.UniversalClient) *Store {
	return &Store{
		client:    client,
		Installed: &InstalledSet{client: client, key: installedKey},
		History:   &HistoryLog{client: client, key: historyKey, now: nowFunc},
		AllTime:   &AllTime{client: client, key: alltimeKey, now: nowFunc},
	}
}

// Client exposes the underlying Redis client for the config service and locks.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", extensions.ErrStorage, op, err)
}
