package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/cordum/extmgr/core/extensions"
	"github.com/redis/go-redis/v9"
)

// Seen is one row of the all-time ledger: every extension ever observed,
// kept after uninstall.
type Seen struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	FirstSeen int64  `json:"date"`
	LastSeen  int64  `json:"lastSeen"`
}

// AllTime is the add-only ledger of every extension the manager has seen.
type AllTime struct {
	client redis.UniversalClient
	key    string
	now    func() time.Time
}

// Touch adds rec to the ledger or refreshes its name/version, preserving
// the first-seen time. Excluded records are ignored.
func (a *AllTime) Touch(ctx context.Context, rec extensions.Record) error {
	if rec.ID == "" || rec.Excluded() {
		return nil
	}
	now := a.now().UnixMilli()
	row := Seen{ID: rec.ID, Name: rec.Name, Version: rec.Version, FirstSeen: now, LastSeen: now}
	prev, err := a.client.HGet(ctx, a.key, rec.ID).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return storageErr("alltime get", err)
	default:
		var old Seen
		if json.Unmarshal(prev, &old) == nil && old.FirstSeen > 0 {
			row.FirstSeen = old.FirstSeen
		}
	}
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	if err := a.client.HSet(ctx, a.key, rec.ID, data).Err(); err != nil {
		return storageErr("alltime set", err)
	}
	return nil
}

// List returns the ledger ordered by first-seen time.
func (a *AllTime) List(ctx context.Context) ([]Seen, error) {
	raw, err := a.client.HGetAll(ctx, a.key).Result()
	if err != nil {
		return nil, storageErr("alltime list", err)
	}
	out := make([]Seen, 0, len(raw))
	for _, data := range raw {
		var row Seen
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen == out[j].FirstSeen {
			return out[i].ID < out[j].ID
		}
		return out[i].FirstSeen < out[j].FirstSeen
	})
	return out, nil
}
