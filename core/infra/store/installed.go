package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cordum/extmgr/core/extensions"
	"github.com/redis/go-redis/v9"
)

// InstalledSet maps extension id to the last-seen record. It is rebuilt
// wholesale from the host on startup and mutated incrementally in between.
type InstalledSet struct {
	client redis.UniversalClient
	key    string
}

// Rebuild replaces the whole set with records in one MULTI/EXEC.
func (s *InstalledSet) Rebuild(ctx context.Context, records []extensions.Record) error {
	fields := make(map[string]any, len(records))
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", rec.ID, err)
		}
		fields[rec.ID] = data
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(fields) > 0 {
			pipe.HSet(ctx, s.key, fields)
		}
		return nil
	})
	if err != nil {
		return storageErr("rebuild installed set", err)
	}
	return nil
}

// Has reports whether id is in the set.
func (s *InstalledSet) Has(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.HExists(ctx, s.key, id).Result()
	if err != nil {
		return false, storageErr("installed exists", err)
	}
	return ok, nil
}

// Get returns the record for id and whether it was present.
func (s *InstalledSet) Get(ctx context.Context, id string) (extensions.Record, bool, error) {
	data, err := s.client.HGet(ctx, s.key, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return extensions.Record{}, false, nil
	}
	if err != nil {
		return extensions.Record{}, false, storageErr("installed get", err)
	}
	var rec extensions.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return extensions.Record{}, false, storageErr("decode installed record", err)
	}
	return rec, true, nil
}

// Upsert stores rec under its id.
func (s *InstalledSet) Upsert(ctx context.Context, rec extensions.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("extension id required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	if err := s.client.HSet(ctx, s.key, rec.ID, data).Err(); err != nil {
		return storageErr("installed upsert", err)
	}
	return nil
}

// Remove deletes id and reports whether it was present.
func (s *InstalledSet) Remove(ctx context.Context, id string) (bool, error) {
	n, err := s.client.HDel(ctx, s.key, id).Result()
	if err != nil {
		return false, storageErr("installed remove", err)
	}
	return n > 0, nil
}

// List returns all records ordered by id.
func (s *InstalledSet) List(ctx context.Context) ([]extensions.Record, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, storageErr("installed list", err)
	}
	out := make([]extensions.Record, 0, len(raw))
	for id, data := range raw {
		var rec extensions.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, storageErr("decode installed record "+id, err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
