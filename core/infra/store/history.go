package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cordum/extmgr/core/extensions"
	"github.com/redis/go-redis/v9"
)

// DefaultHistoryMax is used when the configured maximum is not positive.
const DefaultHistoryMax = 1000

var nowFunc = time.Now

// HistoryLog is the persisted, append-only, size-bounded event log.
// Entries are kept in append order; the oldest are evicted first.
type HistoryLog struct {
	client redis.UniversalClient
	key    string
	selfID string
	now    func() time.Time
}

// SetSelf records the manager's own extension id; its events are never logged.
func (h *HistoryLog) SetSelf(id string) {
	h.selfID = id
}

// Append stamps rec with action and the current time and appends it,
// trimming the log to maxLength. The push and the trim run as one
// MULTI/EXEC so back-to-back appends cannot lose updates. It returns the
// appended entry and false when the record was skipped.
func (h *HistoryLog) Append(ctx context.Context, action extensions.Action, rec extensions.Record, maxLength int) (extensions.Entry, bool, error) {
	if !action.Valid() {
		return extensions.Entry{}, false, fmt.Errorf("invalid history action %q", action)
	}
	if rec.ID == "" || (h.selfID != "" && rec.ID == h.selfID) || rec.Excluded() {
		return extensions.Entry{}, false, nil
	}
	if maxLength <= 0 {
		maxLength = DefaultHistoryMax
	}
	entry := extensions.Entry{
		Record:    rec,
		Action:    action,
		Timestamp: h.now().UnixMilli(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return extensions.Entry{}, false, fmt.Errorf("marshal history entry: %w", err)
	}
	_, err = h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, h.key, data)
		pipe.LTrim(ctx, h.key, int64(-maxLength), -1)
		return nil
	})
	if err != nil {
		return extensions.Entry{}, false, storageErr("history append", err)
	}
	return entry, true, nil
}

// List returns all entries in chronological order. Callers wanting
// most-recent-first reverse the result.
func (h *HistoryLog) List(ctx context.Context) ([]extensions.Entry, error) {
	raw, err := h.client.LRange(ctx, h.key, 0, -1).Result()
	if err != nil {
		return nil, storageErr("history list", err)
	}
	out := make([]extensions.Entry, 0, len(raw))
	for _, item := range raw {
		var e extensions.Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, storageErr("decode history entry", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Len returns the current number of entries.
func (h *HistoryLog) Len(ctx context.Context) (int64, error) {
	n, err := h.client.LLen(ctx, h.key).Result()
	if err != nil {
		return 0, storageErr("history len", err)
	}
	return n, nil
}

// Clear drops every entry.
func (h *HistoryLog) Clear(ctx context.Context) error {
	if err := h.client.Del(ctx, h.key).Err(); err != nil {
		return storageErr("history clear", err)
	}
	return nil
}
