// Package configsvc persists the user options document (auto-disable policy,
// whitelist, history cap and UI toggles) in Redis with revisioned,
// compare-and-swap updates.
package configsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cordum/extmgr/core/infra/config"
	"github.com/cordum/extmgr/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const (
	optionsKey     = "ext:config:options"
	maxCASAttempts = 8
)

var (
	// ErrInvalidOptions marks a patch rejected by schema validation.
	ErrInvalidOptions = errors.New("invalid options")
	// ErrConflict is returned when concurrent writers exhaust the CAS retries.
	ErrConflict = errors.New("options update conflict")
)

// Document is the stored options document.
type Document struct {
	Data     map[string]any `json:"data"`
	Revision int64          `json:"revision"`
	Updated  time.Time      `json:"updated_at"`
	Hash     string         `json:"hash"`
}

// ChangeHook is called after a write commits.
type ChangeHook func(ctx context.Context, doc *Document)

// Service persists the options document.
type Service struct {
	client   redis.UniversalClient
	validate func(map[string]any) error
	hooks    []ChangeHook
	now      func() time.Time
}

// New creates a config service over an existing client.
func New(client redis.UniversalClient) *Service {
	return &Service{
		client:   client,
		validate: config.ValidateOptions,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Open connects to Redis at url and creates a config service.
func Open(url string) (*Service, error) {
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return New(client), nil
}

// WithChangeHook registers fn to run after every committed change.
func (s *Service) WithChangeHook(fn ChangeHook) *Service {
	if fn != nil {
		s.hooks = append(s.hooks, fn)
	}
	return s
}

func (s *Service) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Get returns the stored document. When nothing has been stored yet the
// defaults are returned at revision 0.
func (s *Service) Get(ctx context.Context) (*Document, error) {
	doc, ok, err := readDocument(ctx, s.client)
	if err != nil {
		return nil, err
	}
	if !ok {
		data := defaultData()
		hash, _ := documentHash(data)
		return &Document{Data: data, Hash: hash}, nil
	}
	return doc, nil
}

// Options loads and decodes the current options.
func (s *Service) Options(ctx context.Context) (Options, error) {
	doc, err := s.Get(ctx)
	if err != nil {
		return DefaultOptions(), err
	}
	return DecodeOptions(doc.Data)
}

// Set merges patch into the stored document shallowly, validates the result
// and bumps the revision. A nil value in patch removes the key.
func (s *Service) Set(ctx context.Context, patch map[string]any) (*Document, error) {
	return s.mutate(ctx, func(data map[string]any) (bool, error) {
		changed := false
		for k, v := range patch {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			if v == nil {
				if _, ok := data[k]; ok {
					delete(data, k)
					changed = true
				}
				continue
			}
			data[k] = v
			changed = true
		}
		return changed, nil
	})
}

// EnsureDefaults writes any default key missing from the stored document and
// leaves existing keys alone. It reports whether anything was written.
func (s *Service) EnsureDefaults(ctx context.Context) (*Document, bool, error) {
	wrote := false
	doc, err := s.mutate(ctx, func(data map[string]any) (bool, error) {
		wrote = false
		for k, v := range defaultData() {
			if _, ok := data[k]; !ok {
				data[k] = v
				wrote = true
			}
		}
		return wrote, nil
	})
	return doc, wrote, err
}

// SetWhitelist replaces the exempt permissions for one extension. An empty
// perms list removes the entry.
func (s *Service) SetWhitelist(ctx context.Context, id string, perms []string) (*Document, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: extension id required", ErrInvalidOptions)
	}
	clean := cleanPerms(perms)
	return s.mutate(ctx, func(data map[string]any) (bool, error) {
		opts, err := DecodeOptions(data)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}
		if len(clean) == 0 {
			if _, ok := opts.Whitelist[id]; !ok {
				return false, nil
			}
			delete(opts.Whitelist, id)
		} else {
			if slices.Equal(opts.Whitelist[id], clean) {
				return false, nil
			}
			opts.Whitelist[id] = clean
		}
		data["whitelist"] = opts.Whitelist
		return true, nil
	})
}

// RemoveWhitelist drops the whitelist entry for id.
func (s *Service) RemoveWhitelist(ctx context.Context, id string) (*Document, error) {
	return s.SetWhitelist(ctx, id, nil)
}

// mutate applies fn to the stored data inside WATCH/MULTI and retries when
// another writer commits first.
func (s *Service) mutate(ctx context.Context, fn func(map[string]any) (bool, error)) (*Document, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var (
			out     *Document
			changed bool
		)
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, _, err := readDocument(ctx, tx)
			if err != nil {
				return err
			}
			data := cloneData(cur.Data)
			changed, err = fn(data)
			if err != nil {
				return err
			}
			if !changed {
				out = cur
				return nil
			}
			data, err = normalizeData(data)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
			}
			if s.validate != nil {
				if err := s.validate(data); err != nil {
					return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
				}
			}
			hash, err := documentHash(data)
			if err != nil {
				return fmt.Errorf("hash options: %w", err)
			}
			next := &Document{
				Data:     data,
				Revision: cur.Revision + 1,
				Updated:  s.now(),
				Hash:     hash,
			}
			payload, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("marshal options: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, optionsKey, payload, 0)
				return nil
			})
			if err != nil {
				return err
			}
			out = next
			return nil
		}, optionsKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if changed {
			for _, hook := range s.hooks {
				hook(ctx, out)
			}
		}
		return out, nil
	}
	return nil, ErrConflict
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// readDocument returns the stored document or an empty one at revision 0.
func readDocument(ctx context.Context, c getter) (*Document, bool, error) {
	data, err := c.Get(ctx, optionsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return &Document{Data: map[string]any{}}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read options: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("unmarshal options: %w", err)
	}
	if doc.Data == nil {
		doc.Data = map[string]any{}
	}
	return &doc, true, nil
}

func cloneData(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// normalizeData converts typed values (ints from YAML, string slices) into
// their JSON form so stored documents and hashes are stable.
func normalizeData(data map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cleanPerms(perms []string) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
