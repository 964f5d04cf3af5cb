// Package store persists task records in a shared redis cache with a
// filesystem write-behind that survives cache eviction and restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lipdiffusion/orchestrator/api"
	"github.com/lipdiffusion/orchestrator/logger"
)

// Record is the loose serialized form of a task record. Clients see
// this shape unchanged.
type Record = map[string]interface{}

// NowISO returns the current UTC time in ISO-8601 form with a Z
// suffix, the timestamp format used throughout task records.
func NowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000") + "Z"
}

// Store is the durable task store. Redis is the primary with a TTL;
// every write is mirrored to one JSON file per task so records can be
// rehydrated after eviction.
type Store struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	persistTTL time.Duration
	persistDir string
}

// New returns a task store. The persist directory is created eagerly;
// when that fails, the store degrades to cache-only and logs a
// warning.
func New(client *redis.Client, prefix string, ttl, persistTTL time.Duration, persistDir string) *Store {
	if persistTTL < ttl {
		persistTTL = ttl
	}
	if persistDir != "" {
		if err := os.MkdirAll(persistDir, 0o755); err != nil {
			logger.L.WithError(err).WithField("dir", persistDir).
				Warnln("store: failed to initialise task persistence directory")
			persistDir = ""
		}
	}
	return &Store{
		client:     client,
		prefix:     strings.TrimRight(prefix, ":"),
		ttl:        ttl,
		persistTTL: persistTTL,
		persistDir: persistDir,
	}
}

func (s *Store) key(taskID string) string {
	return s.prefix + ":" + taskID
}

// backupPath derives the on-disk filename from the task ID, keeping
// only filesystem-safe characters.
func (s *Store) backupPath(taskID string) string {
	if s.persistDir == "" {
		return ""
	}
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		}
		return -1
	}, taskID)
	if safe == "" {
		safe = "task"
	}
	return filepath.Join(s.persistDir, safe+".json")
}

type backupEnvelope struct {
	Payload   Record  `json:"payload"`
	ExpiresAt float64 `json:"expires_at"`
}

func (s *Store) writeBackup(record Record) {
	taskID, _ := record["task_id"].(string)
	path := s.backupPath(taskID)
	if path == "" {
		return
	}
	envelope := backupEnvelope{
		Payload:   record,
		ExpiresAt: float64(time.Now().Unix()) + s.persistTTL.Seconds(),
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	// Best effort: a failed mirror write must not fail the request.
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
	}
}

func (s *Store) purgeBackup(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.L.WithError(err).WithField("path", path).
			Debugln("store: failed to purge backup file")
	}
}

func (s *Store) readBackup(taskID string) Record {
	path := s.backupPath(taskID)
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var envelope backupEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		s.purgeBackup(path)
		return nil
	}
	if envelope.ExpiresAt > 0 && envelope.ExpiresAt < float64(time.Now().Unix()) {
		s.purgeBackup(path)
		return nil
	}
	if envelope.Payload == nil {
		s.purgeBackup(path)
		return nil
	}
	return envelope.Payload
}

// Write sanitizes and persists a record to the cache and the disk
// mirror, returning the sanitized form.
func (s *Store) Write(ctx context.Context, record Record) (Record, error) {
	sanitized, ok := Sanitize(record).(Record)
	if !ok {
		sanitized = Record{}
	}
	raw, err := json.Marshal(sanitized)
	if err != nil {
		return nil, err
	}
	taskID, _ := sanitized["task_id"].(string)
	if err := s.client.Set(ctx, s.key(taskID), raw, s.ttl).Err(); err != nil {
		return nil, err
	}
	s.writeBackup(sanitized)
	return sanitized, nil
}

// Get returns the record for a task, or nil when unknown. A cache
// miss falls through to the disk mirror; a live mirror record is
// rehydrated into the cache with a fresh TTL.
func (s *Store) Get(ctx context.Context, taskID string) (Record, error) {
	raw, err := s.client.Get(ctx, s.key(taskID)).Result()
	if err == redis.Nil {
		payload := s.readBackup(taskID)
		if payload == nil {
			return nil, nil
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := s.client.Set(ctx, s.key(taskID), encoded, s.ttl).Err(); err != nil {
			return nil, err
		}
		return payload, nil
	}
	if err != nil {
		return nil, err
	}
	record := Record{}
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, nil
	}
	return record, nil
}

// UpdateFields applies a read-modify-write to a record. A details
// mapping is shallow-merged, a progress list is appended, and any
// other key replaces the existing value. updated_at is always
// refreshed. Returns nil when the task does not exist.
func (s *Store) UpdateFields(ctx context.Context, taskID string, updates Record) (Record, error) {
	record, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}

	for key, value := range updates {
		switch key {
		case "details":
			if patch, ok := value.(map[string]interface{}); ok {
				details, _ := record["details"].(map[string]interface{})
				if details == nil {
					details = map[string]interface{}{}
				}
				for k, v := range patch {
					details[k] = v
				}
				record["details"] = details
				continue
			}
			record[key] = value
		case "progress":
			if entries, ok := toSlice(value); ok {
				progress, _ := record["progress"].([]interface{})
				record["progress"] = append(progress, entries...)
				continue
			}
			record[key] = value
		default:
			record[key] = value
		}
	}

	record["updated_at"] = NowISO()
	return s.Write(ctx, record)
}

// AppendProgress appends one progress entry with the current
// timestamp.
func (s *Store) AppendProgress(ctx context.Context, taskID, message, stage string, extra map[string]interface{}) error {
	entry := api.ProgressEntry{
		Timestamp: NowISO(),
		Message:   message,
		Stage:     stage,
		Extra:     extra,
	}
	_, err := s.UpdateFields(ctx, taskID, Record{"progress": []interface{}{entry}})
	return err
}

// Close releases the cache connection. The disk mirror persists.
func (s *Store) Close() error {
	return s.client.Close()
}

func toSlice(value interface{}) ([]interface{}, bool) {
	switch v := value.(type) {
	case []interface{}:
		return v, true
	case []api.ProgressEntry:
		out := make([]interface{}, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	}
	return nil, false
}
