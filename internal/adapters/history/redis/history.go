// Package redis persists per-stage timing statistics so estimates survive a
// worker restart instead of falling back to the built-in priors.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"spriteforge.dev/internal/core/domain"
	"spriteforge.dev/internal/core/ports"
)

const historyKey = "stage:history"

type History struct {
	client *redis.Client
}

func New(url string) (*History, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &History{client: redis.NewClient(opts)}, nil
}

var _ ports.StageHistory = (*History)(nil)

// Load reads stage statistics from a single hash keyed by stage name. A
// missing key yields an empty map, not an error.
func (h *History) Load(ctx context.Context) (map[domain.Stage]domain.StageStat, error) {
	fields, err := h.client.HGetAll(ctx, historyKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return map[domain.Stage]domain.StageStat{}, nil
		}
		return nil, fmt.Errorf("load stage history: %w", err)
	}

	stats := make(map[domain.Stage]domain.StageStat, len(fields))
	for name, raw := range fields {
		var st domain.StageStat
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			continue // stale or hand-edited field, skip it
		}
		stats[domain.Stage(name)] = st
	}
	return stats, nil
}

// Save overwrites the stored statistics with the given snapshot.
func (h *History) Save(ctx context.Context, stats map[domain.Stage]domain.StageStat) error {
	if len(stats) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(stats))
	for stage, st := range stats {
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		fields[string(stage)] = data
	}
	if err := h.client.HSet(ctx, historyKey, fields).Err(); err != nil {
		return fmt.Errorf("save stage history: %w", err)
	}
	return nil
}

// Ping verifies connectivity at startup.
func (h *History) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

func (h *History) Close() error {
	return h.client.Close()
}
