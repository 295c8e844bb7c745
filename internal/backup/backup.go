// Package backup implements the gateway's JSON snapshot/restore protocol:
// an idempotent, name-keyed serialization of every Provider and Route
// written after each mutation, and a restore path that rebuilds the store
// from the most recent snapshot.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aimi9933/llmgateway/internal/store"
	"github.com/aimi9933/llmgateway/internal/types"
)

// Manager reads and writes the backup file described in the external
// interfaces section: UTF-8 JSON, 2-space indent, providers and routes
// keyed by their unique name.
type Manager struct {
	store  *store.Store
	path   string
	logger *zap.Logger
}

// New builds a Manager writing to path.
func New(st *store.Store, path string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: st, path: path, logger: logger}
}

type providerSnapshot struct {
	Name                string     `json:"name"`
	BaseURL             string     `json:"base_url"`
	APIKeyEncrypted     string     `json:"api_key_encrypted"`
	Models              []string   `json:"models"`
	IsActive            bool       `json:"is_active"`
	Status              string     `json:"status"`
	LatencyMs           *int64     `json:"latency_ms"`
	LastTestedAt        *time.Time `json:"last_tested_at"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	IsHealthy           bool       `json:"is_healthy"`
	CreatedAt           *time.Time `json:"created_at"`
	UpdatedAt           *time.Time `json:"updated_at"`
}

type routeNodeSnapshot struct {
	APIName  string         `json:"api_name"`
	Models   []string       `json:"models"`
	Strategy string         `json:"strategy"`
	Priority int            `json:"priority"`
	Metadata map[string]any `json:"metadata"`
}

type routeSnapshot struct {
	Name      string              `json:"name"`
	Mode      string              `json:"mode"`
	Config    map[string]any      `json:"config"`
	IsActive  bool                `json:"is_active"`
	Nodes     []routeNodeSnapshot `json:"nodes"`
	CreatedAt *time.Time          `json:"created_at"`
	UpdatedAt *time.Time          `json:"updated_at"`
}

type payload struct {
	GeneratedAt string             `json:"generated_at"`
	Providers   []providerSnapshot `json:"providers"`
	Routes      []routeSnapshot    `json:"routes"`
}

func serializeProvider(p store.Provider) providerSnapshot {
	return providerSnapshot{
		Name:                p.Name,
		BaseURL:             p.BaseURL,
		APIKeyEncrypted:     p.APIKeyOpaque,
		Models:              []string(p.Models),
		IsActive:            p.IsActive,
		Status:              string(p.Status),
		LatencyMs:           p.LatencyMs,
		LastTestedAt:        p.LastTestedAt,
		ConsecutiveFailures: p.ConsecutiveFailures,
		IsHealthy:           p.IsHealthy,
		CreatedAt:           timePtr(p.CreatedAt),
		UpdatedAt:           timePtr(p.UpdatedAt),
	}
}

func serializeRoute(r store.Route) routeSnapshot {
	nodes := make([]routeNodeSnapshot, 0, len(r.Nodes))
	for _, n := range r.Nodes {
		nodes = append(nodes, routeNodeSnapshot{
			APIName:  n.Provider.Name,
			Models:   []string(n.Models),
			Strategy: string(n.Strategy),
			Priority: n.Priority,
			Metadata: map[string]any(n.Metadata),
		})
	}
	return routeSnapshot{
		Name:      r.Name,
		Mode:      string(r.Mode),
		Config:    map[string]any(r.Config),
		IsActive:  r.IsActive,
		Nodes:     nodes,
		CreatedAt: timePtr(r.CreatedAt),
		UpdatedAt: timePtr(r.UpdatedAt),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Write serializes every provider and route to the backup path. The write
// is atomic: the payload is written to a temp file in the same directory
// and then renamed over the destination, so a reader never observes a
// partially-written snapshot and a crash mid-write never corrupts the
// previous good backup. This is a deliberate hardening over the
// direct-write approach of simpler snapshot implementations.
func (m *Manager) Write(ctx context.Context) error {
	providers, err := m.store.ListProviders(ctx, false)
	if err != nil {
		return err
	}
	routes, err := m.store.ListRoutes(ctx)
	if err != nil {
		return err
	}

	p := payload{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Providers:   make([]providerSnapshot, 0, len(providers)),
		Routes:      make([]routeSnapshot, 0, len(routes)),
	}
	for _, pr := range providers {
		p.Providers = append(p.Providers, serializeProvider(pr))
	}
	for _, r := range routes {
		p.Routes = append(p.Routes, serializeRoute(r))
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return types.Internal(fmt.Errorf("marshal backup payload: %w", err))
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.Internal(fmt.Errorf("create backup directory: %w", err))
	}

	tmp, err := os.CreateTemp(dir, ".backup-*.tmp")
	if err != nil {
		return types.Internal(fmt.Errorf("create temp backup file: %w", err))
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return types.Internal(fmt.Errorf("write temp backup file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return types.Internal(fmt.Errorf("sync temp backup file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return types.Internal(fmt.Errorf("close temp backup file: %w", err))
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		return types.Internal(fmt.Errorf("rename backup into place: %w", err))
	}

	m.logger.Info("wrote backup snapshot",
		zap.String("path", m.path),
		zap.Int("providers", len(p.Providers)),
		zap.Int("routes", len(p.Routes)),
	)
	return nil
}

// Stats reports how many rows a Restore touched.
type Stats struct {
	Providers int
	Routes    int
}

// Restore reads the backup file and upserts every provider and route by
// name (the natural key), within a single transaction so the store
// reflects either the full snapshot or nothing. Restoring twice in a row
// is a no-op the second time: every field is set unconditionally from the
// snapshot, so re-applying the same payload converges to the same rows.
func (m *Manager) Restore(ctx context.Context) (Stats, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Stats{}, types.BackupMissing(m.path)
		}
		return Stats{}, types.Internal(fmt.Errorf("read backup file: %w", err))
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Stats{}, types.Internal(fmt.Errorf("parse backup file: %w", err))
	}

	var stats Stats
	err = m.store.Transact(ctx, func(tx *gorm.DB) error {
		providerByName := make(map[string]store.Provider, len(p.Providers))

		for _, item := range p.Providers {
			if item.Name == "" {
				continue
			}
			var existing store.Provider
			found := tx.Where("name = ?", item.Name).First(&existing).Error == nil

			rec := store.Provider{
				Name:                item.Name,
				BaseURL:             item.BaseURL,
				APIKeyOpaque:        item.APIKeyEncrypted,
				Models:              store.StringList(item.Models),
				IsActive:            item.IsActive,
				Status:              store.ProviderStatus(defaultString(item.Status, "unknown")),
				LatencyMs:           item.LatencyMs,
				LastTestedAt:        item.LastTestedAt,
				ConsecutiveFailures: item.ConsecutiveFailures,
				IsHealthy:           item.IsHealthy,
			}
			if item.CreatedAt != nil {
				rec.CreatedAt = *item.CreatedAt
			}
			if item.UpdatedAt != nil {
				rec.UpdatedAt = *item.UpdatedAt
			}

			if found {
				rec.ID = existing.ID
				if err := tx.Model(&store.Provider{}).Where("id = ?", existing.ID).Updates(map[string]any{
					"base_url":             rec.BaseURL,
					"api_key_opaque":       rec.APIKeyOpaque,
					"models":               rec.Models,
					"is_active":            rec.IsActive,
					"status":               rec.Status,
					"latency_ms":           rec.LatencyMs,
					"last_tested_at":       rec.LastTestedAt,
					"consecutive_failures": rec.ConsecutiveFailures,
					"is_healthy":           rec.IsHealthy,
				}).Error; err != nil {
					return err
				}
			} else {
				if err := tx.Create(&rec).Error; err != nil {
					return err
				}
			}
			stats.Providers++
			providerByName[item.Name] = rec
		}

		for _, item := range p.Routes {
			if item.Name == "" {
				continue
			}
			var existing store.Route
			found := tx.Where("name = ?", item.Name).First(&existing).Error == nil

			rec := store.Route{
				Name:     item.Name,
				Mode:     store.RouteMode(defaultString(item.Mode, "auto")),
				Config:   store.JSONMap(item.Config),
				IsActive: item.IsActive,
			}
			if item.CreatedAt != nil {
				rec.CreatedAt = *item.CreatedAt
			}
			if item.UpdatedAt != nil {
				rec.UpdatedAt = *item.UpdatedAt
			}

			if found {
				rec.ID = existing.ID
				if err := tx.Model(&store.Route{}).Where("id = ?", existing.ID).Updates(map[string]any{
					"mode":      rec.Mode,
					"config":    rec.Config,
					"is_active": rec.IsActive,
				}).Error; err != nil {
					return err
				}
				if err := tx.Unscoped().Where("route_id = ?", existing.ID).Delete(&store.RouteNode{}).Error; err != nil {
					return err
				}
			} else {
				if err := tx.Create(&rec).Error; err != nil {
					return err
				}
			}
			stats.Routes++

			for _, nodeItem := range item.Nodes {
				provider, ok := providerByName[nodeItem.APIName]
				if !ok || nodeItem.APIName == "" {
					continue
				}
				node := store.RouteNode{
					RouteID:    rec.ID,
					ProviderID: provider.ID,
					Models:     store.StringList(nodeItem.Models),
					Strategy:   store.NodeStrategy(defaultString(nodeItem.Strategy, "round-robin")),
					Priority:   nodeItem.Priority,
					Metadata:   store.JSONMap(nodeItem.Metadata),
				}
				if err := tx.Create(&node).Error; err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		return Stats{}, types.Internal(fmt.Errorf("restore transaction: %w", err))
	}

	m.logger.Info("restored from backup",
		zap.String("path", m.path),
		zap.Int("providers", stats.Providers),
		zap.Int("routes", stats.Routes),
	)

	// Restore commits once, then writes a fresh snapshot of the
	// now-current store state — the ids it just assigned or preserved
	// replace whatever the source snapshot held, so a second restore
	// against this new file is a true no-op.
	if err := m.Write(ctx); err != nil {
		return stats, err
	}
	return stats, nil
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
