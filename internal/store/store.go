package store

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aimi9933/llmgateway/internal/database"
	"github.com/aimi9933/llmgateway/internal/types"
)

// defaultMaxRetries bounds the transaction-retry loop for mutations that
// hit a transient failure such as a row-lock conflict or a dropped
// connection. A unique-index violation is not retried; it surfaces as
// Conflict.
const defaultMaxRetries = 3

// Store is the unit-of-work CRUD surface over Provider, Route, and
// RouteNode. Every mutating method either fully succeeds or leaves the
// store unchanged, using database.PoolManager's transaction-retry so
// concurrent mutations to the same row serialize instead of racing.
type Store struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

// New builds a Store over an already-initialized connection pool.
func New(pool *database.PoolManager, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

func (s *Store) db() *gorm.DB { return s.pool.DB() }

// Transact runs fn inside a single retried transaction. Exposed for
// callers — like internal/backup's restore path — that need multiple
// writes across entities to commit or fail together, beyond what the
// single-entity Create/Update/Delete helpers below provide.
func (s *Store) Transact(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.pool.WithTransactionRetry(ctx, defaultMaxRetries, fn)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// CreateProvider inserts a provider. Duplicate name fails with Conflict.
// models must be non-empty per the data model's create-time invariant.
func (s *Store) CreateProvider(ctx context.Context, p *Provider) error {
	if len(p.Models) == 0 {
		return types.Validation("provider models must be non-empty")
	}
	err := s.pool.WithTransactionRetry(ctx, defaultMaxRetries, func(tx *gorm.DB) error {
		return tx.WithContext(ctx).Create(p).Error
	})
	if isUniqueViolation(err) {
		return types.Conflict("provider %q already exists", p.Name)
	}
	if err != nil {
		return types.Internal(err)
	}
	return nil
}

// GetProvider fetches a provider by id.
func (s *Store) GetProvider(ctx context.Context, id uint64) (*Provider, error) {
	var p Provider
	err := s.db().WithContext(ctx).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NotFound("provider %d not found", id)
	}
	if err != nil {
		return nil, types.Internal(err)
	}
	return &p, nil
}

// ListProviders returns every provider ordered by id, optionally
// restricted to active ones.
func (s *Store) ListProviders(ctx context.Context, activeOnly bool) ([]Provider, error) {
	var providers []Provider
	q := s.db().WithContext(ctx).Order("id asc")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	if err := q.Find(&providers).Error; err != nil {
		return nil, types.Internal(err)
	}
	return providers, nil
}

// UpdateProvider persists changes to an existing provider by id.
func (s *Store) UpdateProvider(ctx context.Context, id uint64, updates map[string]any) (*Provider, error) {
	err := s.pool.WithTransactionRetry(ctx, defaultMaxRetries, func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).Model(&Provider{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NotFound("provider %d not found", id)
	}
	if isUniqueViolation(err) {
		return nil, types.Conflict("provider name already in use")
	}
	if err != nil {
		return nil, types.Internal(err)
	}
	return s.GetProvider(ctx, id)
}

// DeleteProvider removes a provider by id. RouteNodes referencing it
// block deletion: the delete fails with Conflict. Providers are
// soft-deleted, so the check is made here rather than left to the
// foreign key.
func (s *Store) DeleteProvider(ctx context.Context, id uint64) error {
	referenced := false
	err := s.pool.WithTransactionRetry(ctx, defaultMaxRetries, func(tx *gorm.DB) error {
		var refs int64
		if err := tx.WithContext(ctx).Model(&RouteNode{}).Where("provider_id = ?", id).Count(&refs).Error; err != nil {
			return err
		}
		if referenced = refs > 0; referenced {
			return nil
		}
		res := tx.WithContext(ctx).Delete(&Provider{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err == nil && referenced {
		return types.Conflict("provider %d is referenced by one or more route nodes", id)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NotFound("provider %d not found", id)
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "foreign key") || strings.Contains(msg, "constraint") {
			return types.Conflict("provider %d is referenced by one or more route nodes", id)
		}
		return types.Internal(err)
	}
	return nil
}

// CreateRoute inserts a route (and its nodes, if any are attached).
func (s *Store) CreateRoute(ctx context.Context, r *Route) error {
	err := s.pool.WithTransactionRetry(ctx, defaultMaxRetries, func(tx *gorm.DB) error {
		return tx.WithContext(ctx).Create(r).Error
	})
	if isUniqueViolation(err) {
		return types.Conflict("route %q already exists", r.Name)
	}
	if err != nil {
		return types.Internal(err)
	}
	return nil
}

// GetRoute fetches a route by id, eagerly loading its nodes and each
// node's provider with one query per level (route, nodes, providers),
// not one query per node. It is three queries, not a single round trip.
func (s *Store) GetRoute(ctx context.Context, id uint64) (*Route, error) {
	var r Route
	err := s.db().WithContext(ctx).
		Preload("Nodes", func(db *gorm.DB) *gorm.DB { return db.Order("priority asc, id asc") }).
		Preload("Nodes.Provider").
		First(&r, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NotFound("route %d not found", id)
	}
	if err != nil {
		return nil, types.Internal(err)
	}
	return &r, nil
}

// GetRouteByName is GetRoute keyed on the unique name, the lookup the
// chat pipeline performs per request.
func (s *Store) GetRouteByName(ctx context.Context, name string) (*Route, error) {
	var r Route
	err := s.db().WithContext(ctx).
		Preload("Nodes", func(db *gorm.DB) *gorm.DB { return db.Order("priority asc, id asc") }).
		Preload("Nodes.Provider").
		Where("name = ?", name).
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NotFound("route %q not found", name)
	}
	if err != nil {
		return nil, types.Internal(err)
	}
	return &r, nil
}

// ListRoutes returns every route ordered by id, with nodes preloaded.
func (s *Store) ListRoutes(ctx context.Context) ([]Route, error) {
	var routes []Route
	err := s.db().WithContext(ctx).
		Preload("Nodes").
		Preload("Nodes.Provider").
		Order("id asc").
		Find(&routes).Error
	if err != nil {
		return nil, types.Internal(err)
	}
	return routes, nil
}

// UpdateRoute persists changes to an existing route by id.
func (s *Store) UpdateRoute(ctx context.Context, id uint64, updates map[string]any) (*Route, error) {
	err := s.pool.WithTransactionRetry(ctx, defaultMaxRetries, func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).Model(&Route{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NotFound("route %d not found", id)
	}
	if isUniqueViolation(err) {
		return nil, types.Conflict("route name already in use")
	}
	if err != nil {
		return nil, types.Internal(err)
	}
	return s.GetRoute(ctx, id)
}

// DeleteRoute removes a route by id, cascading to its nodes.
func (s *Store) DeleteRoute(ctx context.Context, id uint64) error {
	err := s.pool.WithTransactionRetry(ctx, defaultMaxRetries, func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).Select("Nodes").Delete(&Route{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NotFound("route %d not found", id)
	}
	if err != nil {
		return types.Internal(err)
	}
	return nil
}

// ReplaceNodes atomically replaces every node attached to a route — the
// write path for route create/update when the caller supplies a full
// node list. Existing nodes are deleted and the new set inserted inside
// one transaction.
func (s *Store) ReplaceNodes(ctx context.Context, routeID uint64, nodes []RouteNode) error {
	return s.pool.WithTransactionRetry(ctx, defaultMaxRetries, func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Unscoped().Where("route_id = ?", routeID).Delete(&RouteNode{}).Error; err != nil {
			return err
		}
		for i := range nodes {
			nodes[i].ID = 0
			nodes[i].RouteID = routeID
			if err := tx.WithContext(ctx).Create(&nodes[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// SetProviderHealth applies an operator override of is_healthy, resetting
// consecutive_failures per the spec's override contract.
func (s *Store) SetProviderHealth(ctx context.Context, id uint64, healthy bool) (*Provider, error) {
	return s.UpdateProvider(ctx, id, map[string]any{
		"is_healthy":           healthy,
		"consecutive_failures": 0,
	})
}
