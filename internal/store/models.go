// Package store is the gateway's persistence layer: GORM models for
// Provider, Route, and RouteNode, and a unit-of-work CRUD surface used by
// the routing engine, chat pipeline, health checker, and admin handlers.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// StringList is an ordered sequence of strings (model identifiers, mostly)
// stored as a JSON array column.
type StringList []string

// Scan implements sql.Scanner.
func (s *StringList) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		if str, ok := value.(string); ok {
			bytes = []byte(str)
		} else {
			return fmt.Errorf("store: cannot scan %T into StringList", value)
		}
	}
	if len(bytes) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(bytes, s)
}

// Value implements driver.Valuer.
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return json.Marshal([]string(s))
}

// Contains reports whether model is present in the list.
func (s StringList) Contains(model string) bool {
	for _, m := range s {
		if m == model {
			return true
		}
	}
	return false
}

// JSONMap is a free-form JSON object column, used for Route.Config and
// RouteNode.Metadata.
type JSONMap map[string]any

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		if str, ok := value.(string); ok {
			bytes = []byte(str)
		} else {
			return fmt.Errorf("store: cannot scan %T into JSONMap", value)
		}
	}
	if len(bytes) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(bytes, m)
}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return json.Marshal(map[string]any(m))
}

// String returns the value at key as a string, or "" if absent or not a
// string. Used to read recognised config keys like providerMode.
func (m JSONMap) String(key string) string {
	v, _ := m[key].(string)
	return v
}

// StringSlice returns the value at key as a []string, tolerating the
// []any shape json.Unmarshal produces for a JSON array. Used to read
// recognised config keys like selectedModels.
func (m JSONMap) StringSlice(key string) []string {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// ProviderStatus is the last-observed health status of a provider, set by
// the health checker (or a synchronous test probe).
type ProviderStatus string

const (
	StatusUnknown     ProviderStatus = "unknown"
	StatusOnline      ProviderStatus = "online"
	StatusDegraded    ProviderStatus = "degraded"
	StatusTimeout     ProviderStatus = "timeout"
	StatusUnreachable ProviderStatus = "unreachable"
	StatusError       ProviderStatus = "error"
)

// Provider is one upstream LLM account: a base URL, an encrypted secret,
// and the models it exposes.
type Provider struct {
	ID                   uint64         `gorm:"primaryKey"`
	Name                 string         `gorm:"uniqueIndex;size:255;not null"`
	BaseURL              string         `gorm:"not null"`
	APIKeyOpaque         string         `gorm:"column:api_key_opaque;not null"`
	Models               StringList     `gorm:"type:text;not null"`
	IsActive             bool           `gorm:"not null;default:true;index"`
	Status               ProviderStatus `gorm:"size:32;not null;default:unknown"`
	LatencyMs            *int64
	LastTestedAt         *time.Time
	ConsecutiveFailures  int            `gorm:"not null;default:0"`
	IsHealthy            bool           `gorm:"not null;default:true"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
	DeletedAt            gorm.DeletedAt `gorm:"index"`
}

func (Provider) TableName() string { return "providers" }

// RouteMode selects how a Route resolves candidates.
type RouteMode string

const (
	ModeAuto     RouteMode = "auto"
	ModeSpecific RouteMode = "specific"
	ModeMulti    RouteMode = "multi"
)

// Route is a named policy for selecting a provider+model pair.
type Route struct {
	ID        uint64         `gorm:"primaryKey"`
	Name      string         `gorm:"uniqueIndex;size:255;not null"`
	Mode      RouteMode      `gorm:"size:32;not null;default:auto"`
	IsActive  bool           `gorm:"not null;default:true"`
	Config    JSONMap        `gorm:"type:text;not null"`
	Nodes     []RouteNode    `gorm:"foreignKey:RouteID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (Route) TableName() string { return "routes" }

// NodeStrategy is the scheduling strategy of a single RouteNode.
type NodeStrategy string

const (
	StrategyRoundRobin NodeStrategy = "round-robin"
	StrategyFailover   NodeStrategy = "failover"
)

// RouteNode is one candidate within a Route: binds a provider and
// (optionally) a subset of its models with a strategy and priority.
type RouteNode struct {
	ID         uint64       `gorm:"primaryKey"`
	RouteID    uint64       `gorm:"not null;index"`
	ProviderID uint64       `gorm:"not null;index"`
	Provider   Provider     `gorm:"foreignKey:ProviderID;constraint:OnDelete:RESTRICT"`
	Models     StringList   `gorm:"type:text;not null"`
	Strategy   NodeStrategy `gorm:"size:32;not null;default:round-robin"`
	Priority   int          `gorm:"not null;default:0"`
	Metadata   JSONMap      `gorm:"type:text;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  gorm.DeletedAt `gorm:"index"`
}

func (RouteNode) TableName() string { return "route_nodes" }

// AutoMigrate creates or updates the schema for all three models. Used
// for SQLite deployments in place of the versioned golang-migrate path
// (see internal/migration) and in tests against an in-memory database.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Provider{}, &Route{}, &RouteNode{})
}
