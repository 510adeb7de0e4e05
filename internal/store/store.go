// Package store persists the session journal: one row per worker session and
// one row per request accepted through the HTTP API.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/OysteinAmundsen/home-sub001/internal/model"
)

// ErrInvalidTransition is returned when finishing a request that has already
// settled.
var ErrInvalidTransition = errors.New("invalid status transition")

// Stats holds journal aggregates.
type Stats struct {
	Sessions         int            `json:"sessions"`
	SessionsByState  map[string]int `json:"sessions_by_state"`
	Requests         int            `json:"requests"`
	RequestsByStatus map[string]int `json:"requests_by_status"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
}

// Store defines the journal operations. It satisfies dispatch.Journal.
type Store interface {
	RecordSession(ctx context.Context, rec model.SessionRecord) error
	GetSession(ctx context.Context, id string) (*model.SessionRecord, error)
	ListSessions(ctx context.Context, limit, offset int) ([]*model.SessionRecord, int, error)
	CreateRequest(ctx context.Context, r *model.RequestRecord) error
	GetRequest(ctx context.Context, id string) (*model.RequestRecord, error)
	ListRequests(ctx context.Context, sessionID string, limit, offset int) ([]*model.RequestRecord, int, error)
	FinishRequest(ctx context.Context, id, status string, response json.RawMessage, errMsg string) error
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
