package tracking

import (
	"context"
	"encoding/json"
	"time"
)

// Resolution sources
const (
	SourceCache    = "cache"
	SourceProvider = "provider"
)

// DefaultTerminalStatuses are provider status codes after which a shipment
// never changes again
var DefaultTerminalStatuses = []string{"DELIVERED", "RETURNED", "CANCELLED"}

// Key identifies one shipment at one courier
type Key struct {
	Waybill string `json:"waybill" validate:"required,alphanum,min=6,max=40"`
	Courier string `json:"courier" validate:"required,lowercase,alphanum,max=20"`
}

func (k Key) String() string {
	return k.Courier + "/" + k.Waybill
}

// Entry is the cached tracking state of a shipment. Once Terminal is set
// the provider is never asked about the key again.
type Entry struct {
	Waybill       string          `db:"waybill" json:"waybill"`
	Courier       string          `db:"courier" json:"courier"`
	StatusCode    string          `db:"status_code" json:"status_code"`
	Terminal      bool            `db:"terminal" json:"terminal"`
	RawPayload    json.RawMessage `db:"raw_payload" json:"raw_payload"`
	LastUpdatedAt time.Time       `db:"last_updated_at" json:"last_updated_at"`
}

// Key returns the entry's composite key
func (e *Entry) Key() Key {
	return Key{Waybill: e.Waybill, Courier: e.Courier}
}

// HistoryEvent is one checkpoint reported by the provider
type HistoryEvent struct {
	Status      string    `json:"status"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	At          time.Time `json:"at"`
}

// ProviderResponse is what a tracking provider returns for a key
type ProviderResponse struct {
	StatusCode string         `json:"status_code"`
	Terminal   bool           `json:"terminal"`
	History    []HistoryEvent `json:"history"`
}

// Resolution is the answer to a tracking request
type Resolution struct {
	Source string
	Entry  *Entry
}

// FetchFunc asks the provider for the current state of key
type FetchFunc func(ctx context.Context, key Key) (*ProviderResponse, error)

//go:generate mockgen -destination=mocks/mock_tracking.go -package=mocks . Provider,Store

// Provider is the external tracking service
type Provider interface {
	Fetch(ctx context.Context, key Key) (*ProviderResponse, error)
}

// Store persists cache entries keyed by (waybill, courier). Get returns
// ErrEntryNotFound on a miss.
type Store interface {
	Get(ctx context.Context, key Key) (*Entry, error)
	Upsert(ctx context.Context, entry *Entry) error
}
