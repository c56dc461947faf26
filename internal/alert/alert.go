// Package alert defines the read-only alert reference the analysis engine
// consumes and the lookups that resolve it.
package alert

import (
	"context"
	"encoding/json"
	"time"
)

// Alert is the subset of a SOC alert record that analysis steps read.
type Alert struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Severity      string          `json:"severity,omitempty"`
	Source        string          `json:"source,omitempty"`
	RawData       json.RawMessage `json:"rawData,omitempty"`
	PriorAnalysis string          `json:"priorAnalysis,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Lookup resolves an alert by id. Implementations return an error matching
// fault.ErrNotFound when the alert does not exist.
type Lookup interface {
	GetAlert(ctx context.Context, id string) (*Alert, error)
}
