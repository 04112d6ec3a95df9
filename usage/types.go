// Package usage records one entry per admitted-or-denied gateway request.
// Recording never blocks the request path and never fails it.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Outcome of a gateway request.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Record is written once and never modified.
type Record struct {
	ID            string    `json:"id" mapstructure:"id"`
	IdentityLabel string    `json:"identity" mapstructure:"identity"`
	IdentityKind  string    `json:"identity_kind" mapstructure:"identity_kind"`
	Endpoint      string    `json:"endpoint" mapstructure:"endpoint"`
	Method        string    `json:"method" mapstructure:"method"`
	Timestamp     time.Time `json:"timestamp" mapstructure:"-"`
	Outcome       Outcome   `json:"outcome" mapstructure:"outcome"`
	StatusCode    int       `json:"status_code" mapstructure:"status_code"`
	LatencyMs     int64     `json:"latency_ms" mapstructure:"latency_ms"`
	ClientIP      string    `json:"client_ip,omitempty" mapstructure:"client_ip"`
	UserAgent     string    `json:"user_agent,omitempty" mapstructure:"user_agent"`
	ErrorKind     string    `json:"error_kind,omitempty" mapstructure:"error_kind"`
}

// Sink is a destination for usage records.
type Sink interface {
	Write(ctx context.Context, r Record) error
	Close() error
	// Name returns the sink name
	Name() string
	// Type returns the sink type (storage, file)
	Type() string
}

// Filter narrows a listing.
type Filter struct {
	// Identity matches IdentityLabel exactly when set.
	Identity string
	// Limit caps the result; zero means 100.
	Limit int
}

// Lister is implemented by sinks that can read records back, newest first.
type Lister interface {
	List(ctx context.Context, f Filter) ([]Record, error)
}

func recordToMap(r Record) (map[string]any, error) {
	var out map[string]any
	if err := mapstructure.Decode(r, &out); err != nil {
		return nil, fmt.Errorf("failed to encode usage record: %w", err)
	}
	out["timestamp"] = r.Timestamp.UnixMilli()
	return out, nil
}

func recordFromMap(data map[string]any) (Record, error) {
	var r Record
	if err := mapstructure.WeakDecode(data, &r); err != nil {
		return Record{}, fmt.Errorf("failed to decode usage record: %w", err)
	}
	var ms int64
	if err := mapstructure.WeakDecode(data["timestamp"], &ms); err != nil {
		return Record{}, fmt.Errorf("failed to decode usage timestamp: %w", err)
	}
	r.Timestamp = time.UnixMilli(ms)
	return r, nil
}
