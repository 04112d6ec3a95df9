// Package grant persists OAuth grants: the upstream tokens and property
// binding of each externally authorized account.
package grant

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Status tells whether a grant can still be refreshed.
type Status string

const (
	StatusActive                  Status = "active"
	StatusReauthorizationRequired Status = "reauthorization_required"
)

type Grant struct {
	IdentityLabel string
	AccessToken   string
	RefreshToken  string
	ExpiresAt     time.Time
	PropertyRef   string
	Properties    []string
	Scopes        []string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Usable reports whether the grant may be used or refreshed.
func (g *Grant) Usable() bool {
	return g.Status != StatusReauthorizationRequired
}

// ExpiresWithin reports whether the access token expires within margin of now.
func (g *Grant) ExpiresWithin(margin time.Duration, now time.Time) bool {
	return g.ExpiresAt.Sub(now) <= margin
}

func (g *Grant) Clone() *Grant {
	if g == nil {
		return nil
	}
	cp := *g
	cp.Properties = append([]string(nil), g.Properties...)
	cp.Scopes = append([]string(nil), g.Scopes...)
	return &cp
}

// record is the storage shape of a Grant. Times are unix milliseconds so the
// entry survives a JSON round trip unchanged.
type record struct {
	IdentityLabel string   `mapstructure:"identity_label"`
	AccessToken   string   `mapstructure:"access_token"`
	RefreshToken  string   `mapstructure:"refresh_token"`
	ExpiresAt     int64    `mapstructure:"expires_at"`
	PropertyRef   string   `mapstructure:"property_ref"`
	Properties    []string `mapstructure:"properties"`
	Scopes        []string `mapstructure:"scopes"`
	Status        string   `mapstructure:"status"`
	CreatedAt     int64    `mapstructure:"created_at"`
	UpdatedAt     int64    `mapstructure:"updated_at"`
}

func toMap(g *Grant) (map[string]any, error) {
	r := record{
		IdentityLabel: g.IdentityLabel,
		AccessToken:   g.AccessToken,
		RefreshToken:  g.RefreshToken,
		ExpiresAt:     g.ExpiresAt.UnixMilli(),
		PropertyRef:   g.PropertyRef,
		Properties:    g.Properties,
		Scopes:        g.Scopes,
		Status:        string(g.Status),
		CreatedAt:     g.CreatedAt.UnixMilli(),
		UpdatedAt:     g.UpdatedAt.UnixMilli(),
	}
	var out map[string]any
	if err := mapstructure.Decode(r, &out); err != nil {
		return nil, fmt.Errorf("failed to encode grant: %w", err)
	}
	return out, nil
}

func fromMap(data map[string]any) (*Grant, error) {
	var r record
	if err := mapstructure.WeakDecode(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode grant: %w", err)
	}
	status := Status(r.Status)
	if status == "" {
		status = StatusActive
	}
	return &Grant{
		IdentityLabel: r.IdentityLabel,
		AccessToken:   r.AccessToken,
		RefreshToken:  r.RefreshToken,
		ExpiresAt:     time.UnixMilli(r.ExpiresAt),
		PropertyRef:   r.PropertyRef,
		Properties:    r.Properties,
		Scopes:        r.Scopes,
		Status:        status,
		CreatedAt:     time.UnixMilli(r.CreatedAt),
		UpdatedAt:     time.UnixMilli(r.UpdatedAt),
	}, nil
}
