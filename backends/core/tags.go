package core

import (
	"os"
	"time"

	"github.com/maouw/cloudknot/api"
)

// Tag keys written on every cloudknot resource.
const (
	TagManaged   = "cloudknot-managed"
	TagGroup     = "cloudknot-group"
	TagKind      = "cloudknot-kind"
	TagCreatedAt = "cloudknot-created-at"
)

// TagSet holds the standard tags for a knot resource.
type TagSet struct {
	Group     string
	Kind      api.Kind
	Name      string
	Owner     string
	CreatedAt time.Time
}

// AsMap returns tags as map[string]string.
func (ts TagSet) AsMap() map[string]string {
	return map[string]string{
		"Name":        truncate(ts.Name, 256),
		"Owner":       truncate(ts.Owner, 256),
		"Environment": "cloudknot",
		"Project":     ts.Group,
		TagManaged:    "true",
		TagGroup:      ts.Group,
		TagKind:       string(ts.Kind),
		TagCreatedAt:  ts.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// DefaultOwner returns $USER, the hostname, or "unknown".
func DefaultOwner() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
