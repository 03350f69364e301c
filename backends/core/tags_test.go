package core

import (
	"strings"
	"testing"
	"time"

	"github.com/maouw/cloudknot/api"
)

func TestTagSetAsMap(t *testing.T) {
	ts := TagSet{
		Group:     "demo",
		Kind:      api.KindComputeEnvironment,
		Name:      "demo-cloudknot-compute-environment",
		Owner:     "alice",
		CreatedAt: time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
	}
	m := ts.AsMap()

	expected := map[string]string{
		"Name":                 "demo-cloudknot-compute-environment",
		"Owner":                "alice",
		"Environment":          "cloudknot",
		"Project":              "demo",
		"cloudknot-managed":    "true",
		"cloudknot-group":      "demo",
		"cloudknot-kind":       "ComputeEnvironment",
		"cloudknot-created-at": "2025-01-15T10:30:00Z",
	}

	if len(m) != len(expected) {
		t.Fatalf("expected %d keys, got %d", len(expected), len(m))
	}
	for k, v := range expected {
		if m[k] != v {
			t.Errorf("key %q: expected %q, got %q", k, v, m[k])
		}
	}
}

func TestTagSetTruncatesLongValues(t *testing.T) {
	m := TagSet{Owner: strings.Repeat("o", 300)}.AsMap()
	if len(m["Owner"]) != 256 {
		t.Errorf("Owner tag length = %d, want 256", len(m["Owner"]))
	}
}

func TestDefaultOwner(t *testing.T) {
	t.Setenv("USER", "bob")
	if got := DefaultOwner(); got != "bob" {
		t.Errorf("DefaultOwner() = %q, want bob", got)
	}
	t.Setenv("USER", "")
	if got := DefaultOwner(); got == "" {
		t.Error("DefaultOwner() returned empty string")
	}
}
