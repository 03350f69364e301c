package core

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/maouw/cloudknot/api"
	"github.com/maouw/cloudknot/backends/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	cloud  *memory.Cloud
	store  *FileStore
	client *Client
	orch   *Orchestrator
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	cloud := memory.New("us-east-1")
	return newHarnessOn(t, cloud, t.TempDir(), opts)
}

func newHarnessOn(t *testing.T, cloud *memory.Cloud, dir string, opts Options) *harness {
	t.Helper()
	store := NewFileStore(dir, nil)
	client := NewClient(cloud.Drivers(), ZeroPolicy(3), NewMetrics(), zerolog.Nop())
	client.now = func() time.Time { return testNow }
	if opts.ClobberPolicy.MaxAttempts == 0 {
		opts.ClobberPolicy = ZeroPolicy(6)
	}
	if opts.Region == "" {
		opts.Region = cloud.Region()
	}
	opts.Owner = "tester"
	opts.Logger = zerolog.Nop()
	opts.Now = func() time.Time { return testNow }
	return &harness{
		cloud:  cloud,
		store:  store,
		client: client,
		orch:   NewOrchestrator(client, store, nil, opts),
	}
}

func testSpec(group string) api.KnotSpec {
	return api.KnotSpec{
		Group: group,
		Image: api.ImageSpec{URI: "public.ecr.aws/docker/library/busybox:latest"},
	}
}

func (h *harness) create(t *testing.T, spec api.KnotSpec) *api.Knot {
	t.Helper()
	knot, err := h.orch.Create(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, api.StateReady, knot.State)
	return knot
}
