package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/maouw/cloudknot/api"
	"github.com/maouw/cloudknot/backends/batch"
	"github.com/maouw/cloudknot/backends/core"
	"github.com/maouw/cloudknot/backends/docker"
	"github.com/maouw/cloudknot/backends/memory"
)

// app is everything a command needs.
type app struct {
	region string
	client *core.Client
	store  *core.FileStore
	orch   *core.Orchestrator
	disp   *core.Dispatcher
	out    io.Writer
	logger zerolog.Logger
}

type dialer func(ctx context.Context, logger zerolog.Logger) (*app, error)

// backend is what a provider contributes to an app.
type backend struct {
	region  string
	owner   string
	drivers []api.Driver
	jobs    api.JobAPI
	pusher  core.ImagePusher
}

func connect(ctx context.Context, logger zerolog.Logger) (*app, error) {
	var (
		b   backend
		err error
	)
	switch name := envOr("CLOUDKNOT_BACKEND", "aws"); name {
	case "aws":
		b, err = awsBackend(ctx, logger)
	case "memory":
		b = memoryBackend(memory.New(os.Getenv("AWS_REGION")))
		logger.Warn().Msg("memory backend: nothing outlives this process")
	default:
		return nil, &api.InvalidParameterError{Message: fmt.Sprintf("CLOUDKNOT_BACKEND must be aws or memory, got %q", name)}
	}
	if err != nil {
		return nil, err
	}
	return newApp(b, core.HomeDir(), logger)
}

func newApp(b backend, home string, logger zerolog.Logger) (*app, error) {
	policy, err := core.RetryPolicyFromEnv()
	if err != nil {
		return nil, err
	}
	client := core.NewClient(b.drivers, policy, core.NewMetrics(), logger)
	store := core.NewFileStore(home, nil)
	orch := core.NewOrchestrator(client, store, nil, core.Options{
		Region:   b.region,
		Owner:    b.owner,
		Parallel: os.Getenv("CLOUDKNOT_PARALLEL") == "1",
		Builder:  docker.Builder{},
		Pusher:   b.pusher,
		Logger:   logger,
	})
	return &app{
		region: b.region,
		client: client,
		store:  store,
		orch:   orch,
		disp:   core.NewDispatcher(b.jobs, store, logger),
		out:    os.Stdout,
		logger: logger,
	}, nil
}

func awsBackend(ctx context.Context, logger zerolog.Logger) (backend, error) {
	cfg := batch.ConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		return backend{}, &api.InvalidParameterError{Message: err.Error()}
	}
	clients, err := batch.NewAWSClients(ctx, cfg)
	if err != nil {
		return backend{}, fmt.Errorf("aws config: %w", err)
	}

	owner := core.DefaultOwner()
	if arn, err := clients.CallerIdentity(ctx); err == nil && arn != "" {
		owner = arn
	} else if err != nil {
		logger.Warn().Err(err).Msg("caller identity unavailable, tagging with local user")
	}

	b := backend{
		region:  clients.Region,
		owner:   owner,
		drivers: batch.Drivers(clients, cfg),
		jobs:    batch.NewJobAPI(clients, cfg),
	}
	engine, err := docker.NewEngine(os.Getenv("DOCKER_HOST"))
	if err != nil {
		logger.Warn().Err(err).Msg("docker unavailable, knots must name a prebuilt image")
		return b, nil
	}
	b.pusher = docker.NewPusher(engine, batch.NewRegistry(clients), os.Stderr, logger)
	return b, nil
}

func memoryBackend(cloud *memory.Cloud) backend {
	return backend{
		region:  cloud.Region(),
		drivers: cloud.Drivers(),
		jobs:    cloud.JobAPI(),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
