package api

import (
	"context"
	"time"
)

// Resource is what a driver reports for one concrete cloud resource.
type Resource struct {
	Identifier string
	Attributes map[string]string
}

// CreateRequest carries everything a driver needs to create a resource.
type CreateRequest struct {
	Name  string
	Group string
	Tags  map[string]string
	Spec  KnotSpec
	// Deps holds the records of every kind this kind depends on.
	Deps map[Kind]ResourceRecord
	// Image is the container image URI for job definitions.
	Image string
}

// Dep returns the dependency record of the given kind.
func (r CreateRequest) Dep(kind Kind) ResourceRecord {
	return r.Deps[kind]
}

// Driver is the control-plane capability set for one resource kind.
// Implementations classify failures as *ProviderError.
type Driver interface {
	Kind() Kind
	// Describe looks a resource up by its derived name.
	Describe(ctx context.Context, name string) (Resource, bool, error)
	Create(ctx context.Context, req CreateRequest) (Resource, error)
	Delete(ctx context.Context, identifier string) error
}

// Finisher is implemented by drivers whose Create spans several calls.
// Finish completes res, a resource an interrupted Create left behind,
// and must tolerate steps that already took effect.
type Finisher interface {
	Finish(ctx context.Context, req CreateRequest, res Resource) (Resource, error)
}

// Resolver is implemented by drivers that can expand a user-supplied
// identifier into the attributes dependents need.
type Resolver interface {
	Resolve(ctx context.Context, identifier string) (Resource, error)
}

// SubmitInput is a job submission against a provisioned knot.
type SubmitInput struct {
	Name       string
	Queue      string
	Definition string
	Args       SubmitArgs
}

// JobDescription is the provider's current view of a job.
type JobDescription struct {
	ID           string
	Status       string
	StatusReason string
	Attempts     int
	LogStreams   []string
}

// LogEvent is one line of job output.
type LogEvent struct {
	Timestamp time.Time
	Message   string
}

// JobAPI submits and inspects jobs.
type JobAPI interface {
	Submit(ctx context.Context, in SubmitInput) (string, error)
	Describe(ctx context.Context, id string) (JobDescription, error)
	Cancel(ctx context.Context, id, reason string) error
	Terminate(ctx context.Context, id, reason string) error
	Logs(ctx context.Context, stream string) ([]LogEvent, error)
}

// BuildContext is the file set handed from the image builder to the
// registry push step. The orchestrator only hashes it.
type BuildContext map[string][]byte
