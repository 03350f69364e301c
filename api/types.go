package api

import "time"

// Kind identifies one resource kind of the fixed knot topology.
type Kind string

const (
	KindVpc                Kind = "Vpc"
	KindSubnet             Kind = "Subnet"
	KindSecurityGroup      Kind = "SecurityGroup"
	KindRole               Kind = "Role"
	KindRepository         Kind = "Repository"
	KindComputeEnvironment Kind = "ComputeEnvironment"
	KindJobQueue           Kind = "JobQueue"
	KindJobDefinition      Kind = "JobDefinition"
)

// Kinds lists every kind in canonical creation order.
var Kinds = []Kind{
	KindVpc,
	KindSubnet,
	KindSecurityGroup,
	KindRole,
	KindRepository,
	KindComputeEnvironment,
	KindJobQueue,
	KindJobDefinition,
}

// Well-known attribute keys set by drivers on ResourceRecord.Attributes.
const (
	AttrARN                = "arn"
	AttrInstanceProfileARN = "instanceProfileArn"
	AttrRepositoryURI      = "repositoryUri"
	AttrRevision           = "revision"
	AttrImage              = "image"
)

// ResourceRecord is one provisioned or adopted resource of a knot.
type ResourceRecord struct {
	Kind          Kind              `json:"kind"`
	Name          string            `json:"name"`
	Identifier    string            `json:"identifier"`
	Owned         bool              `json:"owned"`
	External      bool              `json:"external,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	ClobberFailed bool              `json:"clobberFailed,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Attr returns the named attribute, or "" when unset.
func (r ResourceRecord) Attr(key string) string {
	if r.Attributes == nil {
		return ""
	}
	return r.Attributes[key]
}

// KnotState is the lifecycle state of a knot.
type KnotState string

const (
	StateUninitialized KnotState = "Uninitialized"
	StateProvisioning  KnotState = "Provisioning"
	StateDegraded      KnotState = "Degraded"
	StateReady         KnotState = "Ready"
	StateSubmitting    KnotState = "Submitting"
	StateClobbering    KnotState = "Clobbering"
	StateDestroyed     KnotState = "Destroyed"
)

var transitions = map[KnotState][]KnotState{
	StateUninitialized: {StateProvisioning, StateClobbering},
	StateProvisioning:  {StateReady, StateDegraded, StateProvisioning, StateClobbering},
	StateDegraded:      {StateProvisioning, StateClobbering},
	StateReady:         {StateProvisioning, StateSubmitting, StateClobbering},
	StateSubmitting:    {StateReady, StateProvisioning, StateClobbering},
	StateClobbering:    {StateDestroyed, StateClobbering, StateProvisioning},
	StateDestroyed:     {StateProvisioning},
}

// Valid reports whether s is a known state.
func (s KnotState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether a knot in state s may move to next.
func (s KnotState) CanTransition(next KnotState) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// ImageRef records the container image a knot's job definition runs.
type ImageRef struct {
	Tag    string `json:"tag,omitempty"`
	URI    string `json:"uri,omitempty"`
	Digest string `json:"digest,omitempty"`
}

// PayloadRef points at the function payload packaged into the image.
type PayloadRef struct {
	Script   string `json:"script,omitempty"`
	Function string `json:"function,omitempty"`
	// Digest is the content digest of the build context last pushed.
	Digest string `json:"digest,omitempty"`
}

// Knot is the aggregate of one group's records plus its job-launch configuration.
type Knot struct {
	Group     string           `json:"group"`
	Region    string           `json:"region"`
	State     KnotState        `json:"state"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Records   []ResourceRecord `json:"records"`
	Image     ImageRef         `json:"image"`
	Payload   PayloadRef       `json:"payload"`
	Jobs      []Job            `json:"jobs,omitempty"`
	LastError string           `json:"lastError,omitempty"`
}

// NewKnot returns an uninitialized knot for group.
func NewKnot(group, region string, now time.Time) *Knot {
	return &Knot{
		Group:     group,
		Region:    region,
		State:     StateUninitialized,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Record returns the record of the given kind.
func (k *Knot) Record(kind Kind) (ResourceRecord, bool) {
	for _, r := range k.Records {
		if r.Kind == kind {
			return r, true
		}
	}
	return ResourceRecord{}, false
}

// SetRecord inserts or replaces the record of rec.Kind.
// New kinds are appended so Records stays in creation order.
func (k *Knot) SetRecord(rec ResourceRecord) {
	for i, r := range k.Records {
		if r.Kind == rec.Kind {
			k.Records[i] = rec
			return
		}
	}
	k.Records = append(k.Records, rec)
}

// RemoveRecord drops the record of the given kind.
func (k *Knot) RemoveRecord(kind Kind) {
	out := k.Records[:0]
	for _, r := range k.Records {
		if r.Kind != kind {
			out = append(out, r)
		}
	}
	k.Records = out
}

// Job returns a pointer to the tracked job with the given id.
func (k *Knot) Job(id string) *Job {
	for i := range k.Jobs {
		if k.Jobs[i].ID == id {
			return &k.Jobs[i]
		}
	}
	return nil
}

// JobStatus is the dispatcher's view of a batch job.
type JobStatus string

const (
	JobSubmitted JobStatus = "Submitted"
	JobRunning   JobStatus = "Running"
	JobSucceeded JobStatus = "Succeeded"
	JobFailed    JobStatus = "Failed"
	JobUnknown   JobStatus = "Unknown"
)

// Terminal reports whether s is Succeeded or Failed.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// Rank orders statuses along the monotonic progression.
// Unknown has no rank.
func (s JobStatus) Rank() int {
	switch s {
	case JobSubmitted:
		return 1
	case JobRunning:
		return 2
	case JobSucceeded, JobFailed:
		return 3
	}
	return 0
}

// SubmitArgs are the per-invocation arguments of a job submission.
type SubmitArgs struct {
	Name        string            `json:"name,omitempty" yaml:"name"`
	Command     []string          `json:"command,omitempty" yaml:"command"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment"`
	Parameters  map[string]string `json:"parameters,omitempty" yaml:"parameters"`
	ArraySize   int32             `json:"arraySize,omitempty" yaml:"arraySize"`
}

// Job is one submitted batch job.
type Job struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Definition   string     `json:"definition"`
	Queue        string     `json:"queue"`
	Args         SubmitArgs `json:"args"`
	Status       JobStatus  `json:"status"`
	LastKnown    JobStatus  `json:"lastKnown"`
	StatusReason string     `json:"statusReason,omitempty"`
	Attempts     int        `json:"attempts,omitempty"`
	LogStreams   []string   `json:"logStreams,omitempty"`
	SubmittedAt  time.Time  `json:"submittedAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Done reports whether the last known status is terminal.
func (j Job) Done() bool {
	return j.LastKnown.Terminal()
}
