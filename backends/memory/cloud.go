// Package memory is an in-process control plane for every resource kind
// and for jobs. It enforces dependency ordering on delete and can be
// scripted to fail, which makes it the backend for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maouw/cloudknot/api"
)

const account = "000000000000"

// Call is one recorded control-plane request.
type Call struct {
	Kind   api.Kind
	Op     string
	Target string
}

// Entry is one live resource.
type Entry struct {
	Kind       api.Kind
	Name       string
	Identifier string
	Attributes map[string]string
	Tags       map[string]string
	// Parents are the identifiers this resource was created against.
	Parents []string
	// Partial marks a resource whose create failed after it took effect
	// and that nothing has finished since.
	Partial bool
}

type fault struct {
	code  api.ErrorCode
	times int
}

type faultKey struct {
	kind api.Kind
	op   string
}

type job struct {
	desc   api.JobDescription
	input  api.SubmitInput
	script []string
	step   int
}

// Cloud is safe for concurrent use.
type Cloud struct {
	region string

	mu      sync.Mutex
	byName  map[api.Kind]map[string]*Entry
	byID    map[string]*Entry
	faults  map[faultKey][]*fault
	after   map[faultKey][]*fault
	calls   []Call
	seq     int
	jobs    map[string]*job
	script  []string
	streams map[string][]api.LogEvent
	now     func() time.Time
}

// New returns an empty cloud in region.
func New(region string) *Cloud {
	if region == "" {
		region = "us-east-1"
	}
	return &Cloud{
		region:  region,
		byName:  make(map[api.Kind]map[string]*Entry),
		byID:    make(map[string]*Entry),
		faults:  make(map[faultKey][]*fault),
		after:   make(map[faultKey][]*fault),
		jobs:    make(map[string]*job),
		script:  []string{"RUNNABLE", "RUNNING", "SUCCEEDED"},
		streams: make(map[string][]api.LogEvent),
		now:     time.Now,
	}
}

// Region returns the region the cloud pretends to be in.
func (c *Cloud) Region() string { return c.region }

// Fail makes the next times calls of op on kind fail with code. Ops are
// describe, create, finish, delete and resolve for resources; submit,
// describe-job, cancel, terminate and logs for jobs (under KindJobQueue).
// Injecting CodeConflict on create also materialises the resource, as if
// a concurrent caller had won the race.
func (c *Cloud) Fail(kind api.Kind, op string, code api.ErrorCode, times int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := faultKey{kind, op}
	c.faults[k] = append(c.faults[k], &fault{code: code, times: times})
}

// FailAfter makes the next times calls of op on kind take effect and
// then fail with code, the way a multi-step create fails partway. Ops are
// create and delete. A resource created this way stays Partial until
// its driver's Finish runs.
func (c *Cloud) FailAfter(kind api.Kind, op string, code api.ErrorCode, times int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := faultKey{kind, op}
	c.after[k] = append(c.after[k], &fault{code: code, times: times})
}

// ScriptJobs sets the status sequence new jobs walk through, one step
// per describe.
func (c *Cloud) ScriptJobs(statuses ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append([]string(nil), statuses...)
}

// Seed registers a resource as if something else had created it, and
// returns its identifier.
func (c *Cloud) Seed(kind api.Kind, name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insert(kind, name, nil, nil, "").Identifier
}

// Get returns the live resource called name.
func (c *Cloud) Get(kind api.Kind, name string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byName[kind][name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Count returns the number of live resources.
func (c *Cloud) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

// Calls returns every recorded request in order.
func (c *Cloud) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallCount counts recorded requests of op on kind.
func (c *Cloud) CallCount(kind api.Kind, op string) int {
	n := 0
	for _, call := range c.Calls() {
		if call.Kind == kind && call.Op == op {
			n++
		}
	}
	return n
}

// Ops returns the kinds of every recorded op request, in order.
func (c *Cloud) Ops(op string) []api.Kind {
	var out []api.Kind
	for _, call := range c.Calls() {
		if call.Op == op {
			out = append(out, call.Kind)
		}
	}
	return out
}

// begin records a call and returns the injected failure, if any. The
// caller holds mu.
func (c *Cloud) begin(kind api.Kind, op, target string) *api.ProviderError {
	c.calls = append(c.calls, Call{Kind: kind, Op: op, Target: target})
	return pop(c.faults, kind, op, target)
}

func pop(faults map[faultKey][]*fault, kind api.Kind, op, target string) *api.ProviderError {
	queue := faults[faultKey{kind, op}]
	for len(queue) > 0 && queue[0].times <= 0 {
		queue = queue[1:]
	}
	faults[faultKey{kind, op}] = queue
	if len(queue) == 0 {
		return nil
	}
	queue[0].times--
	return &api.ProviderError{
		Kind: kind, Op: op, Identifier: target, Code: queue[0].code,
		Err: fmt.Errorf("injected %s", queue[0].code),
	}
}

func (c *Cloud) identifier(kind api.Kind, name string) string {
	c.seq++
	switch kind {
	case api.KindVpc:
		return fmt.Sprintf("vpc-%08x", c.seq)
	case api.KindSubnet:
		return fmt.Sprintf("subnet-%08x,subnet-%08x", c.seq, c.seq+1000)
	case api.KindSecurityGroup:
		return fmt.Sprintf("sg-%08x", c.seq)
	case api.KindRole:
		return fmt.Sprintf("arn:aws:iam::%s:role/%s", account, name)
	case api.KindRepository:
		return name
	case api.KindComputeEnvironment:
		return fmt.Sprintf("arn:aws:batch:%s:%s:compute-environment/%s", c.region, account, name)
	case api.KindJobQueue:
		return fmt.Sprintf("arn:aws:batch:%s:%s:job-queue/%s", c.region, account, name)
	case api.KindJobDefinition:
		return fmt.Sprintf("arn:aws:batch:%s:%s:job-definition/%s:1", c.region, account, name)
	}
	return fmt.Sprintf("%s-%d", strings.ToLower(string(kind)), c.seq)
}

func (c *Cloud) insert(kind api.Kind, name string, tags map[string]string, parents []string, image string) *Entry {
	id := c.identifier(kind, name)
	e := &Entry{Kind: kind, Name: name, Identifier: id, Tags: tags, Parents: parents, Attributes: map[string]string{}}
	switch kind {
	case api.KindRole:
		e.Attributes[api.AttrARN] = id
		e.Attributes[api.AttrInstanceProfileARN] = fmt.Sprintf("arn:aws:iam::%s:instance-profile/%s", account, name)
	case api.KindRepository:
		e.Attributes[api.AttrARN] = fmt.Sprintf("arn:aws:ecr:%s:%s:repository/%s", c.region, account, name)
		e.Attributes[api.AttrRepositoryURI] = fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com/%s", account, c.region, name)
	case api.KindComputeEnvironment, api.KindJobQueue:
		e.Attributes[api.AttrARN] = id
	case api.KindJobDefinition:
		e.Attributes[api.AttrARN] = id
		e.Attributes[api.AttrRevision] = "1"
		e.Attributes[api.AttrImage] = image
	}
	if c.byName[kind] == nil {
		c.byName[kind] = make(map[string]*Entry)
	}
	c.byName[kind][name] = e
	c.byID[id] = e
	return e
}

func resource(e *Entry) api.Resource {
	attrs := make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	return api.Resource{Identifier: e.Identifier, Attributes: attrs}
}

func (c *Cloud) describe(kind api.Kind, name string) (api.Resource, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(kind, "describe", name); err != nil {
		return api.Resource{}, false, err
	}
	e, ok := c.byName[kind][name]
	if !ok {
		return api.Resource{}, false, nil
	}
	return resource(e), true, nil
}

func (c *Cloud) create(kind api.Kind, req api.CreateRequest) (api.Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var parents []string
	for _, dep := range req.Deps {
		parents = append(parents, dep.Identifier)
	}
	sort.Strings(parents)
	if err := c.begin(kind, "create", req.Name); err != nil {
		if err.Code == api.CodeConflict {
			if _, exists := c.byName[kind][req.Name]; !exists {
				c.insert(kind, req.Name, req.Tags, parents, req.Image)
			}
		}
		return api.Resource{}, err
	}
	if _, exists := c.byName[kind][req.Name]; exists {
		return api.Resource{}, &api.ProviderError{Kind: kind, Op: "create", Identifier: req.Name, Code: api.CodeConflict,
			Err: fmt.Errorf("%s %s already exists", kind, req.Name)}
	}
	for _, p := range parents {
		if _, ok := c.byID[p]; !ok && p != "" {
			return api.Resource{}, &api.ProviderError{Kind: kind, Op: "create", Identifier: req.Name, Code: api.CodeThrottled,
				Err: fmt.Errorf("dependency %s is not visible", p)}
		}
	}
	if kind == api.KindJobDefinition && req.Image == "" {
		return api.Resource{}, &api.InvalidParameterError{Message: "job definition requires a container image"}
	}
	e := c.insert(kind, req.Name, req.Tags, parents, req.Image)
	if err := pop(c.after, kind, "create", req.Name); err != nil {
		e.Partial = true
		return api.Resource{}, err
	}
	return resource(e), nil
}

func (c *Cloud) finish(kind api.Kind, name string) (api.Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(kind, "finish", name); err != nil {
		return api.Resource{}, err
	}
	e, ok := c.byName[kind][name]
	if !ok {
		return api.Resource{}, &api.ProviderError{Kind: kind, Op: "finish", Identifier: name, Code: api.CodeThrottled,
			Err: fmt.Errorf("%s %s is not visible", kind, name)}
	}
	e.Partial = false
	return resource(e), nil
}

func (c *Cloud) remove(kind api.Kind, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(kind, "delete", id); err != nil {
		return err
	}
	e, ok := c.byID[id]
	if !ok || e.Kind != kind {
		return &api.ProviderError{Kind: kind, Op: "delete", Identifier: id, Code: api.CodeNotFound,
			Err: fmt.Errorf("%s %s does not exist", kind, id)}
	}
	for _, other := range c.byID {
		for _, p := range other.Parents {
			if p == id {
				return &api.ProviderError{Kind: kind, Op: "delete", Identifier: id, Code: api.CodeInUse,
					Err: fmt.Errorf("%s %s is used by %s %s", kind, id, other.Kind, other.Name)}
			}
		}
	}
	delete(c.byID, id)
	delete(c.byName[kind], e.Name)
	if err := pop(c.after, kind, "delete", id); err != nil {
		return err
	}
	return nil
}

func (c *Cloud) resolve(kind api.Kind, id string) (api.Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(kind, "resolve", id); err != nil {
		return api.Resource{}, err
	}
	if e, ok := c.byID[id]; ok && e.Kind == kind {
		return resource(e), nil
	}
	if e, ok := c.byName[kind][id]; ok {
		return resource(e), nil
	}
	return api.Resource{}, &api.ProviderError{Kind: kind, Op: "resolve", Identifier: id, Code: api.CodeNotFound,
		Err: fmt.Errorf("%s %s does not exist", kind, id)}
}

// Drivers returns one driver per resource kind over c.
func (c *Cloud) Drivers() []api.Driver {
	out := make([]api.Driver, 0, len(api.Kinds))
	for _, k := range api.Kinds {
		out = append(out, &driver{cloud: c, kind: k})
	}
	return out
}

type driver struct {
	cloud *Cloud
	kind  api.Kind
}

var (
	_ api.Driver   = (*driver)(nil)
	_ api.Resolver = (*driver)(nil)
	_ api.Finisher = (*driver)(nil)
)

func (d *driver) Kind() api.Kind { return d.kind }

func (d *driver) Describe(_ context.Context, name string) (api.Resource, bool, error) {
	return d.cloud.describe(d.kind, name)
}

func (d *driver) Create(_ context.Context, req api.CreateRequest) (api.Resource, error) {
	return d.cloud.create(d.kind, req)
}

func (d *driver) Finish(_ context.Context, req api.CreateRequest, _ api.Resource) (api.Resource, error) {
	return d.cloud.finish(d.kind, req.Name)
}

func (d *driver) Delete(_ context.Context, id string) error {
	return d.cloud.remove(d.kind, id)
}

func (d *driver) Resolve(_ context.Context, id string) (api.Resource, error) {
	return d.cloud.resolve(d.kind, id)
}
