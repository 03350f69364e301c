package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/maouw/cloudknot/api"
)

// Store is the durable knot record the orchestrator checkpoints into.
type Store interface {
	Load(group string) (*api.Knot, bool, error)
	Save(knot *api.Knot) error
	Delete(group string) error
}

// ContextBuilder turns an image definition into a build context.
type ContextBuilder interface {
	Build(spec api.ImageSpec) (api.BuildContext, error)
}

// ImagePusher builds a context and pushes the result to a repository.
type ImagePusher interface {
	Push(ctx context.Context, repositoryURI, tag string, bc api.BuildContext) (api.ImageRef, error)
}

// Options configure an Orchestrator.
type Options struct {
	Region        string
	Owner         string
	ClobberPolicy RetryPolicy
	// Parallel provisions kinds of equal graph depth concurrently.
	Parallel bool
	Builder  ContextBuilder
	Pusher   ImagePusher
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Orchestrator provisions and clobbers knots.
type Orchestrator struct {
	client  *Client
	store   Store
	graph   *Graph
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
	persist sync.Mutex
}

// NewOrchestrator wires an orchestrator. A nil graph uses NewGraph.
func NewOrchestrator(client *Client, store Store, graph *Graph, opts Options) *Orchestrator {
	if graph == nil {
		graph = NewGraph()
	}
	if opts.ClobberPolicy.MaxAttempts == 0 {
		opts.ClobberPolicy = DefaultClobberPolicy()
	}
	if opts.Owner == "" {
		opts.Owner = DefaultOwner()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		client: client,
		store:  store,
		graph:  graph,
		opts:   opts,
		logger: opts.Logger,
		now:    now,
	}
}

// ClobberResult reports what a teardown did.
type ClobberResult struct {
	Group    string
	State    api.KnotState
	Removed  []api.ResourceRecord
	Skipped  []api.ResourceRecord
	Failures []api.ResourceFailure
	// Residual holds the records still persisted after the teardown.
	Residual []api.ResourceRecord
}

// Status returns the persisted knot of group.
func (o *Orchestrator) Status(group string) (*api.Knot, error) {
	knot, ok, err := o.store.Load(group)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &api.NotFoundError{Resource: "knot", ID: group}
	}
	return knot, nil
}

// Forget drops the persisted record of group without touching the cloud.
func (o *Orchestrator) Forget(group string) error {
	return o.store.Delete(group)
}

func (o *Orchestrator) transition(knot *api.Knot, to api.KnotState, op string) error {
	if !knot.State.CanTransition(to) {
		return &api.InvalidStateTransitionError{Group: knot.Group, From: knot.State, To: to, Op: op}
	}
	knot.State = to
	return nil
}

func (o *Orchestrator) save(knot *api.Knot) error {
	o.persist.Lock()
	defer o.persist.Unlock()
	knot.UpdatedAt = o.now().UTC()
	return o.store.Save(knot)
}

// Create provisions every kind of spec in dependency order, adopting
// resources that already exist under their derived names. Each record
// is persisted as soon as it is known. A failure leaves the knot
// Degraded with everything provisioned so far; nothing is rolled back.
// On a Ready knot Create re-confirms every resource and recreates any
// that disappeared.
func (o *Orchestrator) Create(ctx context.Context, spec api.KnotSpec) (knot *api.Knot, err error) {
	spec.Defaults()
	if err := ValidateGroup(spec.Group); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	group := spec.Group
	ctx, span := startSpan(ctx, "knot.create", group, "")
	defer func() { endSpan(span, err) }()

	knot, ok, err := o.store.Load(group)
	if err != nil {
		return nil, err
	}
	if !ok {
		knot = api.NewKnot(group, o.opts.Region, o.now().UTC())
	}
	log := o.logger.With().Str("group", group).Logger()
	log.Info().Str("state", string(knot.State)).Msg("provisioning knot")

	if err := o.transition(knot, api.StateProvisioning, "create"); err != nil {
		return knot, err
	}
	if knot.Region == "" {
		knot.Region = o.opts.Region
	}
	if err := o.save(knot); err != nil {
		return knot, err
	}

	plan := o.graph.Plan(spec)
	if err := o.provision(ctx, knot, spec, plan); err != nil {
		return knot, o.degrade(knot, err)
	}

	knot.State = api.StateReady
	knot.LastError = ""
	if err := o.save(knot); err != nil {
		return knot, err
	}
	log.Info().Int("records", len(knot.Records)).Msg("knot ready")
	return knot, nil
}

func (o *Orchestrator) degrade(knot *api.Knot, cause error) error {
	knot.State = api.StateDegraded
	knot.LastError = cause.Error()
	if err := o.save(knot); err != nil {
		o.logger.Error().Err(err).Str("group", knot.Group).Msg("failed to persist degraded knot")
		return errors.Join(cause, err)
	}
	o.logger.Warn().Err(cause).Str("group", knot.Group).Msg("knot degraded")
	return cause
}

func (o *Orchestrator) provision(ctx context.Context, knot *api.Knot, spec api.KnotSpec, plan Plan) error {
	for _, kind := range o.graph.Order() {
		if !plan.IsExternal(kind) {
			continue
		}
		if err := o.recordExternal(ctx, knot, kind, plan.External[kind]); err != nil {
			return err
		}
	}

	if !o.opts.Parallel {
		for _, kind := range plan.Create {
			if err := ctx.Err(); err != nil {
				return err
			}
			if kind == api.KindJobDefinition {
				if err := o.ensureImage(ctx, knot, spec); err != nil {
					return err
				}
			}
			if err := o.ensureKind(ctx, knot, spec, kind); err != nil {
				return err
			}
		}
		return nil
	}

	for _, level := range plan.Levels {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, kind := range level {
			if kind == api.KindJobDefinition {
				if err := o.ensureImage(ctx, knot, spec); err != nil {
					return err
				}
			}
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, kind := range level {
			g.Go(func() error {
				return o.ensureKind(gctx, knot, spec, kind)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) recordExternal(ctx context.Context, knot *api.Knot, kind api.Kind, id string) error {
	if prev, ok := knot.Record(kind); ok && prev.Owned && prev.Identifier != id {
		return &api.ConflictError{
			Kind:       kind,
			Identifier: prev.Identifier,
			Message:    fmt.Sprintf("knot owns this resource but the definition now names external %s; clobber first", id),
		}
	}
	res, err := o.client.Resolve(ctx, kind, id)
	if err != nil {
		return err
	}
	o.persist.Lock()
	knot.SetRecord(api.ResourceRecord{
		Kind:       kind,
		Name:       id,
		Identifier: res.Identifier,
		External:   true,
		Attributes: res.Attributes,
		CreatedAt:  o.now().UTC(),
	})
	o.persist.Unlock()
	return o.save(knot)
}

func (o *Orchestrator) request(knot *api.Knot, spec api.KnotSpec, kind api.Kind) (api.CreateRequest, error) {
	o.persist.Lock()
	defer o.persist.Unlock()
	name := DeriveName(knot.Group, kind)
	deps := make(map[api.Kind]api.ResourceRecord)
	for _, d := range o.graph.Dependencies(kind) {
		rec, ok := knot.Record(d)
		if !ok {
			return api.CreateRequest{}, fmt.Errorf("%s requires %s, which is not provisioned", kind, d)
		}
		deps[d] = rec
	}
	tags := TagSet{Group: knot.Group, Kind: kind, Name: name, Owner: o.opts.Owner, CreatedAt: knot.CreatedAt}
	return api.CreateRequest{
		Name:  name,
		Group: knot.Group,
		Tags:  tags.AsMap(),
		Spec:  spec,
		Deps:  deps,
		Image: knot.Image.URI,
	}, nil
}

func (o *Orchestrator) ensureKind(ctx context.Context, knot *api.Knot, spec api.KnotSpec, kind api.Kind) (err error) {
	ctx, span := startSpan(ctx, "knot.ensure", knot.Group, kind)
	defer func() { endSpan(span, err) }()

	req, err := o.request(knot, spec, kind)
	if err != nil {
		return err
	}
	rec, err := o.client.Ensure(ctx, kind, req)
	if err != nil {
		return fmt.Errorf("ensure %s %s: %w", kind, req.Name, err)
	}

	o.persist.Lock()
	if prev, ok := knot.Record(kind); ok && prev.Identifier == rec.Identifier {
		rec.Owned = prev.Owned
		rec.CreatedAt = prev.CreatedAt
	} else if ok {
		o.logger.Warn().Str("group", knot.Group).Str("kind", string(kind)).
			Str("was", prev.Identifier).Str("id", rec.Identifier).Msg("resource identifier changed")
	}
	knot.SetRecord(rec)
	o.persist.Unlock()

	o.logger.Debug().Str("group", knot.Group).Str("kind", string(kind)).
		Str("id", rec.Identifier).Bool("owned", rec.Owned).Msg("recorded")
	return o.save(knot)
}

func (o *Orchestrator) ensureImage(ctx context.Context, knot *api.Knot, spec api.KnotSpec) (err error) {
	img := spec.Image
	if !img.Build() {
		knot.Image = api.ImageRef{Tag: img.Tag, URI: img.URI}
		return o.save(knot)
	}
	if o.opts.Builder == nil {
		return &api.InvalidParameterError{Message: "building an image requires an image builder"}
	}
	bc, err := o.opts.Builder.Build(img)
	if err != nil {
		return fmt.Errorf("build context: %w", err)
	}
	digest, err := contextDigest(bc)
	if err != nil {
		return err
	}
	if knot.Image.URI != "" && knot.Image.Tag == img.Tag && knot.Payload.Digest == digest {
		return nil
	}
	if o.opts.Pusher == nil {
		return &api.InvalidParameterError{Message: "building an image requires an image pusher"}
	}
	repo, ok := knot.Record(api.KindRepository)
	if !ok || repo.Attr(api.AttrRepositoryURI) == "" {
		return fmt.Errorf("image push: repository URI unknown")
	}

	ctx, span := startSpan(ctx, "knot.image", knot.Group, api.KindRepository)
	defer func() { endSpan(span, err) }()

	ref, err := o.opts.Pusher.Push(ctx, repo.Attr(api.AttrRepositoryURI), img.Tag, bc)
	if err != nil {
		return fmt.Errorf("push image: %w", err)
	}
	knot.Image = ref
	knot.Payload = api.PayloadRef{Script: img.Script, Function: img.Function, Digest: digest}
	o.logger.Info().Str("group", knot.Group).Str("image", ref.URI).Msg("image pushed")
	return o.save(knot)
}

// contextDigest hashes every file of bc in name order.
func contextDigest(bc api.BuildContext) (string, error) {
	names := make([]string, 0, len(bc))
	for name := range bc {
		names = append(names, name)
	}
	sort.Strings(names)
	var buf bytes.Buffer
	for _, name := range names {
		fmt.Fprintf(&buf, "%s\x00%d\x00", name, len(bc[name]))
		buf.Write(bc[name])
	}
	h, _, err := v1.SHA256(&buf)
	if err != nil {
		return "", fmt.Errorf("digest build context: %w", err)
	}
	return h.String(), nil
}

// Clobber removes every owned record of group in reverse dependency
// order. Adopted and external records are skipped. A resource whose
// dependents are still being torn down is retried under the clobber
// policy; when that runs out the record is marked ClobberFailed and the
// walk goes on. The knot is Destroyed, and its record deleted, only if
// every owned resource was removed.
func (o *Orchestrator) Clobber(ctx context.Context, group string) (result *ClobberResult, err error) {
	if err := ValidateGroup(group); err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "knot.clobber", group, "")
	defer func() { endSpan(span, err) }()

	result = &ClobberResult{Group: group}
	knot, ok, err := o.store.Load(group)
	if err != nil {
		return nil, err
	}
	if !ok {
		o.logger.Info().Str("group", group).Msg("no knot recorded, nothing to clobber")
		result.State = api.StateUninitialized
		return result, nil
	}
	if err := o.transition(knot, api.StateClobbering, "clobber"); err != nil {
		return nil, err
	}
	if err := o.save(knot); err != nil {
		return nil, err
	}

	for _, kind := range o.graph.Plan(api.KnotSpec{}).Destroy {
		rec, ok := knot.Record(kind)
		if !ok {
			continue
		}
		if !rec.Owned {
			o.logger.Info().Str("group", group).Str("kind", string(kind)).
				Str("id", rec.Identifier).Msg("not owned, leaving in place")
			result.Skipped = append(result.Skipped, rec)
			continue
		}
		attempts, rerr := o.remove(ctx, group, rec)
		if rerr != nil {
			rec.ClobberFailed = true
			knot.SetRecord(rec)
			result.Failures = append(result.Failures, api.ResourceFailure{
				Kind:       kind,
				Name:       rec.Name,
				Identifier: rec.Identifier,
				Attempts:   attempts,
				Err:        rerr,
			})
			o.logger.Error().Err(rerr).Str("group", group).Str("kind", string(kind)).
				Str("id", rec.Identifier).Int("attempt", attempts).Msg("clobber failed")
		} else {
			knot.RemoveRecord(kind)
			result.Removed = append(result.Removed, rec)
		}
		if err := o.save(knot); err != nil {
			return nil, err
		}
	}

	if len(result.Failures) > 0 {
		cerr := &api.ClobberError{Group: group, Failures: result.Failures}
		knot.LastError = cerr.Error()
		if err := o.save(knot); err != nil {
			return nil, err
		}
		result.State = knot.State
		result.Residual = append(result.Residual, knot.Records...)
		return result, cerr
	}

	knot.State = api.StateDestroyed
	if err := o.store.Delete(group); err != nil {
		return nil, err
	}
	result.State = api.StateDestroyed
	o.logger.Info().Str("group", group).Int("removed", len(result.Removed)).
		Int("skipped", len(result.Skipped)).Msg("knot destroyed")
	return result, nil
}

func (o *Orchestrator) remove(ctx context.Context, group string, rec api.ResourceRecord) (int, error) {
	ctx, span := startSpan(ctx, "knot.remove", group, rec.Kind)
	inUse := func(err error) bool { return api.CodeOf(err) == api.CodeInUse }
	_, attempts, err := retry(ctx, o.opts.ClobberPolicy, inUse, func(err error, attempt int, wait time.Duration) {
		o.logger.Debug().Err(err).Str("group", group).Str("kind", string(rec.Kind)).
			Int("attempt", attempt).Dur("wait", wait).Msg("dependent still in use, retrying")
	}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.client.Remove(ctx, rec.Kind, rec.Identifier)
	})
	if err != nil && api.CodeOf(err) == api.CodeInUse {
		err = &api.ConflictError{Kind: rec.Kind, Identifier: rec.Identifier, Message: fmt.Sprintf("still in use: %v", err)}
	}
	endSpan(span, err)
	return attempts, err
}
