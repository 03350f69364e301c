package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/maouw/cloudknot/api"
)

// Client wraps the per-kind drivers with describe-before-create,
// idempotent delete and throttling retries.
type Client struct {
	drivers map[api.Kind]api.Driver
	policy  RetryPolicy
	metrics *Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewClient builds a client over drivers. A nil metrics disables recording.
func NewClient(drivers []api.Driver, policy RetryPolicy, metrics *Metrics, logger zerolog.Logger) *Client {
	m := make(map[api.Kind]api.Driver, len(drivers))
	for _, d := range drivers {
		m[d.Kind()] = d
	}
	return &Client{
		drivers: m,
		policy:  policy,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Metrics returns the collector the client records into.
func (c *Client) Metrics() *Metrics { return c.metrics }

func (c *Client) driver(kind api.Kind) (api.Driver, error) {
	d, ok := c.drivers[kind]
	if !ok {
		return nil, fmt.Errorf("no driver registered for %s", kind)
	}
	return d, nil
}

func isThrottled(err error) bool {
	return api.CodeOf(err) == api.CodeThrottled
}

// call runs one driver operation with throttling retries, metrics and
// tracing, then maps the final failure onto the error taxonomy.
func call[T any](ctx context.Context, c *Client, kind api.Kind, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := startSpan(ctx, "provider."+op, "", kind)
	start := time.Now()
	v, attempts, err := retry(ctx, c.policy, isThrottled, func(err error, attempt int, wait time.Duration) {
		c.logger.Debug().Err(err).Str("kind", string(kind)).Str("op", op).
			Int("attempt", attempt).Dur("wait", wait).Msg("throttled, backing off")
	}, fn)
	c.metrics.Record(kind, op, time.Since(start), err)
	err = classify(kind, op, attempts, err)
	endSpan(span, err)
	return v, err
}

func classify(kind api.Kind, op string, attempts int, err error) error {
	if err == nil {
		return nil
	}
	switch api.CodeOf(err) {
	case api.CodeThrottled:
		return &api.TransientError{Kind: kind, Attempts: attempts, Err: err}
	case api.CodePermissionDenied:
		return &api.PermissionError{Kind: kind, Op: op, Err: err}
	}
	return err
}

// Describe looks name up without creating anything.
func (c *Client) Describe(ctx context.Context, kind api.Kind, name string) (api.Resource, bool, error) {
	d, err := c.driver(kind)
	if err != nil {
		return api.Resource{}, false, err
	}
	type found struct {
		res api.Resource
		ok  bool
	}
	f, err := call(ctx, c, kind, "describe", func(ctx context.Context) (found, error) {
		res, ok, err := d.Describe(ctx, name)
		return found{res, ok}, err
	})
	return f.res, f.ok, err
}

// Ensure adopts the resource named req.Name if it exists and creates it
// otherwise. The returned record is owned only when this call created it.
func (c *Client) Ensure(ctx context.Context, kind api.Kind, req api.CreateRequest) (api.ResourceRecord, error) {
	d, err := c.driver(kind)
	if err != nil {
		return api.ResourceRecord{}, err
	}
	log := c.logger.With().Str("kind", string(kind)).Str("name", req.Name).Logger()

	res, ok, err := c.Describe(ctx, kind, req.Name)
	if err != nil {
		return api.ResourceRecord{}, err
	}
	if ok {
		log.Debug().Str("id", res.Identifier).Msg("adopting existing resource")
		return c.record(kind, req.Name, res, false), nil
	}

	// attempts counts create attempts. From the second on, an earlier
	// attempt may have created the resource before failing, so it is
	// looked up and finished instead of created again.
	attempts := 0
	res, err = call(ctx, c, kind, "create", func(ctx context.Context) (api.Resource, error) {
		attempts++
		if attempts > 1 {
			prev, ok, err := d.Describe(ctx, req.Name)
			if err != nil {
				return api.Resource{}, err
			}
			if ok {
				log.Debug().Str("id", prev.Identifier).Int("attempt", attempts).Msg("resuming partial create")
				return finish(ctx, d, req, prev)
			}
		}
		return d.Create(ctx, req)
	})
	if err == nil {
		log.Info().Str("id", res.Identifier).Msg("created resource")
		return c.record(kind, req.Name, res, true), nil
	}
	if api.CodeOf(err) != api.CodeConflict {
		return api.ResourceRecord{}, err
	}

	res, ok, derr := c.Describe(ctx, kind, req.Name)
	if derr != nil {
		return api.ResourceRecord{}, derr
	}
	if !ok {
		return api.ResourceRecord{}, &api.ConflictError{Kind: kind, Identifier: req.Name, Message: fmt.Sprintf("name is taken by an incompatible resource: %v", err)}
	}
	if attempts > 1 {
		// The name collided with what our own earlier attempt created.
		res, err = call(ctx, c, kind, "finish", func(ctx context.Context) (api.Resource, error) {
			return finish(ctx, d, req, res)
		})
		if err != nil {
			return api.ResourceRecord{}, err
		}
		log.Info().Str("id", res.Identifier).Msg("created resource")
		return c.record(kind, req.Name, res, true), nil
	}

	// Another caller created the name between describe and create.
	log.Info().Str("id", res.Identifier).Msg("adopting resource created concurrently")
	return c.record(kind, req.Name, res, false), nil
}

func finish(ctx context.Context, d api.Driver, req api.CreateRequest, res api.Resource) (api.Resource, error) {
	if f, ok := d.(api.Finisher); ok {
		return f.Finish(ctx, req, res)
	}
	return res, nil
}

func (c *Client) record(kind api.Kind, name string, res api.Resource, owned bool) api.ResourceRecord {
	return api.ResourceRecord{
		Kind:       kind,
		Name:       name,
		Identifier: res.Identifier,
		Owned:      owned,
		Attributes: res.Attributes,
		CreatedAt:  c.now().UTC(),
	}
}

// Resolve expands a user-supplied identifier. Drivers without a
// resolver report the identifier as-is.
func (c *Client) Resolve(ctx context.Context, kind api.Kind, identifier string) (api.Resource, error) {
	d, err := c.driver(kind)
	if err != nil {
		return api.Resource{}, err
	}
	r, ok := d.(api.Resolver)
	if !ok {
		return api.Resource{Identifier: identifier}, nil
	}
	return call(ctx, c, kind, "resolve", func(ctx context.Context) (api.Resource, error) {
		return r.Resolve(ctx, identifier)
	})
}

// Remove deletes identifier. A resource that is already gone counts as removed.
func (c *Client) Remove(ctx context.Context, kind api.Kind, identifier string) error {
	d, err := c.driver(kind)
	if err != nil {
		return err
	}
	_, err = call(ctx, c, kind, "delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.Delete(ctx, identifier)
	})
	if err != nil && api.CodeOf(err) == api.CodeNotFound {
		c.logger.Debug().Str("kind", string(kind)).Str("id", identifier).Msg("already gone")
		return nil
	}
	return err
}
