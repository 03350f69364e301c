package core

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/maouw/cloudknot/api"
)

// Dispatcher submits and tracks jobs on Ready knots.
type Dispatcher struct {
	jobs   api.JobAPI
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher persisting jobs into store.
func NewDispatcher(jobs api.JobAPI, store Store, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{jobs: jobs, store: store, logger: logger, now: time.Now}
}

func (d *Dispatcher) load(group string) (*api.Knot, error) {
	knot, ok, err := d.store.Load(group)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &api.NotFoundError{Resource: "knot", ID: group}
	}
	return knot, nil
}

// Submit submits one job to the knot of group. The knot must be Ready.
func (d *Dispatcher) Submit(ctx context.Context, group string, args api.SubmitArgs) (job *api.Job, err error) {
	ctx, span := startSpan(ctx, "job.submit", group, api.KindJobQueue)
	defer func() { endSpan(span, err) }()

	knot, err := d.load(group)
	if err != nil {
		return nil, err
	}
	if knot.State != api.StateReady {
		return nil, &api.InvalidStateTransitionError{Group: group, From: knot.State, To: api.StateSubmitting, Op: "submit"}
	}
	knot.State = api.StateSubmitting

	queue, ok := knot.Record(api.KindJobQueue)
	if !ok {
		return nil, fmt.Errorf("knot %q has no job queue", group)
	}
	def, ok := knot.Record(api.KindJobDefinition)
	if !ok {
		return nil, fmt.Errorf("knot %q has no job definition", group)
	}

	name := args.Name
	if name == "" {
		name = fmt.Sprintf("%s-%d", group, len(knot.Jobs)+1)
	}
	id, err := d.jobs.Submit(ctx, api.SubmitInput{
		Name:       name,
		Queue:      queue.Identifier,
		Definition: def.Identifier,
		Args:       args,
	})
	if err != nil {
		return nil, fmt.Errorf("submit job %s: %w", name, err)
	}

	now := d.now().UTC()
	knot.Jobs = append(knot.Jobs, api.Job{
		ID:          id,
		Name:        name,
		Definition:  def.Identifier,
		Queue:       queue.Identifier,
		Args:        args,
		Status:      api.JobSubmitted,
		LastKnown:   api.JobSubmitted,
		SubmittedAt: now,
		UpdatedAt:   now,
	})
	knot.State = api.StateReady
	knot.UpdatedAt = now
	if err := d.store.Save(knot); err != nil {
		return nil, err
	}
	d.logger.Info().Str("group", group).Str("id", id).Str("name", name).Msg("job submitted")
	j := knot.Jobs[len(knot.Jobs)-1]
	return &j, nil
}

// mapStatus folds the provider's job states onto JobStatus.
func mapStatus(s string) api.JobStatus {
	switch s {
	case "SUBMITTED", "PENDING", "RUNNABLE":
		return api.JobSubmitted
	case "STARTING", "RUNNING":
		return api.JobRunning
	case "SUCCEEDED":
		return api.JobSucceeded
	case "FAILED":
		return api.JobFailed
	}
	return api.JobUnknown
}

// Poll queries the provider and returns the updated job. Status never
// moves backwards. If the query fails the job is returned Unknown with
// LastKnown untouched, together with the error.
func (d *Dispatcher) Poll(ctx context.Context, job api.Job) (api.Job, error) {
	if job.LastKnown == "" {
		job.LastKnown = job.Status
	}
	desc, err := d.jobs.Describe(ctx, job.ID)
	job.UpdatedAt = d.now().UTC()
	if err != nil {
		job.Status = api.JobUnknown
		return job, fmt.Errorf("poll job %s: %w", job.ID, err)
	}
	observed := mapStatus(desc.Status)
	if observed == api.JobUnknown {
		job.Status = api.JobUnknown
		return job, fmt.Errorf("poll job %s: unrecognised status %q", job.ID, desc.Status)
	}
	if observed.Rank() >= job.LastKnown.Rank() && !job.LastKnown.Terminal() {
		job.LastKnown = observed
	}
	job.Status = job.LastKnown
	if desc.StatusReason != "" {
		job.StatusReason = desc.StatusReason
	}
	if desc.Attempts > job.Attempts {
		job.Attempts = desc.Attempts
	}
	if len(desc.LogStreams) > 0 {
		job.LogStreams = desc.LogStreams
	}
	return job, nil
}

// Refresh polls every job of group and persists the results. Poll
// failures are logged and leave the affected job Unknown.
func (d *Dispatcher) Refresh(ctx context.Context, group string) ([]api.Job, error) {
	knot, err := d.load(group)
	if err != nil {
		return nil, err
	}
	for i, job := range knot.Jobs {
		updated, err := d.Poll(ctx, job)
		if err != nil {
			d.logger.Warn().Err(err).Str("group", group).Str("id", job.ID).Msg("poll failed")
		}
		knot.Jobs[i] = updated
	}
	if err := d.store.Save(knot); err != nil {
		return nil, err
	}
	return knot.Jobs, nil
}

// Update polls one tracked job of group and persists it.
func (d *Dispatcher) Update(ctx context.Context, group, id string) (api.Job, error) {
	knot, err := d.load(group)
	if err != nil {
		return api.Job{}, err
	}
	tracked := knot.Job(id)
	if tracked == nil {
		return api.Job{}, &api.NotFoundError{Resource: "job", ID: id}
	}
	updated, perr := d.Poll(ctx, *tracked)
	*tracked = updated
	if err := d.store.Save(knot); err != nil {
		return updated, err
	}
	return updated, perr
}

// Wait polls job every interval until it is terminal or ctx ends.
// Individual poll failures are tolerated.
func (d *Dispatcher) Wait(ctx context.Context, job api.Job, interval time.Duration) (api.Job, error) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		updated, err := d.Poll(ctx, job)
		if err != nil {
			d.logger.Debug().Err(err).Str("id", job.ID).Msg("poll failed while waiting")
		}
		job = updated
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Terminate stops job. Jobs that have not started are cancelled,
// running ones are terminated.
func (d *Dispatcher) Terminate(ctx context.Context, job api.Job, reason string) error {
	if reason == "" {
		reason = "terminated by cloudknot"
	}
	switch job.LastKnown {
	case api.JobSucceeded, api.JobFailed:
		return nil
	case api.JobRunning:
		return d.jobs.Terminate(ctx, job.ID, reason)
	default:
		return d.jobs.Cancel(ctx, job.ID, reason)
	}
}

// Logs returns the output of every attempt of job.
func (d *Dispatcher) Logs(ctx context.Context, job api.Job) ([]api.LogEvent, error) {
	var out []api.LogEvent
	for _, s := range job.LogStreams {
		events, err := d.jobs.Logs(ctx, s)
		if err != nil {
			return out, fmt.Errorf("logs for %s: %w", s, err)
		}
		out = append(out, events...)
	}
	return out, nil
}

// LogURLs returns CloudWatch console links for each log stream of job.
func LogURLs(region string, job api.Job) []string {
	urls := make([]string, 0, len(job.LogStreams))
	for _, s := range job.LogStreams {
		urls = append(urls, fmt.Sprintf(
			"https://console.aws.amazon.com/cloudwatch/home?region=%s#logEventViewer:group=/aws/batch/job;stream=%s",
			url.QueryEscape(region), s))
	}
	return urls
}
