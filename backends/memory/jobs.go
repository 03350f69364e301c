package memory

import (
	"context"
	"fmt"

	"github.com/maouw/cloudknot/api"
)

// JobAPI returns the cloud's job interface.
func (c *Cloud) JobAPI() api.JobAPI { return jobAPI{c} }

type jobAPI struct{ c *Cloud }

func (j jobAPI) Submit(_ context.Context, in api.SubmitInput) (string, error) {
	c := j.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(api.KindJobQueue, "submit", in.Name); err != nil {
		return "", err
	}
	if e, ok := c.byID[in.Queue]; !ok || e.Kind != api.KindJobQueue {
		return "", &api.ProviderError{Kind: api.KindJobQueue, Op: "submit", Identifier: in.Queue, Code: api.CodeNotFound,
			Err: fmt.Errorf("job queue %s does not exist", in.Queue)}
	}
	if e, ok := c.byID[in.Definition]; !ok || e.Kind != api.KindJobDefinition {
		return "", &api.ProviderError{Kind: api.KindJobDefinition, Op: "submit", Identifier: in.Definition, Code: api.CodeNotFound,
			Err: fmt.Errorf("job definition %s does not exist", in.Definition)}
	}
	c.seq++
	id := fmt.Sprintf("%08x-0000-4000-8000-%012x", c.seq, c.seq)
	c.jobs[id] = &job{
		desc:   api.JobDescription{ID: id, Status: "SUBMITTED"},
		input:  in,
		script: append([]string(nil), c.script...),
	}
	return id, nil
}

// Describe advances the job one scripted step and reports it.
func (j jobAPI) Describe(_ context.Context, id string) (api.JobDescription, error) {
	c := j.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(api.KindJobQueue, "describe-job", id); err != nil {
		return api.JobDescription{}, err
	}
	jb, ok := c.jobs[id]
	if !ok {
		return api.JobDescription{}, &api.NotFoundError{Resource: "job", ID: id}
	}
	if jb.step < len(jb.script) {
		jb.desc.Status = jb.script[jb.step]
		jb.step++
	}
	switch jb.desc.Status {
	case "STARTING", "RUNNING", "SUCCEEDED", "FAILED":
		if len(jb.desc.LogStreams) == 0 {
			jb.desc.Attempts = 1
			stream := fmt.Sprintf("%s/default/%s", jb.input.Name, id)
			jb.desc.LogStreams = []string{stream}
			c.streams[stream] = append(c.streams[stream], api.LogEvent{
				Timestamp: c.now().UTC(),
				Message:   fmt.Sprintf("starting %s on %s", jb.input.Name, jb.input.Queue),
			})
		}
	}
	if jb.desc.Status == "FAILED" && jb.desc.StatusReason == "" {
		jb.desc.StatusReason = "Essential container in task exited"
	}
	out := jb.desc
	out.LogStreams = append([]string(nil), jb.desc.LogStreams...)
	return out, nil
}

func (j jobAPI) stop(op, id, reason string, running bool) error {
	c := j.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(api.KindJobQueue, op, id); err != nil {
		return err
	}
	jb, ok := c.jobs[id]
	if !ok {
		return &api.NotFoundError{Resource: "job", ID: id}
	}
	switch jb.desc.Status {
	case "SUCCEEDED", "FAILED":
		return nil
	case "STARTING", "RUNNING":
		if !running {
			// Cancel does not reach jobs that already started.
			return nil
		}
	}
	jb.desc.Status = "FAILED"
	jb.desc.StatusReason = reason
	jb.script = nil
	return nil
}

func (j jobAPI) Cancel(_ context.Context, id, reason string) error {
	return j.stop("cancel", id, reason, false)
}

func (j jobAPI) Terminate(_ context.Context, id, reason string) error {
	return j.stop("terminate", id, reason, true)
}

func (j jobAPI) Logs(_ context.Context, stream string) ([]api.LogEvent, error) {
	c := j.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(api.KindJobQueue, "logs", stream); err != nil {
		return nil, err
	}
	return append([]api.LogEvent(nil), c.streams[stream]...), nil
}
