package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maouw/cloudknot/api"
)

func queueAndDefinition(t *testing.T, c *Cloud) (string, string) {
	t.Helper()
	ctx := context.Background()
	d := drivers(c)
	q, err := d[api.KindJobQueue].Create(ctx, api.CreateRequest{Name: "q"})
	require.NoError(t, err)
	jd, err := d[api.KindJobDefinition].Create(ctx, api.CreateRequest{Name: "jd", Image: "busybox"})
	require.NoError(t, err)
	return q.Identifier, jd.Identifier
}

func TestJobWalksScript(t *testing.T) {
	ctx := context.Background()
	c := New("")
	q, jd := queueAndDefinition(t, c)
	jobs := c.JobAPI()

	id, err := jobs.Submit(ctx, api.SubmitInput{Name: "job", Queue: q, Definition: jd})
	require.NoError(t, err)

	var statuses []string
	for i := 0; i < 4; i++ {
		desc, err := jobs.Describe(ctx, id)
		require.NoError(t, err)
		statuses = append(statuses, desc.Status)
	}
	assert.Equal(t, []string{"RUNNABLE", "RUNNING", "SUCCEEDED", "SUCCEEDED"}, statuses)

	desc, err := jobs.Describe(ctx, id)
	require.NoError(t, err)
	require.Len(t, desc.LogStreams, 1)
	events, err := jobs.Logs(ctx, desc.LogStreams[0])
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestSubmitUnknownQueue(t *testing.T) {
	_, err := New("").JobAPI().Submit(context.Background(), api.SubmitInput{Name: "job", Queue: "nope", Definition: "nope"})
	assert.Equal(t, api.CodeNotFound, api.CodeOf(err))
}

func TestCancelAndTerminate(t *testing.T) {
	ctx := context.Background()
	c := New("")
	c.ScriptJobs("RUNNABLE", "RUNNING")
	q, jd := queueAndDefinition(t, c)
	jobs := c.JobAPI()

	pending, err := jobs.Submit(ctx, api.SubmitInput{Name: "a", Queue: q, Definition: jd})
	require.NoError(t, err)
	require.NoError(t, jobs.Cancel(ctx, pending, "no longer needed"))
	desc, err := jobs.Describe(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, "FAILED", desc.Status)
	assert.Equal(t, "no longer needed", desc.StatusReason)

	running, err := jobs.Submit(ctx, api.SubmitInput{Name: "b", Queue: q, Definition: jd})
	require.NoError(t, err)
	_, _ = jobs.Describe(ctx, running)
	desc, _ = jobs.Describe(ctx, running)
	require.Equal(t, "RUNNING", desc.Status)

	require.NoError(t, jobs.Cancel(ctx, running, "ignored"))
	desc, _ = jobs.Describe(ctx, running)
	assert.Equal(t, "RUNNING", desc.Status)

	require.NoError(t, jobs.Terminate(ctx, running, "stop"))
	desc, _ = jobs.Describe(ctx, running)
	assert.Equal(t, "FAILED", desc.Status)
}
