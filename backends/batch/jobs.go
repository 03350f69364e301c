package batch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsbatch "github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"

	"github.com/maouw/cloudknot/api"
)

// JobAPI implements api.JobAPI against AWS Batch and CloudWatch Logs.
type JobAPI struct {
	batch    *awsbatch.Client
	logs     *cloudwatchlogs.Client
	logGroup string
}

// NewJobAPI returns the job API for clients.
func NewJobAPI(clients *AWSClients, cfg Config) *JobAPI {
	group := cfg.LogGroup
	if group == "" {
		group = "/aws/batch/job"
	}
	return &JobAPI{batch: clients.Batch, logs: clients.CloudWatch, logGroup: group}
}

var _ api.JobAPI = (*JobAPI)(nil)

// SubmitJobInput translates a submission into the Batch request shape.
func SubmitJobInput(in api.SubmitInput) *awsbatch.SubmitJobInput {
	req := &awsbatch.SubmitJobInput{
		JobName:       aws.String(in.Name),
		JobQueue:      aws.String(in.Queue),
		JobDefinition: aws.String(in.Definition),
	}
	if len(in.Args.Parameters) > 0 {
		req.Parameters = in.Args.Parameters
	}
	if in.Args.ArraySize > 1 {
		req.ArrayProperties = &types.ArrayProperties{Size: aws.Int32(in.Args.ArraySize)}
	}
	if len(in.Args.Command) > 0 || len(in.Args.Environment) > 0 {
		o := &types.ContainerOverrides{Command: in.Args.Command}
		keys := make([]string, 0, len(in.Args.Environment))
		for k := range in.Args.Environment {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			o.Environment = append(o.Environment, types.KeyValuePair{
				Name:  aws.String(k),
				Value: aws.String(in.Args.Environment[k]),
			})
		}
		req.ContainerOverrides = o
	}
	return req
}

func (j *JobAPI) Submit(ctx context.Context, in api.SubmitInput) (string, error) {
	out, err := j.batch.SubmitJob(ctx, SubmitJobInput(in))
	if err != nil {
		return "", wrap(api.KindJobQueue, "submit", in.Name, err)
	}
	return aws.ToString(out.JobId), nil
}

func (j *JobAPI) Describe(ctx context.Context, id string) (api.JobDescription, error) {
	out, err := j.batch.DescribeJobs(ctx, &awsbatch.DescribeJobsInput{Jobs: []string{id}})
	if err != nil {
		return api.JobDescription{}, wrap(api.KindJobQueue, "describe-job", id, err)
	}
	if len(out.Jobs) == 0 {
		return api.JobDescription{}, &api.NotFoundError{Resource: "job", ID: id}
	}
	return describeJob(out.Jobs[0]), nil
}

func describeJob(d types.JobDetail) api.JobDescription {
	desc := api.JobDescription{
		ID:           aws.ToString(d.JobId),
		Status:       string(d.Status),
		StatusReason: aws.ToString(d.StatusReason),
		Attempts:     len(d.Attempts),
	}
	seen := map[string]bool{}
	add := func(s *string) {
		if v := aws.ToString(s); v != "" && !seen[v] {
			seen[v] = true
			desc.LogStreams = append(desc.LogStreams, v)
		}
	}
	for _, a := range d.Attempts {
		if a.Container != nil {
			add(a.Container.LogStreamName)
		}
	}
	if d.Container != nil {
		add(d.Container.LogStreamName)
	}
	return desc
}

func (j *JobAPI) Cancel(ctx context.Context, id, reason string) error {
	_, err := j.batch.CancelJob(ctx, &awsbatch.CancelJobInput{JobId: aws.String(id), Reason: aws.String(reason)})
	return wrap(api.KindJobQueue, "cancel", id, err)
}

func (j *JobAPI) Terminate(ctx context.Context, id, reason string) error {
	_, err := j.batch.TerminateJob(ctx, &awsbatch.TerminateJobInput{JobId: aws.String(id), Reason: aws.String(reason)})
	return wrap(api.KindJobQueue, "terminate", id, err)
}

// Logs reads the whole stream from the beginning. CloudWatch signals the
// end by returning the token it was given.
func (j *JobAPI) Logs(ctx context.Context, stream string) ([]api.LogEvent, error) {
	var (
		events []api.LogEvent
		token  *string
	)
	for {
		out, err := j.logs.GetLogEvents(ctx, &cloudwatchlogs.GetLogEventsInput{
			LogGroupName:  aws.String(j.logGroup),
			LogStreamName: aws.String(stream),
			StartFromHead: aws.Bool(true),
			NextToken:     token,
		})
		if err != nil {
			return events, fmt.Errorf("get log events %s: %w", stream, err)
		}
		for _, e := range out.Events {
			events = append(events, api.LogEvent{
				Timestamp: time.UnixMilli(aws.ToInt64(e.Timestamp)).UTC(),
				Message:   aws.ToString(e.Message),
			})
		}
		if out.NextForwardToken == nil || aws.ToString(out.NextForwardToken) == aws.ToString(token) {
			return events, nil
		}
		token = out.NextForwardToken
	}
}
