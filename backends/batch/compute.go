package batch

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsbatch "github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"

	"github.com/maouw/cloudknot/api"
)

// deleting reports a resource whose deletion is already under way. A
// delete has nothing left to do; anything else must wait, since the
// name cannot be reused until the old resource is gone.
func deleting(kind api.Kind, op, ref string) error {
	code := api.CodeThrottled
	if op == "delete" {
		code = api.CodeNotFound
	}
	return &api.ProviderError{Kind: kind, Op: op, Identifier: ref, Code: code,
		Err: fmt.Errorf("%s %s is deleting", kind, ref)}
}

// computeEnvironmentDriver manages a managed EC2 or SPOT compute environment.
type computeEnvironmentDriver struct {
	batch *awsbatch.Client
	cfg   Config
}

func (d *computeEnvironmentDriver) Kind() api.Kind { return api.KindComputeEnvironment }

func (d *computeEnvironmentDriver) describe(ctx context.Context, op, ref string) (api.Resource, bool, error) {
	out, err := d.batch.DescribeComputeEnvironments(ctx, &awsbatch.DescribeComputeEnvironmentsInput{
		ComputeEnvironments: []string{ref},
	})
	if err != nil {
		return api.Resource{}, false, wrap(api.KindComputeEnvironment, op, ref, err)
	}
	for _, ce := range out.ComputeEnvironments {
		switch ce.Status {
		case types.CEStatusDeleted:
			continue
		case types.CEStatusDeleting:
			return api.Resource{}, false, deleting(api.KindComputeEnvironment, op, ref)
		}
		arn := aws.ToString(ce.ComputeEnvironmentArn)
		return api.Resource{Identifier: arn, Attributes: map[string]string{
			api.AttrARN: arn,
			"state":     string(ce.State),
			"status":    string(ce.Status),
		}}, true, nil
	}
	return api.Resource{}, false, nil
}

func (d *computeEnvironmentDriver) Describe(ctx context.Context, name string) (api.Resource, bool, error) {
	return d.describe(ctx, "describe", name)
}

func (d *computeEnvironmentDriver) Resolve(ctx context.Context, id string) (api.Resource, error) {
	res, ok, err := d.describe(ctx, "resolve", id)
	if err != nil {
		return api.Resource{}, err
	}
	if !ok {
		return api.Resource{}, notFound(api.KindComputeEnvironment, "resolve", id)
	}
	return res, nil
}

func (d *computeEnvironmentDriver) Create(ctx context.Context, req api.CreateRequest) (api.Resource, error) {
	c := req.Spec.Compute
	role := req.Dep(api.KindRole)
	profile := role.Attr(api.AttrInstanceProfileARN)
	if profile == "" {
		profile = role.Identifier
	}

	instanceTypes := c.InstanceTypes
	if len(instanceTypes) == 0 {
		instanceTypes = d.cfg.InstanceTypes
	}
	resources := &types.ComputeResource{
		Type:               types.CRTypeEc2,
		MinvCpus:           aws.Int32(c.MinVCPUs),
		MaxvCpus:           aws.Int32(c.MaxVCPUs),
		DesiredvCpus:       aws.Int32(c.DesiredVCPUs),
		InstanceTypes:      instanceTypes,
		Subnets:            strings.Split(req.Dep(api.KindSubnet).Identifier, ","),
		SecurityGroupIds:   []string{req.Dep(api.KindSecurityGroup).Identifier},
		InstanceRole:       aws.String(profile),
		Tags:               req.Tags,
		AllocationStrategy: types.CRAllocationStrategyBestFitProgressive,
	}
	if strings.EqualFold(c.Type, "SPOT") {
		resources.Type = types.CRTypeSpot
		resources.BidPercentage = aws.Int32(c.BidPercentage)
		resources.AllocationStrategy = types.CRAllocationStrategySpotCapacityOptimized
	}
	if c.ImageID != "" {
		resources.ImageId = aws.String(c.ImageID)
	}
	if c.EC2KeyPair != "" {
		resources.Ec2KeyPair = aws.String(c.EC2KeyPair)
	}

	in := &awsbatch.CreateComputeEnvironmentInput{
		ComputeEnvironmentName: aws.String(req.Name),
		Type:                   types.CETypeManaged,
		State:                  types.CEStateEnabled,
		ComputeResources:       resources,
		Tags:                   req.Tags,
	}
	serviceRole := c.ServiceRoleARN
	if serviceRole == "" {
		serviceRole = d.cfg.ServiceRoleARN
	}
	if serviceRole != "" {
		in.ServiceRole = aws.String(serviceRole)
	}

	out, err := d.batch.CreateComputeEnvironment(ctx, in)
	if err != nil {
		return api.Resource{}, wrap(api.KindComputeEnvironment, "create", req.Name, err)
	}
	arn := aws.ToString(out.ComputeEnvironmentArn)
	return api.Resource{Identifier: arn, Attributes: map[string]string{api.AttrARN: arn}}, nil
}

// Delete disables the environment first; the provider refuses to delete
// an enabled one and reports InUse until the update settles.
func (d *computeEnvironmentDriver) Delete(ctx context.Context, id string) error {
	res, ok, err := d.describe(ctx, "delete", id)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(api.KindComputeEnvironment, "delete", id)
	}
	if res.Attributes["state"] != string(types.CEStateDisabled) {
		if _, err := d.batch.UpdateComputeEnvironment(ctx, &awsbatch.UpdateComputeEnvironmentInput{
			ComputeEnvironment: aws.String(id),
			State:              types.CEStateDisabled,
		}); err != nil {
			return wrap(api.KindComputeEnvironment, "delete", id, err)
		}
	}
	_, err = d.batch.DeleteComputeEnvironment(ctx, &awsbatch.DeleteComputeEnvironmentInput{
		ComputeEnvironment: aws.String(id),
	})
	return wrap(api.KindComputeEnvironment, "delete", id, err)
}

type jobQueueDriver struct {
	batch *awsbatch.Client
}

func (d *jobQueueDriver) Kind() api.Kind { return api.KindJobQueue }

func (d *jobQueueDriver) describe(ctx context.Context, op, ref string) (api.Resource, bool, error) {
	out, err := d.batch.DescribeJobQueues(ctx, &awsbatch.DescribeJobQueuesInput{
		JobQueues: []string{ref},
	})
	if err != nil {
		return api.Resource{}, false, wrap(api.KindJobQueue, op, ref, err)
	}
	for _, q := range out.JobQueues {
		switch q.Status {
		case types.JQStatusDeleted:
			continue
		case types.JQStatusDeleting:
			return api.Resource{}, false, deleting(api.KindJobQueue, op, ref)
		}
		arn := aws.ToString(q.JobQueueArn)
		return api.Resource{Identifier: arn, Attributes: map[string]string{
			api.AttrARN: arn,
			"state":     string(q.State),
		}}, true, nil
	}
	return api.Resource{}, false, nil
}

func (d *jobQueueDriver) Describe(ctx context.Context, name string) (api.Resource, bool, error) {
	return d.describe(ctx, "describe", name)
}

func (d *jobQueueDriver) Resolve(ctx context.Context, id string) (api.Resource, error) {
	res, ok, err := d.describe(ctx, "resolve", id)
	if err != nil {
		return api.Resource{}, err
	}
	if !ok {
		return api.Resource{}, notFound(api.KindJobQueue, "resolve", id)
	}
	return res, nil
}

func (d *jobQueueDriver) Create(ctx context.Context, req api.CreateRequest) (api.Resource, error) {
	out, err := d.batch.CreateJobQueue(ctx, &awsbatch.CreateJobQueueInput{
		JobQueueName: aws.String(req.Name),
		Priority:     aws.Int32(req.Spec.Queue.Priority),
		State:        types.JQStateEnabled,
		ComputeEnvironmentOrder: []types.ComputeEnvironmentOrder{{
			ComputeEnvironment: aws.String(req.Dep(api.KindComputeEnvironment).Identifier),
			Order:              aws.Int32(1),
		}},
		Tags: req.Tags,
	})
	if err != nil {
		return api.Resource{}, wrap(api.KindJobQueue, "create", req.Name, err)
	}
	arn := aws.ToString(out.JobQueueArn)
	return api.Resource{Identifier: arn, Attributes: map[string]string{api.AttrARN: arn}}, nil
}

func (d *jobQueueDriver) Delete(ctx context.Context, id string) error {
	res, ok, err := d.describe(ctx, "delete", id)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(api.KindJobQueue, "delete", id)
	}
	if res.Attributes["state"] != string(types.JQStateDisabled) {
		if _, err := d.batch.UpdateJobQueue(ctx, &awsbatch.UpdateJobQueueInput{
			JobQueue: aws.String(id),
			State:    types.JQStateDisabled,
		}); err != nil {
			return wrap(api.KindJobQueue, "delete", id, err)
		}
	}
	_, err = d.batch.DeleteJobQueue(ctx, &awsbatch.DeleteJobQueueInput{JobQueue: aws.String(id)})
	return wrap(api.KindJobQueue, "delete", id, err)
}

// jobDefinitionDriver registers container job definitions. Describe
// reports the latest active revision.
type jobDefinitionDriver struct {
	batch *awsbatch.Client
}

func (d *jobDefinitionDriver) Kind() api.Kind { return api.KindJobDefinition }

func (d *jobDefinitionDriver) Describe(ctx context.Context, name string) (api.Resource, bool, error) {
	var (
		latest *types.JobDefinition
		token  *string
	)
	for {
		out, err := d.batch.DescribeJobDefinitions(ctx, &awsbatch.DescribeJobDefinitionsInput{
			JobDefinitionName: aws.String(name),
			Status:            aws.String("ACTIVE"),
			NextToken:         token,
		})
		if err != nil {
			return api.Resource{}, false, wrap(api.KindJobDefinition, "describe", name, err)
		}
		for i := range out.JobDefinitions {
			jd := &out.JobDefinitions[i]
			if latest == nil || aws.ToInt32(jd.Revision) > aws.ToInt32(latest.Revision) {
				latest = jd
			}
		}
		if out.NextToken == nil {
			break
		}
		token = out.NextToken
	}
	if latest == nil {
		return api.Resource{}, false, nil
	}
	res := jobDefinitionResource(aws.ToString(latest.JobDefinitionArn), aws.ToInt32(latest.Revision))
	if latest.ContainerProperties != nil {
		res.Attributes[api.AttrImage] = aws.ToString(latest.ContainerProperties.Image)
	}
	return res, true, nil
}

func jobDefinitionResource(arn string, revision int32) api.Resource {
	return api.Resource{Identifier: arn, Attributes: map[string]string{
		api.AttrARN:      arn,
		api.AttrRevision: strconv.Itoa(int(revision)),
	}}
}

func (d *jobDefinitionDriver) Create(ctx context.Context, req api.CreateRequest) (api.Resource, error) {
	if req.Image == "" {
		return api.Resource{}, &api.InvalidParameterError{Message: "job definition requires a container image"}
	}
	role := req.Dep(api.KindRole)
	roleARN := role.Attr(api.AttrARN)
	if roleARN == "" {
		roleARN = role.Identifier
	}
	j := req.Spec.Job
	props := &types.ContainerProperties{
		Image:   aws.String(req.Image),
		Command: j.Command,
		ResourceRequirements: []types.ResourceRequirement{
			{Type: types.ResourceTypeVcpu, Value: aws.String(strconv.Itoa(int(j.VCPUs)))},
			{Type: types.ResourceTypeMemory, Value: aws.String(strconv.Itoa(int(j.MemoryMiB)))},
		},
	}
	if roleARN != "" {
		props.JobRoleArn = aws.String(roleARN)
	}
	out, err := d.batch.RegisterJobDefinition(ctx, &awsbatch.RegisterJobDefinitionInput{
		JobDefinitionName:   aws.String(req.Name),
		Type:                types.JobDefinitionTypeContainer,
		ContainerProperties: props,
		RetryStrategy:       &types.RetryStrategy{Attempts: aws.Int32(j.Retries)},
		Tags:                req.Tags,
	})
	if err != nil {
		return api.Resource{}, wrap(api.KindJobDefinition, "create", req.Name, err)
	}
	res := jobDefinitionResource(aws.ToString(out.JobDefinitionArn), aws.ToInt32(out.Revision))
	res.Attributes[api.AttrImage] = req.Image
	return res, nil
}

func (d *jobDefinitionDriver) Delete(ctx context.Context, id string) error {
	_, err := d.batch.DeregisterJobDefinition(ctx, &awsbatch.DeregisterJobDefinitionInput{
		JobDefinition: aws.String(id),
	})
	return wrap(api.KindJobDefinition, "delete", id, err)
}
