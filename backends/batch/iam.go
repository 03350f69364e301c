package batch

import (
	"context"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/maouw/cloudknot/api"
)

const (
	instanceRolePolicyARN = "arn:aws:iam::aws:policy/service-role/AmazonEC2ContainerServiceforEC2Role"

	// The role backs both the container instances and the job containers.
	assumeRolePolicy = `{
  "Version": "2012-10-17",
  "Statement": [{
    "Effect": "Allow",
    "Principal": {"Service": ["ec2.amazonaws.com", "ecs-tasks.amazonaws.com"]},
    "Action": "sts:AssumeRole"
  }]
}`
)

func iamTags(tags map[string]string) []iamtypes.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]iamtypes.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, iamtypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

// roleName extracts the name from a role ARN; plain names pass through.
func roleName(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}

// roleDriver manages the instance role and its same-named instance profile.
// The identifier is the role ARN.
type roleDriver struct {
	iam *iam.Client
}

func (d *roleDriver) Kind() api.Kind { return api.KindRole }

func (d *roleDriver) Describe(ctx context.Context, name string) (api.Resource, bool, error) {
	out, err := d.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	if err != nil {
		err = wrap(api.KindRole, "describe", name, err)
		if isCode(err, api.CodeNotFound) {
			return api.Resource{}, false, nil
		}
		return api.Resource{}, false, err
	}
	res := api.Resource{
		Identifier: aws.ToString(out.Role.Arn),
		Attributes: map[string]string{api.AttrARN: aws.ToString(out.Role.Arn)},
	}
	profile, err := d.iam.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(name)})
	if err == nil {
		res.Attributes[api.AttrInstanceProfileARN] = aws.ToString(profile.InstanceProfile.Arn)
	} else if err = wrap(api.KindRole, "describe", name, err); !isCode(err, api.CodeNotFound) {
		return api.Resource{}, false, err
	}
	return res, true, nil
}

func (d *roleDriver) Create(ctx context.Context, req api.CreateRequest) (api.Resource, error) {
	out, err := d.iam.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(req.Name),
		AssumeRolePolicyDocument: aws.String(assumeRolePolicy),
		Description:              aws.String("cloudknot instance role for " + req.Group),
		Tags:                     iamTags(req.Tags),
	})
	if err != nil {
		return api.Resource{}, wrap(api.KindRole, "create", req.Name, err)
	}
	return d.Finish(ctx, req, api.Resource{Identifier: aws.ToString(out.Role.Arn)})
}

// Finish attaches the instance policy and links the role into its
// same-named instance profile, skipping whatever already took effect.
func (d *roleDriver) Finish(ctx context.Context, req api.CreateRequest, res api.Resource) (api.Resource, error) {
	arn := res.Identifier
	// Attaching a policy the role already has is a no-op.
	if _, err := d.iam.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(req.Name),
		PolicyArn: aws.String(instanceRolePolicyARN),
	}); err != nil {
		return api.Resource{}, wrap(api.KindRole, "create", arn, err)
	}
	profile, err := d.instanceProfile(ctx, req)
	if err != nil {
		return api.Resource{}, err
	}
	for _, r := range profile.Roles {
		if aws.ToString(r.RoleName) == req.Name {
			return roleResource(arn, profile), nil
		}
	}
	if _, err := d.iam.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
		InstanceProfileName: aws.String(req.Name),
		RoleName:            aws.String(req.Name),
	}); err != nil {
		return api.Resource{}, wrap(api.KindRole, "create", arn, err)
	}
	return roleResource(arn, profile), nil
}

func (d *roleDriver) instanceProfile(ctx context.Context, req api.CreateRequest) (*iamtypes.InstanceProfile, error) {
	got, err := d.iam.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(req.Name)})
	if err == nil {
		return got.InstanceProfile, nil
	}
	if err = wrap(api.KindRole, "describe", req.Name, err); !isCode(err, api.CodeNotFound) {
		return nil, err
	}
	out, err := d.iam.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
		InstanceProfileName: aws.String(req.Name),
		Tags:                iamTags(req.Tags),
	})
	if err == nil {
		return out.InstanceProfile, nil
	}
	err = wrap(api.KindRole, "create", req.Name, err)
	if isCode(err, api.CodeConflict) {
		// Created by an earlier attempt but not readable yet.
		return nil, &api.ProviderError{Kind: api.KindRole, Op: "create", Identifier: req.Name, Code: api.CodeThrottled, Err: err}
	}
	return nil, err
}

func roleResource(arn string, profile *iamtypes.InstanceProfile) api.Resource {
	return api.Resource{
		Identifier: arn,
		Attributes: map[string]string{
			api.AttrARN:                arn,
			api.AttrInstanceProfileARN: aws.ToString(profile.Arn),
		},
	}
}

// Resolve looks up a user-supplied role and its first instance profile.
func (d *roleDriver) Resolve(ctx context.Context, id string) (api.Resource, error) {
	name := roleName(id)
	out, err := d.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	if err != nil {
		return api.Resource{}, wrap(api.KindRole, "resolve", id, err)
	}
	arn := aws.ToString(out.Role.Arn)
	res := api.Resource{Identifier: arn, Attributes: map[string]string{api.AttrARN: arn}}
	profiles, err := d.iam.ListInstanceProfilesForRole(ctx, &iam.ListInstanceProfilesForRoleInput{RoleName: aws.String(name)})
	if err != nil {
		return api.Resource{}, wrap(api.KindRole, "resolve", id, err)
	}
	if len(profiles.InstanceProfiles) > 0 {
		res.Attributes[api.AttrInstanceProfileARN] = aws.ToString(profiles.InstanceProfiles[0].Arn)
	}
	return res, nil
}

func (d *roleDriver) Delete(ctx context.Context, id string) error {
	name := roleName(id)
	profiles, err := d.iam.ListInstanceProfilesForRole(ctx, &iam.ListInstanceProfilesForRoleInput{RoleName: aws.String(name)})
	if err != nil {
		return wrap(api.KindRole, "delete", id, err)
	}
	for _, p := range profiles.InstanceProfiles {
		if _, err := d.iam.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
			InstanceProfileName: p.InstanceProfileName,
			RoleName:            aws.String(name),
		}); err != nil {
			return wrap(api.KindRole, "delete", id, err)
		}
		if aws.ToString(p.InstanceProfileName) != name {
			continue
		}
		if _, err := d.iam.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{
			InstanceProfileName: p.InstanceProfileName,
		}); err != nil {
			return wrap(api.KindRole, "delete", id, err)
		}
	}
	attached, err := d.iam.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(name)})
	if err != nil {
		return wrap(api.KindRole, "delete", id, err)
	}
	for _, p := range attached.AttachedPolicies {
		if _, err := d.iam.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  aws.String(name),
			PolicyArn: p.PolicyArn,
		}); err != nil {
			return wrap(api.KindRole, "delete", id, err)
		}
	}
	_, err = d.iam.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)})
	return wrap(api.KindRole, "delete", id, err)
}
