package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maouw/cloudknot/api"
)

func drivers(c *Cloud) map[api.Kind]api.Driver {
	m := map[api.Kind]api.Driver{}
	for _, d := range c.Drivers() {
		m[d.Kind()] = d
	}
	return m
}

func TestCreateDescribeDelete(t *testing.T) {
	ctx := context.Background()
	c := New("")
	d := drivers(c)

	vpc, err := d[api.KindVpc].Create(ctx, api.CreateRequest{Name: "g-vpc"})
	require.NoError(t, err)
	res, ok, err := d[api.KindVpc].Describe(ctx, "g-vpc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, vpc.Identifier, res.Identifier)

	sg, err := d[api.KindSecurityGroup].Create(ctx, api.CreateRequest{
		Name: "g-sg",
		Deps: map[api.Kind]api.ResourceRecord{api.KindVpc: {Kind: api.KindVpc, Identifier: vpc.Identifier}},
	})
	require.NoError(t, err)

	// The VPC is in use until the security group goes.
	err = d[api.KindVpc].Delete(ctx, vpc.Identifier)
	assert.Equal(t, api.CodeInUse, api.CodeOf(err))

	require.NoError(t, d[api.KindSecurityGroup].Delete(ctx, sg.Identifier))
	require.NoError(t, d[api.KindVpc].Delete(ctx, vpc.Identifier))
	assert.Equal(t, 0, c.Count())

	err = d[api.KindVpc].Delete(ctx, vpc.Identifier)
	assert.Equal(t, api.CodeNotFound, api.CodeOf(err))
}

func TestCreateDuplicateConflicts(t *testing.T) {
	ctx := context.Background()
	d := drivers(New(""))
	_, err := d[api.KindRole].Create(ctx, api.CreateRequest{Name: "r"})
	require.NoError(t, err)
	_, err = d[api.KindRole].Create(ctx, api.CreateRequest{Name: "r"})
	assert.Equal(t, api.CodeConflict, api.CodeOf(err))
}

func TestFaultsAreConsumed(t *testing.T) {
	ctx := context.Background()
	c := New("")
	d := drivers(c)
	c.Fail(api.KindRepository, "describe", api.CodeThrottled, 2)

	for i := 0; i < 2; i++ {
		_, _, err := d[api.KindRepository].Describe(ctx, "repo")
		assert.Equal(t, api.CodeThrottled, api.CodeOf(err))
	}
	_, ok, err := d[api.KindRepository].Describe(ctx, "repo")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, c.CallCount(api.KindRepository, "describe"))
}

func TestConflictFaultMaterialisesResource(t *testing.T) {
	ctx := context.Background()
	c := New("")
	d := drivers(c)
	c.Fail(api.KindJobQueue, "create", api.CodeConflict, 1)

	_, err := d[api.KindJobQueue].Create(ctx, api.CreateRequest{Name: "q"})
	assert.Equal(t, api.CodeConflict, api.CodeOf(err))
	_, ok := c.Get(api.KindJobQueue, "q")
	assert.True(t, ok)
}

func TestRoleAndRepositoryAttributes(t *testing.T) {
	ctx := context.Background()
	d := drivers(New("eu-west-1"))
	role, err := d[api.KindRole].Create(ctx, api.CreateRequest{Name: "g-role"})
	require.NoError(t, err)
	assert.Contains(t, role.Attributes[api.AttrInstanceProfileARN], "instance-profile/g-role")

	repo, err := d[api.KindRepository].Create(ctx, api.CreateRequest{Name: "g-repo"})
	require.NoError(t, err)
	assert.Equal(t, "000000000000.dkr.ecr.eu-west-1.amazonaws.com/g-repo", repo.Attributes[api.AttrRepositoryURI])

	_, err = d[api.KindJobDefinition].Create(ctx, api.CreateRequest{Name: "g-jd"})
	var ipe *api.InvalidParameterError
	assert.ErrorAs(t, err, &ipe)
}

func TestResolveSeeded(t *testing.T) {
	ctx := context.Background()
	c := New("")
	id := c.Seed(api.KindVpc, "shared-vpc")
	r := drivers(c)[api.KindVpc].(api.Resolver)

	res, err := r.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, res.Identifier)

	_, err = r.Resolve(ctx, "vpc-missing")
	assert.Equal(t, api.CodeNotFound, api.CodeOf(err))
}

func TestFailAfterLeavesPartialResource(t *testing.T) {
	ctx := context.Background()
	c := New("")
	d := drivers(c)
	c.FailAfter(api.KindVpc, "create", api.CodeThrottled, 1)

	_, err := d[api.KindVpc].Create(ctx, api.CreateRequest{Name: "g-vpc"})
	assert.Equal(t, api.CodeThrottled, api.CodeOf(err))
	e, ok := c.Get(api.KindVpc, "g-vpc")
	require.True(t, ok)
	assert.True(t, e.Partial)

	res, err := d[api.KindVpc].(api.Finisher).Finish(ctx, api.CreateRequest{Name: "g-vpc"}, api.Resource{Identifier: e.Identifier})
	require.NoError(t, err)
	assert.Equal(t, e.Identifier, res.Identifier)
	e, _ = c.Get(api.KindVpc, "g-vpc")
	assert.False(t, e.Partial)

	c.FailAfter(api.KindVpc, "delete", api.CodeThrottled, 1)
	err = d[api.KindVpc].Delete(ctx, e.Identifier)
	assert.Equal(t, api.CodeThrottled, api.CodeOf(err))
	assert.Zero(t, c.Count())
}
