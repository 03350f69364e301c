package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maouw/cloudknot/api"
	"github.com/maouw/cloudknot/backends/memory"
)

// squatterDriver reports every name as free but refuses to create it,
// like a name held by a resource of an incompatible shape.
type squatterDriver struct{ creates int }

func (d *squatterDriver) Kind() api.Kind { return api.KindRepository }

func (d *squatterDriver) Describe(context.Context, string) (api.Resource, bool, error) {
	return api.Resource{}, false, nil
}

func (d *squatterDriver) Create(_ context.Context, req api.CreateRequest) (api.Resource, error) {
	d.creates++
	return api.Resource{}, &api.ProviderError{Kind: api.KindRepository, Op: "create", Identifier: req.Name, Code: api.CodeConflict}
}

func (d *squatterDriver) Delete(context.Context, string) error { return nil }

// laggingDriver hides resources from the first misses describes, like
// a provider whose reads trail its writes.
type laggingDriver struct {
	api.Driver
	misses int
}

func (d *laggingDriver) Describe(ctx context.Context, name string) (api.Resource, bool, error) {
	res, ok, err := d.Driver.Describe(ctx, name)
	if d.misses > 0 {
		d.misses--
		return api.Resource{}, false, err
	}
	return res, ok, err
}

func (d *laggingDriver) Finish(ctx context.Context, req api.CreateRequest, res api.Resource) (api.Resource, error) {
	return d.Driver.(api.Finisher).Finish(ctx, req, res)
}

func driverFor(cloud *memory.Cloud, kind api.Kind) api.Driver {
	for _, d := range cloud.Drivers() {
		if d.Kind() == kind {
			return d
		}
	}
	return nil
}

func newTestClient(cloud *memory.Cloud) *Client {
	c := NewClient(cloud.Drivers(), ZeroPolicy(3), NewMetrics(), zerolog.Nop())
	c.now = func() time.Time { return testNow }
	return c
}

func TestEnsureCreatesOwned(t *testing.T) {
	cloud := memory.New("")
	c := newTestClient(cloud)

	rec, err := c.Ensure(context.Background(), api.KindVpc, api.CreateRequest{Name: "demo-cloudknot-vpc", Group: "demo"})
	require.NoError(t, err)
	assert.True(t, rec.Owned)
	assert.Equal(t, api.KindVpc, rec.Kind)
	assert.Equal(t, "demo-cloudknot-vpc", rec.Name)
	assert.True(t, rec.CreatedAt.Equal(testNow))
	assert.Equal(t, 1, cloud.CallCount(api.KindVpc, "create"))
}

func TestEnsureAdoptsExisting(t *testing.T) {
	cloud := memory.New("")
	id := cloud.Seed(api.KindVpc, "demo-cloudknot-vpc")
	c := newTestClient(cloud)

	rec, err := c.Ensure(context.Background(), api.KindVpc, api.CreateRequest{Name: "demo-cloudknot-vpc"})
	require.NoError(t, err)
	assert.False(t, rec.Owned)
	assert.Equal(t, id, rec.Identifier)
	assert.Zero(t, cloud.CallCount(api.KindVpc, "create"))
}

func TestEnsureAdoptsAfterLostRace(t *testing.T) {
	cloud := memory.New("")
	cloud.Fail(api.KindVpc, "create", api.CodeConflict, 1)
	c := newTestClient(cloud)

	rec, err := c.Ensure(context.Background(), api.KindVpc, api.CreateRequest{Name: "demo-cloudknot-vpc"})
	require.NoError(t, err)
	assert.False(t, rec.Owned)
	assert.NotEmpty(t, rec.Identifier)
	assert.Equal(t, 2, cloud.CallCount(api.KindVpc, "describe"))
}

func TestEnsureConflictWithoutResource(t *testing.T) {
	d := &squatterDriver{}
	c := NewClient([]api.Driver{d}, ZeroPolicy(3), nil, zerolog.Nop())

	_, err := c.Ensure(context.Background(), api.KindRepository, api.CreateRequest{Name: "demo-cloudknot-repo"})
	var conflict *api.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "demo-cloudknot-repo", conflict.Identifier)
	assert.Equal(t, 1, d.creates, "conflicts are not retried")
}

func TestEnsureResumesPartialCreate(t *testing.T) {
	cloud := memory.New("")
	cloud.FailAfter(api.KindVpc, "create", api.CodeThrottled, 1)
	c := newTestClient(cloud)

	rec, err := c.Ensure(context.Background(), api.KindVpc, api.CreateRequest{Name: "demo-cloudknot-vpc"})
	require.NoError(t, err)
	assert.True(t, rec.Owned)
	assert.Equal(t, 1, cloud.CallCount(api.KindVpc, "create"), "the retry must not create a second VPC")
	assert.Equal(t, 1, cloud.CallCount(api.KindVpc, "finish"))
	assert.Equal(t, 1, cloud.Count())
	e, ok := cloud.Get(api.KindVpc, "demo-cloudknot-vpc")
	require.True(t, ok)
	assert.Equal(t, e.Identifier, rec.Identifier)
	assert.False(t, e.Partial)
}

func TestEnsureOwnsConflictWithItsOwnAttempt(t *testing.T) {
	cloud := memory.New("")
	// The first attempt creates the role and fails; the lookup before the
	// retry misses it, so the retry collides with the first attempt.
	cloud.FailAfter(api.KindRole, "create", api.CodeThrottled, 1)
	c := newTestClient(cloud)
	lagging := &laggingDriver{Driver: driverFor(cloud, api.KindRole), misses: 2}
	c.drivers[api.KindRole] = lagging

	rec, err := c.Ensure(context.Background(), api.KindRole, api.CreateRequest{Name: "demo-cloudknot-role"})
	require.NoError(t, err)
	assert.True(t, rec.Owned, "a role this call created is owned")
	assert.Equal(t, 2, cloud.CallCount(api.KindRole, "create"))
	e, ok := cloud.Get(api.KindRole, "demo-cloudknot-role")
	require.True(t, ok)
	assert.False(t, e.Partial)
	assert.Equal(t, 1, cloud.Count())
}

func TestThrottlingBecomesTransient(t *testing.T) {
	cloud := memory.New("")
	cloud.Fail(api.KindRole, "describe", api.CodeThrottled, 10)
	c := newTestClient(cloud)

	_, _, err := c.Describe(context.Background(), api.KindRole, "demo-cloudknot-instance-role")
	var te *api.TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 3, te.Attempts)
	assert.Equal(t, api.CodeThrottled, api.CodeOf(err))
	assert.Equal(t, 3, cloud.CallCount(api.KindRole, "describe"))
	assert.EqualValues(t, 1, c.Metrics().Calls(api.KindRole, "describe"))
}

func TestThrottlingRecovers(t *testing.T) {
	cloud := memory.New("")
	cloud.Fail(api.KindRole, "describe", api.CodeThrottled, 2)
	c := newTestClient(cloud)

	_, found, err := c.Describe(context.Background(), api.KindRole, "demo-cloudknot-instance-role")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPermissionDeniedIsNotRetried(t *testing.T) {
	cloud := memory.New("")
	cloud.Fail(api.KindVpc, "create", api.CodePermissionDenied, 5)
	c := newTestClient(cloud)

	_, err := c.Ensure(context.Background(), api.KindVpc, api.CreateRequest{Name: "demo-cloudknot-vpc"})
	var pe *api.PermissionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "create", pe.Op)
	assert.Equal(t, 1, cloud.CallCount(api.KindVpc, "create"))
}

func TestRemoveMissingIsSuccess(t *testing.T) {
	c := newTestClient(memory.New(""))
	assert.NoError(t, c.Remove(context.Background(), api.KindSecurityGroup, "sg-gone"))
}

func TestRemoveInUseSurfaces(t *testing.T) {
	cloud := memory.New("")
	c := newTestClient(cloud)
	ctx := context.Background()
	vpc, err := c.Ensure(ctx, api.KindVpc, api.CreateRequest{Name: "demo-cloudknot-vpc"})
	require.NoError(t, err)
	_, err = c.Ensure(ctx, api.KindSecurityGroup, api.CreateRequest{
		Name: "demo-cloudknot-security-group",
		Deps: map[api.Kind]api.ResourceRecord{api.KindVpc: vpc},
	})
	require.NoError(t, err)

	err = c.Remove(ctx, api.KindVpc, vpc.Identifier)
	assert.Equal(t, api.CodeInUse, api.CodeOf(err))
}

func TestResolve(t *testing.T) {
	cloud := memory.New("")
	arn := cloud.Seed(api.KindRole, "shared")
	c := newTestClient(cloud)

	res, err := c.Resolve(context.Background(), api.KindRole, "shared")
	require.NoError(t, err)
	assert.Equal(t, arn, res.Identifier)
	assert.NotEmpty(t, res.Attributes[api.AttrInstanceProfileARN])

	plain := NewClient([]api.Driver{&squatterDriver{}}, ZeroPolicy(1), nil, zerolog.Nop())
	res, err = plain.Resolve(context.Background(), api.KindRepository, "as-is")
	require.NoError(t, err)
	assert.Equal(t, "as-is", res.Identifier)
}

func TestMissingDriver(t *testing.T) {
	c := NewClient(nil, ZeroPolicy(1), nil, zerolog.Nop())
	_, _, err := c.Describe(context.Background(), api.KindVpc, "x")
	assert.Error(t, err)
	assert.False(t, errors.As(err, new(*api.ProviderError)))
}
