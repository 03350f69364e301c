package core

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maouw/cloudknot/api"
)

var nameCharset = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func TestDeriveNameShortGroup(t *testing.T) {
	tests := []struct {
		kind api.Kind
		want string
	}{
		{api.KindVpc, "demo-cloudknot-vpc"},
		{api.KindSubnet, "demo-cloudknot-subnet"},
		{api.KindSecurityGroup, "demo-cloudknot-security-group"},
		{api.KindRole, "demo-cloudknot-instance-role"},
		{api.KindRepository, "demo-cloudknot-repo"},
		{api.KindComputeEnvironment, "demo-cloudknot-compute-environment"},
		{api.KindJobQueue, "demo-cloudknot-job-queue"},
		{api.KindJobDefinition, "demo-cloudknot-job-definition"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveName("demo", tt.kind))
		})
	}
}

func TestDeriveNameIsDeterministic(t *testing.T) {
	group := strings.Repeat("abc", 40)
	first := Names(group)
	second := Names(group)
	assert.Equal(t, first, second)
	assert.Len(t, first, len(api.Kinds))
}

func TestDeriveNameRespectsLimits(t *testing.T) {
	for _, n := range []int{1, 40, 60, 100, MaxGroupLength} {
		group := "g" + strings.Repeat("x", n-1)
		require.NoError(t, ValidateGroup(group))
		for _, kind := range api.Kinds {
			name := DeriveName(group, kind)
			assert.LessOrEqual(t, len(name), nameLimit(kind), "%s for %d-char group", kind, n)
			assert.Regexp(t, nameCharset, name)
		}
	}
}

func TestDeriveNameHashesLongGroups(t *testing.T) {
	group := "analysis-" + strings.Repeat("a", 60)
	name := DeriveName(group, api.KindRole)
	assert.Contains(t, name, "_")
	assert.True(t, strings.HasSuffix(name, "-cloudknot-instance-role"))
	assert.True(t, strings.HasPrefix(name, "analysis-"))

	// Groups that agree on the kept prefix still get distinct names.
	other := "analysis-" + strings.Repeat("a", 59) + "b"
	assert.NotEqual(t, name, DeriveName(other, api.KindRole))
}

func TestDeriveNameLowercasesRepository(t *testing.T) {
	name := DeriveName("MyGroup", api.KindRepository)
	assert.Equal(t, strings.ToLower(name), name)
	assert.True(t, strings.HasPrefix(name, "mygroup_"))
	assert.NotEqual(t, name, DeriveName("mygroup", api.KindRepository))

	name = DeriveName("a--b", api.KindRepository)
	assert.NotContains(t, name, "--")
}

func TestValidateGroup(t *testing.T) {
	for _, good := range []string{"a", "demo", "Demo-2", "x" + strings.Repeat("1", MaxGroupLength-1)} {
		assert.NoError(t, ValidateGroup(good), good)
	}
	for _, bad := range []string{"", "1abc", "-abc", "has_underscore", "has space", "x" + strings.Repeat("1", MaxGroupLength)} {
		var ip *api.InvalidParameterError
		assert.ErrorAs(t, ValidateGroup(bad), &ip, bad)
	}
}
