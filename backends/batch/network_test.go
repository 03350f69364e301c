package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maouw/cloudknot/api"
)

func TestSubnetCIDRs(t *testing.T) {
	got, err := SubnetCIDRs("10.0.0.0/16", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/20", "10.0.16.0/20", "10.0.32.0/20"}, got)

	got, err = SubnetCIDRs("172.16.5.0/20", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"172.16.0.0/24", "172.16.1.0/24"}, got)
}

func TestSubnetCIDRsRejectsBadInput(t *testing.T) {
	for _, cidr := range []string{"", "not-a-cidr", "10.0.0.0/26", "fd00::/48"} {
		_, err := SubnetCIDRs(cidr, 2)
		var ipe *api.InvalidParameterError
		assert.ErrorAs(t, err, &ipe, cidr)
	}
}

func TestEC2TagsSorted(t *testing.T) {
	tags := ec2Tags(map[string]string{"b": "2", "a": "1"})
	require.Len(t, tags, 2)
	assert.Equal(t, "a", *tags[0].Key)
	assert.Equal(t, "2", *tags[1].Value)
}
