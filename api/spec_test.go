package api

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadKnotSpecAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`group: demo
external:
  Vpc: vpc-123
compute:
  type: SPOT
image:
  script: payload.py
  function: main
  requirements: [numpy]
`), 0o644))

	spec, err := LoadKnotSpec(path)
	require.NoError(t, err)
	require.NoError(t, spec.Validate())
	assert.Equal(t, "demo", spec.Group)
	assert.Equal(t, "vpc-123", spec.External[KindVpc])
	assert.Equal(t, DefaultCIDR, spec.Network.CIDR)
	assert.Equal(t, 3, spec.Network.Zones)
	assert.EqualValues(t, 50, spec.Compute.BidPercentage)
	assert.EqualValues(t, DefaultMaxVCPUs, spec.Compute.MaxVCPUs)
	assert.Equal(t, []string{"optimal"}, spec.Compute.InstanceTypes)
	assert.EqualValues(t, DefaultMemoryMiB, spec.Job.MemoryMiB)
	assert.Equal(t, DefaultBaseImage, spec.Image.BaseImage)
	assert.Equal(t, DefaultImageTag, spec.Image.Tag)
	assert.True(t, spec.Image.Build())
}

func TestLoadKnotSpecErrors(t *testing.T) {
	_, err := LoadKnotSpec(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read knot spec")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("group: [unterminated"), 0o644))
	_, err = LoadKnotSpec(path)
	assert.ErrorContains(t, err, "parse knot spec")
}

func TestKnotSpecValidate(t *testing.T) {
	valid := func() KnotSpec {
		s := KnotSpec{Group: "demo", Image: ImageSpec{URI: "busybox"}}
		s.Defaults()
		return s
	}
	tests := []struct {
		name   string
		mutate func(*KnotSpec)
	}{
		{"compute type", func(s *KnotSpec) { s.Compute.Type = "FARGATE" }},
		{"vcpu bounds", func(s *KnotSpec) { s.Compute.MinVCPUs = 10; s.Compute.MaxVCPUs = 4 }},
		{"desired outside bounds", func(s *KnotSpec) { s.Compute.DesiredVCPUs = 1000 }},
		{"retries", func(s *KnotSpec) { s.Job.Retries = 11 }},
		{"no image", func(s *KnotSpec) { s.Image = ImageSpec{} }},
		{"unknown external", func(s *KnotSpec) { s.External = map[Kind]string{"Bucket": "b"} }},
	}
	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(&s)
			var ip *InvalidParameterError
			assert.ErrorAs(t, s.Validate(), &ip)
		})
	}
}

func TestKnotStateTransitions(t *testing.T) {
	assert.True(t, StateUninitialized.CanTransition(StateProvisioning))
	assert.True(t, StateDegraded.CanTransition(StateProvisioning))
	assert.True(t, StateReady.CanTransition(StateSubmitting))
	assert.True(t, StateClobbering.CanTransition(StateDestroyed))
	assert.False(t, StateDegraded.CanTransition(StateSubmitting))
	assert.False(t, StateDestroyed.CanTransition(StateReady))
	assert.False(t, KnotState("Exploded").Valid())
}

func TestKnotRecords(t *testing.T) {
	k := &Knot{Group: "demo"}
	k.SetRecord(ResourceRecord{Kind: KindVpc, Identifier: "vpc-1"})
	k.SetRecord(ResourceRecord{Kind: KindRole, Identifier: "role-1"})
	k.SetRecord(ResourceRecord{Kind: KindVpc, Identifier: "vpc-2"})
	require.Len(t, k.Records, 2)
	rec, ok := k.Record(KindVpc)
	require.True(t, ok)
	assert.Equal(t, "vpc-2", rec.Identifier)
	assert.Equal(t, KindVpc, k.Records[0].Kind)
	assert.Equal(t, "", rec.Attr("missing"))

	k.RemoveRecord(KindVpc)
	_, ok = k.Record(KindVpc)
	assert.False(t, ok)
}

func TestJobStatusRank(t *testing.T) {
	assert.Less(t, JobSubmitted.Rank(), JobRunning.Rank())
	assert.Less(t, JobRunning.Rank(), JobSucceeded.Rank())
	assert.Equal(t, JobSucceeded.Rank(), JobFailed.Rank())
	assert.Zero(t, JobUnknown.Rank())
	assert.True(t, Job{Status: JobUnknown, LastKnown: JobFailed}.Done())
}

func TestCodeOf(t *testing.T) {
	err := &TransientError{Kind: KindVpc, Err: &ProviderError{Code: CodeThrottled}}
	assert.Equal(t, CodeThrottled, CodeOf(err))
	assert.Equal(t, CodeUnknown, CodeOf(assert.AnError))
	assert.Contains(t, (&ProviderError{Kind: KindVpc, Op: "create", Code: CodeConflict}).Error(), "create Vpc -: Conflict")
}
