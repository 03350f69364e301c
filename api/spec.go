package api

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied by KnotSpec.Defaults, matching the original jars defaults.
const (
	DefaultVCPUs       = 1
	DefaultMemoryMiB   = 32000
	DefaultRetries     = 1
	DefaultMaxVCPUs    = 256
	DefaultCIDR        = "10.0.0.0/16"
	DefaultPriority    = 1
	DefaultBaseImage   = "python:3.11"
	DefaultImageTag    = "latest"
	DefaultComputeType = "EC2"
)

// KnotSpec is the declarative definition of a knot.
type KnotSpec struct {
	Group string `yaml:"group"`
	// External maps kinds to identifiers of pre-existing resources that
	// are recorded but never created or deleted.
	External map[Kind]string `yaml:"external"`
	Network  NetworkSpec     `yaml:"network"`
	Compute  ComputeSpec     `yaml:"compute"`
	Queue    QueueSpec       `yaml:"queue"`
	Job      JobSpec         `yaml:"job"`
	Image    ImageSpec       `yaml:"image"`
}

type NetworkSpec struct {
	CIDR string `yaml:"cidr"`
	// Zones caps the number of availability zones given a subnet.
	Zones int `yaml:"zones"`
}

type ComputeSpec struct {
	Type           string   `yaml:"type"`
	MinVCPUs       int32    `yaml:"minVcpus"`
	MaxVCPUs       int32    `yaml:"maxVcpus"`
	DesiredVCPUs   int32    `yaml:"desiredVcpus"`
	InstanceTypes  []string `yaml:"instanceTypes"`
	BidPercentage  int32    `yaml:"bidPercentage"`
	ImageID        string   `yaml:"imageId"`
	EC2KeyPair     string   `yaml:"ec2KeyPair"`
	ServiceRoleARN string   `yaml:"serviceRoleArn"`
}

type QueueSpec struct {
	Priority int32 `yaml:"priority"`
}

type JobSpec struct {
	VCPUs     int32    `yaml:"vcpus"`
	MemoryMiB int32    `yaml:"memory"`
	Retries   int32    `yaml:"retries"`
	Command   []string `yaml:"command"`
}

// ImageSpec describes the container that runs the function payload.
// Either URI names a prebuilt image, or Script names a payload to build.
type ImageSpec struct {
	URI            string   `yaml:"uri"`
	BaseImage      string   `yaml:"baseImage"`
	Script         string   `yaml:"script"`
	Function       string   `yaml:"function"`
	Requirements   []string `yaml:"requirements"`
	GithubInstalls []string `yaml:"githubInstalls"`
	Tag            string   `yaml:"tag"`
}

// Build reports whether the image must be built from a payload.
func (s ImageSpec) Build() bool {
	return s.URI == "" && s.Script != ""
}

// LoadKnotSpec reads a YAML knot definition and applies defaults.
func LoadKnotSpec(path string) (KnotSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return KnotSpec{}, fmt.Errorf("read knot spec: %w", err)
	}
	var spec KnotSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return KnotSpec{}, fmt.Errorf("parse knot spec %s: %w", path, err)
	}
	spec.Defaults()
	return spec, nil
}

// Defaults fills unset fields.
func (s *KnotSpec) Defaults() {
	if s.Network.CIDR == "" {
		s.Network.CIDR = DefaultCIDR
	}
	if s.Network.Zones <= 0 {
		s.Network.Zones = 3
	}
	if s.Compute.Type == "" {
		s.Compute.Type = DefaultComputeType
	}
	if s.Compute.MaxVCPUs == 0 {
		s.Compute.MaxVCPUs = DefaultMaxVCPUs
	}
	if len(s.Compute.InstanceTypes) == 0 {
		s.Compute.InstanceTypes = []string{"optimal"}
	}
	if s.Compute.Type == "SPOT" && s.Compute.BidPercentage == 0 {
		s.Compute.BidPercentage = 50
	}
	if s.Queue.Priority == 0 {
		s.Queue.Priority = DefaultPriority
	}
	if s.Job.VCPUs == 0 {
		s.Job.VCPUs = DefaultVCPUs
	}
	if s.Job.MemoryMiB == 0 {
		s.Job.MemoryMiB = DefaultMemoryMiB
	}
	if s.Job.Retries == 0 {
		s.Job.Retries = DefaultRetries
	}
	if s.Image.BaseImage == "" {
		s.Image.BaseImage = DefaultBaseImage
	}
	if s.Image.Tag == "" {
		s.Image.Tag = DefaultImageTag
	}
}

// Validate checks the fields that Defaults cannot repair.
func (s KnotSpec) Validate() error {
	switch s.Compute.Type {
	case "EC2", "SPOT":
	default:
		return &InvalidParameterError{Message: fmt.Sprintf("compute type must be EC2 or SPOT, got %q", s.Compute.Type)}
	}
	if s.Compute.MinVCPUs < 0 || s.Compute.MaxVCPUs < s.Compute.MinVCPUs {
		return &InvalidParameterError{Message: "compute vcpus: need 0 <= minVcpus <= maxVcpus"}
	}
	if s.Compute.DesiredVCPUs != 0 && (s.Compute.DesiredVCPUs < s.Compute.MinVCPUs || s.Compute.DesiredVCPUs > s.Compute.MaxVCPUs) {
		return &InvalidParameterError{Message: "compute desiredVcpus must lie between minVcpus and maxVcpus"}
	}
	if s.Job.Retries < 1 || s.Job.Retries > 10 {
		return &InvalidParameterError{Message: "job retries must be between 1 and 10"}
	}
	if s.Image.URI == "" && s.Image.Script == "" {
		return &InvalidParameterError{Message: "image: set either uri or script"}
	}
	for kind := range s.External {
		if !isKind(kind) {
			return &InvalidParameterError{Message: fmt.Sprintf("external: unknown resource kind %q", kind)}
		}
	}
	return nil
}

func isKind(k Kind) bool {
	for _, kk := range Kinds {
		if kk == k {
			return true
		}
	}
	return false
}
