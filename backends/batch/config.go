package batch

import (
	"fmt"
	"os"
	"strings"
)

// Config holds AWS Batch backend configuration.
type Config struct {
	Region         string
	Profile        string
	EndpointURL    string // Custom endpoint URL for simulator mode
	ServiceRoleARN string // Optional Batch service role; empty uses the service-linked role
	InstanceTypes  []string
	LogGroup       string
}

// ConfigFromEnv loads configuration from environment variables.
func ConfigFromEnv() Config {
	return Config{
		Region:         envOrDefault("AWS_REGION", envOrDefault("AWS_DEFAULT_REGION", "us-east-1")),
		Profile:        os.Getenv("AWS_PROFILE"),
		EndpointURL:    os.Getenv("CLOUDKNOT_ENDPOINT_URL"),
		ServiceRoleARN: os.Getenv("CLOUDKNOT_SERVICE_ROLE_ARN"),
		InstanceTypes:  splitCSV(os.Getenv("CLOUDKNOT_INSTANCE_TYPES")),
		LogGroup:       envOrDefault("CLOUDKNOT_LOG_GROUP", "/aws/batch/job"),
	}
}

// Validate checks required configuration.
func (c Config) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("AWS region is required")
	}
	if c.ServiceRoleARN != "" && !strings.HasPrefix(c.ServiceRoleARN, "arn:") {
		return fmt.Errorf("service role %q is not an ARN", c.ServiceRoleARN)
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
