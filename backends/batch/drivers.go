// Package batch binds the resource drivers and job API to AWS.
package batch

import "github.com/maouw/cloudknot/api"

// Drivers returns one driver per resource kind, backed by clients.
func Drivers(clients *AWSClients, cfg Config) []api.Driver {
	return []api.Driver{
		&vpcDriver{ec2: clients.EC2},
		&subnetDriver{ec2: clients.EC2},
		&securityGroupDriver{ec2: clients.EC2},
		&roleDriver{iam: clients.IAM},
		&repositoryDriver{ecr: clients.ECR},
		&computeEnvironmentDriver{batch: clients.Batch, cfg: cfg},
		&jobQueueDriver{batch: clients.Batch},
		&jobDefinitionDriver{batch: clients.Batch},
	}
}

var (
	_ api.Finisher = (*vpcDriver)(nil)
	_ api.Finisher = (*subnetDriver)(nil)
	_ api.Finisher = (*roleDriver)(nil)
)
