package batch

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"

	"github.com/maouw/cloudknot/api"
)

// repositoryDriver manages the knot's image repository. The identifier
// is the repository name, since ECR deletes by name.
type repositoryDriver struct {
	ecr *ecr.Client
}

func (d *repositoryDriver) Kind() api.Kind { return api.KindRepository }

func repositoryResource(r ecrtypes.Repository) api.Resource {
	return api.Resource{
		Identifier: aws.ToString(r.RepositoryName),
		Attributes: map[string]string{
			api.AttrARN:           aws.ToString(r.RepositoryArn),
			api.AttrRepositoryURI: aws.ToString(r.RepositoryUri),
		},
	}
}

func (d *repositoryDriver) Describe(ctx context.Context, name string) (api.Resource, bool, error) {
	out, err := d.ecr.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{name},
	})
	if err != nil {
		err = wrap(api.KindRepository, "describe", name, err)
		if isCode(err, api.CodeNotFound) {
			return api.Resource{}, false, nil
		}
		return api.Resource{}, false, err
	}
	for _, r := range out.Repositories {
		return repositoryResource(r), true, nil
	}
	return api.Resource{}, false, nil
}

func (d *repositoryDriver) Create(ctx context.Context, req api.CreateRequest) (api.Resource, error) {
	keys := make([]string, 0, len(req.Tags))
	for k := range req.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tags := make([]ecrtypes.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, ecrtypes.Tag{Key: aws.String(k), Value: aws.String(req.Tags[k])})
	}
	out, err := d.ecr.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(req.Name),
		Tags:           tags,
	})
	if err != nil {
		return api.Resource{}, wrap(api.KindRepository, "create", req.Name, err)
	}
	return repositoryResource(*out.Repository), nil
}

// Resolve accepts a repository name, ARN or URI.
func (d *repositoryDriver) Resolve(ctx context.Context, id string) (api.Resource, error) {
	name := id
	if i := strings.Index(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	res, ok, err := d.Describe(ctx, name)
	if err != nil {
		return api.Resource{}, err
	}
	if !ok {
		return api.Resource{}, notFound(api.KindRepository, "resolve", id)
	}
	return res, nil
}

func (d *repositoryDriver) Delete(ctx context.Context, id string) error {
	_, err := d.ecr.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{
		RepositoryName: aws.String(id),
		Force:          true,
	})
	return wrap(api.KindRepository, "delete", id, err)
}

// Registry exchanges an ECR authorization token for docker credentials.
type Registry struct {
	ecr *ecr.Client
}

// NewRegistry returns a Registry backed by clients.
func NewRegistry(clients *AWSClients) *Registry {
	return &Registry{ecr: clients.ECR}
}

// Auth returns the username, password and registry endpoint for pushes.
func (r *Registry) Auth(ctx context.Context) (username, password, endpoint string, err error) {
	out, err := r.ecr.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", "", "", wrap(api.KindRepository, "auth", "", err)
	}
	if len(out.AuthorizationData) == 0 {
		return "", "", "", fmt.Errorf("ecr returned no authorization data")
	}
	data := out.AuthorizationData[0]
	return decodeAuthToken(aws.ToString(data.AuthorizationToken), aws.ToString(data.ProxyEndpoint))
}

func decodeAuthToken(token, endpoint string) (username, password, server string, err error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", "", "", fmt.Errorf("decode ecr token: %w", err)
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return "", "", "", fmt.Errorf("malformed ecr token")
	}
	return user, pass, strings.TrimPrefix(endpoint, "https://"), nil
}
