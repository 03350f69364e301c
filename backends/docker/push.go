package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/rs/zerolog"

	"github.com/maouw/cloudknot/api"
)

// Engine is the part of the docker client the pusher drives.
type Engine interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
}

// RegistryAuth issues credentials for the registry an image is pushed to.
type RegistryAuth interface {
	Auth(ctx context.Context) (username, password, endpoint string, err error)
}

// NewEngine connects to the docker daemon at host, or to the one named
// by the environment when host is empty.
func NewEngine(host string) (*dockerclient.Client, error) {
	opts := []dockerclient.Opt{
		dockerclient.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	} else {
		opts = append(opts, dockerclient.FromEnv)
	}
	return dockerclient.NewClientWithOpts(opts...)
}

// Pusher builds images from build contexts and pushes them.
type Pusher struct {
	engine Engine
	auth   RegistryAuth
	out    io.Writer
	logger zerolog.Logger
}

// NewPusher returns a pusher over engine. A nil auth pushes anonymously;
// a nil out discards build output.
func NewPusher(engine Engine, auth RegistryAuth, out io.Writer, logger zerolog.Logger) *Pusher {
	if out == nil {
		out = io.Discard
	}
	return &Pusher{engine: engine, auth: auth, out: out, logger: logger}
}

// Push builds bc as repositoryURI:tag and pushes it.
func (p *Pusher) Push(ctx context.Context, repositoryURI, tag string, bc api.BuildContext) (api.ImageRef, error) {
	ref, err := name.NewTag(repositoryURI + ":" + tag)
	if err != nil {
		return api.ImageRef{}, &api.InvalidParameterError{Message: fmt.Sprintf("image reference %s:%s: %v", repositoryURI, tag, err)}
	}
	log := p.logger.With().Str("image", ref.String()).Logger()

	buildCtx, err := Tar(bc)
	if err != nil {
		return api.ImageRef{}, err
	}
	log.Info().Msg("building image")
	resp, err := p.engine.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{ref.String()},
		Dockerfile:  dockerfileName,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return api.ImageRef{}, fmt.Errorf("docker build %s: %w", ref, err)
	}
	err = jsonmessage.DisplayJSONMessagesStream(resp.Body, p.out, 0, false, nil)
	resp.Body.Close()
	if err != nil {
		return api.ImageRef{}, fmt.Errorf("docker build %s: %w", ref, err)
	}

	opts := image.PushOptions{}
	if p.auth != nil {
		user, pass, server, err := p.auth.Auth(ctx)
		if err != nil {
			return api.ImageRef{}, err
		}
		enc, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username:      user,
			Password:      pass,
			ServerAddress: server,
		})
		if err != nil {
			return api.ImageRef{}, fmt.Errorf("encode registry auth: %w", err)
		}
		opts.RegistryAuth = enc
	}

	log.Info().Msg("pushing image")
	rc, err := p.engine.ImagePush(ctx, ref.String(), opts)
	if err != nil {
		return api.ImageRef{}, fmt.Errorf("docker push %s: %w", ref, err)
	}
	defer rc.Close()

	var digest string
	err = jsonmessage.DisplayJSONMessagesStream(rc, p.out, 0, false, func(m jsonmessage.JSONMessage) {
		if m.Aux == nil {
			return
		}
		var aux struct {
			Digest string `json:"Digest"`
		}
		if json.Unmarshal(*m.Aux, &aux) == nil && aux.Digest != "" {
			digest = aux.Digest
		}
	})
	if err != nil {
		return api.ImageRef{}, fmt.Errorf("docker push %s: %w", ref, err)
	}
	log.Info().Str("digest", digest).Msg("image pushed")
	return api.ImageRef{Tag: tag, URI: ref.String(), Digest: digest}, nil
}
