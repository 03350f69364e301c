package docker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maouw/cloudknot/api"
)

type fakeEngine struct {
	buildTags  []string
	buildErr   string
	pushRef    string
	pushAuth   string
	pushStream string
}

func (f *fakeEngine) ImageBuild(_ context.Context, r io.Reader, opts types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	if _, err := io.ReadAll(r); err != nil {
		return types.ImageBuildResponse{}, err
	}
	f.buildTags = opts.Tags
	stream := `{"stream":"Step 1/4 : FROM python"}` + "\n"
	if f.buildErr != "" {
		stream += `{"errorDetail":{"message":"` + f.buildErr + `"},"error":"` + f.buildErr + `"}` + "\n"
	}
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(stream))}, nil
}

func (f *fakeEngine) ImagePush(_ context.Context, ref string, opts image.PushOptions) (io.ReadCloser, error) {
	f.pushRef = ref
	f.pushAuth = opts.RegistryAuth
	return io.NopCloser(strings.NewReader(f.pushStream)), nil
}

type staticAuth struct{ err error }

func (a staticAuth) Auth(context.Context) (string, string, string, error) {
	return "AWS", "pw", "123.dkr.ecr.us-east-1.amazonaws.com", a.err
}

const repoURI = "123.dkr.ecr.us-east-1.amazonaws.com/demo-cloudknot-repo"

func TestPushBuildsAndPushes(t *testing.T) {
	eng := &fakeEngine{pushStream: `{"status":"Pushed"}` + "\n" +
		`{"aux":{"Tag":"v1","Digest":"sha256:abc","Size":10}}` + "\n"}
	p := NewPusher(eng, staticAuth{}, nil, zerolog.Nop())

	ref, err := p.Push(context.Background(), repoURI, "v1", api.BuildContext{"Dockerfile": []byte("FROM x\n")})
	require.NoError(t, err)
	assert.Equal(t, api.ImageRef{Tag: "v1", URI: repoURI + ":v1", Digest: "sha256:abc"}, ref)
	assert.Equal(t, []string{repoURI + ":v1"}, eng.buildTags)
	assert.Equal(t, repoURI+":v1", eng.pushRef)

	raw, err := base64.URLEncoding.DecodeString(eng.pushAuth)
	require.NoError(t, err)
	var cfg registry.AuthConfig
	require.NoError(t, json.Unmarshal(raw, &cfg))
	assert.Equal(t, "AWS", cfg.Username)
	assert.Equal(t, "pw", cfg.Password)
}

func TestPushReportsBuildFailure(t *testing.T) {
	eng := &fakeEngine{buildErr: "pip failed"}
	p := NewPusher(eng, nil, nil, zerolog.Nop())
	_, err := p.Push(context.Background(), repoURI, "v1", api.BuildContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pip failed")
	assert.Empty(t, eng.pushRef)
}

func TestPushAuthFailure(t *testing.T) {
	boom := errors.New("no token")
	p := NewPusher(&fakeEngine{}, staticAuth{err: boom}, nil, zerolog.Nop())
	_, err := p.Push(context.Background(), repoURI, "v1", api.BuildContext{})
	assert.ErrorIs(t, err, boom)
}

func TestPushRejectsBadReference(t *testing.T) {
	p := NewPusher(&fakeEngine{}, nil, nil, zerolog.Nop())
	_, err := p.Push(context.Background(), repoURI, "bad tag!", api.BuildContext{})
	var ipe *api.InvalidParameterError
	assert.ErrorAs(t, err, &ipe)
}
