// Package docker turns a function payload into a container image and
// pushes it to the knot's repository.
package docker

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/maouw/cloudknot/api"
)

const (
	// Username is the unprivileged account the payload runs as.
	Username = "cloudknot-user"

	dockerfileName   = "Dockerfile"
	requirementsName = "requirements.txt"
)

var dockerfileTmpl = template.Must(template.New("Dockerfile").Parse(`FROM {{.BaseImage}}

ENV APP_NAME={{.AppName}}
{{- if .Function}}
ENV CLOUDKNOT_FUNCTION={{.Function}}
{{- end}}

COPY requirements.txt /tmp/requirements.txt
RUN pip install --no-cache-dir -r /tmp/requirements.txt
{{- range .GithubInstalls}} \
    && pip install --no-cache-dir git+{{.}}
{{- end}}

RUN groupadd -r {{.Username}} && useradd -m -r -g {{.Username}} {{.Username}}
USER {{.Username}}
WORKDIR /home/{{.Username}}

COPY --chown={{.Username}} {{.Script}} /home/{{.Username}}/{{.Script}}

ENTRYPOINT ["python", "/home/{{.Username}}/{{.Script}}"]
`))

type dockerfileData struct {
	AppName        string
	BaseImage      string
	Function       string
	GithubInstalls []string
	Username       string
	Script         string
}

// RenderDockerfile renders the Dockerfile for payload spec, named app.
func RenderDockerfile(app string, spec api.ImageSpec) ([]byte, error) {
	base := spec.BaseImage
	if base == "" {
		base = api.DefaultBaseImage
	}
	var buf bytes.Buffer
	err := dockerfileTmpl.Execute(&buf, dockerfileData{
		AppName:        app,
		BaseImage:      base,
		Function:       spec.Function,
		GithubInstalls: spec.GithubInstalls,
		Username:       Username,
		Script:         filepath.Base(spec.Script),
	})
	if err != nil {
		return nil, fmt.Errorf("render Dockerfile: %w", err)
	}
	return buf.Bytes(), nil
}

// Requirements renders requirements.txt, one sorted requirement per line.
func Requirements(reqs []string) []byte {
	seen := map[string]bool{}
	lines := make([]string, 0, len(reqs))
	for _, r := range reqs {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		lines = append(lines, r)
	}
	sort.Strings(lines)
	if len(lines) == 0 {
		return nil
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// Builder assembles build contexts from payload scripts on disk.
type Builder struct {
	// ReadFile defaults to os.ReadFile.
	ReadFile func(string) ([]byte, error)
}

// Build reads the payload script and returns the files docker needs.
func (b Builder) Build(spec api.ImageSpec) (api.BuildContext, error) {
	if spec.Script == "" {
		return nil, &api.InvalidParameterError{Message: "image build requires a payload script"}
	}
	read := b.ReadFile
	if read == nil {
		read = os.ReadFile
	}
	script, err := read(spec.Script)
	if err != nil {
		return nil, fmt.Errorf("read payload %s: %w", spec.Script, err)
	}
	app := strings.TrimSuffix(filepath.Base(spec.Script), filepath.Ext(spec.Script))
	df, err := RenderDockerfile(app, spec)
	if err != nil {
		return nil, err
	}
	return api.BuildContext{
		dockerfileName:             df,
		requirementsName:           Requirements(spec.Requirements),
		filepath.Base(spec.Script): script,
	}, nil
}
