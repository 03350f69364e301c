package docker

import (
	"archive/tar"
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/maouw/cloudknot/api"
)

// Tar packs bc into the tar stream the engine expects as build context.
// Entries are sorted and timestamped at the epoch so identical contexts
// produce identical streams.
func Tar(bc api.BuildContext) (*bytes.Buffer, error) {
	names := make([]string, 0, len(bc))
	for name := range bc {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		data := bc[name]
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: time.Unix(0, 0),
			Format:  tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("tar header %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("tar write %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
