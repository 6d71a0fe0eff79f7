package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Sample is one low/high resolution pair read from a WebDataset shard.
type Sample struct {
	Key    string
	Input  []byte
	Target []byte
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

// ErrEmptySplit is returned when a split holds no samples.
var ErrEmptySplit = errors.New("dataset: split is empty")

const defaultPendingCap = 1024

// Member roles inside a shard: <key>.input.<ext> and <key>.target.<ext>.
const (
	roleInput  = ".input"
	roleTarget = ".target"
)

// StreamShard streams paired samples from the shard at path. Members are
// matched by key; the error channel yields at most one error.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- errors.Wrap(err, "open shard")
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- errors.Wrap(err, "read tar")
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}

			key, role, ok := splitMemberName(filepath.Base(hdr.Name))
			if !ok {
				continue
			}
			data, err := io.ReadAll(tr)
			if err != nil {
				errCh <- errors.Wrapf(err, "read member %s", hdr.Name)
				return
			}

			part := pending[key]
			if part == nil {
				part = &partial{}
				pending[key] = part
			}
			if role == roleInput {
				part.input = data
			} else {
				part.target = data
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part.ready() {
				delete(pending, key)
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- Sample{Key: key, Input: part.input, Target: part.target}:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- errors.Errorf("%s: %d samples missing an input or target", path, len(pending))
		}
	}()

	return out, errCh
}

// splitMemberName parses "<key>.<role>.<ext>" for image extensions.
func splitMemberName(name string) (key, role string, ok bool) {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".jpg", ".jpeg", ".png":
	default:
		return "", "", false
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	role = strings.ToLower(filepath.Ext(stem))
	if role != roleInput && role != roleTarget {
		return "", "", false
	}
	key = strings.TrimSuffix(stem, filepath.Ext(stem))
	if key == "" {
		return "", "", false
	}
	return key, role, true
}

type partial struct {
	input  []byte
	target []byte
}

func (p *partial) ready() bool {
	return len(p.input) > 0 && len(p.target) > 0
}
