package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Sample is one image/label pair read from a tar shard.
type Sample struct {
	Key   string
	Image []byte
	Label int
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// pairer matches image and label members that share a key. Members of one
// sample may arrive in either order.
type pairer struct {
	pending map[string]*Sample
	labeled map[string]bool
	limit   int
}

func newPairer(limit int) *pairer {
	return &pairer{pending: map[string]*Sample{}, labeled: map[string]bool{}, limit: limit}
}

func (p *pairer) get(key string) *Sample {
	s := p.pending[key]
	if s == nil {
		s = &Sample{Key: key}
		p.pending[key] = s
	}
	return s
}

// add records one member and returns the sample once both halves are known.
func (p *pairer) add(key, ext string, payload []byte) (*Sample, error) {
	switch ext {
	case ".jpg", ".jpeg", ".png":
		p.get(key).Image = payload
	case ".cls":
		label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
		if err != nil {
			return nil, fmt.Errorf("parse label %s%s: %w", key, ext, err)
		}
		p.get(key).Label = label
		p.labeled[key] = true
	default:
		return nil, nil
	}
	if len(p.pending) > p.limit {
		return nil, ErrPendingOverflow
	}
	s := p.pending[key]
	if len(s.Image) == 0 || !p.labeled[key] {
		return nil, nil
	}
	delete(p.pending, key)
	delete(p.labeled, key)
	return s, nil
}

// StreamShard streams paired samples from the shard at path. The error
// channel receives at most one error and is closed with the sample channel.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)
		if err := streamShard(ctx, path, newPairer(pendingCap), out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

func streamShard(ctx context.Context, path string, p *pairer, out chan<- Sample) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(hdr.Name)
		ext := strings.ToLower(filepath.Ext(name))
		payload, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		sample, err := p.add(strings.TrimSuffix(name, filepath.Ext(name)), ext, payload)
		if err != nil {
			return err
		}
		if sample == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- *sample:
		}
	}
	if len(p.pending) > 0 {
		return fmt.Errorf("%s: %d samples incomplete", filepath.Base(path), len(p.pending))
	}
	return nil
}
