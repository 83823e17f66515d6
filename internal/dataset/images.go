package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"k8s.io/klog/v2"

	"graphforge/internal/schema"
)

// Field names of image records.
const (
	PixelField = "pixel"
	LabelField = "label"
)

// ImageOptions configures ShardSource.
type ImageOptions struct {
	// Size is the side of the square [3, Size, Size] pixel grid.
	Size       int
	Classes    int
	Seed       int64
	NumWorkers int
}

// ShardSource reads image/label tar shards. Every pass streams each shard
// once through the multi-root sampler. Images that fail to decode are
// skipped.
func ShardSource(roots map[string][]string, opts ImageOptions) Source {
	return func(ctx context.Context, pass int) (Reader, error) {
		samples, errs, err := StartSampler(ctx, SamplerOptions{
			Roots:      roots,
			Seed:       opts.Seed,
			Pass:       pass,
			NumWorkers: opts.NumWorkers,
		})
		if err != nil {
			return nil, err
		}
		return &shardReader{samples: samples, errs: errs, opts: opts}, nil
	}
}

type shardReader struct {
	samples <-chan Sample
	errs    <-chan error
	opts    ImageOptions
}

func (r *shardReader) Next(ctx context.Context) (schema.Record, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case sample, ok := <-r.samples:
			if !ok {
				if err := <-r.errs; err != nil {
					return nil, err
				}
				return nil, ErrEndOfData
			}
			pixels, err := DecodeImage(sample.Image, r.opts.Size)
			if err != nil {
				klog.V(2).Infof("skip sample=%s: %v", sample.Key, err)
				continue
			}
			return schema.Record{
				PixelField: schema.Floats(pixels...),
				LabelField: schema.Ints(int64(clampLabel(sample.Label, r.opts.Classes))),
			}, nil
		}
	}
}

// DecodeImage samples raw onto a size×size grid and returns channel-major
// RGB intensities in [0, 1].
func DecodeImage(raw []byte, size int) ([]float64, error) {
	if size <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", size)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("empty image")
	}
	plane := size * size
	out := make([]float64, 3*plane)
	for gy := 0; gy < size; gy++ {
		py := bounds.Min.Y + min(height-1, gy*height/size)
		for gx := 0; gx < size; gx++ {
			px := bounds.Min.X + min(width-1, gx*width/size)
			r, g, b, _ := img.At(px, py).RGBA()
			i := gy*size + gx
			out[i] = float64(r) / 65535
			out[plane+i] = float64(g) / 65535
			out[2*plane+i] = float64(b) / 65535
		}
	}
	return out, nil
}

func clampLabel(label, classes int) int {
	if label < 0 {
		return 0
	}
	if classes > 0 && label >= classes {
		return label % classes
	}
	return label
}
