package model

import (
	"fmt"

	"graphforge/internal/config"
	"graphforge/internal/dataset"
	"graphforge/internal/graph"
	"graphforge/internal/schema"
)

// Net selects the image classifier body.
type Net string

const (
	NetVGG    Net = "vgg"
	NetResNet Net = "resnet"
)

// ParseNet maps a command line name to a Net.
func ParseNet(name string) (Net, error) {
	switch Net(name) {
	case NetVGG, NetResNet:
		return Net(name), nil
	}
	return "", fmt.Errorf("%w: %s network is not supported", config.ErrConfiguration, name)
}

// VGGBlock is one conv group: len(Dropouts) 3x3 convolutions with Filters
// channels, each followed by batch norm and dropout at the given rate
// (skipped when zero), then a 2x2 max pool.
type VGGBlock struct {
	Filters  int
	Dropouts []float64
}

// VGG16 is the CIFAR variant of VGG16 with batch norm and dropout.
var VGG16 = []VGGBlock{
	{64, []float64{0.3, 0}},
	{128, []float64{0.4, 0}},
	{256, []float64{0.4, 0.4, 0}},
	{512, []float64{0.4, 0.4, 0}},
	{512, []float64{0.4, 0.4, 0}},
}

// ImageConfig sizes the image classifier.
type ImageConfig struct {
	Classes int
	// Size is the side of the square input image.
	Size int
	// VGG blocks; nil means VGG16.
	VGG    []VGGBlock
	FCSize int
	// ResNetDepth must satisfy (depth-2)%6 == 0.
	ResNetDepth int
	// ResNetWidths are the channels of the three residual stages.
	ResNetWidths [3]int
}

func (c *ImageConfig) defaults() {
	def := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&c.Classes, 10)
	def(&c.Size, 32)
	def(&c.FCSize, 512)
	def(&c.ResNetDepth, 32)
	if c.VGG == nil {
		c.VGG = VGG16
	}
	if c.ResNetWidths == [3]int{} {
		c.ResNetWidths = [3]int{16, 32, 64}
	}
}

// ImageFeeds is the inference input order of the classifier.
var ImageFeeds = []string{dataset.PixelField}

// ImageSchema declares [3, size, size] pixels and an integer label.
func ImageSchema(size int) schema.Schema {
	return schema.New(
		schema.FloatField(dataset.PixelField, 3, size, size),
		schema.IntField(dataset.LabelField),
	)
}

// ImageClassifier builds net followed by a softmax layer trained with cross
// entropy.
func ImageClassifier(net Net, s schema.Schema, cfg ImageConfig) (*Model, error) {
	cfg.defaults()
	b := graph.NewBuilder()
	in, err := declare(b, s, dataset.PixelField, dataset.LabelField)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", net, err)
	}
	if pixel := in[dataset.PixelField]; len(pixel.Shape) != 3 {
		return nil, fmt.Errorf("model %s: pixel field must be [C, H, W], got %v", net, pixel.Shape)
	}

	var body *graph.Var
	switch net {
	case NetVGG:
		body = vgg(b, in[dataset.PixelField], cfg)
	case NetResNet:
		if cfg.ResNetDepth < 8 || (cfg.ResNetDepth-2)%6 != 0 {
			return nil, fmt.Errorf("model resnet: depth %d is not 6n+2", cfg.ResNetDepth)
		}
		body = resnet(b, in[dataset.PixelField], cfg)
	default:
		_, err := ParseNet(string(net))
		return nil, err
	}

	predict := b.FC(body, cfg.Classes, graph.ActSoftmax, graph.ParamAttr{})
	loss := b.Mean(b.CrossEntropy(predict, in[dataset.LabelField]))

	return finish(b, &Model{
		Name:       string(net),
		Schema:     s,
		Feeds:      append([]string(nil), ImageFeeds...),
		Prediction: predict.Name,
		Loss:       loss.Name,
		Label:      dataset.LabelField,
	})
}

func vgg(b *graph.Builder, x *graph.Var, cfg ImageConfig) *graph.Var {
	for _, block := range cfg.VGG {
		for _, rate := range block.Dropouts {
			x = b.Conv2D(x, block.Filters, graph.ConvOptions{Filter: 3, Padding: 1}, graph.ParamAttr{})
			x = b.BatchNorm(x, graph.ActRelu)
			if rate > 0 {
				x = b.Dropout(x, rate)
			}
		}
		x = b.Pool2D(x, 2, 2, 0, graph.PoolMax)
	}
	x = b.Dropout(x, 0.5)
	x = b.FC(x, cfg.FCSize, graph.ActNone, graph.ParamAttr{})
	x = b.BatchNorm(x, graph.ActRelu)
	x = b.Dropout(x, 0.5)
	return b.FC(x, cfg.FCSize, graph.ActNone, graph.ParamAttr{})
}

func convBN(b *graph.Builder, x *graph.Var, filters, size, stride, padding int, act string) *graph.Var {
	x = b.Conv2D(x, filters, graph.ConvOptions{Filter: size, Stride: stride, Padding: padding, NoBias: true}, graph.ParamAttr{})
	return b.BatchNorm(x, act)
}

func basicBlock(b *graph.Builder, x *graph.Var, in, out, stride int) *graph.Var {
	tmp := convBN(b, x, out, 3, stride, 1, graph.ActRelu)
	tmp = convBN(b, tmp, out, 3, 1, 1, graph.ActNone)
	short := x
	if in != out || stride != 1 {
		short = convBN(b, x, out, 1, stride, 0, graph.ActNone)
	}
	return b.ElementwiseAdd(tmp, short, graph.ActRelu)
}

func resnet(b *graph.Builder, x *graph.Var, cfg ImageConfig) *graph.Var {
	n := (cfg.ResNetDepth - 2) / 6
	w := cfg.ResNetWidths
	x = convBN(b, x, w[0], 3, 1, 1, graph.ActRelu)
	stages := [][3]int{{w[0], w[0], 1}, {w[0], w[1], 2}, {w[1], w[2], 2}}
	for _, st := range stages {
		x = basicBlock(b, x, st[0], st[1], st[2])
		for i := 1; i < n; i++ {
			x = basicBlock(b, x, st[1], st[1], 1)
		}
	}
	if len(x.Shape) != 3 {
		return x
	}
	// Global average pool; 8x8 for 32 pixel inputs.
	return b.Pool2D(x, x.Shape[1], 1, 0, graph.PoolAvg)
}
