package model

import (
	"fmt"

	"graphforge/internal/graph"
	"graphforge/internal/schema"
)

// SRLConfig sizes the semantic role labeler.
type SRLConfig struct {
	Words  int
	Verbs  int
	Labels int
	// Marks is the predicate-window mark dictionary size.
	Marks   int
	WordDim int
	MarkDim int
	// Hidden is the fc width; each LSTM has Hidden/4 units.
	Hidden int
	Depth  int
	// CRFLearningRate scales the learning rate of the shared transition
	// parameter.
	CRFLearningRate float64
}

func (c *SRLConfig) defaults() {
	def := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&c.Marks, 2)
	def(&c.WordDim, 32)
	def(&c.MarkDim, 5)
	def(&c.Hidden, 512)
	def(&c.Depth, 8)
	if c.CRFLearningRate <= 0 {
		c.CRFLearningRate = 1e-3
	}
}

// Shared parameter names of the SRL network.
const (
	WordEmbedding = "emb"
	VerbEmbedding = "vemb"
	CRFWeights    = "crfw"
)

// SRLFeeds is the inference input order of the labeler.
var SRLFeeds = []string{
	"word_data", "verb_data", "ctx_n2_data", "ctx_n1_data",
	"ctx_0_data", "ctx_p1_data", "ctx_p2_data", "mark_data",
}

var srlWordInputs = []string{
	"word_data", "ctx_n2_data", "ctx_n1_data", "ctx_0_data", "ctx_p1_data", "ctx_p2_data",
}

// SRLSchema declares the labeled sentence record in feeding order.
func SRLSchema() schema.Schema {
	fields := make([]schema.Field, 0, 9)
	for _, name := range srlWordInputs {
		fields = append(fields, schema.IntSequence(name))
	}
	fields = append(fields,
		schema.IntSequence("verb_data"),
		schema.IntSequence("mark_data"),
		schema.IntSequence("target"),
	)
	return schema.New(fields...)
}

// SRL builds the stacked bidirectional LSTM tagger with a linear-chain CRF
// cost. The six word inputs share one frozen table, which is expected to be
// loaded from a pretrained file.
func SRL(s schema.Schema, cfg SRLConfig) (*Model, error) {
	cfg.defaults()
	if cfg.Words <= 0 || cfg.Verbs <= 0 || cfg.Labels <= 0 {
		return nil, fmt.Errorf("model srl: dictionary sizes must be positive (words=%d verbs=%d labels=%d)", cfg.Words, cfg.Verbs, cfg.Labels)
	}
	if cfg.Hidden%4 != 0 {
		return nil, fmt.Errorf("model srl: hidden %d is not a multiple of 4", cfg.Hidden)
	}
	b := graph.NewBuilder()
	in, err := declare(b, s, append(SRLFeeds, "target")...)
	if err != nil {
		return nil, fmt.Errorf("model srl: %w", err)
	}

	verb := b.Embedding(in["verb_data"], cfg.Verbs, cfg.WordDim, graph.Named(VerbEmbedding))
	mark := b.Embedding(in["mark_data"], cfg.Marks, cfg.MarkDim, graph.ParamAttr{})
	embs := make([]*graph.Var, 0, len(srlWordInputs)+2)
	for _, name := range srlWordInputs {
		embs = append(embs, b.Embedding(in[name], cfg.Words, cfg.WordDim, graph.ParamAttr{Name: WordEmbedding, Frozen: true}))
	}
	embs = append(embs, verb, mark)

	hidden := make([]*graph.Var, len(embs))
	for i, e := range embs {
		hidden[i] = b.FC(e, cfg.Hidden, graph.ActNone, graph.ParamAttr{})
	}
	opts := graph.LSTMOptions{CandAct: graph.ActRelu, GateAct: graph.ActSigmoid, CellAct: graph.ActSigmoid}
	mix := b.Sums(hidden...)
	lstm := b.LSTM(mix, cfg.Hidden/4, opts, graph.ParamAttr{})
	for i := 1; i < cfg.Depth; i++ {
		mix = b.Sums(
			b.FC(mix, cfg.Hidden, graph.ActNone, graph.ParamAttr{}),
			b.FC(lstm, cfg.Hidden, graph.ActNone, graph.ParamAttr{}),
		)
		opts.Reverse = i%2 == 1
		lstm = b.LSTM(mix, cfg.Hidden/4, opts, graph.ParamAttr{})
	}
	feature := b.Sums(
		b.FC(mix, cfg.Labels, graph.ActNone, graph.ParamAttr{}),
		b.FC(lstm, cfg.Labels, graph.ActNone, graph.ParamAttr{}),
	)

	crf := graph.ParamAttr{Name: CRFWeights, LearningRate: cfg.CRFLearningRate}
	loss := b.Mean(b.LinearChainCRF(feature, in["target"], crf))
	decode := b.CRFDecoding(feature, graph.Named(CRFWeights))

	return finish(b, &Model{
		Name:       "srl",
		Schema:     s,
		Feeds:      append([]string(nil), SRLFeeds...),
		Prediction: feature.Name,
		Loss:       loss.Name,
		Label:      "target",
		Decode:     decode.Name,
	})
}
