package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"graphforge/internal/config"
	"graphforge/internal/dataset"
	"graphforge/internal/exec"
	"graphforge/internal/inference"
	"graphforge/internal/metrics"
	"graphforge/internal/model"
	"graphforge/internal/optim"
	"graphforge/internal/tensor"
	"graphforge/internal/trainer"
)

func defaults() config.Config {
	return config.Config{
		SyntheticRecords: 2048,
		Passes:           10,
		BatchSize:        10,
		ShuffleBuffer:    8192,
		LearningRate:     1e-4,
		EvalEvery:        10,
		Threshold:        0.05,
		SaveDir:          "label_semantic_roles.inference.model",
	}
}

func main() {
	klog.InitFlags(nil)
	cfgPath := flag.String("config", "", "Path to YAML config")
	var overrides config.Overrides
	config.BindFlags(flag.CommandLine, &overrides)
	flag.Parse()
	defer klog.Flush()

	cfg, err := config.Load(*cfgPath, defaults())
	if err != nil {
		klog.Exitf("failed to load config: %v", err)
	}
	cfg.ApplyOverrides(overrides)
	if err := cfg.Validate(); err != nil {
		klog.Exitf("invalid config: %v", err)
	}
	if len(cfg.DataRoots) > 0 {
		klog.Exitf("invalid config: %v: the labeler trains on the synthetic conll corpus only", config.ErrConfiguration)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := train(ctx, cfg); err != nil {
		klog.Exitf("training failed: %v", err)
	}
	if err := infer(ctx, cfg.SaveDir, cfg.Seed); err != nil {
		klog.Exitf("inference failed: %v", err)
	}
}

func train(ctx context.Context, cfg *config.Config) error {
	corpus := dataset.ConllOptions{Sentences: cfg.SyntheticRecords, Seed: cfg.Seed, Words: 500, Verbs: 50, ChunkTypes: 3}
	srl := model.SRLConfig{Words: corpus.Words, Verbs: corpus.Verbs, Labels: corpus.Labels()}
	m, err := model.SRL(model.SRLSchema(), srl)
	if err != nil {
		return err
	}

	scope := exec.NewScope()
	if cfg.Embedding != "" {
		emb, err := dataset.LoadEmbedding(cfg.Embedding, corpus.Words, 32)
		if err != nil {
			return err
		}
		scope.Set(model.WordEmbedding, emb)
		klog.Infof("loaded embedding path=%s vocab=%d dim=32", cfg.Embedding, corpus.Words)
	}
	if err := scope.Init(m.Program, cfg.Seed); err != nil {
		return err
	}

	chunks := metrics.NewChunkEvaluator(metrics.ChunkTypesForLabels(corpus.Labels()))
	schedule := optim.ExponentialDecay{Base: cfg.LearningRate, DecaySteps: 100000, DecayRate: 0.5, Staircase: true}

	tr, err := trainer.New(trainer.Config{
		Model:     m,
		Source:    dataset.Shuffle(dataset.Conll(corpus), cfg.ShuffleBuffer, cfg.Seed),
		BatchSize: cfg.BatchSize,
		MaxPasses: cfg.Passes,
		LogEvery:  cfg.LogEvery,
		Seed:      cfg.Seed,
		Updater:   trainer.NewLocalUpdater(m.Program, optim.NewSGD(schedule)),
		SaveDir:   cfg.SaveDir,
		Criterion: &trainer.Criterion{
			Every:          cfg.EvalEvery,
			Threshold:      cfg.Threshold,
			HigherIsBetter: true,
			Evaluate: func(context.Context, *trainer.Trainer) (float64, error) {
				return chunks.Result().Precision(), nil
			},
		},
		Hooks: trainer.Hooks{
			PassStart: func(int) { chunks.Reset() },
			AfterStep: func(_ context.Context, s trainer.Step) error {
				decoded, ok := s.Frame.Value(m.Decode)
				if !ok {
					return nil
				}
				gold := s.Feed[m.Label]
				batch, err := chunks.Update(decoded.Int, gold.Int, gold.LoD)
				if err != nil {
					return err
				}
				pass := chunks.Result()
				klog.V(1).Infof("step=%d loss=%.4f precision=%.4f recall=%.4f f1=%.4f pass_precision=%.4f pass_recall=%.4f pass_f1=%.4f",
					s.Step, s.Loss, batch.Precision(), batch.Recall(), batch.F1(), pass.Precision(), pass.Recall(), pass.F1())
				return nil
			},
		},
	}, scope)
	if err != nil {
		return err
	}
	res, err := tr.Run(ctx)
	if err != nil {
		return err
	}
	klog.Infof("training %s steps=%d passes=%d pass_precision=%.4f checkpoint=%s", res.State, res.Steps, res.Passes, res.Metric, res.Checkpoint)
	return nil
}

// infer runs the saved labeler on two random sentences of 4 and 6 tokens.
func infer(ctx context.Context, dir string, seed int64) error {
	r, err := inference.Load(dir)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(seed))
	lengths := []int{4, 6}
	inputs := make([]inference.Input, 0, len(r.FeedNames()))
	for _, name := range r.FeedNames() {
		seqs := make([][]int64, len(lengths))
		for i, n := range lengths {
			seqs[i] = make([]int64, n)
			for j := range seqs[i] {
				seqs[i][j] = int64(rng.Intn(2))
			}
		}
		inputs = append(inputs, inference.Input{Name: name, Tensor: tensor.FromSequences(seqs)})
	}
	out, err := r.Run(ctx, inputs)
	if err != nil {
		return err
	}
	klog.Infof("inference lod=%v shape=%v", out[0].LoD, out[0].Shape)
	return nil
}
