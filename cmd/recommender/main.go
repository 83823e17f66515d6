package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"graphforge/internal/config"
	"graphforge/internal/dataset"
	"graphforge/internal/exec"
	"graphforge/internal/inference"
	"graphforge/internal/model"
	"graphforge/internal/optim"
	"graphforge/internal/schema"
	"graphforge/internal/tensor"
	"graphforge/internal/trainer"
)

func defaults() config.Config {
	return config.Config{
		SyntheticRecords: 8192,
		Passes:           100,
		BatchSize:        256,
		ShuffleBuffer:    8192,
		LearningRate:     0.2,
		EvalEvery:        10,
		Threshold:        6.0,
		SaveDir:          "recommender_system.inference.model",
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
		klog.Exitf("invalid config: %v: the recommender trains on the synthetic ratings corpus only", config.ErrConfiguration)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := train(ctx, cfg); err != nil {
		klog.Exitf("training failed: %v", err)
	}
	if err := infer(ctx, cfg.SaveDir); err != nil {
		klog.Exitf("inference failed: %v", err)
	}
}

func train(ctx context.Context, cfg *config.Config) error {
	m, err := model.Recommender(model.RecommenderSchema(), model.RecommenderConfig{})
	if err != nil {
		return err
	}
	scope := exec.NewScope()
	if err := scope.Init(m.Program, cfg.Seed); err != nil {
		return err
	}

	source := dataset.Shuffle(
		dataset.Movielens(dataset.MovielensOptions{Records: cfg.SyntheticRecords, Seed: cfg.Seed}),
		cfg.ShuffleBuffer, cfg.Seed)
	test, err := dataset.ReadAll(ctx, dataset.Movielens(dataset.MovielensOptions{Records: cfg.BatchSize, Seed: cfg.Seed + 1}), 0)
	if err != nil {
		return err
	}

	tr, err := trainer.New(trainer.Config{
		Model:     m,
		Source:    source,
		BatchSize: cfg.BatchSize,
		MaxPasses: cfg.Passes,
		LogEvery:  cfg.LogEvery,
		Seed:      cfg.Seed,
		Updater:   trainer.NewLocalUpdater(m.Program, optim.NewSGD(optim.Constant(cfg.LearningRate))),
		SaveDir:   cfg.SaveDir,
		Criterion: &trainer.Criterion{
			Every:     cfg.EvalEvery,
			Threshold: cfg.Threshold,
			Evaluate:  testCost(schema.Batch(test)),
		},
	}, scope)
	if err != nil {
		return err
	}
	res, err := tr.Run(ctx)
	if err != nil {
		return err
	}
	klog.Infof("training %s steps=%d passes=%d test_cost=%.4f checkpoint=%s", res.State, res.Steps, res.Passes, res.Metric, res.Checkpoint)
	return nil
}

// testCost averages the cost over one held-out batch.
func testCost(batch schema.Batch) func(context.Context, *trainer.Trainer) (float64, error) {
	return func(ctx context.Context, tr *trainer.Trainer) (float64, error) {
		frame, err := tr.Infer(ctx, batch)
		if err != nil {
			return 0, err
		}
		out, err := frame.Fetch(tr.Model().Loss)
		if err != nil {
			return 0, err
		}
		return out[0].Scalar(), nil
	}
}

func infer(ctx context.Context, dir string) error {
	r, err := inference.Load(dir)
	if err != nil {
		return err
	}
	id := func(v int64) *tensor.Tensor {
		t, _ := tensor.FromInts([]int{1, 1}, []int64{v})
		return t
	}
	out, err := r.Run(ctx, []inference.Input{
		{Name: "user_id", Tensor: id(1)},
		{Name: "gender_id", Tensor: id(1)},
		{Name: "age_id", Tensor: id(0)},
		{Name: "job_id", Tensor: id(10)},
		{Name: "movie_id", Tensor: id(783)},
		{Name: "category_id", Tensor: tensor.FromSequences([][]int64{{10, 8, 9}})},
		{Name: "movie_title", Tensor: tensor.FromSequences([][]int64{{1069, 4140, 2923, 710, 988}})},
	})
	if err != nil {
		return err
	}
	klog.Infof("inference user_id=1 movie_id=783 predicted_rating=%.4f", out[0].Scalar())
	return nil
}
