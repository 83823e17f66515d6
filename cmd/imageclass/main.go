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
	"graphforge/internal/distribute"
	"graphforge/internal/exec"
	"graphforge/internal/metrics"
	"graphforge/internal/model"
	"graphforge/internal/optim"
	"graphforge/internal/trainer"
)

const (
	classes   = 10
	imageSize = 32
)

func defaults() config.Config {
	return config.Config{
		SyntheticRecords: 50000,
		Passes:           100,
		BatchSize:        128,
		ShuffleBuffer:    128 * 10,
		LearningRate:     0.001,
	}
}

func main() {
	klog.InitFlags(nil)
	cfgPath := flag.String("config", "", "Path to YAML config")
	local := flag.Bool("local", false, "Train in-process without parameter servers")
	split := flag.String("split", string(distribute.RoundRobin), "Parameter split method (round_robin or size_balanced)")
	var overrides config.Overrides
	config.BindFlags(flag.CommandLine, &overrides)
	flag.Parse()
	defer klog.Flush()

	netName := string(model.NetVGG)
	if flag.NArg() > 0 {
		netName = flag.Arg(0)
	}
	net, err := model.ParseNet(netName)
	if err != nil {
		klog.Exitf("invalid arguments: %v", err)
	}

	cfg, err := config.Load(*cfgPath, defaults())
	if err != nil {
		klog.Exitf("failed to load config: %v", err)
	}
	cfg.ApplyOverrides(overrides)
	if err := cfg.Validate(); err != nil {
		klog.Exitf("invalid config: %v", err)
	}

	var cluster config.Cluster
	if !*local {
		if cluster, err = config.ClusterFromEnv(os.LookupEnv); err != nil {
			klog.Exitf("invalid cluster environment: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	klog.Infof("training %s net", net)
	m, err := model.ImageClassifier(net, model.ImageSchema(imageSize), model.ImageConfig{Classes: classes, Size: imageSize})
	if err != nil {
		klog.Exitf("build model: %v", err)
	}
	scope := exec.NewScope()
	if err := scope.Init(m.Program, cfg.Seed); err != nil {
		klog.Exitf("init parameters: %v", err)
	}

	if *local {
		err = runTrainer(ctx, cfg, m, scope, trainer.NewLocalUpdater(m.Program, optim.NewAdam(optim.Constant(cfg.LearningRate))))
	} else {
		err = runCluster(ctx, cfg, cluster, distribute.Method(*split), m, scope)
	}
	if err != nil {
		klog.Exitf("training failed: %v", err)
	}
}

func runCluster(ctx context.Context, cfg *config.Config, cluster config.Cluster, method distribute.Method, m *model.Model, scope *exec.Scope) error {
	plan, err := distribute.Transpile(m.Program.Params, cluster.PServers, cluster.Trainers, method)
	if err != nil {
		return err
	}
	switch cluster.Role {
	case config.RolePServer:
		prog, err := plan.PServerProgram(cluster.Endpoint)
		if err != nil {
			return err
		}
		srv, err := distribute.NewServer(prog, optim.NewAdam(optim.Constant(cfg.LearningRate)), scope)
		if err != nil {
			return err
		}
		return srv.ListenAndServe(ctx, cluster.Endpoint)
	case config.RoleTrainer:
		client, err := distribute.Dial(ctx, plan, cluster.TrainerID)
		if err != nil {
			return err
		}
		defer client.Close()
		return runTrainer(ctx, cfg, m, scope, client)
	}
	return nil
}

func source(cfg *config.Config) (dataset.Source, error) {
	if len(cfg.DataRoots) == 0 {
		return dataset.Images(dataset.ImageSetOptions{Records: cfg.SyntheticRecords, Classes: classes, Size: imageSize, Seed: cfg.Seed}), nil
	}
	roots, err := dataset.DiscoverRoots(cfg.DataRoots)
	if err != nil {
		return nil, err
	}
	for root, shards := range roots {
		klog.Infof("root=%s shards=%d", root, len(shards))
	}
	return dataset.ShardSource(roots, dataset.ImageOptions{
		Size:       imageSize,
		Classes:    classes,
		Seed:       cfg.Seed,
		NumWorkers: cfg.NumWorkers,
	}), nil
}

func runTrainer(ctx context.Context, cfg *config.Config, m *model.Model, scope *exec.Scope, updater trainer.Updater) error {
	src, err := source(cfg)
	if err != nil {
		return err
	}
	var acc metrics.Accuracy
	tr, err := trainer.New(trainer.Config{
		Model:     m,
		Source:    dataset.Shuffle(src, cfg.ShuffleBuffer, cfg.Seed),
		BatchSize: cfg.BatchSize,
		MaxPasses: cfg.Passes,
		LogEvery:  cfg.LogEvery,
		Seed:      cfg.Seed,
		Updater:   updater,
		Hooks: trainer.Hooks{
			PassStart: func(int) { acc.Reset() },
			AfterStep: func(_ context.Context, s trainer.Step) error {
				prob, ok := s.Frame.Value(m.Prediction)
				if !ok {
					return nil
				}
				batch, err := acc.Update(prob, s.Feed[m.Label])
				if err != nil {
					return err
				}
				klog.Infof("pass=%d step=%d loss=%.4f acc=%.4f pass_acc=%.4f", s.Pass, s.Step, s.Loss, batch, acc.Value())
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
	klog.Infof("trainer run end state=%s steps=%d passes=%d", res.State, res.Steps, res.Passes)
	return nil
}
