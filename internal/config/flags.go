package config

import (
	"flag"
	"strings"
)

// BindFlags registers the override flags shared by every binary.
func BindFlags(fs *flag.FlagSet, o *Overrides) {
	fs.Func("data-roots", "Comma separated shard roots (overrides config)", func(v string) error {
		o.DataRoots = nil
		for _, root := range strings.Split(v, ",") {
			if root = strings.TrimSpace(root); root != "" {
				o.DataRoots = append(o.DataRoots, root)
			}
		}
		return nil
	})
	fs.IntVar(&o.SyntheticRecords, "synthetic-records", 0, "Records in the synthetic corpus")
	fs.StringVar(&o.Embedding, "embedding", "", "Pretrained word embedding file")
	fs.IntVar(&o.Passes, "passes", 0, "Number of passes over the data")
	fs.IntVar(&o.BatchSize, "batch-size", 0, "Batch size")
	fs.IntVar(&o.NumWorkers, "num-workers", 0, "Number of shard reader workers")
	fs.Float64Var(&o.LearningRate, "learning-rate", 0, "Base learning rate")
	fs.Int64Var(&o.Seed, "seed", 0, "PRNG seed")
	fs.IntVar(&o.LogEvery, "log-every", 0, "Log every N steps")
	fs.IntVar(&o.EvalEvery, "eval-every", 0, "Evaluate the stopping metric every N steps")
	fs.Float64Var(&o.Threshold, "threshold", 0, "Stopping metric threshold")
	fs.StringVar(&o.SaveDir, "save-dir", "", "Checkpoint directory")
}
