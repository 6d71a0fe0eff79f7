package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"srcnn-forge/internal/config"
	"srcnn-forge/internal/dataset"
	"srcnn-forge/internal/model"
	"srcnn-forge/internal/preview"
	"srcnn-forge/internal/runlog"
	"srcnn-forge/internal/trainer"
)

const (
	modelFile = "my.model"
	stateFile = "my.state"
)

// cliArgs is the parsed command line.
type cliArgs struct {
	configPath string
	overrides  config.Overrides
}

// parseArgs accepts every training knob under a long and a short name.
// Only flags present on the command line override the config file.
func parseArgs(args []string, stderr io.Writer) (cliArgs, error) {
	fs := flag.NewFlagSet("srcnn-forge", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		out                         cliArgs
		gpu, batch, valBatch, epoch int
		arch, color                 string
		data, workdir, initFrom     string
		seed                        int64
	)
	fs.StringVar(&out.configPath, "config", "", "Path to YAML config (optional)")
	for _, name := range []string{"gpu", "g"} {
		fs.IntVar(&gpu, name, -1, "GPU device id, negative for CPU")
	}
	for _, name := range []string{"arch", "a"} {
		fs.StringVar(&arch, name, "", "Model architecture ("+strings.Join(model.Names(), ", ")+")")
	}
	for _, name := range []string{"batchsize", "B"} {
		fs.IntVar(&batch, name, 0, "Training minibatch size")
	}
	for _, name := range []string{"val_batchsize", "b"} {
		fs.IntVar(&valBatch, name, 0, "Evaluation minibatch size")
	}
	for _, name := range []string{"epoch", "E"} {
		fs.IntVar(&epoch, name, 0, "Maximum number of epochs")
	}
	for _, name := range []string{"color", "c"} {
		fs.StringVar(&color, name, "", "Color mode: yonly or rgb")
	}
	fs.StringVar(&data, "data", "", "Dataset root holding train/, valid/ and test/ shards")
	fs.StringVar(&workdir, "workdir", "", "Output root; the run writes into <workdir>/<arch>")
	fs.Int64Var(&seed, "seed", 0, "Shuffle seed, 0 for time-seeded")
	fs.StringVar(&initFrom, "init-from", "", "Run directory holding my.model and my.state to start from")

	if err := fs.Parse(args); err != nil {
		return cliArgs{}, err
	}
	if fs.NArg() > 0 {
		return cliArgs{}, errors.Errorf("unexpected arguments: %v", fs.Args())
	}

	o := &out.overrides
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "gpu", "g":
			o.GPU = &gpu
		case "arch", "a":
			o.Arch = &arch
		case "batchsize", "B":
			o.BatchSize = &batch
		case "val_batchsize", "b":
			o.ValBatchSize = &valBatch
		case "epoch", "E":
			o.Epochs = &epoch
		case "color", "c":
			o.Color = &color
		case "data":
			o.DataRoot = &data
		case "workdir":
			o.WorkDir = &workdir
		case "seed":
			o.Seed = &seed
		case "init-from":
			o.InitFrom = &initFrom
		}
	})
	return out, nil
}

func main() {
	args, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	if err := run(args); err != nil {
		log.Printf("training failed: %v", err)
		os.Exit(1)
	}
}

func loadConfig(args cliArgs) (*config.Config, error) {
	cfg, err := config.Load(args.configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(args.overrides)
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func run(args cliArgs) (err error) {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	arch, factory, err := model.Lookup(cfg.Arch)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	runDir := filepath.Join(cfg.WorkDir, cfg.Arch)
	rl, err := runlog.Open(runDir, os.Stdout, fmt.Sprintf("run=%s ", runID[:8]))
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			rl.Printf("status=panic error=%q", fmt.Sprint(r))
			_ = rl.Close()
			panic(r)
		}
		if err != nil {
			rl.Printf("status=failed error=%q", err.Error())
		}
		if cerr := rl.Close(); err == nil {
			err = cerr
		}
	}()
	return train(cfg, arch, factory, runID, runDir, rl)
}

// checkOutputSize fails fast when the targets are not the size the
// architecture produces for the inputs.
func checkOutputSize(arch model.Arch, name string, s dataset.Split) error {
	h, w := arch.OutputSize(s.Inputs.H, s.Inputs.W)
	if h != s.Targets.H || w != s.Targets.W {
		return errors.Errorf("%s: %s maps %dx%d inputs to %dx%d, targets are %dx%d",
			name, arch.Name, s.Inputs.H, s.Inputs.W, h, w, s.Targets.H, s.Targets.W)
	}
	return nil
}

func train(cfg *config.Config, arch model.Arch, factory model.Factory, runID, runDir string, rl *runlog.Log) error {
	logger := rl.Logger
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Printf("arch=%s gpu=%d batch_size=%d val_batch_size=%d epochs=%d color=%s optimizer=%s lr=%g run_dir=%s",
		cfg.Arch, cfg.GPU, cfg.BatchSize, cfg.ValBatchSize, cfg.Epochs, cfg.Color, cfg.Optimizer, cfg.LearningRate, runDir)

	start := time.Now()
	splits, err := dataset.Load(ctx, cfg.DataRoot, dataset.LoadOptions{Color: cfg.Color, Workers: cfg.Workers})
	if err != nil {
		return err
	}
	splits.Normalize()
	logger.Printf("preprocess_sec=%.2f train=%d valid=%d test=%d input=%dx%d target=%dx%d",
		time.Since(start).Seconds(), splits.Train.Len(), splits.Valid.Len(), splits.Test.Len(),
		splits.Train.Inputs.H, splits.Train.Inputs.W, splits.Train.Targets.H, splits.Train.Targets.W)

	for name, s := range map[string]dataset.Split{dataset.TrainDir: splits.Train, dataset.ValidDir: splits.Valid, dataset.TestDir: splits.Test} {
		if err := checkOutputSize(arch, name, s); err != nil {
			return err
		}
	}

	channels, err := dataset.Channels(cfg.Color)
	if err != nil {
		return err
	}
	m, err := factory(model.Options{
		Channels:     channels,
		GPU:          cfg.GPU,
		Optimizer:    cfg.Optimizer,
		LearningRate: cfg.LearningRate,
		Metadata:     map[string]string{"run_id": runID, "color": cfg.Color},
	})
	if err != nil {
		return err
	}
	defer m.Close()
	logger.Printf("arch=%s parameters=%d", cfg.Arch, m.NumParameters())

	if cfg.InitFrom != "" {
		if err := warmStart(m, cfg.InitFrom); err != nil {
			return err
		}
		logger.Printf("init_from=%s", cfg.InitFrom)
	}

	pw := preview.Writer{Dir: runDir, Count: cfg.PreviewCount}
	if err := pw.WriteReference(splits.Test.Inputs, splits.Test.Targets); err != nil {
		return errors.Wrap(err, "write reference previews")
	}

	res, err := trainer.Run(ctx, trainer.RunConfig{
		Epochs:       cfg.Epochs,
		BatchSize:    cfg.BatchSize,
		ValBatchSize: cfg.ValBatchSize,
		LogEvery:     cfg.LogEvery,
		Seed:         cfg.Seed,
		Policy: trainer.Policy{
			Patience:             cfg.Patience,
			PatienceIncrease:     cfg.PatienceIncrease,
			ImprovementThreshold: cfg.ImprovementThreshold,
		},
		ModelPath:    filepath.Join(runDir, modelFile),
		StatePath:    filepath.Join(runDir, stateFile),
		PreviewEvery: cfg.PreviewEvery,
		PreviewCount: cfg.PreviewCount,
		Preview:      pw,
		Logger:       logger,
		EpochEnd:     rl.Flush,
	}, m, splits)
	if err != nil {
		return err
	}
	logger.Printf("status=%s epochs=%d iterations=%d best_valid=%.6f best_iter=%d test_score=%.6f total_sec=%.1f",
		res.Status, res.Epochs, res.Iterations, res.BestValidationLoss, res.BestIter, res.TestScore, time.Since(start).Seconds())
	return nil
}

// warmStart loads my.model from dir, plus my.state when it exists.
func warmStart(m model.Trainable, dir string) error {
	statePath := filepath.Join(dir, stateFile)
	if _, err := os.Stat(statePath); err != nil {
		if !os.IsNotExist(err) {
			return errors.Wrap(err, "stat optimizer state")
		}
		statePath = ""
	}
	return m.Load(filepath.Join(dir, modelFile), statePath)
}
