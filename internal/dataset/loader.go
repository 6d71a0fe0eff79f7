package dataset

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// LoadOptions configures split loading.
type LoadOptions struct {
	Color      string
	Workers    int
	PendingCap int
}

// Load discovers and decodes the train, valid and test splits under root.
// Values are left in the 0..255 range; call Splits.Normalize afterwards.
func Load(ctx context.Context, root string, opts LoadOptions) (Splits, error) {
	shards, err := DiscoverSplits(root)
	if err != nil {
		return Splits{}, err
	}
	var out Splits
	targets := map[string]*Split{TrainDir: &out.Train, ValidDir: &out.Valid, TestDir: &out.Test}
	for _, name := range []string{TrainDir, ValidDir, TestDir} {
		split, err := LoadSplit(ctx, shards[name], opts)
		if err != nil {
			return Splits{}, errors.Wrapf(err, "load %s split", name)
		}
		*targets[name] = split
	}
	return out, nil
}

type shardJob struct {
	index int
	path  string
}

type shardResult struct {
	inputs  []Planar
	targets []Planar
}

// LoadSplit decodes shards with a bounded worker pool. Samples are assembled
// in shard order, and in member order within a shard, so the result does not
// depend on scheduling.
func LoadSplit(parent context.Context, shards []string, opts LoadOptions) (Split, error) {
	if len(shards) == 0 {
		return Split{}, errors.New("loader: no shards provided")
	}
	if _, err := Channels(opts.Color); err != nil {
		return Split{}, err
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	jobs := make(chan shardJob)
	results := make([]shardResult, len(shards))
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				res, err := decodeShard(ctx, job.path, opts)
				if err != nil {
					fail(errors.Wrapf(err, "shard %s", job.path))
					continue
				}
				results[job.index] = res
			}
		}()
	}

produce:
	for i, path := range shards {
		select {
		case <-ctx.Done():
			break produce
		case jobs <- shardJob{index: i, path: path}:
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return Split{}, firstErr
	}
	if err := parent.Err(); err != nil {
		return Split{}, err
	}
	return assemble(results)
}

func decodeShard(ctx context.Context, path string, opts LoadOptions) (shardResult, error) {
	samples, errCh := StreamShard(ctx, path, opts.PendingCap)
	var res shardResult
	for sample := range samples {
		in, err := DecodeImage(sample.Input, opts.Color)
		if err != nil {
			return shardResult{}, errors.Wrapf(err, "sample %s input", sample.Key)
		}
		tgt, err := DecodeImage(sample.Target, opts.Color)
		if err != nil {
			return shardResult{}, errors.Wrapf(err, "sample %s target", sample.Key)
		}
		res.inputs = append(res.inputs, in)
		res.targets = append(res.targets, tgt)
	}
	if err := <-errCh; err != nil {
		return shardResult{}, err
	}
	return res, nil
}

func assemble(results []shardResult) (Split, error) {
	var inputs, targets []Planar
	for _, r := range results {
		inputs = append(inputs, r.inputs...)
		targets = append(targets, r.targets...)
	}
	if len(inputs) == 0 {
		return Split{}, ErrEmptySplit
	}
	in, err := stack(inputs)
	if err != nil {
		return Split{}, errors.Wrap(err, "inputs")
	}
	tgt, err := stack(targets)
	if err != nil {
		return Split{}, errors.Wrap(err, "targets")
	}
	split := Split{Inputs: in, Targets: tgt}
	return split, split.Validate()
}

// stack packs equally sized images into one NCHW tensor.
func stack(images []Planar) (Tensor, error) {
	first := images[0]
	t := NewTensor(len(images), first.C, first.H, first.W)
	for i, img := range images {
		if img.C != first.C || img.H != first.H || img.W != first.W {
			return Tensor{}, errors.Errorf("image %d is %dx%dx%d, expected %dx%dx%d",
				i, img.C, img.H, img.W, first.C, first.H, first.W)
		}
		copy(t.Sample(i), img.Data)
	}
	return t, nil
}
