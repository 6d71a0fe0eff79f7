package dataset

import (
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/pkg/errors"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// Split directory names beneath a dataset root.
const (
	TrainDir = "train"
	ValidDir = "valid"
	TestDir  = "test"
)

// DiscoverShards returns paths to shard TAR files beneath root, sorted.
func DiscoverShards(root string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if shardRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "discover shards")
	}
	sort.Strings(entries)
	return entries, nil
}

// DiscoverSplits scans the train, valid and test directories of root. Every
// split must hold at least one shard.
func DiscoverSplits(root string) (map[string][]string, error) {
	result := make(map[string][]string, 3)
	for _, name := range []string{TrainDir, ValidDir, TestDir} {
		dir := filepath.Join(root, name)
		shards, err := DiscoverShards(dir)
		if err != nil {
			return nil, errors.Wrapf(err, "split %s", name)
		}
		if len(shards) == 0 {
			return nil, errors.Errorf("no shards discovered under %s", dir)
		}
		result[name] = shards
	}
	return result, nil
}
