package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirBlobs is a BlobStore over a directory holding message bodies at their
// storage paths, i.e. the "xx/rest" layout produced by MessagePath.
type DirBlobs struct {
	Dir string
}

func NewDirBlobs(dir string) DirBlobs {
	return DirBlobs{Dir: dir}
}

func (b DirBlobs) Remove(path string) error {
	err := os.Remove(filepath.Join(b.Dir, filepath.FromSlash(path)))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// BucketTotals walks the shard directories, summing each file's summary
// increment into its bucket. A missing base directory means no bodies yet.
func (b DirBlobs) BucketTotals() (map[uint8]uint64, error) {
	totals := map[uint8]uint64{}
	shards, err := os.ReadDir(b.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return totals, nil
		}
		return nil, err
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(b.Dir, shard.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading shard %s: %v", shard.Name(), err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			bucket, incr := summaryValues(shard.Name() + "/" + e.Name())
			totals[bucket] += uint64(incr)
		}
	}
	return totals, nil
}
