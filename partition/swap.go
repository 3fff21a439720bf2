// Package partition implements the write-to-temp-then-swap protocol used to merge batches into a
// hive-partitioned store. A single partition replacement is a same-volume rename and therefore
// atomic; a call that swaps several partitions is not atomic as a whole. Readers may observe a mix
// of old and new partitions across different keys while a swap is in progress, never a partially
// written partition.
//
// Stores have no internal locking: runs touching the same keys must be serialized by the caller.
package partition

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultKey is the partition column used by the bronze and silver stores
const DefaultKey = "date"

// Writer materializes partitioned output below tmpDir. It must partition by the same key as
// the target store, e.g. tmpDir/date=2023-01-02/data_0.parquet.
type Writer func(ctx context.Context, tmpDir string) error

// Swapper merges writer output into a partitioned store
type Swapper struct {
	root   string
	key    string
	label  string
	logger zerolog.Logger
}

// SwapResult describes what a swap changed
type SwapResult struct {
	TempDir string
	// Partitions holds the swapped directory names, e.g. "date=2023-01-02", in sorted order
	Partitions []string
	// Paths holds the destination directory of each swapped partition
	Paths []string
}

// Values returns the partition values without the key prefix
func (r *SwapResult) Values() []string {
	values := make([]string, 0, len(r.Partitions))
	for _, p := range r.Partitions {
		if _, v, ok := strings.Cut(p, "="); ok {
			values = append(values, v)
		}
	}
	return values
}

// NewSwapper creates a swapper for the store at root. label names the temp directories
// (e.g. "batch", "ingest") so leftovers are attributable.
func NewSwapper(root, key, label string, logger zerolog.Logger) *Swapper {
	if key == "" {
		key = DefaultKey
	}
	if label == "" {
		label = "swap"
	}
	return &Swapper{
		root:   filepath.Clean(root),
		key:    key,
		label:  label,
		logger: logger,
	}
}

// TempDir allocates a fresh temp path next to the store root. The path does not exist yet.
func (s *Swapper) TempDir() string {
	id := uuid.NewString()[:8]
	return filepath.Join(filepath.Dir(s.root), fmt.Sprintf("_tmp_%s_%s", s.label, id))
}

// Swap runs writer into a temp location and replaces every produced partition in the store.
// If the writer fails the store is not touched. The temp location is removed on every path.
func (s *Swapper) Swap(ctx context.Context, writer Writer) (*SwapResult, error) {
	tmpDir := s.TempDir()
	result := &SwapResult{TempDir: tmpDir}

	defer s.cleanup(tmpDir)

	if err := writer(ctx, tmpDir); err != nil {
		return nil, fmt.Errorf("write to %s failed: %w", tmpDir, err)
	}

	produced, err := listPartitionDirs(tmpDir, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to list written partitions: %w", err)
	}
	if len(produced) == 0 {
		s.logger.Info().Str("tmp", tmpDir).Msg("No partitions written, nothing to swap")
		return result, nil
	}

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root %s: %w", s.root, err)
	}

	s.logger.Info().Int("partitions", len(produced)).Str("root", s.root).Msg("Swapping partitions")

	for _, name := range produced {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("swap interrupted after %d/%d partitions: %w",
				len(result.Partitions), len(produced), err)
		}

		src := filepath.Join(tmpDir, name)
		dst := filepath.Join(s.root, name)

		if err := os.RemoveAll(dst); err != nil {
			return result, fmt.Errorf("failed to remove old partition %s: %w", name, err)
		}
		if err := os.Rename(src, dst); err != nil {
			return result, fmt.Errorf("failed to move partition %s into place: %w", name, err)
		}

		result.Partitions = append(result.Partitions, name)
		result.Paths = append(result.Paths, dst)
		s.logger.Debug().Str("partition", name).Msg("Partition replaced")
	}

	return result, nil
}

// cleanup removes the temp location, logging instead of failing
func (s *Swapper) cleanup(tmpDir string) {
	if _, err := os.Stat(tmpDir); errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err := os.RemoveAll(tmpDir); err != nil {
		s.logger.Warn().Err(err).Str("tmp", tmpDir).Msg("Failed to remove temp directory")
		return
	}
	s.logger.Debug().Str("tmp", tmpDir).Msg("Temp directory removed")
}

// ListPartitions returns the partition directory names below root, sorted.
// A missing root has no partitions.
func ListPartitions(root, key string) ([]string, error) {
	if key == "" {
		key = DefaultKey
	}
	return listPartitionDirs(root, key)
}

// HasParquet reports whether any Parquet file exists below root
func HasParquet(root string) (bool, error) {
	found := false
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".parquet") {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// PartitionDir returns the directory of one partition value in a store
func PartitionDir(root, key, value string) string {
	return filepath.Join(root, key+"="+value)
}

func listPartitionDirs(dir, key string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	prefix := key + "="
	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
