// Package manifest records what every partition swap put into a store. Each swap produces a
// JSON document under <root>/_manifests/ with per-partition file counts, sizes, Parquet row
// counts and checksums, for verification and lineage.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"

	"github.com/IsmaelHA/lakehouse-spain-mobility/partition"
)

// DirName is the manifest directory inside a store root. It is not a partition directory and
// holds no Parquet files, so store scans never see it.
const DirName = "_manifests"

const schemaVersion = "1.0"

// Manifest describes one swap into a store
type Manifest struct {
	Version     string    `json:"version"`
	GeneratedAt time.Time `json:"generated_at"`
	// Stage is the pipeline stage that performed the swap (bronze, silver)
	Stage string `json:"stage"`
	// RunID ties the manifest to the stage run audit record, when known
	RunID string `json:"run_id,omitempty"`
	Store string `json:"store"`

	Partitions []PartitionManifest `json:"partitions"`

	TotalFiles int   `json:"total_files"`
	TotalRows  int64 `json:"total_rows"`
	TotalBytes int64 `json:"total_bytes"`

	// ManifestChecksum is SHA256 of the manifest content excluding this field
	ManifestChecksum string `json:"manifest_checksum"`
}

// PartitionManifest describes one swapped partition
type PartitionManifest struct {
	// Name is the partition directory, e.g. "date=2023-01-02"
	Name     string `json:"name"`
	Files    int    `json:"files"`
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
	// Checksum is SHA256 over the sorted per-file SHA256 digests
	Checksum string `json:"checksum"`
}

// Config holds manifest configuration
type Config struct {
	Enabled bool `yaml:"enabled" split_words:"true"`
}

// Builder creates and stores manifests for one store
type Builder struct {
	stage  string
	root   string
	logger zerolog.Logger
}

// NewBuilder creates a manifest builder for the store at root
func NewBuilder(stage, root string, logger zerolog.Logger) *Builder {
	return &Builder{
		stage:  stage,
		root:   root,
		logger: logger,
	}
}

// Build inspects the swapped partitions in their final location
func (b *Builder) Build(runID string, result *partition.SwapResult) (*Manifest, error) {
	m := &Manifest{
		Version:     schemaVersion,
		GeneratedAt: time.Now().UTC(),
		Stage:       b.stage,
		RunID:       runID,
		Store:       b.root,
		Partitions:  []PartitionManifest{},
	}

	for _, name := range result.Partitions {
		pm, err := inspectPartition(filepath.Join(b.root, name))
		if err != nil {
			return nil, fmt.Errorf("failed to inspect partition %s: %w", name, err)
		}
		pm.Name = name

		m.Partitions = append(m.Partitions, pm)
		m.TotalFiles += pm.Files
		m.TotalRows += pm.RowCount
		m.TotalBytes += pm.ByteSize
	}

	m.ManifestChecksum = computeChecksum(m)
	return m, nil
}

// Save writes the manifest below the store's manifest directory and returns its path
func (b *Builder) Save(m *Manifest) (string, error) {
	dir := filepath.Join(b.root, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create manifest directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s_%s.json",
		m.Stage, m.GeneratedAt.Format("20060102T150405Z"), uuid.NewString()[:8])
	path := filepath.Join(dir, filename)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}

	// Atomic write
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to rename manifest: %w", err)
	}

	b.logger.Info().
		Str("manifest", filename).
		Int("partitions", len(m.Partitions)).
		Int64("rows", m.TotalRows).
		Msg("Saved swap manifest")

	return path, nil
}

// Record builds and saves a manifest for a swap. Swaps that changed nothing get no manifest.
func (b *Builder) Record(runID string, result *partition.SwapResult) (*Manifest, error) {
	if result == nil || len(result.Partitions) == 0 {
		return nil, nil
	}
	m, err := b.Build(runID, result)
	if err != nil {
		return nil, err
	}
	if _, err := b.Save(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Load reads a manifest file
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// Verify reports whether the stored checksum matches the manifest content
func Verify(m *Manifest) bool {
	return m.ManifestChecksum == computeChecksum(m)
}

// List returns the manifest files of a store, oldest first
func List(root string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(root, DirName, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func inspectPartition(dir string) (PartitionManifest, error) {
	var pm PartitionManifest

	entries, err := os.ReadDir(dir)
	if err != nil {
		return pm, err
	}

	var digests []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".parquet") {
			continue
		}
		rows, size, digest, err := inspectFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return pm, fmt.Errorf("%s: %w", e.Name(), err)
		}
		pm.Files++
		pm.RowCount += rows
		pm.ByteSize += size
		digests = append(digests, digest)
	}

	sort.Strings(digests)
	hash := sha256.Sum256([]byte(strings.Join(digests, "")))
	pm.Checksum = hex.EncodeToString(hash[:])
	return pm, nil
}

// inspectFile reads the row count from the Parquet footer and hashes the file
func inspectFile(path string) (rows, size int64, digest string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, 0, "", err
	}
	size = info.Size()

	pf, err := parquet.OpenFile(f, size)
	if err != nil {
		return 0, 0, "", fmt.Errorf("failed to open parquet footer: %w", err)
	}
	rows = pf.NumRows()

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, "", err
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, 0, "", err
	}

	return rows, size, hex.EncodeToString(h.Sum(nil)), nil
}

func computeChecksum(m *Manifest) string {
	clone := *m
	clone.ManifestChecksum = ""
	data, _ := json.Marshal(clone)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
