// Package dataset reads multi-label image manifests and the tag tables
// that accompany them.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
)

// Sample is one image and the indices of the tags it carries.
type Sample struct {
	Path string
	Tags []int
}

// ManifestRecord is the Parquet row layout of a manifest.
type ManifestRecord struct {
	Path string  `parquet:"name=path, type=BYTE_ARRAY, convertedtype=UTF8"`
	Tags []int32 `parquet:"name=tags, type=LIST, valuetype=INT32"`
}

// MultiLabelDataset is an in-memory list of samples over numClasses tags.
type MultiLabelDataset struct {
	samples    []Sample
	numClasses int
}

// NewMultiLabelDataset validates that every tag index lies in
// [0, numClasses).
func NewMultiLabelDataset(samples []Sample, numClasses int) (*MultiLabelDataset, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", numClasses)
	}
	for _, s := range samples {
		for _, tag := range s.Tags {
			if tag < 0 || tag >= numClasses {
				return nil, fmt.Errorf("%s: tag %d out of range [0, %d)", s.Path, tag, numClasses)
			}
		}
	}
	return &MultiLabelDataset{samples: samples, numClasses: numClasses}, nil
}

// LoadManifest reads a .csv or .parquet manifest. Relative image paths are
// resolved against the manifest's directory.
func LoadManifest(path string, numClasses int) (*MultiLabelDataset, error) {
	var (
		samples []Sample
		err     error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		samples, err = readCSVManifest(path)
	case ".parquet":
		samples, err = readParquetManifest(path)
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples found in %s", path)
	}

	base := filepath.Dir(path)
	for i := range samples {
		if !filepath.IsAbs(samples[i].Path) {
			samples[i].Path = filepath.Join(base, samples[i].Path)
		}
	}
	return NewMultiLabelDataset(samples, numClasses)
}

// readCSVManifest parses "path,tags" rows with space-separated tag
// indices. A header row starting with "path" is skipped.
func readCSVManifest(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var samples []Sample
	for line := 1; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}
		if line == 1 && strings.EqualFold(rec[0], "path") {
			continue
		}
		if len(rec) == 0 || rec[0] == "" {
			continue
		}

		s := Sample{Path: rec[0]}
		if len(rec) > 1 {
			for _, field := range strings.Fields(rec[1]) {
				tag, err := strconv.Atoi(field)
				if err != nil {
					return nil, fmt.Errorf("%s:%d: invalid tag %q", path, line, field)
				}
				s.Tags = append(s.Tags, tag)
			}
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func readParquetManifest(path string) ([]Sample, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet manifest: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(ManifestRecord), 2)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	numRows := int(pr.GetNumRows())
	records := make([]ManifestRecord, numRows)
	if numRows > 0 {
		if err := pr.Read(&records); err != nil {
			return nil, fmt.Errorf("failed to read parquet manifest: %w", err)
		}
	}

	samples := make([]Sample, len(records))
	for i, rec := range records {
		samples[i].Path = rec.Path
		for _, tag := range rec.Tags {
			samples[i].Tags = append(samples[i].Tags, int(tag))
		}
	}
	return samples, nil
}

// WriteParquetManifest stores samples as a Snappy-compressed Parquet
// manifest.
func WriteParquetManifest(path string, samples []Sample) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	defer fw.Close()

	pw, err := writer.NewParquetWriter(fw, new(ManifestRecord), 2)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, s := range samples {
		rec := ManifestRecord{Path: s.Path, Tags: make([]int32, len(s.Tags))}
		for i, tag := range s.Tags {
			rec.Tags[i] = int32(tag)
		}
		if err := pw.Write(rec); err != nil {
			return fmt.Errorf("failed to write %s: %w", s.Path, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("failed to finish parquet manifest: %w", err)
	}
	return nil
}

// Len returns the number of samples.
func (d *MultiLabelDataset) Len() int {
	return len(d.samples)
}

// NumClasses returns the width of the label vector.
func (d *MultiLabelDataset) NumClasses() int {
	return d.numClasses
}

// GetItem returns the image path and the multi-hot label vector of a
// sample.
func (d *MultiLabelDataset) GetItem(index int) (string, []float32, error) {
	if index < 0 || index >= len(d.samples) {
		return "", nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.samples))
	}
	s := d.samples[index]
	label := make([]float32, d.numClasses)
	for _, tag := range s.Tags {
		label[tag] = 1
	}
	return s.Path, label, nil
}

// Samples returns the underlying samples.
func (d *MultiLabelDataset) Samples() []Sample {
	return d.samples
}

// TagDistribution counts the samples carrying each tag.
func (d *MultiLabelDataset) TagDistribution() []int {
	dist := make([]int, d.numClasses)
	for _, s := range d.samples {
		for _, tag := range s.Tags {
			dist[tag]++
		}
	}
	return dist
}

// Split partitions the samples into two datasets with trainRatio of them
// in the first.
func (d *MultiLabelDataset) Split(trainRatio float64, rng *rand.Rand) (*MultiLabelDataset, *MultiLabelDataset) {
	indices := make([]int, len(d.samples))
	for i := range indices {
		indices[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}
	n := int(float64(len(indices)) * trainRatio)
	return d.Subset(indices[:n]), d.Subset(indices[n:])
}

// Subset creates a dataset holding the samples at indices.
func (d *MultiLabelDataset) Subset(indices []int) *MultiLabelDataset {
	samples := make([]Sample, len(indices))
	for i, idx := range indices {
		samples[i] = d.samples[idx]
	}
	return &MultiLabelDataset{samples: samples, numClasses: d.numClasses}
}

func (d *MultiLabelDataset) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "MultiLabelDataset: %d samples, %d classes\n", len(d.samples), d.numClasses)

	dist := d.TagDistribution()
	order := make([]int, len(dist))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return dist[order[i]] > dist[order[j]] })
	sb.WriteString("Most frequent tags:\n")
	for _, tag := range order[:min(5, len(order))] {
		fmt.Fprintf(&sb, "  %d: %d samples\n", tag, dist[tag])
	}
	return sb.String()
}
