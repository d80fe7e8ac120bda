package dataloader

import (
	"fmt"
	"io"
	"math/rand"
	"sync"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/tsawler/go-tagnet/tensor"
	"github.com/tsawler/go-tagnet/vision/preprocessing"
)

// Dataset is the sample source a DataLoader batches.
type Dataset interface {
	Len() int
	NumClasses() int
	GetItem(index int) (imagePath string, label []float32, err error)
}

// Batch is one step's worth of samples.
type Batch struct {
	Images *tensor.Tensor // [B, 3, H, W]
	Labels *tensor.Tensor // [B, num_classes], values in {0, 1}
	Paths  []string
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Paths)
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize    int
	Shuffle      bool
	ImageSize    int
	MaxCacheSize int // images kept decoded; 0 means 1000
	Augment      preprocessing.Augmentation
	Device       tensor.Device // Threads bounds the decode workers
	Seed         int64
	Cache        *ImageCache // optional, shared with other loaders
}

// DataLoader batches a Dataset into device tensors. Next blocks while
// uncached images are decoded by a worker pool.
type DataLoader struct {
	dataset  Dataset
	config   Config
	cache    *ImageCache
	indices  []int
	position int
	rng      *rand.Rand
	mu       sync.Mutex
}

// NewDataLoader creates a loader positioned at the start of an epoch.
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.ImageSize <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", config.ImageSize)
	}
	if config.Device.Type != tensor.CPU {
		return nil, fmt.Errorf("dataloader on %s: %w", config.Device.Type, tensor.ErrDeviceUnavailable)
	}
	if config.Device.Threads <= 0 {
		config.Device.Threads = 1
	}
	if config.MaxCacheSize == 0 {
		config.MaxCacheSize = 1000
	}

	cache := config.Cache
	if cache == nil {
		cache = NewImageCache(config.MaxCacheSize)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		dataset: dataset,
		config:  config,
		cache:   cache,
		indices: indices,
		rng:     rand.New(rand.NewSource(config.Seed)),
	}
	dl.shuffle()
	return dl, nil
}

func (dl *DataLoader) shuffle() {
	if dl.config.Shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Len returns the number of batches per epoch.
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// Reset starts a new epoch, reshuffling when configured.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.position = 0
	dl.shuffle()
}

// Next returns the next batch, or io.EOF once the epoch is exhausted. The
// last batch of an epoch may be smaller than BatchSize.
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	remaining := len(dl.indices) - dl.position
	if remaining <= 0 {
		return nil, io.EOF
	}
	n := min(dl.config.BatchSize, remaining)

	size := dl.config.ImageSize
	pixels := preprocessing.Channels * size * size
	classes := dl.dataset.NumClasses()

	images, err := tensor.New(dl.config.Device, n, preprocessing.Channels, size, size)
	if err != nil {
		return nil, err
	}
	labels, err := tensor.New(dl.config.Device, n, classes)
	if err != nil {
		return nil, err
	}
	batch := &Batch{Images: images, Labels: labels, Paths: make([]string, n)}

	for i := 0; i < n; i++ {
		path, label, err := dl.dataset.GetItem(dl.indices[dl.position+i])
		if err != nil {
			return nil, err
		}
		batch.Paths[i] = path
		copy(labels.Row(i), label)
	}

	data, err := dl.loadImages(batch.Paths)
	if err != nil {
		return nil, err
	}
	for i, img := range data {
		dst := images.Data[i*pixels : (i+1)*pixels]
		copy(dst, img)
		if dl.config.Augment.Enabled() {
			dl.config.Augment.Apply(dst, size, dl.rng)
		}
	}

	dl.position += n
	return batch, nil
}

// loadImages returns the decoded images for paths, decoding cache misses
// concurrently.
func (dl *DataLoader) loadImages(paths []string) ([][]float32, error) {
	out := make([][]float32, len(paths))
	var missing []string
	var slots []int
	for i, p := range paths {
		if data, ok := dl.cache.Get(p); ok {
			out[i] = data
			continue
		}
		missing = append(missing, p)
		slots = append(slots, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	decoded, err := preprocessing.PreprocessBatch(missing, dl.config.ImageSize, dl.config.Device.Threads, nil)
	if err != nil {
		return nil, err
	}
	for k, img := range decoded {
		dl.cache.Put(missing[k], img.Data)
		out[slots[k]] = img.Data
	}
	return out, nil
}

// Preload decodes up to the cache capacity of images into the cache,
// drawing a progress bar on w.
func (dl *DataLoader) Preload(w io.Writer) error {
	n := min(dl.dataset.Len(), dl.cache.Capacity())
	if n <= 0 {
		return nil
	}
	paths := make([]string, n)
	for i := range paths {
		path, _, err := dl.dataset.GetItem(i)
		if err != nil {
			return err
		}
		paths[i] = path
	}

	p := mpb.New(mpb.WithOutput(w), mpb.WithWidth(80))
	bar := p.AddBar(int64(n),
		mpb.PrependDecorators(
			decor.Name("Preloading images: "),
			decor.Percentage(decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done!"),
		),
	)

	decoded, err := preprocessing.PreprocessBatch(paths, dl.config.ImageSize, dl.config.Device.Threads, bar.Increment)
	if err != nil {
		bar.Abort(false)
		p.Wait()
		return fmt.Errorf("preload failed: %w", err)
	}
	p.Wait()

	for i, img := range decoded {
		dl.cache.Put(paths[i], img.Data)
	}
	return nil
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	return dl.cache.Stats().String()
}

// Progress returns the number of samples consumed this epoch and the
// total.
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}

// Cache returns the loader's image cache for sharing with other loaders.
func (dl *DataLoader) Cache() *ImageCache {
	return dl.cache
}
