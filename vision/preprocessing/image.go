package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/rand"
	"os"
	"sync"
)

// Channels is the number of colour planes produced per image.
const Channels = 3

// ImageProcessor decodes images, resizes them to a square target and lays
// them out as CHW float32 data normalized to [0, 1].
type ImageProcessor struct {
	mu            sync.Mutex
	processBuffer []float32
	targetSize    int
}

// NewImageProcessor creates a processor for targetSize x targetSize output.
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{targetSize: targetSize}
}

// ProcessedImage is a decoded image ready for network input.
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes a JPEG or PNG image and resizes it with
// nearest-neighbour sampling.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, format, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if format != "jpeg" && format != "png" {
		return nil, fmt.Errorf("unsupported image format %q", format)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	size := p.targetSize
	plane := size * size

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.processBuffer) < Channels*plane {
		p.processBuffer = make([]float32, Channels*plane)
	}
	data := p.processBuffer[:Channels*plane]

	scaleX := float64(width) / float64(size)
	scaleY := float64(height) / float64(size)
	for y := 0; y < size; y++ {
		srcY := min(int(float64(y)*scaleY), height-1)
		for x := 0; x < size; x++ {
			srcX := min(int(float64(x)*scaleX), width-1)
			r, g, b, _ := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY).RGBA()

			idx := y*size + x
			data[idx] = float32(r) / 65535.0
			data[plane+idx] = float32(g) / 65535.0
			data[2*plane+idx] = float32(b) / 65535.0
		}
	}

	// The buffer is reused by the next call.
	result := make([]float32, len(data))
	copy(result, data)

	return &ProcessedImage{
		Data:     result,
		Width:    size,
		Height:   size,
		Channels: Channels,
	}, nil
}

// DecodeFile opens and preprocesses the image at path.
func (p *ImageProcessor) DecodeFile(path string) (*ProcessedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := p.DecodeAndPreprocess(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Augmentation holds the random transforms applied to training images.
type Augmentation struct {
	Flip   bool // horizontal flip with probability 0.5
	Rotate bool // 180 degree rotation with probability 0.5
}

// Enabled reports whether any transform is active.
func (a Augmentation) Enabled() bool {
	return a.Flip || a.Rotate
}

// Apply transforms CHW data of a size x size image in place.
func (a Augmentation) Apply(data []float32, size int, rng *rand.Rand) {
	if a.Flip && rng.Intn(2) == 1 {
		FlipHorizontal(data, size)
	}
	if a.Rotate && rng.Intn(2) == 1 {
		Rotate180(data, size)
	}
}

// FlipHorizontal mirrors every row of CHW data in place.
func FlipHorizontal(data []float32, size int) {
	for row := 0; row < len(data)/size; row++ {
		line := data[row*size : (row+1)*size]
		for i, j := 0, size-1; i < j; i, j = i+1, j-1 {
			line[i], line[j] = line[j], line[i]
		}
	}
}

// Rotate180 rotates every plane of CHW data by 180 degrees in place.
func Rotate180(data []float32, size int) {
	plane := size * size
	for c := 0; c < len(data)/plane; c++ {
		p := data[c*plane : (c+1)*plane]
		for i, j := 0, plane-1; i < j; i, j = i+1, j-1 {
			p[i], p[j] = p[j], p[i]
		}
	}
}

// PreprocessBatch decodes paths concurrently with maxWorkers goroutines.
// onDone, if set, is called once per finished image.
func PreprocessBatch(imagePaths []string, targetSize int, maxWorkers int, onDone func()) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))
	errs := make([]error, len(imagePaths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(imagePaths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := NewImageProcessor(targetSize)

			for j := range jobs {
				results[j.index], errs[j.index] = processor.DecodeFile(j.path)
				if onDone != nil {
					onDone()
				}
			}
		}()
	}

	for i, path := range imagePaths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to process image %d: %w", i, err)
		}
	}
	return results, nil
}
