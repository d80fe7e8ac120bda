package dashboard

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// flushThreshold bounds how many scalars a Writer buffers between flushes.
const flushThreshold = 512

// Sink receives scalars keyed by step.
type Sink interface {
	AddScalar(tag string, value float64, step int64) error
	Flush() error
}

// Writer records one run's scalars into a Store. It buffers points and
// writes them in a single transaction per flush.
type Writer struct {
	store   *Store
	run     RunInfo
	pending map[string][]Point
	count   int
}

// NewWriter registers a new run with a random id.
func NewWriter(store *Store, name, model string) (*Writer, error) {
	run := RunInfo{
		ID:      uuid.NewString(),
		Name:    name,
		Model:   model,
		Started: time.Now().UTC(),
	}
	if err := store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("failed to register run: %w", err)
	}
	return &Writer{store: store, run: run, pending: make(map[string][]Point)}, nil
}

// Run returns the run this writer records.
func (w *Writer) Run() RunInfo {
	return w.run
}

// AddScalar buffers value for tag at step.
func (w *Writer) AddScalar(tag string, value float64, step int64) error {
	if tag == "" || tag == infoKey {
		return fmt.Errorf("invalid scalar tag %q", tag)
	}
	w.pending[tag] = append(w.pending[tag], Point{Step: step, Value: value})
	w.count++
	if w.count >= flushThreshold {
		return w.Flush()
	}
	return nil
}

// Flush writes every buffered point.
func (w *Writer) Flush() error {
	for tag, points := range w.pending {
		if err := w.store.Append(w.run.ID, tag, points); err != nil {
			return fmt.Errorf("failed to flush %s: %w", tag, err)
		}
		delete(w.pending, tag)
	}
	w.count = 0
	return nil
}

// Close flushes pending points. The store stays open.
func (w *Writer) Close() error {
	return w.Flush()
}

// Multi fans scalars out to several sinks.
type Multi []Sink

// AddScalar forwards to every sink and joins their errors.
func (m Multi) AddScalar(tag string, value float64, step int64) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.AddScalar(tag, value, step))
	}
	return errors.Join(errs...)
}

// Flush flushes every sink and joins their errors.
func (m Multi) Flush() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Flush())
	}
	return errors.Join(errs...)
}
