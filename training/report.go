package training

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsawler/go-tagnet/layers"
)

// TrainLogName is the append-only progress log kept in the checkpoint
// directory.
const TrainLogName = "train_log.txt"

// ScalarSink receives metric curves, e.g. a dashboard store.
type ScalarSink interface {
	AddScalar(tag string, value float64, step int64) error
	Flush() error
}

// StepReport describes one in-epoch progress line.
type StepReport struct {
	Epoch         int
	LastEpoch     int
	Step          int // 1-based index within the epoch
	StepsPerEpoch int
	GlobalStep    int64
	LearningRate  float64
	Metrics       Snapshot
}

// EpochReport describes one end-of-epoch line.
type EpochReport struct {
	Epoch        int
	LastEpoch    int
	LearningRate float64
	Metrics      Snapshot
}

// Reporter writes progress lines to the console and the train log and
// forwards metrics to an optional scalar sink. It is used from the
// training goroutine only.
type Reporter struct {
	console io.Writer
	logPath string
	sink    ScalarSink
	now     func() time.Time

	start     time.Time
	lastIter  time.Time
	lastEpoch time.Time
}

// NewReporter creates a reporter that appends to {dir}/train_log.txt. A
// nil sink disables scalar export.
func NewReporter(console io.Writer, dir string, sink ScalarSink) *Reporter {
	r := &Reporter{
		console: console,
		logPath: filepath.Join(dir, TrainLogName),
		sink:    sink,
		now:     time.Now,
	}
	r.Start()
	return r
}

// Start resets the timers behind iter_time, epoch_time and total time.
func (r *Reporter) Start() {
	r.start = r.now()
	r.lastIter = r.start
	r.lastEpoch = r.start
}

// LogPath returns the train log location.
func (r *Reporter) LogPath() string {
	return r.logPath
}

// PrintModel writes the model summary to the console.
func (r *Reporter) PrintModel(spec *layers.ModelSpec) {
	fmt.Fprint(r.console, spec.Summary())
}

// Step emits an in-epoch progress line; its metrics go to the sink keyed
// by the global step.
func (r *Reporter) Step(rep StepReport) error {
	now := r.now()
	iter := now.Sub(r.lastIter).Seconds()
	r.lastIter = now

	line := fmt.Sprintf("iter_time: %4.4f s, epoch: [%d/%d], step: [%d/%d], learning_rate: %.7f",
		iter, rep.Epoch, rep.LastEpoch, rep.Step, rep.StepsPerEpoch, rep.LearningRate) + rep.Metrics.Suffix()
	if err := r.emit(line); err != nil {
		return err
	}

	if r.sink == nil {
		return nil
	}
	for _, m := range rep.Metrics {
		if err := r.sink.AddScalar(m.Type.String(), m.Value, rep.GlobalStep); err != nil {
			return fmt.Errorf("failed to record %s: %w", m.Type, err)
		}
	}
	return r.sink.AddScalar("learning_rate", rep.LearningRate, rep.GlobalStep)
}

// Epoch emits an end-of-epoch line and flushes the sink; its metrics are
// recorded under "epoch."-prefixed tags keyed by the epoch number.
func (r *Reporter) Epoch(rep EpochReport) error {
	now := r.now()
	epochTime := now.Sub(r.lastEpoch).Seconds()
	total := now.Sub(r.start).Seconds()
	r.lastEpoch = now

	line := fmt.Sprintf("total time: %4.4f s, epoch_time: %4.4f s, epoch: [%d/%d], learning_rate: %.7f",
		total, epochTime, rep.Epoch, rep.LastEpoch, rep.LearningRate) + rep.Metrics.Suffix()
	if err := r.emit(line); err != nil {
		return err
	}

	if r.sink == nil {
		return nil
	}
	for _, m := range rep.Metrics {
		if err := r.sink.AddScalar("epoch."+m.Type.String(), m.Value, int64(rep.Epoch)); err != nil {
			return fmt.Errorf("failed to record epoch %s: %w", m.Type, err)
		}
	}
	return r.sink.Flush()
}

// emit writes line to the console and appends it to the train log. The
// log is reopened per line so it stays readable while training runs.
func (r *Reporter) emit(line string) error {
	line = strings.TrimRight(line, "\n") + "\n"
	fmt.Fprint(r.console, line)

	f, err := os.OpenFile(r.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open train log: %w", err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to write train log: %w", err)
	}
	return f.Close()
}
