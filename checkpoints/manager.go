package checkpoints

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// LatestLabel is the only label whose files are overwritten on save.
const LatestLabel = "latest"

// ErrImmutable is returned when a save would overwrite a labelled
// checkpoint other than LatestLabel.
var ErrImmutable = errors.New("checkpoint label already written")

// NotFoundError reports a missing checkpoint file.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("checkpoint not found: %s", e.Path)
}

// Is lets errors.Is(err, fs.ErrNotExist) match.
func (e *NotFoundError) Is(target error) bool {
	return target == fs.ErrNotExist
}

// Stateful is a model whose parameters can be captured and restored.
type Stateful interface {
	StateDict() []WeightTensor
	ValidateStateDict([]WeightTensor) error
	LoadStateDict([]WeightTensor) error
}

// Manager saves and restores every named model under one directory:
// {dir}/{label}_{name}_params.{ext} per model and {dir}/model_states.{ext}
// for the training side record.
type Manager struct {
	dir    string
	saver  *CheckpointSaver
	models map[string]Stateful
	names  []string
	now    func() time.Time
}

// NewManager creates dir if needed and manages the given models.
func NewManager(dir string, format CheckpointFormat, models map[string]Stateful) (*Manager, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("checkpoint manager needs at least one model")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(models))
	for name := range models {
		if err := validateLabel(name); err != nil {
			return nil, fmt.Errorf("invalid model name: %w", err)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	return &Manager{
		dir:    dir,
		saver:  NewCheckpointSaver(format),
		models: models,
		names:  names,
		now:    time.Now,
	}, nil
}

// Dir returns the checkpoint directory.
func (m *Manager) Dir() string {
	return m.dir
}

// EpochLabel is the label used for per-epoch checkpoints.
func EpochLabel(epoch int) string {
	return strconv.Itoa(epoch)
}

// ParamsPath is where label's parameters for the named model live.
func (m *Manager) ParamsPath(label, name string) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s_%s_params.%s", label, name, m.saver.Format().Extension()))
}

// StatePath is where the training side record lives.
func (m *Manager) StatePath() string {
	return filepath.Join(m.dir, "model_states."+m.saver.Format().Extension())
}

// Save writes every model's parameters under label. Labels other than
// LatestLabel also record state and are refused if already written.
func (m *Manager) Save(label string, state TrainingState) error {
	if err := validateLabel(label); err != nil {
		return err
	}

	if label != LatestLabel {
		for _, name := range m.names {
			path := m.ParamsPath(label, name)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s: %w", path, ErrImmutable)
			}
		}
	}

	created := m.now()
	for _, name := range m.names {
		cp := &Checkpoint{
			Model:   name,
			Weights: m.models[name].StateDict(),
			Metadata: CheckpointMetadata{
				Version:   frameworkVersion,
				Framework: frameworkName,
				CreatedAt: created,
				Label:     label,
			},
		}
		if err := m.saver.SaveCheckpoint(cp, m.ParamsPath(label, name)); err != nil {
			return fmt.Errorf("failed to save %s checkpoint %q: %w", name, label, err)
		}
	}

	if label != LatestLabel {
		if err := m.saver.SaveState(state, m.StatePath()); err != nil {
			return err
		}
	}
	return nil
}

// Load restores every model from label. All files are read and validated
// before any model is modified.
func (m *Manager) Load(label string) error {
	if err := validateLabel(label); err != nil {
		return err
	}

	loaded := make(map[string][]WeightTensor, len(m.names))
	for _, name := range m.names {
		cp, err := m.saver.LoadCheckpoint(m.ParamsPath(label, name))
		if err != nil {
			return err
		}
		if err := m.models[name].ValidateStateDict(cp.Weights); err != nil {
			return fmt.Errorf("checkpoint %s does not fit model %s: %w", m.ParamsPath(label, name), name, err)
		}
		loaded[name] = cp.Weights
	}

	for _, name := range m.names {
		if err := m.models[name].LoadStateDict(loaded[name]); err != nil {
			return fmt.Errorf("failed to restore %s: %w", name, err)
		}
	}
	return nil
}

// LoadState reads the side record of the most recent labelled save.
func (m *Manager) LoadState() (TrainingState, error) {
	return m.saver.LoadState(m.StatePath())
}

// ReadParams loads a single params file in the given format without
// binding it to a model, e.g. to seed a network from pretrained weights.
func ReadParams(path string) (*Checkpoint, error) {
	format := FormatJSON
	if strings.EqualFold(filepath.Ext(path), "."+FormatONNX.Extension()) {
		format = FormatONNX
	}
	return NewCheckpointSaver(format).LoadCheckpoint(path)
}

func validateLabel(label string) error {
	if label == "" || strings.ContainsAny(label, `/\`) || label == "." || label == ".." {
		return fmt.Errorf("invalid checkpoint label %q", label)
	}
	return nil
}
