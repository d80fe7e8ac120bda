package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Extension is the file extension used for the format.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatONNX:
		return "onnx"
	default:
		return "json"
	}
}

// ParseFormat resolves "json" or "onnx".
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "json", "":
		return FormatJSON, nil
	case "onnx", "proto", "pb":
		return FormatONNX, nil
	default:
		return 0, fmt.Errorf("unsupported checkpoint format %q", s)
	}
}

// Checkpoint holds the parameters of one named model.
type Checkpoint struct {
	Model    string             `json:"model"`
	Weights  []WeightTensor     `json:"weights"`
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState is the side record written with every non-latest save.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	LearningRate float64 `json:"lr"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
	Label     string    `json:"label,omitempty"`
}

const (
	frameworkName    = "go-tagnet"
	frameworkVersion = "1.0.0"
)

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// Format returns the saver's format.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint atomically writes a model checkpoint to path
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = frameworkName
		checkpoint.Metadata.Version = frameworkVersion
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatJSON:
		data, err = json.Marshal(checkpoint)
	case FormatONNX:
		data, err = marshalONNX(checkpoint)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return writeFileAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}

	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
		}
		return &checkpoint, nil
	case FormatONNX:
		checkpoint, err := unmarshalONNX(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
		}
		return checkpoint, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// SaveState atomically writes the training side record.
func (cs *CheckpointSaver) SaveState(state TrainingState, path string) error {
	var data []byte
	var err error
	switch cs.format {
	case FormatJSON:
		var buf bytes.Buffer
		encoder := json.NewEncoder(&buf)
		encoder.SetIndent("", "  ")
		err = encoder.Encode(state)
		data = buf.Bytes()
	case FormatONNX:
		data, err = marshalState(state)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return fmt.Errorf("failed to encode training state: %w", err)
	}
	return writeFileAtomic(path, data)
}

// LoadState reads the training side record.
func (cs *CheckpointSaver) LoadState(path string) (TrainingState, error) {
	data, err := readFile(path)
	if err != nil {
		return TrainingState{}, err
	}

	var state TrainingState
	switch cs.format {
	case FormatJSON:
		err = json.Unmarshal(data, &state)
	case FormatONNX:
		state, err = unmarshalState(data)
	default:
		return TrainingState{}, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return TrainingState{}, fmt.Errorf("failed to decode training state %s: %w", path, err)
	}
	return state, nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Path: path}
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	return data, nil
}

// writeFileAtomic writes to a temporary file in the target directory and
// renames it into place, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}
