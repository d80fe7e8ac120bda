package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// TagIndex maps a class index to its display name.
type TagIndex map[int]string

// LoadTagIndex reads a JSON object keyed by index strings, e.g.
// {"0": "cat", "1": "outdoor"}.
func LoadTagIndex(path string) (TagIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tag index: %w", err)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse tag index %s: %w", path, err)
	}

	idx := make(TagIndex, len(raw))
	for k, name := range raw {
		i, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("tag index %s: key %q is not an integer", path, k)
		}
		idx[i] = name
	}
	return idx, nil
}

// Name returns the name of tag i, or the index itself when the table has
// no entry for it.
func (t TagIndex) Name(i int) string {
	if name, ok := t[i]; ok {
		return name
	}
	return strconv.Itoa(i)
}

// LoadTagWeights reads a JSON array of per-class weights and keeps the
// first numClasses entries.
func LoadTagWeights(path string, numClasses int) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tag weights: %w", err)
	}
	var weights []float32
	if err := json.Unmarshal(data, &weights); err != nil {
		return nil, fmt.Errorf("failed to parse tag weights %s: %w", path, err)
	}
	if len(weights) < numClasses {
		return nil, fmt.Errorf("tag weights %s has %d entries, need %d", path, len(weights), numClasses)
	}
	return weights[:numClasses:numClasses], nil
}
