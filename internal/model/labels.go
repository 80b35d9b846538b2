package model

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Labels maps class indices to class names. The slice index is the class
// index the network emits. Labels is read-only after LoadLabels returns.
type Labels []string

// LoadLabels reads a JSON object of the form {"0": "Cyst", "1": "Normal"}.
// Keys must be the contiguous integers 0..n-1 and names must be non-empty.
func LoadLabels(path string) (Labels, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	var byKey map[string]string
	if err := json.Unmarshal(raw, &byKey); err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("parse labels: %w", err)}
	}
	if len(byKey) == 0 {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("no labels defined")}
	}

	labels := make(Labels, len(byKey))
	for k, name := range byKey {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("label key %q is not an integer", k)}
		}
		if idx < 0 || idx >= len(labels) {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("label index %d outside 0..%d", idx, len(labels)-1)}
		}
		if name == "" {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("label %d has an empty name", idx)}
		}
		labels[idx] = name
	}
	// Keys like "1" and "01" collide and leave a gap behind.
	for i, name := range labels {
		if name == "" {
			return nil, &LoadError{Path: path, Err: fmt.Errorf("label index %d is missing", i)}
		}
	}
	return labels, nil
}

// Len returns the number of classes.
func (l Labels) Len() int { return len(l) }

// Name returns the class name for idx.
func (l Labels) Name(idx int) (string, bool) {
	if idx < 0 || idx >= len(l) {
		return "", false
	}
	return l[idx], true
}

// Map returns a fresh index-to-name map, suitable for JSON responses.
func (l Labels) Map() map[int]string {
	m := make(map[int]string, len(l))
	for i, name := range l {
		m[i] = name
	}
	return m
}
