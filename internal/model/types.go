package model

import "time"

// Prediction is the classification of one image.
type Prediction struct {
	PredictedClass int                `json:"predicted_class"`
	ClassName      string             `json:"class_name"`
	Confidence     float64            `json:"confidence"`
	Probabilities  map[string]float64 `json:"probabilities"`
}

// Architecture summarizes the loaded network as read from the model file.
type Architecture struct {
	InputName   string  `json:"input_name"`
	InputShape  []int64 `json:"input_shape"`
	OutputName  string  `json:"output_name"`
	OutputShape []int64 `json:"output_shape"`
	Producer    string  `json:"producer,omitempty"`
	GraphName   string  `json:"graph_name,omitempty"`
	Description string  `json:"description,omitempty"`
	Version     int64   `json:"version,omitempty"`
}

// Status is a point-in-time view of the service's load state.
type Status struct {
	ModelPath    string        `json:"model_path"`
	Loaded       bool          `json:"loaded"`
	LoadCount    int           `json:"load_count"`
	LoadedAt     *time.Time    `json:"loaded_at,omitempty"`
	LoadDuration time.Duration `json:"load_duration_ns,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}
