package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/kidney-api/internal/preprocess"
)

var (
	// ErrArchitectureMismatch is wrapped by LoadError when the network's
	// input or output shape disagrees with the configured tensor or labels.
	ErrArchitectureMismatch = errors.New("architecture mismatch")
	// ErrShapeMismatch is wrapped by InferenceError when a tensor does not
	// fit the network.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
	// ErrClosed is returned once the service has been closed.
	ErrClosed = errors.New("model service closed")
)

// Tolerance for accepting the raw network output as a distribution.
const sumTolerance = 1e-3

// Runner executes a loaded classification network.
type Runner interface {
	// Run performs one forward pass over a flat input of the given shape and
	// returns the flat output.
	Run(input []float32, shape []int64) ([]float32, error)
	Architecture() Architecture
	Close() error
}

// Opener loads the network stored at path.
type Opener func(path string) (Runner, error)

// Option configures a Service.
type Option func(*Service)

// WithExpectedShape sets the input shape tensors will arrive in. The network
// is rejected at load time if its input does not accept it.
func WithExpectedShape(shape []int64) Option {
	return func(s *Service) {
		s.expectedShape = append([]int64(nil), shape...)
	}
}

// WithLoadHook registers fn to be called after every load attempt.
func WithLoadHook(fn func(took time.Duration, err error)) Option {
	return func(s *Service) {
		s.onLoad = fn
	}
}

type loadedRunner struct {
	runner Runner
	at     time.Time
	took   time.Duration
}

// Service owns the classification network and its label map. The network is
// opened lazily on first use, at most once even under concurrent first
// callers; a failed load is retried by the next caller.
type Service struct {
	path          string
	labels        Labels
	open          Opener
	expectedShape []int64
	onLoad        func(time.Duration, error)

	current  atomic.Pointer[loadedRunner]
	attempts atomic.Int64

	loadMu sync.Mutex // serializes opening; guards closed
	closed bool

	errMu   sync.RWMutex
	lastErr error
}

// NewService returns a Service for the network at path. Nothing is opened
// until Load or Predict is called.
func NewService(path string, labels Labels, open Opener, opts ...Option) *Service {
	s := &Service{
		path:   path,
		labels: labels,
		open:   open,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load opens the network if it is not open yet and returns it. Concurrent
// callers block on the same load.
func (s *Service) Load() (Runner, error) {
	if l := s.current.Load(); l != nil {
		return l.runner, nil
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if l := s.current.Load(); l != nil {
		return l.runner, nil
	}
	if s.closed {
		return nil, &LoadError{Path: s.path, Err: ErrClosed}
	}

	s.attempts.Add(1)
	start := time.Now()
	runner, err := s.open(s.path)
	if err == nil {
		if err = s.validate(runner.Architecture()); err != nil {
			runner.Close()
		}
	}
	took := time.Since(start)

	if s.onLoad != nil {
		s.onLoad(took, err)
	}
	if err != nil {
		var lerr *LoadError
		if !errors.As(err, &lerr) {
			lerr = &LoadError{Path: s.path, Err: err}
		}
		s.setLastError(lerr)
		log.WithError(lerr).WithField("path", s.path).Error("model load failed")
		return nil, lerr
	}

	s.setLastError(nil)
	s.current.Store(&loadedRunner{runner: runner, at: start, took: took})
	log.WithFields(log.Fields{
		"path":     s.path,
		"duration": took.String(),
		"classes":  s.labels.Len(),
	}).Info("model loaded")
	return runner, nil
}

func (s *Service) validate(arch Architecture) error {
	if len(s.expectedShape) > 0 {
		if len(arch.InputShape) != len(s.expectedShape) {
			return fmt.Errorf("%w: input %v, want %v", ErrArchitectureMismatch, arch.InputShape, s.expectedShape)
		}
		for i, dim := range arch.InputShape {
			// Negative dimensions are dynamic and accept any size.
			if dim >= 0 && dim != s.expectedShape[i] {
				return fmt.Errorf("%w: input %v, want %v", ErrArchitectureMismatch, arch.InputShape, s.expectedShape)
			}
		}
	}
	if n := len(arch.OutputShape); n > 0 {
		if classes := arch.OutputShape[n-1]; classes >= 0 && classes != int64(s.labels.Len()) {
			return fmt.Errorf("%w: model has %d classes, labels have %d", ErrArchitectureMismatch, classes, s.labels.Len())
		}
	}
	return nil
}

// Predict classifies one preprocessed image, loading the network first if
// needed. Load failures are *LoadError; anything going wrong afterwards is
// *InferenceError.
func (s *Service) Predict(ctx context.Context, t *preprocess.Tensor) (*Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runner, err := s.Load()
	if err != nil {
		return nil, err
	}
	if err := s.checkTensor(t); err != nil {
		return nil, &InferenceError{Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := runner.Run(t.Data, t.Shape)
	if err != nil {
		return nil, &InferenceError{Err: err}
	}
	if len(out) != s.labels.Len() {
		return nil, &InferenceError{Err: fmt.Errorf("output has %d values for %d classes", len(out), s.labels.Len())}
	}

	probs, err := distribution(out)
	if err != nil {
		return nil, &InferenceError{Err: err}
	}
	return s.assemble(probs), nil
}

func (s *Service) checkTensor(t *preprocess.Tensor) error {
	if t == nil || len(t.Shape) == 0 {
		return fmt.Errorf("%w: empty tensor", ErrShapeMismatch)
	}
	size := int64(1)
	for _, d := range t.Shape {
		size *= d
	}
	if size != int64(len(t.Data)) {
		return fmt.Errorf("%w: shape %v holds %d values, got %d", ErrShapeMismatch, t.Shape, size, len(t.Data))
	}
	if t.Shape[0] != 1 {
		return fmt.Errorf("%w: batch of %d, want 1", ErrShapeMismatch, t.Shape[0])
	}
	if len(s.expectedShape) == 0 {
		return nil
	}
	if len(t.Shape) != len(s.expectedShape) {
		return fmt.Errorf("%w: shape %v, want %v", ErrShapeMismatch, t.Shape, s.expectedShape)
	}
	for i := range t.Shape {
		if t.Shape[i] != s.expectedShape[i] {
			return fmt.Errorf("%w: shape %v, want %v", ErrShapeMismatch, t.Shape, s.expectedShape)
		}
	}
	return nil
}

// distribution returns out as float64 probabilities. Outputs that already
// form a distribution are kept; anything else is treated as logits.
func distribution(out []float32) ([]float64, error) {
	probs := make([]float64, len(out))
	sum := 0.0
	isDist := true
	for i, v := range out {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("output %d is %v", i, f)
		}
		if f < 0 || f > 1 {
			isDist = false
		}
		probs[i] = f
		sum += f
	}
	if isDist && math.Abs(sum-1) <= sumTolerance {
		return probs, nil
	}
	return softmax(probs), nil
}

func softmax(logits []float64) []float64 {
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	out := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		out[i] = math.Exp(v - maxVal)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func (s *Service) assemble(probs []float64) *Prediction {
	maxIdx := 0
	probabilities := make(map[string]float64, len(probs))
	for i, p := range probs {
		probabilities[s.labels[i]] = p
		if p > probs[maxIdx] {
			maxIdx = i
		}
	}
	return &Prediction{
		PredictedClass: maxIdx,
		ClassName:      s.labels[maxIdx],
		Confidence:     probs[maxIdx],
		Probabilities:  probabilities,
	}
}

// Labels returns the label map the service predicts with.
func (s *Service) Labels() Labels { return s.labels }

// Path returns the model file path.
func (s *Service) Path() string { return s.path }

// ExpectedShape returns the configured input shape, if any.
func (s *Service) ExpectedShape() []int64 {
	return append([]int64(nil), s.expectedShape...)
}

// Architecture returns the loaded network's summary. It never triggers a
// load; ok is false while the network is not open.
func (s *Service) Architecture() (arch Architecture, ok bool) {
	l := s.current.Load()
	if l == nil {
		return Architecture{}, false
	}
	return l.runner.Architecture(), true
}

// Status reports the load state without blocking on an in-flight load.
func (s *Service) Status() Status {
	st := Status{
		ModelPath: s.path,
		LoadCount: int(s.attempts.Load()),
	}
	if l := s.current.Load(); l != nil {
		at := l.at
		st.Loaded = true
		st.LoadedAt = &at
		st.LoadDuration = l.took
	}
	if err := s.lastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// LastError returns the error from the most recent failed load, or nil if
// the last attempt succeeded or none was made.
func (s *Service) LastError() error { return s.lastError() }

func (s *Service) setLastError(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}

func (s *Service) lastError() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.lastErr
}

// Close releases the network. Later calls to Load fail with ErrClosed.
func (s *Service) Close() error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	s.closed = true
	if l := s.current.Swap(nil); l != nil {
		return l.runner.Close()
	}
	return nil
}
