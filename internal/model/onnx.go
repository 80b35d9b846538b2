package model

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ortEnv manages global ONNX Runtime initialization (process-wide singleton).
var ortEnv struct {
	mu    sync.Mutex
	ready bool
}

var initializeEnvironment = func() error { return ort.InitializeEnvironment() }

// initRuntime initializes the ONNX Runtime environment. Once it succeeds
// later calls are no-ops; after a failure the next call tries again.
func initRuntime(libPath string) error {
	ortEnv.mu.Lock()
	defer ortEnv.mu.Unlock()
	if ortEnv.ready {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := initializeEnvironment(); err != nil {
		return err
	}
	ortEnv.ready = true
	return nil
}

// ShutdownRuntime destroys the ONNX Runtime environment. Call it once, after
// every session has been closed.
func ShutdownRuntime() error {
	ortEnv.mu.Lock()
	defer ortEnv.mu.Unlock()
	ortEnv.ready = false
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// ONNXOptions configures sessions created by OpenONNX.
type ONNXOptions struct {
	// LibPath is the onnxruntime shared library. Empty uses the library's
	// platform default.
	LibPath        string
	IntraOpThreads int
}

// OpenONNX returns an Opener that loads classification networks through
// ONNX Runtime.
func OpenONNX(opts ONNXOptions) Opener {
	return func(path string) (Runner, error) {
		return newONNXSession(path, opts)
	}
}

// onnxSession wraps a DynamicAdvancedSession for a single-input,
// single-output image classifier. Tensors are allocated per call, so Run is
// safe to use from several goroutines.
type onnxSession struct {
	session *ort.DynamicAdvancedSession
	arch    Architecture
	classes int64
}

func newONNXSession(path string, opts ONNXOptions) (*onnxSession, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if err := initRuntime(opts.LibPath); err != nil {
		return nil, fmt.Errorf("onnx: failed to initialize runtime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to read model info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("onnx: expected 1 input and 1 output, got %d and %d", len(inputs), len(outputs))
	}
	in, out := inputs[0], outputs[0]
	if in.DataType != ort.TensorElementDataTypeFloat {
		return nil, fmt.Errorf("onnx: input %q is %v, want float32", in.Name, in.DataType)
	}
	if len(in.Dimensions) != 4 {
		return nil, fmt.Errorf("onnx: expected 4D image input, got %v", in.Dimensions)
	}
	// Output is [batch, classes]; the class dimension must be static.
	if len(out.Dimensions) != 2 || out.Dimensions[1] <= 0 {
		return nil, fmt.Errorf("onnx: expected [batch, classes] output, got %v", out.Dimensions)
	}

	arch := Architecture{
		InputName:   in.Name,
		InputShape:  append([]int64(nil), in.Dimensions...),
		OutputName:  out.Name,
		OutputShape: append([]int64(nil), out.Dimensions...),
	}
	describe(path, &arch)

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session options: %w", err)
	}
	defer sessOpts.Destroy()
	if opts.IntraOpThreads > 0 {
		sessOpts.SetIntraOpNumThreads(opts.IntraOpThreads)
	}
	sessOpts.SetInterOpNumThreads(1)

	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{in.Name}, []string{out.Name}, sessOpts)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session: %w", err)
	}

	return &onnxSession{
		session: session,
		arch:    arch,
		classes: out.Dimensions[1],
	}, nil
}

// describe fills the free-form metadata fields. Models exported without
// metadata are still usable, so failures are ignored.
func describe(path string, arch *Architecture) {
	md, err := ort.GetModelMetadata(path)
	if err != nil {
		return
	}
	defer md.Destroy()
	arch.Producer, _ = md.GetProducerName()
	arch.GraphName, _ = md.GetGraphName()
	arch.Description, _ = md.GetDescription()
	arch.Version, _ = md.GetVersion()
}

// Run executes one forward pass and returns a copy of the output tensor.
func (s *onnxSession) Run(input []float32, shape []int64) ([]float32, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("onnx: empty input shape")
	}
	inputTensor, err := ort.NewTensor(ort.NewShape(shape...), input)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(shape[0], s.classes))
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := s.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("onnx: %w", err)
	}

	// Copy data out before the tensor is destroyed.
	src := outputTensor.GetData()
	result := make([]float32, len(src))
	copy(result, src)
	return result, nil
}

func (s *onnxSession) Architecture() Architecture { return s.arch }

func (s *onnxSession) Close() error {
	return s.session.Destroy()
}
