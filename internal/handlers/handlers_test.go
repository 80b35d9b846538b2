package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/nfnt/resize"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/kidney-api/internal/metrics"
	"github.com/Brownie44l1/kidney-api/internal/model"
	"github.com/Brownie44l1/kidney-api/internal/preprocess"
)

const testSize = 32

var testLabels = model.Labels{"Cyst", "Normal", "Stone", "Tumor"}

func init() {
	gin.SetMode(gin.TestMode)
	log.SetLevel(log.PanicLevel)
}

type fakeRunner struct {
	out   []float32
	err   error
	calls atomic.Int32
}

func (r *fakeRunner) Run(input []float32, shape []int64) ([]float32, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return append([]float32(nil), r.out...), nil
}

func (r *fakeRunner) Architecture() model.Architecture {
	return model.Architecture{
		InputName:   "input_1",
		InputShape:  []int64{-1, testSize, testSize, 3},
		OutputName:  "dense_1",
		OutputShape: []int64{-1, 4},
		Producer:    "tf2onnx",
	}
}

func (r *fakeRunner) Close() error { return nil }

// memCache is an in-memory ResultCache.
type memCache struct {
	mu   sync.Mutex
	data map[string]*model.Prediction
	sets int
}

func (m *memCache) Get(key string) (*model.Prediction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.data[key]
	return p, ok, nil
}

func (m *memCache) Set(key string, pred *model.Prediction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = pred
	m.sets++
	return nil
}

type testEnv struct {
	server *httptest.Server
	client *resty.Client
	runner *fakeRunner
	svc    *model.Service
	opens  *atomic.Int32
}

func newTestEnv(t *testing.T, runner *fakeRunner, open model.Opener, opts Options) *testEnv {
	t.Helper()
	return newTestEnvWithLabels(t, testLabels, runner, open, opts)
}

func newTestEnvWithLabels(t *testing.T, labels model.Labels, runner *fakeRunner, open model.Opener, opts Options) *testEnv {
	t.Helper()
	var opens atomic.Int32
	if open == nil {
		open = func(string) (model.Runner, error) {
			opens.Add(1)
			return runner, nil
		}
	}
	pre := preprocess.New(testSize, preprocess.NHWC, resize.Bilinear)
	svc := model.NewService("models/kidney.onnx", labels, open, model.WithExpectedShape(pre.Shape()))
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	h := NewHandler(svc, pre, opts)

	srv := httptest.NewServer(NewRouter(h, opts.Metrics))
	t.Cleanup(srv.Close)

	return &testEnv{
		server: srv,
		client: resty.New().SetBaseURL(srv.URL),
		runner: runner,
		svc:    svc,
		opens:  &opens,
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func noisePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	rng.Read(img.Pix)
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func cystRunner() *fakeRunner {
	return &fakeRunner{out: []float32{0.995, 0.003, 0.001, 0.001}}
}

func TestPredict(t *testing.T) {
	env := newTestEnv(t, cystRunner(), nil, Options{})

	var pred model.Prediction
	resp, err := env.client.R().
		SetFileReader("file", "scan.png", bytes.NewReader(pngBytes(t, 300, 200))).
		SetResult(&pred).
		Post("/predict")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode(), resp.String())

	assert.Equal(t, 0, pred.PredictedClass)
	assert.Equal(t, "Cyst", pred.ClassName)
	assert.GreaterOrEqual(t, pred.Confidence, 0.99)
	require.Len(t, pred.Probabilities, 4)
	sum := 0.0
	for _, p := range pred.Probabilities {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-3)
	assert.NotEmpty(t, resp.Header().Get(requestIDHeader))
	assert.Empty(t, resp.Header().Get("X-Cache"))
}

func TestPredictMissingFile(t *testing.T) {
	env := newTestEnv(t, cystRunner(), nil, Options{})

	t.Run("wrong field", func(t *testing.T) {
		resp, err := env.client.R().
			SetFileReader("image", "scan.png", bytes.NewReader(pngBytes(t, 10, 10))).
			Post("/predict")
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode())
		assert.JSONEq(t, `{"error":"no file provided"}`, resp.String())
	})

	t.Run("empty body", func(t *testing.T) {
		resp, err := env.client.R().Post("/predict")
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode())
	})

	assert.Equal(t, int32(0), env.opens.Load(), "model must not load for rejected uploads")
}

func TestPredictInvalidImage(t *testing.T) {
	env := newTestEnv(t, cystRunner(), nil, Options{})

	for name, data := range map[string][]byte{
		"garbage": []byte("this is a text file"),
		"empty":   {},
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := env.client.R().
				SetFileReader("file", "scan.png", bytes.NewReader(data)).
				Post("/predict")
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode())

			var body errorResponse
			require.NoError(t, json.Unmarshal(resp.Body(), &body))
			assert.Equal(t, "invalid image", body.Error)
		})
	}
	assert.Equal(t, int32(0), env.runner.calls.Load())
}

func TestPredictLoadFailure(t *testing.T) {
	open := func(string) (model.Runner, error) {
		return nil, errors.New("no such file")
	}
	env := newTestEnv(t, nil, open, Options{})

	resp, err := env.client.R().
		SetFileReader("file", "scan.png", bytes.NewReader(pngBytes(t, 40, 40))).
		Post("/predict")
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode())

	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body(), &body))
	assert.Equal(t, "model load failed", body.Error)
	assert.Contains(t, body.Details, "no such file")
}

func TestPredictInferenceFailure(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{err: errors.New("CUDA out of memory")}, nil, Options{})

	resp, err := env.client.R().
		SetFileReader("file", "scan.png", bytes.NewReader(pngBytes(t, 40, 40))).
		Post("/predict")
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode())
	assert.JSONEq(t, `{"error":"prediction failed"}`, resp.String())
}

func TestPredictTooLarge(t *testing.T) {
	env := newTestEnv(t, cystRunner(), nil, Options{MaxUploadBytes: 1024})

	resp, err := env.client.R().
		SetFileReader("file", "scan.png", bytes.NewReader(noisePNG(t, 40, 40))).
		Post("/predict")
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode())
}

func TestConcurrentFirstRequestsLoadOnce(t *testing.T) {
	var opens atomic.Int32
	runner := cystRunner()
	open := func(string) (model.Runner, error) {
		opens.Add(1)
		time.Sleep(50 * time.Millisecond)
		return runner, nil
	}
	env := newTestEnv(t, runner, open, Options{})
	img := pngBytes(t, 64, 64)

	const callers = 16
	var wg sync.WaitGroup
	codes := make(chan int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := env.client.R().
				SetFileReader("file", "scan.png", bytes.NewReader(img)).
				Post("/predict")
			if err != nil {
				codes <- -1
				return
			}
			codes <- resp.StatusCode()
		}()
	}
	wg.Wait()
	close(codes)

	for code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.Equal(t, int32(1), opens.Load())
	assert.Equal(t, int32(callers), runner.calls.Load())
}

func TestPredictUsesCache(t *testing.T) {
	c := &memCache{data: map[string]*model.Prediction{}}
	env := newTestEnv(t, cystRunner(), nil, Options{Cache: c})
	img := pngBytes(t, 50, 50)

	first, err := env.client.R().SetFileReader("file", "a.png", bytes.NewReader(img)).Post("/predict")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, first.StatusCode())
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))

	second, err := env.client.R().SetFileReader("file", "b.png", bytes.NewReader(img)).Post("/predict")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, second.StatusCode())
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))

	assert.JSONEq(t, first.String(), second.String())
	assert.Equal(t, int32(1), env.runner.calls.Load())
	assert.Equal(t, 1, c.sets)
}

func TestPredictCacheIsScopedToLabels(t *testing.T) {
	c := &memCache{data: map[string]*model.Prediction{}}
	img := pngBytes(t, 50, 50)

	kidney := newTestEnv(t, cystRunner(), nil, Options{Cache: c})
	resp, err := kidney.client.R().SetFileReader("file", "a.png", bytes.NewReader(img)).Post("/predict")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, "MISS", resp.Header().Get("X-Cache"))

	relabeled := newTestEnvWithLabels(t, model.Labels{"Benign", "Clear", "Calculus", "Malignant"},
		cystRunner(), nil, Options{Cache: c})
	var pred model.Prediction
	resp, err = relabeled.client.R().
		SetFileReader("file", "a.png", bytes.NewReader(img)).
		SetResult(&pred).
		Post("/predict")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, "MISS", resp.Header().Get("X-Cache"))
	assert.Equal(t, "Benign", pred.ClassName)
	assert.Equal(t, int32(1), relabeled.runner.calls.Load())
	c.mu.Lock()
	assert.Len(t, c.data, 2)
	c.mu.Unlock()
}

func TestPredictIgnoresCachedEntryWithForeignLabel(t *testing.T) {
	c := &memCache{data: map[string]*model.Prediction{}}
	env := newTestEnv(t, cystRunner(), nil, Options{Cache: c})
	img := pngBytes(t, 50, 50)

	_, err := env.client.R().SetFileReader("file", "a.png", bytes.NewReader(img)).Post("/predict")
	require.NoError(t, err)
	c.mu.Lock()
	for key := range c.data {
		c.data[key] = &model.Prediction{PredictedClass: 7, ClassName: "Benign", Confidence: 1}
	}
	c.mu.Unlock()

	var pred model.Prediction
	resp, err := env.client.R().
		SetFileReader("file", "a.png", bytes.NewReader(img)).
		SetResult(&pred).
		Post("/predict")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, "MISS", resp.Header().Get("X-Cache"))
	assert.Equal(t, "Cyst", pred.ClassName)
	assert.Equal(t, int32(2), env.runner.calls.Load())
}

func TestPredictBatch(t *testing.T) {
	env := newTestEnv(t, cystRunner(), nil, Options{})

	var body struct {
		Count   int `json:"count"`
		Results []struct {
			File      string `json:"file"`
			ClassName string `json:"class_name"`
			Error     string `json:"error"`
		} `json:"results"`
	}
	resp, err := env.client.R().
		SetFileReader("files", "one.png", bytes.NewReader(pngBytes(t, 20, 20))).
		SetFileReader("files", "broken.png", bytes.NewReader([]byte("nope"))).
		SetFileReader("files", "two.png", bytes.NewReader(pngBytes(t, 90, 30))).
		SetResult(&body).
		Post("/predict/batch")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode(), resp.String())

	require.Equal(t, 3, body.Count)
	require.Len(t, body.Results, 3)
	assert.Equal(t, "one.png", body.Results[0].File)
	assert.Equal(t, "Cyst", body.Results[0].ClassName)
	assert.Equal(t, "broken.png", body.Results[1].File)
	assert.Equal(t, "invalid image", body.Results[1].Error)
	assert.Empty(t, body.Results[1].ClassName)
	assert.Equal(t, "Cyst", body.Results[2].ClassName)
}

func TestPredictBatchNoFiles(t *testing.T) {
	env := newTestEnv(t, cystRunner(), nil, Options{})

	resp, err := env.client.R().
		SetFileReader("file", "one.png", bytes.NewReader(pngBytes(t, 20, 20))).
		Post("/predict/batch")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())
	assert.JSONEq(t, `{"error":"no files provided"}`, resp.String())
}

func TestDebugAndModelInfo(t *testing.T) {
	env := newTestEnv(t, cystRunner(), nil, Options{LabelsPath: "models/labels.json", ResizeFilter: "bilinear"})

	var debug map[string]any
	resp, err := env.client.R().SetResult(&debug).Get("/debug")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, "models/kidney.onnx", debug["model_path"])
	assert.Equal(t, false, debug["model_loaded"])
	assert.Equal(t, "models/labels.json", debug["labels_path"])
	assert.Equal(t, map[string]any{"0": "Cyst", "1": "Normal", "2": "Stone", "3": "Tumor"}, debug["labels"])
	assert.Equal(t, float64(testSize), debug["image_size"])
	assert.Equal(t, "nhwc", debug["tensor_layout"])
	assert.Equal(t, false, debug["cache_enabled"])
	assert.Equal(t, float64(preprocess.DefaultMaxPixels), debug["max_image_pixels"])

	var info map[string]any
	_, err = env.client.R().SetResult(&info).Get("/model-info")
	require.NoError(t, err)
	assert.Equal(t, false, info["loaded"])
	assert.Equal(t, float64(4), info["num_classes"])
	assert.NotContains(t, info, "architecture")
	assert.Equal(t, int32(0), env.opens.Load(), "introspection must not load the model")

	_, err = env.client.R().
		SetFileReader("file", "scan.png", bytes.NewReader(pngBytes(t, 40, 40))).
		Post("/predict")
	require.NoError(t, err)

	debug = nil
	_, err = env.client.R().SetResult(&debug).Get("/debug")
	require.NoError(t, err)
	assert.Equal(t, true, debug["model_loaded"])
	status := debug["status"].(map[string]any)
	assert.Equal(t, float64(1), status["load_count"])

	info = nil
	_, err = env.client.R().SetResult(&info).Get("/model-info")
	require.NoError(t, err)
	assert.Equal(t, true, info["loaded"])
	arch := info["architecture"].(map[string]any)
	assert.Equal(t, "input_1", arch["input_name"])
	assert.Equal(t, "tf2onnx", arch["producer"])
}

func TestIndexHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, cystRunner(), nil, Options{})

	resp, err := env.client.R().Get("/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.True(t, strings.HasPrefix(resp.Header().Get("Content-Type"), "text/html"))
	for _, name := range testLabels {
		assert.Contains(t, resp.String(), name)
	}
	assert.Contains(t, resp.String(), `name="file"`)

	resp, err = env.client.R().Get("/health")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"healthy"}`, resp.String())

	resp, err = env.client.R().Get("/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Contains(t, resp.String(), `http_requests_total{method="GET",path="/health",status="200"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, cystRunner(), nil, Options{})

	resp, err := env.client.R().
		SetHeader("Origin", "https://example.org").
		SetHeader("Access-Control-Request-Method", "POST").
		Execute(http.MethodOptions, "/predict")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode())
	assert.Equal(t, "*", resp.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDPropagated(t *testing.T) {
	env := newTestEnv(t, cystRunner(), nil, Options{})

	resp, err := env.client.R().SetHeader(requestIDHeader, "abc-123").Get("/health")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", resp.Header().Get(requestIDHeader))
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "512 B", humanBytes(512))
	assert.Equal(t, "1.0 KiB", humanBytes(1024))
	assert.Equal(t, "10.0 MiB", humanBytes(10<<20))
}
