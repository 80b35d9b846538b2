package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Brownie44l1/kidney-api/internal/cache"
	"github.com/Brownie44l1/kidney-api/internal/metrics"
	"github.com/Brownie44l1/kidney-api/internal/model"
	"github.com/Brownie44l1/kidney-api/internal/preprocess"
	"github.com/Brownie44l1/kidney-api/internal/reporting"
)

const maxBatchFiles = 32

// ResultCache stores predictions by key.
type ResultCache interface {
	Get(key string) (*model.Prediction, bool, error)
	Set(key string, pred *model.Prediction) error
}

// Options carries the optional collaborators and settings of a Handler.
type Options struct {
	MaxUploadBytes int64
	LabelsPath     string
	ResizeFilter   string
	Cache          ResultCache
	Metrics        *metrics.Metrics
	Reporter       *reporting.Reporter
}

// Handler serves the classification endpoints.
type Handler struct {
	svc  *model.Service
	pre  *preprocess.Preprocessor
	opts Options
	// scope prefixes cache keys; it changes with the model file, labels
	// and preprocessing.
	scope string
}

// NewHandler returns a Handler predicting with svc on tensors built by pre.
func NewHandler(svc *model.Service, pre *preprocess.Preprocessor, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	return &Handler{
		svc:   svc,
		pre:   pre,
		opts:  opts,
		scope: cacheScope(svc, pre, opts.ResizeFilter),
	}
}

// cacheScope fingerprints everything that determines a prediction besides
// the upload itself.
func cacheScope(svc *model.Service, pre *preprocess.Preprocessor, filter string) string {
	parts := []string{svc.Path()}
	if info, err := os.Stat(svc.Path()); err == nil {
		parts = append(parts, strconv.FormatInt(info.Size(), 10), strconv.FormatInt(info.ModTime().UnixNano(), 10))
	}
	parts = append(parts, svc.Labels()...)
	parts = append(parts, pre.Layout().String(), fmt.Sprint(pre.Shape()), filter)
	return cache.Fingerprint(parts...)
}

// errorResponse is the body of every non-2xx JSON reply.
type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Index serves the upload page.
func (h *Handler) Index(c *gin.Context) {
	c.HTML(http.StatusOK, indexTemplateName, gin.H{
		"Classes":     h.svc.Labels(),
		"MaxUploadMB": float64(h.opts.MaxUploadBytes) / (1 << 20),
	})
}

// Predict classifies the image uploaded in the multipart field "file".
func (h *Handler) Predict(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)

	header, err := c.FormFile("file")
	if err != nil {
		if isTooLarge(err) {
			h.tooLarge(c)
			return
		}
		c.JSON(http.StatusBadRequest, errorResponse{Error: "no file provided"})
		return
	}

	data, err := readUpload(header)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "could not read upload", Details: err.Error()})
		return
	}
	entry(c).WithField("filename", header.Filename).WithField("size", len(data)).Debug("received file")

	pred, cached, err := h.classify(c.Request.Context(), data)
	if err != nil {
		h.fail(c, err)
		return
	}
	if h.opts.Cache != nil {
		if cached {
			c.Header("X-Cache", "HIT")
		} else {
			c.Header("X-Cache", "MISS")
		}
	}
	c.JSON(http.StatusOK, pred)
}

type batchResult struct {
	File string `json:"file"`
	*model.Prediction
	Error string `json:"error,omitempty"`
}

// PredictBatch classifies every image in the repeated multipart field
// "files". Undecodable files get an inline error; a model that cannot be
// loaded fails the whole request.
func (h *Handler) PredictBatch(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)

	form, err := c.MultipartForm()
	if err != nil {
		if isTooLarge(err) {
			h.tooLarge(c)
			return
		}
		c.JSON(http.StatusBadRequest, errorResponse{Error: "no files provided"})
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "no files provided"})
		return
	}
	if len(headers) > maxBatchFiles {
		c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "too many files",
			Details: fmt.Sprintf("at most %d files per request", maxBatchFiles),
		})
		return
	}

	results := make([]batchResult, 0, len(headers))
	for _, header := range headers {
		res := batchResult{File: header.Filename}
		data, err := readUpload(header)
		if err != nil {
			res.Error = "could not read upload"
			results = append(results, res)
			continue
		}

		pred, _, err := h.classify(c.Request.Context(), data)
		var lerr *model.LoadError
		switch {
		case err == nil:
			res.Prediction = pred
		case errors.As(err, &lerr), errors.Is(err, context.Canceled):
			h.fail(c, err)
			return
		default:
			res.Error = publicError(err).Error
			if !isClientError(err) {
				h.logFailure(c, err)
			}
		}
		results = append(results, res)
	}

	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

// Debug reports configuration and load state. It never loads the model.
func (h *Handler) Debug(c *gin.Context) {
	st := h.svc.Status()
	c.JSON(http.StatusOK, gin.H{
		"model_path":       st.ModelPath,
		"model_loaded":     st.Loaded,
		"status":           st,
		"labels_path":      h.opts.LabelsPath,
		"labels":           h.svc.Labels().Map(),
		"image_size":       h.pre.Size(),
		"tensor_layout":    h.pre.Layout().String(),
		"tensor_shape":     h.pre.Shape(),
		"resize_filter":    h.opts.ResizeFilter,
		"max_upload_bytes": h.opts.MaxUploadBytes,
		"cache_enabled":    h.opts.Cache != nil,
		"cache_scope":      h.scope,
		"max_image_pixels": h.pre.MaxPixels(),
	})
}

// ModelInfo summarizes the model. The architecture section is present only
// once the model has been loaded; the endpoint never loads it.
func (h *Handler) ModelInfo(c *gin.Context) {
	labels := h.svc.Labels()
	resp := gin.H{
		"model_path":           h.svc.Path(),
		"loaded":               false,
		"expected_input_shape": h.svc.ExpectedShape(),
		"num_classes":          labels.Len(),
		"classes":              labels.Map(),
	}
	if arch, ok := h.svc.Architecture(); ok {
		resp["loaded"] = true
		resp["architecture"] = arch
	}
	c.JSON(http.StatusOK, resp)
}

// classify runs the cache → preprocess → predict path for one upload.
// cached reports whether the prediction came from the cache.
func (h *Handler) classify(ctx context.Context, data []byte) (pred *model.Prediction, cached bool, err error) {
	var key string
	if h.opts.Cache != nil {
		key = h.scope + ":" + cache.Digest(data)
		pred, ok, err := h.opts.Cache.Get(key)
		switch {
		case err != nil:
			h.observeCache("error")
			entryFromContext(ctx).WithError(err).Warn("prediction cache lookup failed")
		case ok && h.matchesLabels(pred):
			h.observeCache("hit")
			return pred, true, nil
		case ok:
			h.observeCache("error")
			entryFromContext(ctx).WithField("class_name", pred.ClassName).Warn("cached prediction does not match labels")
		default:
			h.observeCache("miss")
		}
	}

	tensor, err := h.pre.ProcessBytes(data)
	if err != nil {
		return nil, false, err
	}

	start := time.Now()
	pred, err = h.svc.Predict(ctx, tensor)
	if err != nil {
		return nil, false, err
	}
	if h.opts.Metrics != nil {
		h.opts.Metrics.ObserveInference(time.Since(start))
		h.opts.Metrics.ObservePrediction(pred.ClassName)
	}

	if h.opts.Cache != nil {
		if err := h.opts.Cache.Set(key, pred); err != nil {
			entryFromContext(ctx).WithError(err).Warn("prediction cache store failed")
		}
	}
	return pred, false, nil
}

func (h *Handler) matchesLabels(pred *model.Prediction) bool {
	if pred == nil {
		return false
	}
	name, ok := h.svc.Labels().Name(pred.PredictedClass)
	return ok && name == pred.ClassName
}

func (h *Handler) observeCache(result string) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.ObserveCache(result)
	}
}

// fail writes the error reply for err. Server-side failures are logged with
// detail and reported.
func (h *Handler) fail(c *gin.Context, err error) {
	if !isClientError(err) {
		h.logFailure(c, err)
	}
	c.JSON(statusFor(err), publicError(err))
}

func (h *Handler) logFailure(c *gin.Context, err error) {
	entry(c).WithError(err).Error("prediction failed")
	h.opts.Reporter.Capture(err, map[string]string{
		"path":       c.FullPath(),
		"request_id": requestIDFrom(c),
	})
}

func (h *Handler) tooLarge(c *gin.Context) {
	c.JSON(http.StatusRequestEntityTooLarge, errorResponse{
		Error:   "upload too large",
		Details: "limit is " + humanBytes(h.opts.MaxUploadBytes),
	})
}

func statusFor(err error) int {
	var (
		invalid *preprocess.InvalidImageError
		lerr    *model.LoadError
		ierr    *model.InferenceError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &lerr), errors.As(err, &ierr):
		return http.StatusInternalServerError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func isClientError(err error) bool {
	return statusFor(err) < http.StatusInternalServerError
}

// publicError is what the caller sees for err. Inference details stay in
// the logs.
func publicError(err error) errorResponse {
	var (
		invalid *preprocess.InvalidImageError
		lerr    *model.LoadError
	)
	switch {
	case errors.As(err, &invalid):
		return errorResponse{Error: "invalid image", Details: invalid.Err.Error()}
	case errors.As(err, &lerr):
		return errorResponse{Error: "model load failed", Details: lerr.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errorResponse{Error: "request canceled"}
	}
	return errorResponse{Error: "prediction failed"}
}

func readUpload(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
