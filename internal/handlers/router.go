package handlers

import (
	"embed"
	"fmt"
	"html/template"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/Brownie44l1/kidney-api/internal/metrics"
)

const indexTemplateName = "index.html"

//go:embed templates/index.html
var templatesFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templatesFS, "templates/"+indexTemplateName))

// NewRouter wires h's endpoints and the shared middleware into a gin engine.
// m may be nil, in which case no /metrics endpoint is served.
func NewRouter(h *Handler, m *metrics.Metrics) *gin.Engine {
	router := gin.New()
	router.MaxMultipartMemory = h.opts.MaxUploadBytes
	router.SetHTMLTemplate(indexTemplate)

	router.Use(gin.Recovery(), requestID(), accessLog(), cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Content-Type", requestIDHeader},
		ExposeHeaders:   []string{requestIDHeader, "X-Cache"},
		MaxAge:          12 * time.Hour,
	}))
	if m != nil {
		router.Use(m.Middleware())
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	router.GET("/", h.Index)
	router.GET("/health", h.Health)
	router.POST("/predict", h.Predict)
	router.POST("/predict/batch", h.PredictBatch)
	router.GET("/debug", h.Debug)
	router.GET("/model-info", h.ModelInfo)
	return router
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
