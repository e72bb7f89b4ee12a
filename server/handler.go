package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chaos-io/sinfondo/batch"
	"github.com/chaos-io/sinfondo/config"
	"github.com/chaos-io/sinfondo/rembg"
)

// multipartOverhead is the per-file allowance for part headers and boundaries.
const multipartOverhead = 64 << 10

type Handler struct {
	remover rembg.Remover
	health  *HealthMonitor
	app     config.AppConfig
	log     *zap.Logger

	// batchTimeout stops the batch before the server gives up writing the response.
	batchTimeout time.Duration
}

func NewHandler(remover rembg.Remover, health *HealthMonitor, app config.AppConfig, batchTimeout time.Duration, log *zap.Logger) *Handler {
	return &Handler{
		remover:      remover,
		health:       health,
		app:          app,
		log:          log,
		batchTimeout: batchTimeout,
	}
}

// MaxRequestBody is the largest request body RemoveBackgrounds reads:
// APP_MAX_FILES files of APP_MAX_UPLOAD_SIZE each plus multipart framing.
func (h *Handler) MaxRequestBody() int64 {
	return int64(h.app.MaxFiles) * (h.app.MaxUploadSize + multipartOverhead)
}

// GetUI 渲染上传页面, 主题作为渲染参数传入
func (h *Handler) GetUI(c *gin.Context) {
	theme := h.app.Theme
	if q := strings.ToLower(c.Query("theme")); q == "light" || q == "dark" {
		theme = q
	}

	formats := make([]string, 0, len(h.app.AllowedFormats))
	for _, f := range h.app.AllowedFormats {
		formats = append(formats, strings.ToUpper(strings.TrimPrefix(f, ".")))
	}

	c.HTML(http.StatusOK, "index.html", gin.H{
		"Theme":     theme,
		"Formats":   strings.Join(formats, ", "),
		"Accept":    strings.Join(h.app.AllowedFormats, ","),
		"KeepNames": h.app.KeepNames,
		"Model":     h.health.Status().Backend,
	})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "OK",
		"model":  h.health.Status(),
	})
}

// RemoveBackgrounds processes the uploaded images and answers with a PNG or a ZIP.
func (h *Handler) RemoveBackgrounds(c *gin.Context) {
	log := requestLogger(c, h.log)

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxRequestBody())

	var (
		files  []*multipart.FileHeader
		tooBig *http.MaxBytesError
	)
	form, err := c.MultipartForm()
	switch {
	case errors.Is(err, http.ErrNotMultipart), errors.Is(err, http.ErrMissingBoundary):
	case errors.As(err, &tooBig):
		log.Warn("Request body too large", zap.Int64("limit", tooBig.Limit))
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("Request too large (max %d bytes)", tooBig.Limit)})
		return
	case err != nil:
		log.Error("Failed to parse multipart form", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid multipart form"})
		return
	default:
		files = form.File["images"]
	}

	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": batch.EmptyBatchWarning})
		return
	}
	if len(files) > h.app.MaxFiles {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Too many files: %d (max %d)", len(files), h.app.MaxFiles)})
		return
	}

	keepNames := h.app.KeepNames
	if v := c.PostForm("keep_names"); v != "" {
		keepNames, err = strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid keep_names value"})
			return
		}
	}

	policy := h.app.FailurePolicy
	if v := c.PostForm("policy"); v != "" {
		policy, err = batch.ParsePolicy(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	uploads := make([]batch.Upload, 0, len(files))
	for _, file := range files {
		if msg := h.validate(file); msg != "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": msg})
			return
		}
		data, err := readFile(file)
		if err != nil {
			log.Error("Failed to read file", zap.String("name", file.Filename), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read file"})
			return
		}
		uploads = append(uploads, batch.Upload{Name: file.Filename, Data: data})
	}

	ctx := c.Request.Context()
	if h.batchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.batchTimeout)
		defer cancel()
	}

	processor := batch.NewProcessor(h.remover, log)
	res, err := processor.Process(ctx, uploads, batch.Options{
		KeepOriginalNames: keepNames,
		Policy:            policy,
	})
	if err != nil {
		status := errorStatus(err)
		log.Warn("Batch failed", zap.Int("status", status), zap.Error(err))
		body := gin.H{"error": err.Error()}
		if status == http.StatusBadRequest {
			body["error"] = batch.EmptyBatchWarning
		}
		if res != nil {
			body["outcomes"] = res.Outcomes
		}
		c.JSON(status, body)
		return
	}

	report, err := asciiJSON(res.Outcomes)
	if err != nil {
		log.Error("Failed to encode batch report", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encode batch report"})
		return
	}

	d := res.Deliverable
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.Filename}))
	c.Header("X-Processed-Count", strconv.Itoa(res.Succeeded()))
	c.Header("X-Failed-Count", strconv.Itoa(len(res.Failures())))
	c.Header("X-Batch-Report", report)
	c.Data(http.StatusOK, d.ContentType, d.Data)
}

// validate returns a user-facing message when file is not acceptable.
func (h *Handler) validate(file *multipart.FileHeader) string {
	// 检查文件大小
	if file.Size > h.app.MaxUploadSize {
		return fmt.Sprintf("File too large: %s (max %d bytes)", file.Filename, h.app.MaxUploadSize)
	}

	// 检查扩展名
	ext := strings.ToLower(filepath.Ext(file.Filename))
	for _, allowed := range h.app.AllowedFormats {
		if ext == allowed {
			return ""
		}
	}
	return fmt.Sprintf("Invalid file format: %s. Allowed: %s", file.Filename, strings.Join(h.app.AllowedFormats, ", "))
}

func readFile(file *multipart.FileHeader) ([]byte, error) {
	f, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return io.ReadAll(f)
}

func errorStatus(err error) int {
	var (
		modelErr  *batch.ModelError
		decodeErr *batch.DecodeError
	)
	switch {
	case errors.Is(err, batch.ErrEmptyBatch):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &modelErr):
		return http.StatusBadGateway
	case errors.As(err, &decodeErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// asciiJSON marshals v with every non-ASCII rune escaped, so it fits in a header.
func asciiJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, r := range string(data) {
		switch {
		case r < utf8.RuneSelf:
			b.WriteRune(r)
		case r > 0xFFFF:
			r1, r2 := utf16.EncodeRune(r)
			_, _ = fmt.Fprintf(&b, `\u%04x\u%04x`, r1, r2)
		default:
			_, _ = fmt.Fprintf(&b, `\u%04x`, r)
		}
	}
	return b.String(), nil
}
