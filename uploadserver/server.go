package uploadserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gin-gonic/gin"
)

const (
	// DefaultKeyPrefix ...
	DefaultKeyPrefix = "videos"
	// DefaultPartURLExpiry ...
	DefaultPartURLExpiry = time.Hour

	defaultContentType = "application/octet-stream"
	maxPartNumber      = 10000
	shutdownTimeout    = 10 * time.Second
)

// Config ...
type Config struct {
	// KeyPrefix is the "directory" of the uploaded objects.
	KeyPrefix string
	// PartURLExpiry is the validity of the pre-signed part upload URLs.
	PartURLExpiry time.Duration
}

// Server serves the upload API.
type Server struct {
	backend Backend
	config  Config
	logger  log.Logger
	now     func() time.Time
	engine  *gin.Engine
}

type startRequest struct {
	FileName    string `json:"fileName" binding:"required"`
	ContentType string `json:"contentType"`
}

type partURLRequest struct {
	Key        string `json:"key" binding:"required"`
	UploadID   string `json:"uploadId" binding:"required"`
	PartNumber int    `json:"partNumber" binding:"required"`
}

type completeRequest struct {
	Key      string `json:"key" binding:"required"`
	UploadID string `json:"uploadId" binding:"required"`
	Parts    []Part `json:"parts" binding:"required"`
}

type abortRequest struct {
	Key      string `json:"key" binding:"required"`
	UploadID string `json:"uploadId" binding:"required"`
}

// NewServer ...
func NewServer(backend Backend, config Config, logger log.Logger) *Server {
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultKeyPrefix
	}
	if config.PartURLExpiry <= 0 {
		config.PartURLExpiry = DefaultPartURLExpiry
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		backend: backend,
		config:  config,
		logger:  logger,
		now:     time.Now,
		engine:  gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.logRequests, cors)

	s.engine.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Upload server is running")
	})

	uploads := s.engine.Group("/uploads")
	uploads.POST("/start", s.start)
	uploads.POST("/part-url", s.partURL)
	uploads.GET("/parts", s.listParts)
	uploads.POST("/complete", s.complete)
	uploads.DELETE("/abort", s.abort)

	if registrar, ok := backend.(routeRegistrar); ok {
		registrar.RegisterRoutes(s.engine)
	}

	return s
}

// Handler ...
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Infof("Upload server listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		s.logger.Infof("Shutting down upload server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "fileName is required")
		return
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	key := s.objectKey(req.FileName)
	uploadID, err := s.backend.CreateUpload(c.Request.Context(), key, contentType)
	if err != nil {
		s.fail(c, "start upload", err)
		return
	}

	s.logger.Infof("Started upload %s (key: %s)", uploadID, key)
	c.JSON(http.StatusOK, gin.H{"uploadId": uploadID, "key": key})
}

func (s *Server) partURL(c *gin.Context) {
	var req partURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "key, uploadId and partNumber are required")
		return
	}
	if req.PartNumber < 1 || req.PartNumber > maxPartNumber {
		badRequest(c, fmt.Sprintf("partNumber must be between 1 and %d", maxPartNumber))
		return
	}

	url, err := s.backend.PresignPart(c.Request.Context(), req.Key, req.UploadID, req.PartNumber, s.config.PartURLExpiry)
	if err != nil {
		s.fail(c, "generate part url", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (s *Server) listParts(c *gin.Context) {
	key := c.Query("key")
	uploadID := c.Query("uploadId")
	if key == "" || uploadID == "" {
		badRequest(c, "key and uploadId are required")
		return
	}

	parts, err := s.backend.ListParts(c.Request.Context(), key, uploadID)
	if err != nil {
		s.fail(c, "list parts", err)
		return
	}
	if parts == nil {
		parts = []Part{}
	}

	c.JSON(http.StatusOK, gin.H{"parts": parts})
}

func (s *Server) complete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Parts) == 0 {
		badRequest(c, "key, uploadId and parts are required")
		return
	}

	if err := s.backend.CompleteUpload(c.Request.Context(), req.Key, req.UploadID, req.Parts); err != nil {
		s.fail(c, "complete upload", err)
		return
	}

	s.logger.Donef("Completed upload %s (key: %s, %d parts)", req.UploadID, req.Key, len(req.Parts))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) abort(c *gin.Context) {
	var req abortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "key and uploadId are required")
		return
	}

	if err := s.backend.AbortUpload(c.Request.Context(), req.Key, req.UploadID); err != nil {
		s.fail(c, "abort upload", err)
		return
	}

	s.logger.Infof("Aborted upload %s (key: %s)", req.UploadID, req.Key)
	c.JSON(http.StatusOK, gin.H{"aborted": true})
}

// objectKey is <prefix>/<unix millis>-<file name>; directories of the file name are dropped.
func (s *Server) objectKey(fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	return fmt.Sprintf("%s/%d-%s", s.config.KeyPrefix, s.now().UnixMilli(), name)
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, ErrNoSuchUpload):
		s.logger.Warnf("Failed to %s: %s", op, err)
		c.JSON(http.StatusNotFound, gin.H{"error": ErrNoSuchUpload.Error()})
	case errors.Is(err, ErrInvalidPart):
		s.logger.Warnf("Failed to %s: %s", op, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidPart.Error()})
	default:
		s.logger.Errorf("Failed to %s: %s", op, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to %s", op)})
	}
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debugf("%s %s: %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
}

func cors(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "*")
	c.Header("Access-Control-Expose-Headers", "ETag")

	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusNoContent)
		return
	}
	c.Next()
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}
