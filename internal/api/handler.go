// Package api serves the caller-facing document collection operations over
// HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Lllllllleong/documentcollections/internal/models"
	"github.com/Lllllllleong/documentcollections/internal/monitoring"
	"github.com/Lllllllleong/documentcollections/internal/services"
)

const (
	// UserHeader carries the caller identity set by the fronting gateway.
	UserHeader = "X-Authenticated-User"

	ndjsonType   = "application/x-ndjson"
	ownerKey     = "owner"
	uploadField  = "files"
	kindUnauthed = "Unauthenticated"
)

// Handler routes API requests to the runtime's components.
type Handler struct {
	rt     *services.Runtime
	engine *gin.Engine
}

// NewHandler builds the router over rt.
func NewHandler(rt *services.Runtime) *Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), requestMetrics())
	engine.MaxMultipartMemory = 32 << 20

	h := &Handler{rt: rt, engine: engine}
	engine.GET("/healthz", h.health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := engine.Group("/", requireUser())
	{
		authed.POST("/collections", h.createCollection)
		authed.GET("/collections", h.listCollections)
		authed.GET("/collections/:id", h.getCollection)
		authed.PATCH("/collections/:id", h.renameCollection)
		authed.DELETE("/collections/:id", h.deleteCollection)
		authed.POST("/collections/:id/documents", h.uploadDocuments)
		authed.GET("/collections/:id/documents", h.listCollectionDocuments)
		authed.GET("/documents", h.listDocuments)
		authed.DELETE("/documents/:id", h.deleteDocument)
		authed.POST("/search", h.search)
		authed.GET("/deletion-queue/stats", h.queueStats)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.engine.ServeHTTP(w, r)
}

func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := strings.TrimSpace(c.GetHeader(UserHeader))
		if owner == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
				Kind:  kindUnauthed,
				Error: "missing " + UserHeader + " header",
			})
			return
		}
		c.Set(ownerKey, owner)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("Request handled.",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
		)
	}
}

func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		c.Next()
		monitoring.RequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		monitoring.RequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// statusFor maps the error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrUpstream):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed.", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
	}
	c.AbortWithStatusJSON(status, models.ErrorResponse{Kind: models.ErrorKind(err), Error: err.Error()})
}

func owner(c *gin.Context) string { return c.GetString(ownerKey) }

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) createCollection(c *gin.Context) {
	var req models.CreateCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("%w: %v", models.ErrValidation, err))
		return
	}
	col, err := h.rt.Registry.Create(c.Request.Context(), owner(c), req.Name, req.Description)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, col)
}

func (h *Handler) listCollections(c *gin.Context) {
	cols, err := h.rt.Registry.List(c.Request.Context(), owner(c))
	if err != nil {
		fail(c, err)
		return
	}
	if cols == nil {
		cols = []*models.Collection{}
	}
	c.JSON(http.StatusOK, models.CollectionList{Collections: cols})
}

func (h *Handler) getCollection(c *gin.Context) {
	col, err := h.rt.Registry.Get(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, col)
}

func (h *Handler) renameCollection(c *gin.Context) {
	var req models.RenameCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("%w: %v", models.ErrValidation, err))
		return
	}
	col, err := h.rt.Registry.Rename(c.Request.Context(), owner(c), c.Param("id"), req.Name, req.Description)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, col)
}

func (h *Handler) deleteCollection(c *gin.Context) {
	receipt, err := h.rt.Registry.Delete(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, receipt)
}

func (h *Handler) uploadDocuments(c *gin.Context) {
	files, err := h.readFiles(c)
	if err != nil {
		fail(c, err)
		return
	}
	// A disconnecting client cancels the files not yet stored.
	u, err := h.rt.Ingest.Start(c.Request.Context(), owner(c), c.Param("id"), files)
	if err != nil {
		fail(c, err)
		return
	}

	if !strings.Contains(c.GetHeader("Accept"), ndjsonType) {
		outcomes, err := u.Wait()
		resp := models.IngestResponse{Outcomes: outcomes}
		if err != nil {
			resp.Error = err.Error()
		}
		c.JSON(http.StatusAccepted, resp)
		return
	}

	c.Header("Content-Type", ndjsonType)
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	enc := json.NewEncoder(c.Writer)
	events := u.Events()
	c.Stream(func(io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		if err := enc.Encode(ev); err != nil {
			slog.Warn("Failed to write progress event.", "error", err)
			return false
		}
		return !ev.Final
	})
}

// readFiles loads the multipart upload. Each file is read up to one byte past
// the size limit so oversized files still fail validation individually.
func (h *Handler) readFiles(c *gin.Context) ([]services.File, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, fmt.Errorf("%w: multipart form: %v", models.ErrValidation, err)
	}
	limit := h.rt.Config.MaxFileSize + 1
	var files []services.File
	for _, fh := range form.File[uploadField] {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", models.ErrValidation, fh.Filename, err)
		}
		data, err := io.ReadAll(io.LimitReader(f, limit))
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", models.ErrValidation, fh.Filename, err)
		}
		files = append(files, services.File{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return files, nil
}

func (h *Handler) listCollectionDocuments(c *gin.Context) {
	h.documentPage(c, c.Param("id"))
}

func (h *Handler) listDocuments(c *gin.Context) {
	h.documentPage(c, c.Query("collectionId"))
}

func (h *Handler) documentPage(c *gin.Context, collectionID string) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		fail(c, err)
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		fail(c, err)
		return
	}
	status := models.IndexStatus(c.Query("status"))
	page, err := h.rt.Registry.ListDocuments(c.Request.Context(), owner(c), collectionID, status, limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", models.ErrValidation, key)
	}
	return n, nil
}

func (h *Handler) deleteDocument(c *gin.Context) {
	receipt, err := h.rt.Deletions.RequestDocumentDelete(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, receipt)
}

func (h *Handler) search(c *gin.Context) {
	var req models.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("%w: %v", models.ErrValidation, err))
		return
	}
	resp, err := h.rt.Retriever.Search(c.Request.Context(), owner(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) queueStats(c *gin.Context) {
	stats, err := h.rt.Deletions.Stats(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
