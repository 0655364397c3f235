// Package rest exposes a Client over HTTP:
//
//	GET    /caches/:cache/:key   read a value (raw bytes)
//	PUT    /caches/:cache/:key   write the request body, ?lifespan=30s&ifAbsent=true
//	HEAD   /caches/:cache/:key   200 if the key exists, 404 otherwise
//	DELETE /caches/:cache/:key   remove a key
//	GET    /caches/:cache        entry count over every server
//	DELETE /caches/:cache        clear the cache on every server
//	GET    /pools                routing state and pool statistics
//	GET    /health               ping every server
//	GET    /metrics              Prometheus exposition, when a sink is given
//
// The cache named "default" is the client's default cache.
package rest

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mini-cache/client"
	"mini-cache/metrics"
)

// DefaultCacheName addresses the unnamed cache in URLs.
const DefaultCacheName = "default"

// MaxValueSize caps the body of a PUT.
const MaxValueSize = 16 << 20

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// SizeResponse is the body of GET /caches/:cache.
type SizeResponse struct {
	Cache string `json:"cache"`
	Size  int    `json:"size"`
}

// Handler serves the HTTP API.
type Handler struct {
	cli  *client.Client
	sink *metrics.Sink
	log  *zap.Logger
}

// NewHandler creates a handler over cli. sink may be nil, which disables /metrics.
func NewHandler(cli *client.Client, sink *metrics.Sink, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.L()
	}
	return &Handler{cli: cli, sink: sink, log: logger.Named("rest")}
}

// Router returns a gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.accessLog())
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes registers the API on router.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	caches := router.Group("/caches")
	caches.GET("/:cache", h.handleSize)
	caches.DELETE("/:cache", h.handleClear)
	caches.GET("/:cache/:key", h.handleGet)
	caches.HEAD("/:cache/:key", h.handleContains)
	caches.PUT("/:cache/:key", h.handlePut)
	caches.DELETE("/:cache/:key", h.handleRemove)

	router.GET("/pools", h.handlePools)
	router.GET("/health", h.handleHealth)
	if h.sink != nil {
		router.GET("/metrics", gin.WrapH(h.sink.Handler()))
	}
}

func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			h.log.Warn("request failed", fields...)
		} else {
			h.log.Debug("request", fields...)
		}
	}
}

func (h *Handler) cache(c *gin.Context) *client.Cache {
	name := c.Param("cache")
	if name == DefaultCacheName {
		name = ""
	}
	return h.cli.Cache(name)
}

func (h *Handler) handleGet(c *gin.Context) {
	value, err := h.cache(c).Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", value)
}

func (h *Handler) handleContains(c *gin.Context) {
	ok, err := h.cache(c).ContainsKey(c.Request.Context(), c.Param("key"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) handlePut(c *gin.Context) {
	var lifespan time.Duration
	if s := c.Query("lifespan"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			ginError(c, http.StatusBadRequest, "invalid lifespan "+strconv.Quote(s))
			return
		}
		lifespan = d
	}
	ifAbsent, _ := strconv.ParseBool(c.Query("ifAbsent"))

	value, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxValueSize+1))
	if err != nil {
		ginError(c, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	if len(value) > MaxValueSize {
		ginError(c, http.StatusRequestEntityTooLarge, "value too large")
		return
	}

	ctx, key := c.Request.Context(), c.Param("key")
	if ifAbsent {
		existing, stored, err := h.cache(c).PutIfAbsent(ctx, key, value, lifespan)
		if err != nil {
			respondError(c, err)
			return
		}
		if !stored {
			c.Data(http.StatusConflict, "application/octet-stream", existing)
			return
		}
		c.Status(http.StatusCreated)
		return
	}
	if _, err := h.cache(c).Put(ctx, key, value, lifespan); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) handleRemove(c *gin.Context) {
	if _, err := h.cache(c).Remove(c.Request.Context(), c.Param("key")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) handleSize(c *gin.Context) {
	n, err := h.cache(c).Size(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SizeResponse{Cache: c.Param("cache"), Size: n})
}

func (h *Handler) handleClear(c *gin.Context) {
	if err := h.cache(c).Clear(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) handlePools(c *gin.Context) {
	c.JSON(http.StatusOK, h.cli.Stats())
}

func (h *Handler) handleHealth(c *gin.Context) {
	if err := h.cli.Ping(c.Request.Context()); err != nil {
		ginError(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusOf maps client errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, client.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, client.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, client.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, client.ErrUnavailable), errors.Is(err, client.ErrNoServers), errors.Is(err, client.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, client.ErrServer):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	ginError(c, statusOf(err), err.Error())
}

func ginError(c *gin.Context, code int, msg string) {
	c.JSON(code, ErrorResponse{Error: msg, Code: code})
}
