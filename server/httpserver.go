package server

import (
	"context"
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/cubefs/mdcache/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

type HttpServer struct {
	httpServer *http.Server

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) {
	ph := profile.NewProfileHandler(addr)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), ph),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HttpServer) newHandler() *rpc.Router {
	rpc.GET("/stats", h.Stats, rpc.OptArgsQuery())
	rpc.GET("/metrics", h.Metrics)
	rpc.POST("/cache/flush", h.Flush)
	rpc.POST("/cache/trim", h.Trim, rpc.OptArgsQuery())

	return rpc.DefaultRouter
}

func (h *HttpServer) Stats(c *rpc.Context) {
	c.RespondJSON(h.Server.Stats())
}

func (h *HttpServer) Metrics(c *rpc.Context) {
	promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

// Flush writes back every dirty object not held by a live request.
func (h *HttpServer) Flush(c *rpc.Context) {
	span, ctx := trace.StartSpanFromContext(c.Request.Context(), "")
	if err := h.cache.Flush(ctx); err != nil {
		span.Warnf("admin flush failed: %s", errors.Detail(err))
		c.RespondError(err)
		return
	}
	c.RespondJSON(h.Server.Stats())
}

type TrimArgs struct {
	Max int `json:"max"`
}

type TrimResult struct {
	Trimmed int `json:"trimmed"`
}

// Trim evicts clean inodes down to max, the configured cap when max is 0.
func (h *HttpServer) Trim(c *rpc.Context) {
	args := &TrimArgs{}
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	if args.Max <= 0 {
		args.Max = h.cfg.CacheMaxInodes
	}
	c.RespondJSON(TrimResult{Trimmed: h.cache.Trim(args.Max)})
}
