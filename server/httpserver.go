// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/cubefs/cloudkv/errors"
	"github.com/cubefs/cloudkv/metrics"
	"github.com/cubefs/cloudkv/parse"
	"github.com/cubefs/cloudkv/store"
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
	r := rpc.New()
	metricsHandler := promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
	r.Handle(http.MethodGet, "/metrics", func(c *rpc.Context) {
		metricsHandler.ServeHTTP(c.Writer, c.Request)
	})
	r.Handle(http.MethodGet, "/stats", h.Stats)
	r.Handle(http.MethodGet, "/kv", h.GetValue)
	r.Handle(http.MethodPut, "/kv", h.PutValue)
	r.Handle(http.MethodDelete, "/kv", h.RemoveValue)
	r.Handle(http.MethodPut, "/import", h.ImportArray)
	r.Handle(http.MethodPost, "/parse", h.ParseArray)
	r.Handle(http.MethodGet, "/jobs", h.ListJobs)
	r.Handle(http.MethodGet, "/job", h.GetJob)
	r.Handle(http.MethodPost, "/job/cancel", h.CancelJob)
	return r
}

func requestContext(c *rpc.Context) context.Context {
	_, ctx := trace.StartSpanFromContext(c.Request.Context(), c.Request.URL.Path)
	return ctx
}

// respondError maps the error codes onto http statuses.
func respondError(c *rpc.Context, err error) {
	status := http.StatusInternalServerError
	switch apierrors.Code(err) {
	case apierrors.CodeNotFound, apierrors.CodeNoSuchTask:
		status = http.StatusNotFound
	case apierrors.CodeInvalidKey, apierrors.CodeMalformedInput:
		status = http.StatusBadRequest
	case apierrors.CodeTaskCancelled:
		status = http.StatusConflict
	case apierrors.CodeStaleCloud, apierrors.CodeNodeNotInCloud:
		status = http.StatusServiceUnavailable
	}
	c.RespondError(rpc.NewError(status, "", err))
}

func queryKey(c *rpc.Context, name string) (*store.Key, error) {
	raw := c.Request.URL.Query().Get(name)
	if raw == "" {
		return nil, apierrors.ErrInvalidKey.Withf("missing %s", name)
	}
	return store.NewKey(raw), nil
}

func (h *HttpServer) Stats(c *rpc.Context) {
	st, err := h.Server.Stats(requestContext(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.RespondJSON(st)
}

func (h *HttpServer) GetValue(c *rpc.Context) {
	ctx := requestContext(c)
	key, err := queryKey(c, "key")
	if err != nil {
		respondError(c, err)
		return
	}
	v, err := h.kv.Get(ctx, key)
	if err != nil {
		respondError(c, err)
		return
	}
	if v == nil {
		respondError(c, apierrors.ErrNotFound.Withf("%s", key.Readable()))
		return
	}
	c.Writer.Header().Set("Content-Type", "application/octet-stream")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Write(v.Bytes())
}

func (h *HttpServer) PutValue(c *rpc.Context) {
	ctx := requestContext(c)
	key, err := queryKey(c, "key")
	if err != nil {
		respondError(c, err)
		return
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondError(c, errors.Info(err, "read body failed"))
		return
	}
	if err = h.kv.Put(ctx, key, store.NewValue(data)); err != nil {
		respondError(c, err)
		return
	}
	c.RespondStatus(http.StatusOK)
}

func (h *HttpServer) RemoveValue(c *rpc.Context) {
	ctx := requestContext(c)
	key, err := queryKey(c, "key")
	if err != nil {
		respondError(c, err)
		return
	}
	if err = h.kv.Remove(ctx, key); err != nil {
		respondError(c, err)
		return
	}
	c.RespondStatus(http.StatusOK)
}

func (h *HttpServer) ImportArray(c *rpc.Context) {
	ctx := requestContext(c)
	key, err := queryKey(c, "key")
	if err != nil {
		respondError(c, err)
		return
	}
	var chunkBytes int64
	if s := c.Request.URL.Query().Get("chunk_bytes"); s != "" {
		if chunkBytes, err = strconv.ParseInt(s, 10, 64); err != nil {
			respondError(c, apierrors.ErrMalformedInput.Withf("chunk_bytes %q", s))
			return
		}
	}
	hdr, err := h.Server.Import(ctx, key, c.Request.Body, chunkBytes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.RespondJSON(hdr)
}

func (h *HttpServer) ParseArray(c *rpc.Context) {
	ctx := requestContext(c)
	src, err := queryKey(c, "src")
	if err != nil {
		respondError(c, err)
		return
	}
	dst, err := queryKey(c, "dst")
	if err != nil {
		respondError(c, err)
		return
	}
	q := c.Request.URL.Query()
	opts := parse.Options{Header: q.Get("header") == "true"}
	if sep := q.Get("sep"); len(sep) == 1 {
		opts.Separator = sep[0]
	}
	hdr, err := h.Server.Parse(ctx, src, dst, opts)
	if err != nil {
		trace.SpanFromContextSafe(ctx).Errorf("parse %s failed: %s", src.Readable(), errors.Detail(err))
		respondError(c, err)
		return
	}
	c.RespondJSON(hdr)
}

func (h *HttpServer) ListJobs(c *rpc.Context) {
	jobs, err := h.jobs.List(requestContext(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.RespondJSON(jobs)
}

func (h *HttpServer) GetJob(c *rpc.Context) {
	j, err := h.jobs.Get(requestContext(c), c.Request.URL.Query().Get("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.RespondJSON(j)
}

func (h *HttpServer) CancelJob(c *rpc.Context) {
	if err := h.jobs.Cancel(requestContext(c), c.Request.URL.Query().Get("id")); err != nil {
		respondError(c, err)
		return
	}
	c.RespondStatus(http.StatusOK)
}
