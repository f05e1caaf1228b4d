package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// initRoutes builds the management HTTP server: Prometheus metrics, health,
// and an aggregate stats endpoint.
func (a *App) initRoutes(_ context.Context) error {
	r := router.New()

	r.GET("/metrics", a.prom.Handler())
	r.GET("/healthz", a.handleHealth)
	r.GET("/statsz", a.handleStats)

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
	)

	a.srv = &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return nil
}

func (a *App) handleHealth(ctx *fasthttp.RequestCtx) {
	summary := a.mon.Summary()

	status := "ok"
	if summary.Status != "no_data" && !summary.Healthy() {
		status = "degraded"
	}

	writeJSON(ctx, map[string]any{
		"status":  status,
		"version": a.version,
		"monitor": summary.Status,
	})
}

func (a *App) handleStats(ctx *fasthttp.RequestCtx) {
	// RequestCtx is itself a context.Context; bound the snapshot reads so a
	// slow Redis cannot hold the handler.
	statsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	writeJSON(ctx, map[string]any{
		"cache":       a.mgr.GetCachePerformance(statsCtx),
		"requests":    a.reqCache.Stats(statsCtx),
		"generations": a.genCache.Stats(statsCtx),
		"monitor":     a.mon.Summary(),
		"concurrency": a.limiter.Stats(),
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// recovery catches panics in any handler and returns a 500 without crashing
// the server process. The panic value is logged at ERROR level.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetContentType("application/json")
				ctx.SetBodyString(`{"error":"internal server error"}`)
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request has an X-Request-ID header. If the client
// does not supply one a UUID v4 is generated.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// timing records the total handler duration in the X-Response-Time response
// header.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// applyMiddleware wraps h with the given middleware chain. The first
// middleware in the slice becomes the outermost wrapper:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
