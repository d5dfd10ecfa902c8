package middleware

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fluxgate/internal/config"
)

// Pipeline runs a route's configured stages around a proxy call. Request
// stages run before ServeHTTP hands off to the inner handler; response
// stages run after it returns. Any stage may short-circuit by writing a
// response itself (e.g. rate limiting), in which case later stages and the
// inner handler are skipped.
type Pipeline struct {
	requestHeaders  *headerOp
	requestAuth     *config.AuthStageCfg
	bodyTransform   *config.BodyCfg
	rateLimit       *pipelineRateLimiter
	responseHeaders *headerOp
	compression     *config.CompressCfg
}

// NewPipeline builds a Pipeline from a route's middleware config. A nil cfg
// yields a pipeline that does nothing (pure passthrough).
func NewPipeline(cfg *config.MiddlewareCfg) *Pipeline {
	if cfg == nil {
		return &Pipeline{}
	}
	p := &Pipeline{
		bodyTransform: cfg.BodyTransform,
		compression:   cfg.Compression,
	}
	if cfg.RequestHeaders != nil {
		p.requestHeaders = newHeaderOp(cfg.RequestHeaders)
	}
	if cfg.ResponseHeaders != nil {
		p.responseHeaders = newHeaderOp(cfg.ResponseHeaders)
	}
	if cfg.RequestAuth != nil {
		p.requestAuth = cfg.RequestAuth
	}
	if cfg.RateLimit != nil && cfg.RateLimit.Enabled {
		p.rateLimit = newPipelineRateLimiter(*cfg.RateLimit)
	}
	return p
}

// Wrap adapts the pipeline into a standard func(http.Handler) http.Handler,
// so it composes with the rest of the teacher's middleware chain.
func (p *Pipeline) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.requestHeaders != nil {
			p.requestHeaders.apply(r.Header)
			if p.requestHeaders.hostOverride != "" {
				r.Host = p.requestHeaders.hostOverride
			}
		}
		if p.requestAuth != nil {
			applyAuthStage(r, p.requestAuth)
		}
		if p.bodyTransform != nil {
			if err := applyBodyTransform(r, p.bodyTransform); err != nil {
				slog.Warn("middleware: body transform failed", "error", err, "path", r.URL.Path)
			}
		}

		if p.rateLimit != nil {
			if ok, retryAfter := p.rateLimit.allow(clientIP(r)); !ok {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			if !p.rateLimit.acquireConcurrent() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "too many concurrent requests", http.StatusTooManyRequests)
				return
			}
			defer p.rateLimit.releaseConcurrent()
		}

		if p.responseHeaders == nil && p.compression == nil {
			next.ServeHTTP(w, r)
			return
		}

		rec := &bufferingRecorder{ResponseWriter: w, header: make(http.Header), status: http.StatusOK}
		next.ServeHTTP(rec, r)
		p.finalizeResponse(w, r, rec)
	})
}

// finalizeResponse applies response-direction stages to a buffered response
// and flushes it to the real ResponseWriter.
func (p *Pipeline) finalizeResponse(w http.ResponseWriter, r *http.Request, rec *bufferingRecorder) {
	if p.responseHeaders != nil {
		p.responseHeaders.apply(rec.header)
	}

	body := rec.body.Bytes()
	useGzip := p.compression != nil && p.compression.Enabled &&
		len(body) >= p.compression.MinSize &&
		strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")

	for k, vs := range rec.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}

	if useGzip {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")
		w.WriteHeader(rec.status)
		gz := gzip.NewWriter(w)
		_, _ = gz.Write(body)
		_ = gz.Close()
		return
	}

	w.WriteHeader(rec.status)
	_, _ = w.Write(body)
}

// bufferingRecorder captures a response so response-direction stages can
// inspect and rewrite it before it reaches the client.
type bufferingRecorder struct {
	http.ResponseWriter
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferingRecorder) Header() http.Header { return b.header }
func (b *bufferingRecorder) WriteHeader(code int) { b.status = code }
func (b *bufferingRecorder) Write(p []byte) (int, error) { return b.body.Write(p) }

// ── header operations ────────────────────────────────────────────────────

type headerOp struct {
	set          map[string]string
	add          map[string]string
	remove       []string
	hostOverride string
}

func newHeaderOp(cfg *config.HeaderOpCfg) *headerOp {
	return &headerOp{set: cfg.Set, add: cfg.Add, remove: cfg.Remove, hostOverride: cfg.HostOverride}
}

func (h *headerOp) apply(hdr http.Header) {
	for _, k := range h.remove {
		hdr.Del(k)
	}
	for k, v := range h.set {
		hdr.Set(k, v)
	}
	for k, v := range h.add {
		hdr.Add(k, v)
	}
}

// ── request auth injection ───────────────────────────────────────────────

func applyAuthStage(r *http.Request, cfg *config.AuthStageCfg) {
	switch cfg.Kind {
	case "bearer":
		r.Header.Set("Authorization", "Bearer "+cfg.Token)
	case "basic":
		r.SetBasicAuth(cfg.Username, cfg.Password)
	case "api_key":
		r.Header.Set(cfg.HeaderName, cfg.HeaderValue)
	case "custom":
		r.Header.Set(cfg.HeaderName, cfg.HeaderValue)
	}
}

// ── body transform ───────────────────────────────────────────────────────

func applyBodyTransform(r *http.Request, cfg *config.BodyCfg) error {
	if r.Body == nil {
		return nil
	}
	limit := cfg.MaxBodySize
	if limit <= 0 {
		limit = 1 << 20 // 1 MiB default bound
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		return err
	}
	r.Body.Close()

	if cfg.Find != "" {
		data = bytes.ReplaceAll(data, []byte(cfg.Find), []byte(cfg.Replace))
	}
	if cfg.JSONSetPath != "" || cfg.JSONRemovePath != "" {
		data = applyJSONFieldOps(data, cfg)
	}

	r.Body = io.NopCloser(bytes.NewReader(data))
	r.ContentLength = int64(len(data))
	r.Header.Set("Content-Length", strconv.Itoa(len(data)))
	return nil
}

// applyJSONFieldOps adds/removes a single dotted-path field in a JSON body.
// Malformed JSON is passed through unchanged rather than rejected — body
// transforms are best-effort per route configuration, not validation.
func applyJSONFieldOps(data []byte, cfg *config.BodyCfg) []byte {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return data
	}
	if cfg.JSONSetPath != "" {
		setJSONPath(doc, strings.Split(cfg.JSONSetPath, "."), cfg.JSONSetValue)
	}
	if cfg.JSONRemovePath != "" {
		removeJSONPath(doc, strings.Split(cfg.JSONRemovePath, "."))
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return data
	}
	return out
}

func setJSONPath(doc map[string]any, path []string, value any) {
	if len(path) == 0 {
		return
	}
	if len(path) == 1 {
		doc[path[0]] = value
		return
	}
	next, ok := doc[path[0]].(map[string]any)
	if !ok {
		next = map[string]any{}
		doc[path[0]] = next
	}
	setJSONPath(next, path[1:], value)
}

func removeJSONPath(doc map[string]any, path []string) {
	if len(path) == 0 {
		return
	}
	if len(path) == 1 {
		delete(doc, path[0])
		return
	}
	next, ok := doc[path[0]].(map[string]any)
	if !ok {
		return
	}
	removeJSONPath(next, path[1:])
}

// ── rate limit stage (per-route, distinct bucket from the edge limiter) ──

type pipelineRateLimiter struct {
	mu      sync.Mutex
	cfg     config.RateLimitCfg
	buckets map[string]*rate.Limiter

	concurrentMu sync.Mutex
	concurrent   int
}

func newPipelineRateLimiter(cfg config.RateLimitCfg) *pipelineRateLimiter {
	return &pipelineRateLimiter{cfg: cfg, buckets: make(map[string]*rate.Limiter)}
}

func (p *pipelineRateLimiter) allow(ip string) (ok bool, retryAfterSeconds int) {
	p.mu.Lock()
	lim, found := p.buckets[ip]
	if !found {
		lim = rate.NewLimiter(rate.Limit(p.cfg.RPS), p.cfg.Burst)
		p.buckets[ip] = lim
	}
	p.mu.Unlock()

	if lim.Allow() {
		return true, 0
	}
	wait := time.Duration(float64(time.Second) / maxFloat(p.cfg.RPS, 0.001))
	return false, int(wait.Seconds()) + 1
}

// acquireConcurrent reserves one in-flight slot, returning false when the
// max_concurrent ceiling is already reached (caller must reject and must
// not call releaseConcurrent).
func (p *pipelineRateLimiter) acquireConcurrent() bool {
	if p.cfg.MaxConcurrent <= 0 {
		return true
	}
	p.concurrentMu.Lock()
	defer p.concurrentMu.Unlock()
	if p.concurrent >= p.cfg.MaxConcurrent {
		return false
	}
	p.concurrent++
	return true
}

func (p *pipelineRateLimiter) releaseConcurrent() {
	if p.cfg.MaxConcurrent <= 0 {
		return
	}
	p.concurrentMu.Lock()
	if p.concurrent > 0 {
		p.concurrent--
	}
	p.concurrentMu.Unlock()
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
