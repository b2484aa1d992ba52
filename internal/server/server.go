// Package server is the thin HTTP adapter in front of the merge engine:
// multipart intake, request-level limits, result caching, and error-to-
// status mapping. No PDF processing happens on this layer.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cobaltleaf/pdfmerge/internal/config"
	"github.com/cobaltleaf/pdfmerge/internal/errs"
	"github.com/cobaltleaf/pdfmerge/internal/merge"
	"github.com/cobaltleaf/pdfmerge/internal/models"
	"github.com/cobaltleaf/pdfmerge/internal/pool"
)

// Server carries the handler dependencies. Constructed explicitly in main
// and per test; nothing here is package-level state.
type Server struct {
	cfg    config.Config
	engine *merge.Engine
	pool   *pool.Pool
	logger *slog.Logger
	cache  *resultCache

	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	startedAt time.Time
	fileID    atomic.Uint64
}

type fileDescriptor struct {
	name         string
	size         int64
	lastModified int64
}

// New builds the HTTP layer. registry may be nil to disable /metrics.
func New(cfg config.Config, engine *merge.Engine, p *pool.Pool, logger *slog.Logger, registry *prometheus.Registry) *Server {
	s := &Server{
		cfg:       cfg,
		engine:    engine,
		pool:      p,
		logger:    logger.With("component", "http"),
		cache:     newResultCache(cfg.ResultCacheTTL, cfg.ResultCacheEntries),
		registry:  registry,
		startedAt: time.Now(),
	}
	if registry != nil {
		s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfmerge_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"})
		registry.MustRegister(s.requests)
	}
	return s
}

// ResultCache exposes the cache for memory-governor registration.
func (s *Server) ResultCache() interface{ Purge() } { return s.cache }

// Router wires the routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logging)
	r.HandleFunc("/merge", s.handleMerge).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	logger := requestLogger(r)

	// A little slack over the aggregate limit so the limit violation is
	// reported as ours, not as a raw body-too-large error.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxTotalSize+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid multipart request")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	headers := r.MultipartForm.File["files"]
	if len(headers) < s.cfg.MinFiles {
		s.writeError(w, r, http.StatusBadRequest, errs.ErrTooFewFiles.Error())
		return
	}
	if len(headers) > s.cfg.MaxFiles {
		s.writeError(w, r, http.StatusBadRequest,
			fmt.Sprintf("%v: %d > %d", errs.ErrTooManyFiles, len(headers), s.cfg.MaxFiles))
		return
	}

	// Declared sizes and types are checked across the whole batch before
	// a single byte of file content is read.
	descriptors := make([]fileDescriptor, len(headers))
	lastModified := r.MultipartForm.Value["lastModified"]
	var total int64
	for i, fh := range headers {
		if !isPDFContentType(fh) {
			s.writeError(w, r, http.StatusBadRequest,
				fmt.Sprintf("%v: %q", errs.ErrWrongType, fh.Filename))
			return
		}
		if fh.Size > s.cfg.MaxFileSize {
			s.writeError(w, r, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("%v: %q (%d bytes)", errs.ErrFileTooLarge, fh.Filename, fh.Size))
			return
		}
		total += fh.Size
		descriptors[i] = fileDescriptor{name: fh.Filename, size: fh.Size}
		if i < len(lastModified) {
			if ts, err := strconv.ParseInt(lastModified[i], 10, 64); err == nil {
				descriptors[i].lastModified = ts
			}
		}
	}
	if total > s.cfg.MaxTotalSize {
		s.writeError(w, r, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("%v: %d bytes", errs.ErrTotalTooLarge, total))
		return
	}

	key := cacheKey(descriptors)
	if data, warnings, ok := s.cache.get(key); ok {
		logger.Info("merge served from cache", "files", len(headers))
		s.writeMerged(w, data, started, true, warnings)
		return
	}

	files, err := s.readFiles(headers)
	if err != nil {
		logger.Error("reading upload failed", "error", err)
		s.writeError(w, r, http.StatusBadRequest, "could not read uploaded files")
		return
	}

	opts := s.optionsFrom(r)
	lastStage := models.Stage("")
	result := s.engine.ProcessPDFs(r.Context(), files, opts, func(p models.ProgressSnapshot) {
		if p.Stage != lastStage {
			lastStage = p.Stage
			logger.Debug("merge progress",
				"stage", p.Stage,
				"overall", p.OverallProgress,
				"pages", p.PagesProcessed,
				"etaMs", p.EtaMs)
		}
	})

	if !result.Success {
		s.writeError(w, r, statusFor(result.Err), result.Error)
		return
	}

	s.cache.put(key, result.Data, len(result.Warnings))
	s.writeMerged(w, result.Data, started, false, len(result.Warnings))
}

func (s *Server) readFiles(headers []*multipart.FileHeader) ([]*models.InputFile, error) {
	files := make([]*models.InputFile, len(headers))
	for i, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open %q: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", fh.Filename, err)
		}
		files[i] = &models.InputFile{
			ID:           s.fileID.Add(1),
			Name:         fh.Filename,
			Data:         data,
			DeclaredSize: fh.Size,
			DeclaredType: fh.Header.Get("Content-Type"),
		}
	}
	return files, nil
}

func (s *Server) optionsFrom(r *http.Request) models.ProcessingOptions {
	opts := models.DefaultProcessingOptions()
	opts.CopyBatchSize = s.cfg.CopyBatchSize
	if r.FormValue("optimize") == "false" {
		opts.OptimizeOutput = false
	}
	if r.FormValue("objectStreams") == "false" {
		opts.ObjectStreams = false
	}
	return opts
}

func (s *Server) writeMerged(w http.ResponseWriter, data []byte, started time.Time, cached bool, warnings int) {
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="merged.pdf"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Processing-Time-Ms", strconv.FormatInt(time.Since(started).Milliseconds(), 10))
	if cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	if warnings > 0 {
		w.Header().Set("X-Merge-Warnings-Count", strconv.Itoa(warnings))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: message})
}

// statusFor maps a failed run to its HTTP status. Internal details were
// already scrubbed by the engine.
func statusFor(err error) int {
	switch errs.Categorize(err) {
	case errs.CategoryTimeout:
		return http.StatusRequestTimeout
	case errs.CategoryClient:
		return http.StatusBadRequest
	case errs.CategoryResource:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status      string       `json:"status"`
		UptimeSecs  int64        `json:"uptimeSecs"`
		Pool        pool.Metrics `json:"pool"`
		CachedItems int          `json:"cachedItems"`
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health{
		Status:      "ok",
		UptimeSecs:  int64(time.Since(s.startedAt).Seconds()),
		Pool:        s.pool.GetMetrics(),
		CachedItems: s.cache.size(),
	})
}

func isPDFContentType(fh *multipart.FileHeader) bool {
	switch fh.Header.Get("Content-Type") {
	case "application/pdf", "application/x-pdf":
		return true
	default:
		return false
	}
}
