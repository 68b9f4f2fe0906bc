// Package server exposes the reconstruction modes over HTTP.
//
// Routes (all JSON):
//
//	GET  /api/coronary/health
//	POST /api/coronary/analyze-single   {"image": "<base64>"}
//	POST /api/coronary/reconstruct      {"images": [...], "angles": [{"lao_rao": 30, "cranial_caudal": 0}, ...]}
//	POST /api/coronary/manual           {"views": [{"angles": {...}, "width": 512, "height": 512, "branches": {"main_vessel": [[x, y], ...]}}]}
//
// Images may be plain base64 or data URLs. Each request runs under the
// configured timeout; a request that exceeds it gets 408 and its result is
// discarded.
package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"image/png"
	"math"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"coronary3d/internal/models"
	"coronary3d/pkg/config"
	"coronary3d/pkg/errors"
	"coronary3d/pkg/imageio"
	"coronary3d/pkg/logging"
	"coronary3d/pkg/reconstruction"
	"coronary3d/pkg/visualization"
)

// Server handles reconstruction requests.
type Server struct {
	cfg    *config.Config
	rec    *reconstruction.Reconstructor
	logger *log.Logger
	start  time.Time
}

// New creates a Server around rec, using rec's configuration.
func New(rec *reconstruction.Reconstructor, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:    rec.Config(),
		rec:    rec,
		logger: logger,
		start:  time.Now(),
	}
}

// Handler returns the router with all routes registered.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	if s.cfg.Server.MaxBodyMB > 0 {
		r.Use(middleware.RequestSize(int64(s.cfg.Server.MaxBodyMB) << 20))
	}

	r.Route("/api/coronary", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/analyze-single", s.handleAnalyzeSingle)
		r.Post("/reconstruct", s.handleReconstruct)
		r.Post("/manual", s.handleManual)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(logging.WithLogger(r.Context(), s.logger)))
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).Round(time.Millisecond))
	})
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
	CLAHE  bool   `json:"clahe_available"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: time.Since(s.start).Round(time.Second).String(),
		CLAHE:  imageio.EnhanceAvailable,
	})
}

type analyzeRequest struct {
	Image string `json:"image"`
}

type analyzeResponse struct {
	Result reconstruction.Result `json:"result"`

	// Scale maps result coordinates back to the uploaded image
	Scale   float64 `json:"scale"`
	Overlay string  `json:"overlay,omitempty"`
}

func (s *Server) handleAnalyzeSingle(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Image == "" {
		s.writeError(w, errors.New(errors.ErrCodeInvalidInput, "no image provided"))
		return
	}
	img, err := imageio.DecodeBase64(req.Image)
	if err != nil {
		s.writeError(w, err)
		return
	}
	img, scale := imageio.Downscale(img, s.cfg.Server.MaxDimension)

	res, err := s.run(r.Context(), s.rec, reconstruction.Request{
		Method: reconstruction.MethodSingleImage,
		Images: []*models.Image{img},
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := analyzeResponse{Result: res, Scale: scale}
	if single, ok := res.(*reconstruction.SingleImageResult); ok && single.Analysis != nil {
		a := single.Analysis
		overlay := visualization.NewViewer(a.Width, a.Height, visualization.Layers{
			Background:   img,
			Mask:         a.Mask,
			Skeleton:     a.Skeleton,
			Graph:        a.Graph,
			Bifurcations: a.Bifurcations,
		}).Overlay()
		var buf bytes.Buffer
		if err := png.Encode(&buf, overlay); err == nil {
			resp.Overlay = "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type reconstructRequest struct {
	Images []string          `json:"images"`
	Angles []models.CArmView `json:"angles"`
}

type reconstructResponse struct {
	Result reconstruction.Result `json:"result"`
	Scale  float64               `json:"scale"`
}

func (s *Server) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	var req reconstructRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Images) != len(req.Angles) {
		s.writeError(w, errors.New(errors.ErrCodeViewMismatch, "%d images but %d angle sets", len(req.Images), len(req.Angles)))
		return
	}

	images := make([]*models.Image, len(req.Images))
	for i, data := range req.Images {
		img, err := imageio.DecodeBase64(data)
		if err != nil {
			s.writeError(w, errors.Wrap(errors.ErrCodeDecodeFailed, err, "image %d", i))
			return
		}
		images[i] = img
	}

	// All views share one scale factor so they keep one pixel spacing.
	scale := downscaleFactor(images, s.cfg.Server.MaxDimension)
	rec := s.rec
	if scale < 1 {
		for i := range images {
			images[i] = imageio.Resize(images[i], scale)
		}
		rec = reconstruction.NewReconstructor(scaledConfig(s.cfg, scale))
	}

	res, err := s.run(r.Context(), rec, reconstruction.Request{
		Method: reconstruction.MethodMultiView,
		Images: images,
		Views:  req.Angles,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reconstructResponse{Result: res, Scale: scale})
}

type manualRequest struct {
	Views []models.TrackedViewData `json:"views"`
}

func (s *Server) handleManual(w http.ResponseWriter, r *http.Request) {
	var req manualRequest
	if !s.decode(w, r, &req) {
		return
	}

	tracks := make([]models.TrackedView, len(req.Views))
	for i, v := range req.Views {
		tv, err := v.TrackedView()
		if err != nil {
			s.writeError(w, err)
			return
		}
		tracks[i] = tv
	}

	res, err := s.run(r.Context(), s.rec, reconstruction.Request{
		Method: reconstruction.MethodManualTracking,
		Tracks: tracks,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reconstructResponse{Result: res, Scale: 1})
}

// run executes req under the request timeout. When the deadline passes
// first, the pipeline is cancelled and its eventual result dropped.
func (s *Server) run(ctx context.Context, rec *reconstruction.Reconstructor, req reconstruction.Request) (reconstruction.Result, error) {
	if secs := s.cfg.Server.RequestTimeoutSeconds; secs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	type outcome struct {
		res reconstruction.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := rec.Run(ctx, req)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
				Error: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
				Code:  errors.ErrCodeInvalidInput,
			})
			return false
		}
		s.writeError(w, errors.Wrap(errors.ErrCodeInvalidInput, err, "invalid JSON body"))
		return false
	}
	return true
}

type errorResponse struct {
	Error string      `json:"error"`
	Code  errors.Code `json:"code"`
}

// writeError maps input errors to 400, deadline errors to 408 and anything
// else to 500. Nothing is written once the client has gone away.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.IsInput(err):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errors.UserMessage(err), Code: errors.GetCode(err)})
	case stderrors.Is(err, context.Canceled):
		s.logger.Debug("request canceled by client", "err", err)
	case stderrors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("request timed out", "timeout", s.cfg.Server.RequestTimeoutSeconds)
		writeJSON(w, http.StatusRequestTimeout, errorResponse{
			Error: "reconstruction timed out; try fewer or smaller images",
			Code:  errors.ErrCodeTimeout,
		})
	default:
		s.logger.Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: errors.ErrCodeInternal})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// downscaleFactor returns the largest factor that fits every image within
// maxDim, or 1 when none needs shrinking.
func downscaleFactor(images []*models.Image, maxDim int) float64 {
	scale := 1.0
	if maxDim <= 0 {
		return scale
	}
	for _, img := range images {
		longest := max(img.Width, img.Height)
		if longest > maxDim {
			scale = math.Min(scale, float64(maxDim)/float64(longest))
		}
	}
	return scale
}

// scaledConfig returns a copy of cfg whose detector geometry matches images
// resized by scale.
func scaledConfig(cfg *config.Config, scale float64) *config.Config {
	c := *cfg
	c.Geometry.PixelSpacingMM /= scale
	c.Geometry.PrincipalPointX *= scale
	c.Geometry.PrincipalPointY *= scale
	return &c
}
