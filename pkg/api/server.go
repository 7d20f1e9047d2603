// Package api serves the read-only Learning-Ops HTTP API used by dashboards:
// CRL trend and results, skill cards, experiment history, replay status and
// canary reports, plus Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"learnops/pkg/crl"
	"learnops/pkg/experiment"
	"learnops/pkg/logx"
	"learnops/pkg/opserrors"
	"learnops/pkg/replay"
	"learnops/pkg/rollout"
	"learnops/pkg/skills"
	"learnops/pkg/version"
)

// CRLSource serves loss results. *crl.Service satisfies it.
type CRLSource interface {
	Trend(ctx context.Context, q crl.TrendQuery) ([]crl.TrendBucket, error)
	Get(ctx context.Context, runID string) (*crl.Result, error)
}

// SkillSource serves skill cards. *skills.Service satisfies it.
type SkillSource interface {
	Get(ctx context.Context, doer string) (*skills.Card, error)
	GetAll(ctx context.Context) ([]*skills.Card, error)
}

// ExperimentSource serves experiment history. *experiment.Registry satisfies it.
type ExperimentSource interface {
	ListByDoer(ctx context.Context, doer string, limit int) ([]*experiment.Experiment, error)
}

// ReplaySource serves replay jobs. *replay.Replayer satisfies it.
type ReplaySource interface {
	GetReplayStatus(ctx context.Context, id string) (*replay.Result, error)
}

// DeploymentSource serves canary reports. *rollout.Controller satisfies it.
type DeploymentSource interface {
	GetCanaryReport(ctx context.Context, id string) (*rollout.CanaryReport, error)
}

// Sources are the services behind the API.
type Sources struct {
	CRL         CRLSource
	Skills      SkillSource
	Experiments ExperimentSource
	Replays     ReplaySource
	Deployments DeploymentSource
	Gatherer    prometheus.Gatherer // Defaults to prometheus.DefaultGatherer
}

// Server is the HTTP API server.
type Server struct {
	src    Sources
	router *gin.Engine
	logger *logx.Logger
}

// NewServer builds the router over src.
func NewServer(src Sources) *Server {
	if src.Gatherer == nil {
		src.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{src: src, router: gin.New(), logger: logx.NewLogger("api")}
	s.router.Use(gin.Recovery(), s.logRequests())
	s.registerRoutes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.src.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/api/v1")
	v1.GET("/crl/trend", s.crlTrend)
	v1.GET("/crl/runs/:id", s.crlRun)
	v1.GET("/skills", s.listSkills)
	v1.GET("/skills/:doer", s.skillCard)
	v1.GET("/experiments", s.listExperiments)
	v1.GET("/replays/:id", s.replayStatus)
	v1.GET("/deployments/:id/report", s.canaryReport)
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("%s %s -> %d (%s)", c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving API on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	//nolint:contextcheck // parent is cancelled; shutdown needs a fresh context
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version})
}

func (s *Server) crlTrend(c *gin.Context) {
	days, ok := s.intQuery(c, "days")
	if !ok {
		return
	}
	buckets, err := s.src.CRL.Trend(c.Request.Context(), crl.TrendQuery{
		TenantID: c.Query("tenant"),
		Phase:    c.Query("phase"),
		Days:     days,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"buckets": buckets})
}

func (s *Server) crlRun(c *gin.Context) {
	res, err := s.src.CRL.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listSkills(c *gin.Context) {
	cards, err := s.src.Skills.GetAll(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if cards == nil {
		cards = []*skills.Card{}
	}
	c.JSON(http.StatusOK, gin.H{"cards": cards})
}

func (s *Server) skillCard(c *gin.Context) {
	card, err := s.src.Skills.Get(c.Request.Context(), c.Param("doer"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (s *Server) listExperiments(c *gin.Context) {
	doer := c.Query("doer")
	if doer == "" {
		s.fail(c, opserrors.Validation("api.experiments", "doer query parameter is required"))
		return
	}
	limit, ok := s.intQuery(c, "limit")
	if !ok {
		return
	}
	exps, err := s.src.Experiments.ListByDoer(c.Request.Context(), doer, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if exps == nil {
		exps = []*experiment.Experiment{}
	}
	c.JSON(http.StatusOK, gin.H{"experiments": exps})
}

func (s *Server) replayStatus(c *gin.Context) {
	res, err := s.src.Replays.GetReplayStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) canaryReport(c *gin.Context) {
	report, err := s.src.Deployments.GetCanaryReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// intQuery parses an optional integer query parameter, answering 400 when malformed.
func (s *Server) intQuery(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		s.fail(c, opserrors.Validation("api."+key, "%s must be an integer, got %q", key, raw))
		return 0, false
	}
	return n, true
}

// fail maps a classified error to its HTTP status.
func (s *Server) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	if kind, ok := opserrors.KindOf(err); ok {
		switch kind {
		case opserrors.KindNotFound:
			code = http.StatusNotFound
		case opserrors.KindValidation:
			code = http.StatusBadRequest
		case opserrors.KindTransient:
			code = http.StatusServiceUnavailable
		case opserrors.KindIntegrity:
			code = http.StatusConflict
		case opserrors.KindAsyncFailure:
		}
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}
