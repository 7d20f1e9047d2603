// Package kernel builds the Learning-Ops services from configuration and owns
// their lifecycle. The CLI and the API server both run on top of one Kernel.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"learnops/pkg/api"
	"learnops/pkg/config"
	"learnops/pkg/crl"
	"learnops/pkg/curator"
	"learnops/pkg/experiment"
	"learnops/pkg/llm"
	"learnops/pkg/logx"
	"learnops/pkg/metrics"
	"learnops/pkg/persistence"
	"learnops/pkg/policy"
	"learnops/pkg/replay"
	"learnops/pkg/rollout"
	"learnops/pkg/skills"
)

// Kernel holds every Learning-Ops service, wired to one database.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // lifecycle context for background loops
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	Store       *persistence.Store
	Registry    *prometheus.Registry
	Recorder    metrics.Recorder
	CRL         *crl.Service
	Policies    *policy.Store
	Experiments *experiment.Registry
	Curator     *curator.Curator
	Models      *llm.Pool
	Cache       *replay.Cache
	Replayer    *replay.Replayer
	Rollout     *rollout.Controller
	Skills      *skills.Service
	API         *api.Server

	unsubscribe func()
	loops       sync.WaitGroup
	mu          sync.Mutex
	running     bool
	stopped     bool
}

// NewKernel opens the database and replay cache and builds every service.
func NewKernel(parent context.Context, cfg *config.Config) (*Kernel, error) {
	ctx, cancel := context.WithCancel(parent)
	k := &Kernel{
		ctx:    ctx,
		cancel: cancel,
		Config: cfg,
		Logger: logx.NewLogger("kernel"),
	}
	if err := k.initializeServices(); err != nil {
		cancel()
		k.closeResources()
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

func (k *Kernel) initializeServices() error {
	var err error
	if k.Config.Database.Path == ":memory:" {
		k.Store, err = persistence.OpenInMemory()
	} else {
		k.Store, err = persistence.Open(k.Config.Database.Path)
	}
	if err != nil {
		return err
	}

	k.Registry = prometheus.NewRegistry()
	k.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	k.Recorder = metrics.NewPrometheusRecorder(k.Registry)

	weights := crl.Weights(k.Config.CRL.Weights)
	crlOpts := crl.ServiceOptions{
		Recorder:       k.Recorder,
		DefaultWeights: &weights,
		LatencyCapMS:   k.Config.Replay.LatencyCapMS,
	}
	if url := k.Config.Metrics.PrometheusURL; url != "" {
		costs, err := metrics.NewQueryService(url)
		if err != nil {
			return fmt.Errorf("failed to create Prometheus cost source: %w", err)
		}
		crlOpts.CostSource = costs
	}
	k.CRL = crl.NewService(k.Store, crlOpts)

	k.Policies = policy.NewStore(k.Store, policy.Options{Recorder: k.Recorder})
	k.Experiments = experiment.NewRegistry(k.Store)

	redactor, err := curator.NewRedactor(k.Config.Curator.PatternsFile)
	if err != nil {
		return err
	}
	if k.Curator, err = curator.New(k.Store, redactor, k.Recorder); err != nil {
		return err
	}

	k.Models = llm.NewPool(k.Config, k.Recorder)
	if k.Cache, err = replay.OpenCache(replay.CacheOptions{
		Dir:      k.Config.Cache.Dir,
		InMemory: k.Config.Cache.InMemory,
	}); err != nil {
		return err
	}
	scorer, err := replay.NewHeuristicScorer(redactor, k.Config.Replay.BudgetUSD, k.Config.Replay.LatencyCapMS)
	if err != nil {
		return err
	}
	k.Replayer = replay.New(k.Store, k.Curator, k.Policies, replay.Options{
		Executor:        replay.NewLLMExecutor(k.Models, k.Config.Replay.DefaultModel),
		Scorer:          scorer,
		Cache:           k.Cache,
		Recorder:        k.Recorder,
		Weights:         &weights,
		Workers:         k.Config.Replay.Workers,
		Timeout:         time.Duration(k.Config.Replay.TimeoutSec) * time.Second,
		DefaultMaxTasks: k.Config.Replay.DefaultMaxTasks,
	})

	k.Rollout = rollout.NewController(k.Store, rollout.Options{
		Recorder:                k.Recorder,
		Alpha:                   k.Config.Rollout.Alpha,
		DefaultMinJobs:          k.Config.Rollout.DefaultMinJobs,
		DefaultMaxDurationHours: k.Config.Rollout.DefaultMaxDurationHours,
		MaxCRLIncrease:          k.Config.Rollout.MaxCRLIncrease,
	})
	k.unsubscribe = k.Rollout.Subscribe(k.activateWinner)

	k.Skills = skills.NewService(k.Store, k.Policies, k.Experiments, skills.Options{
		BestModels:       k.Config.Skills.BestModels,
		FailureModes:     k.Config.Skills.FailureModes,
		TimeoutThreshold: k.Config.Skills.TimeoutThreshold,
	})

	k.API = api.NewServer(api.Sources{
		CRL:         k.CRL,
		Skills:      k.Skills,
		Experiments: k.Experiments,
		Replays:     k.Replayer,
		Deployments: k.Rollout,
		Gatherer:    k.Registry,
	})

	k.Logger.Info("kernel services initialized (database %s)", k.Store.Path())
	return nil
}

// activateWinner walks the policy that won a canary forward to active.
func (k *Kernel) activateWinner(ctx context.Context, ev rollout.Event) error {
	rec, err := k.Policies.GetByID(ctx, ev.PolicyID)
	if err != nil {
		return err
	}
	if rec.Status == policy.StatusActive {
		return nil
	}
	return k.Policies.Advance(ctx, ev.PolicyID, policy.StatusActive, "promoted by deployment "+ev.DeploymentID)
}

// Start recovers replays orphaned by a previous process and starts the
// deployment expiry loop.
func (k *Kernel) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return fmt.Errorf("kernel already running")
	}
	if k.stopped {
		return fmt.Errorf("kernel already stopped")
	}

	if _, err := k.Replayer.Recover(k.ctx); err != nil {
		return err
	}

	interval := time.Duration(k.Config.Rollout.ExpiryCheckSec) * time.Second
	k.loops.Add(1)
	go k.expiryLoop(interval)

	k.running = true
	k.Logger.Info("kernel started")
	return nil
}

func (k *Kernel) expiryLoop(interval time.Duration) {
	defer k.loops.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-k.ctx.Done():
			return
		case <-ticker.C:
			if _, err := k.Rollout.ConcludeExpired(k.ctx); err != nil && k.ctx.Err() == nil {
				k.Logger.Warn("deployment expiry check failed: %v", err)
			}
		}
	}
}

// Serve runs the API server until ctx is cancelled.
func (k *Kernel) Serve(ctx context.Context) error {
	return k.API.Start(ctx, k.Config.API.ListenAddr)
}

// Stop cancels background work, waits for running replays to persist a
// terminal state and closes the cache and database. It is safe to call twice.
func (k *Kernel) Stop() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped {
		return nil
	}
	k.stopped = true
	k.running = false

	k.Logger.Info("stopping kernel")
	k.cancel()
	k.loops.Wait()
	if k.Replayer != nil {
		k.Replayer.Close()
	}
	return k.closeResources()
}

func (k *Kernel) closeResources() error {
	if k.unsubscribe != nil {
		k.unsubscribe()
	}
	var firstErr error
	if k.Cache != nil {
		if err := k.Cache.Close(); err != nil {
			k.Logger.Error("error closing replay cache: %v", err)
			firstErr = err
		}
	}
	if k.Store != nil {
		if err := k.Store.Close(); err != nil {
			k.Logger.Error("error closing database: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
