package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Sh00ty/indexer-agent/internal/actions"
	"github.com/Sh00ty/indexer-agent/internal/api"
	"github.com/Sh00ty/indexer-agent/internal/config"
	"github.com/Sh00ty/indexer-agent/internal/decision"
	"github.com/Sh00ty/indexer-agent/internal/events"
	"github.com/Sh00ty/indexer-agent/internal/executor"
	"github.com/Sh00ty/indexer-agent/internal/leader"
	"github.com/Sh00ty/indexer-agent/internal/metrics"
	"github.com/Sh00ty/indexer-agent/internal/network"
	"github.com/Sh00ty/indexer-agent/internal/operations"
	"github.com/Sh00ty/indexer-agent/internal/rules"
	"github.com/Sh00ty/indexer-agent/internal/shared"
	"github.com/Sh00ty/indexer-agent/internal/storage/inmemory"
	"github.com/Sh00ty/indexer-agent/internal/storage/postgres"
	"github.com/Sh00ty/indexer-agent/internal/txmanager"
)

type storage interface {
	actions.Repository
	rules.Repository
}

type leadership interface {
	IsLeader() bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	appCfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	log.Logger = log.Level(config.LoggerLevelFromString(appCfg.LoggerLevel))
	log.Warn().Msgf("running indexer agent %s in %s mode", appCfg.NodeID, appCfg.ManagementMode)

	store, ready, closeStore := openStorage(ctx, appCfg)
	defer closeStore()

	m, metricsHandler, closeMetrics := openMetrics(appCfg)
	defer closeMetrics()

	var elector leadership
	if len(appCfg.EtcdHosts) > 0 {
		e, err := leader.New(appCfg.EtcdHosts, appCfg.NodeID, leader.ExecutorLeadershipKey, appCfg.LeaderTTLSec)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create leader elector")
		}
		go func() {
			_ = e.Run(ctx)
		}()
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			_ = e.Close(closeCtx)
		}()
		elector = e
	}

	view := network.NewClient(appCfg.NetworkURL, appCfg.NetworkTimeout, appCfg.NetworkAttempts)
	submitter := txmanager.NewClient(appCfg.TxManagerURL, appCfg.TxManagerTimeout, appCfg.TxManagerAttempts)
	conversionRate := shared.NewConversionRate()

	ruleStore := rules.NewStore(store, appCfg.DefaultAmount()).WithDeployments(view)
	if err := bootstrapRules(ctx, ruleStore, appCfg.IndexingRulesFile); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap indexing rules")
	}

	var exec *executor.Executor
	notifier := events.NewNotifier(1024, func() {
		exec.Wake()
	})
	defer notifier.Close()
	queue := actions.NewQueue(store, notifier)

	exec = executor.New(
		queue,
		view,
		operations.NewBuilder(view).WithLimits(ruleStore),
		submitter,
		elector,
		m,
		executor.Config{
			Interval:         appCfg.ExecutorInterval,
			MinBatchSize:     appCfg.ExecutorMinBatchSize,
			MaxBatchSize:     appCfg.ExecutorMaxBatchSize,
			MaxBatchDelay:    appCfg.ExecutorMaxBatchDelay,
			MaxPendingCycles: appCfg.ExecutorMaxPendingCycles,
		},
		log.Logger,
	)
	go exec.Run(ctx)

	engine := decision.New(
		ruleStore,
		queue,
		view,
		view,
		conversionRate,
		m,
		decision.Config{
			Mode:          decision.ManagementMode(appCfg.ManagementMode),
			AutoApprove:   appCfg.AutoApproveDeployments,
			DefaultAmount: appCfg.DefaultAmount(),
		},
		log.Logger,
	)
	scheduler := decision.NewScheduler(engine, elector, m, decision.SchedulerConfig{
		Interval:     appCfg.DecisionInterval,
		TriggerEvery: appCfg.DecisionTriggerEvery,
		TriggerBurst: appCfg.DecisionTriggerBurst,
	})
	conversionRate.Subscribe(func(rate decimal.Decimal) {
		log.Info().Msgf("conversion rate changed to %s", rate)
		scheduler.Trigger("conversion rate changed")
	})
	go func() {
		if err := scheduler.Run(ctx); err != nil {
			log.Fatal().Err(err).Msg("decision scheduler stopped")
		}
	}()

	startEvents(ctx, appCfg, notifier, scheduler)

	srv := api.NewServer(ruleStore, queue, exec, engine, view, conversionRate).WithOperatorToken(appCfg.OperatorToken)
	apiClose := startAPIServer(appCfg.APIAddr, srv.Router())
	defer apiClose()

	serverClose := startProbeServer(appCfg.ProbeAddr, ready, metricsHandler)
	defer serverClose()

	<-ctx.Done()
	log.Warn().Msg("shutting down")
}

func openStorage(ctx context.Context, appCfg config.Config) (storage, func(context.Context) error, func()) {
	if appCfg.Storage == config.StoragePostgres {
		repo, err := postgres.NewRepo(
			ctx,
			appCfg.DatabaseUser,
			appCfg.DatabasePassword,
			appCfg.DatabaseHost,
			appCfg.DatabasePort,
			appCfg.DatabaseName,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init postgres repository")
		}
		return repo, repo.Ping, repo.Close
	}
	store, err := inmemory.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init in-memory storage")
	}
	log.Warn().Msg("using in-memory storage, the queue is lost on restart")
	return store, func(context.Context) error { return nil }, func() {}
}

func openMetrics(appCfg config.Config) (metrics.Metrics, http.Handler, func()) {
	switch appCfg.MetricsBackend {
	case config.MetricsStatsd:
		s := metrics.NewStatsd(appCfg.NodeID, appCfg.MetricsPrefix, appCfg.StatsdAddr)
		return s, nil, func() { _ = s.Close() }
	case config.MetricsPrometheus:
		p := metrics.NewPrometheus(appCfg.MetricsPrefix)
		return p, p.Handler(), func() {}
	}
	return metrics.Noop{}, nil, func() {}
}

func bootstrapRules(ctx context.Context, store *rules.Store, path string) error {
	if err := store.EnsureGlobal(ctx); err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	fileRules, err := config.LoadRulesFile(path)
	if err != nil {
		return err
	}
	for _, rule := range fileRules {
		if _, err := store.UpsertRule(ctx, rule); err != nil {
			return err
		}
	}
	log.Info().Msgf("applied %d indexing rules from %s", len(fileRules), path)
	return nil
}

// startEvents publishes action changes to kafka when brokers are configured
// and otherwise only drains them.
func startEvents(ctx context.Context, appCfg config.Config, notifier *events.ChanNotifier, trigger events.Trigger) {
	if len(appCfg.KafkaBrokers) == 0 {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case a := <-notifier.Events():
					log.Debug().Msgf("action %d is %s", a.ID, a.Status)
				}
			}
		}()
		return
	}

	publisher := events.NewPublisher(
		notifier,
		events.NewWriter(appCfg.KafkaBrokers, appCfg.KafkaActionsTopic),
		appCfg.EventsResendTimeout,
	)
	go func() {
		publisher.Run(ctx)
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka writer")
		}
	}()

	if appCfg.KafkaRulesTopic == "" {
		return
	}
	watcher := events.NewRuleWatcher(
		events.NewReader(appCfg.NodeID, appCfg.KafkaBrokers, appCfg.KafkaRulesTopic),
		trigger,
	)
	go func() {
		if err := watcher.Run(ctx); err != nil {
			log.Error().Err(err).Msg("rule watcher stopped")
		}
		_ = watcher.Close()
	}()
}

func startAPIServer(addr string, handler http.Handler) func() {
	srv := http.Server{
		Handler:           handler,
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start api server")
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

func startProbeServer(addr string, ready func(context.Context) error, metricsHandler http.Handler) func() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if err := ready(r.Context()); err != nil {
			log.Warn().Err(err).Msg("storage is not ready")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	srv := http.Server{
		Handler:           mux,
		Addr:              addr,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start http server")
		}
	}()
	return func() {
		_ = srv.Close()
	}
}

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
}
