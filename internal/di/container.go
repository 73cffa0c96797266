package di

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/digest"
	"github.com/mikey/mail-triage/internal/factory"
	"github.com/mikey/mail-triage/internal/httpapi"
	"github.com/mikey/mail-triage/internal/logging"
	"github.com/mikey/mail-triage/internal/metrics"
	"github.com/mikey/mail-triage/internal/router"
	"github.com/mikey/mail-triage/internal/scheduler"
	"github.com/mikey/mail-triage/internal/utils"
)

// Options are the command line settings that shape the container
type Options struct {
	ConfigFile string
	Verbose    bool
	JSONLog    bool
}

// BuildContainer creates and configures a dependency injection container.
// Components are built on first Invoke, so a command only pays for what it
// uses.
func BuildContainer(opts Options) (*dig.Container, error) {
	container := dig.New()

	// Register options
	if err := container.Provide(func() Options { return opts }); err != nil {
		return nil, err
	}

	// Register configuration
	if err := container.Provide(func(opts Options) (*config.Config, error) {
		return config.New(opts.ConfigFile)
	}); err != nil {
		return nil, err
	}

	// Register logger. Command line flags replace the logging.* keys.
	if err := container.Provide(func(opts Options, cfg *config.Config) (*zap.Logger, error) {
		if opts.Verbose || opts.JSONLog {
			return logging.InitConsoleLogger(opts.Verbose, opts.JSONLog || cfg.GetString("logging.format") == "json")
		}
		return logging.InitLogger(cfg)
	}); err != nil {
		return nil, err
	}

	// Register validated settings
	if err := container.Provide(config.NewHolder); err != nil {
		return nil, err
	}

	// Register metrics
	if err := container.Provide(func() *prometheus.Registry {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		return reg
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(reg *prometheus.Registry) *metrics.Metrics {
		return metrics.NewMetrics(reg)
	}); err != nil {
		return nil, err
	}

	// Register factories
	for _, ctor := range []any{
		factory.NewLLMFactory,
		factory.NewStoreFactory,
		factory.NewTransportFactory,
		factory.NewMailboxFactory,
	} {
		if err := container.Provide(ctor); err != nil {
			return nil, err
		}
	}

	// Register text processor, shared by the LLM clients, the mailbox and
	// the router
	if err := container.Provide(func(logger *zap.Logger) *utils.TextProcessor {
		return utils.NewTextProcessor(logger.Named("text"))
	}); err != nil {
		return nil, err
	}

	// Register clock
	if err := container.Provide(func() core.Clock { return core.SystemClock{} }); err != nil {
		return nil, err
	}

	// Register adapters
	if err := container.Provide(func(f *factory.LLMFactory) (core.JudgmentClient, error) {
		return f.CreateJudgmentClient(context.Background())
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.StoreFactory) (core.StateStore, error) {
		return f.CreateStore(context.Background())
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.TransportFactory) ([]core.Transport, error) {
		return f.CreateTransports(context.Background())
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.MailboxFactory) core.Fetcher {
		return f.LazyFetcher()
	}); err != nil {
		return nil, err
	}

	// Register services
	if err := container.Provide(func(holder *config.Holder, judge core.JudgmentClient, logger *zap.Logger,
		clock core.Clock, m *metrics.Metrics) *core.Classifier {
		c := core.NewClassifier(judge, holder.Current().LLM.Retry, logger, clock)
		c.SetHooks(m.ClassifierHooks())
		return c
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(holder *config.Holder, st core.StateStore, transports []core.Transport,
		tp *utils.TextProcessor, logger *zap.Logger, clock core.Clock, m *metrics.Metrics) *router.Router {
		r := router.NewRouter(holder, st, transports, tp, logger, clock)
		r.SetHooks(m.RouterHooks())
		return r
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(holder *config.Holder, logger *zap.Logger, clock core.Clock) *digest.Aggregator {
		return digest.NewAggregator(holder, logger, clock)
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(holder *config.Holder, fetcher core.Fetcher, c *core.Classifier, r *router.Router,
		agg *digest.Aggregator, st core.StateStore, logger *zap.Logger, clock core.Clock, m *metrics.Metrics) *scheduler.Monitor {
		mon := scheduler.NewMonitor(holder, fetcher, c, r, agg, st, logger, clock)
		mon.SetHooks(m.SchedulerHooks())
		return mon
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(holder *config.Holder, agg *digest.Aggregator, r *router.Router, fetcher core.Fetcher,
		c *core.Classifier, logger *zap.Logger, clock core.Clock, m *metrics.Metrics) *scheduler.DigestService {
		d := scheduler.NewDigestService(holder, agg, r, fetcher, c, logger, clock)
		d.SetHooks(m.SchedulerHooks())
		return d
	}); err != nil {
		return nil, err
	}

	// Register ops server
	if err := container.Provide(func(holder *config.Holder, d *scheduler.DigestService, r *router.Router,
		reg *prometheus.Registry, logger *zap.Logger) *httpapi.Server {
		return httpapi.New(logger, holder, d, r, reg)
	}); err != nil {
		return nil, err
	}

	return container, nil
}
