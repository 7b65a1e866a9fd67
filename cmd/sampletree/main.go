package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/getsentry/sampletree/internal/httputil"
	"github.com/getsentry/sampletree/internal/logutil"
	"github.com/getsentry/sampletree/internal/metrics"
	"github.com/getsentry/sampletree/internal/storageprovider"
	"github.com/getsentry/sampletree/internal/treestore"
	"github.com/getsentry/sampletree/internal/window"
)

type environment struct {
	config ServiceConfig

	store        *treestore.Store
	closeStorage func() error
	manager      *window.Manager
	metrics      *metrics.Metrics
	registry     *prometheus.Registry

	windowsWriter KafkaWriter
	clientErrors  zerolog.Logger
}

var release string

func newEnvironment(ctx context.Context, config ServiceConfig) (*environment, error) {
	e := environment{
		config:       config,
		registry:     prometheus.NewRegistry(),
		clientErrors: logutil.Throttled(10, time.Minute),
	}
	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	e.metrics = metrics.New(e.registry)

	handler, closeStorage, err := storageprovider.Open(ctx, storageprovider.Config{
		Backend:    config.StorageBackend,
		URL:        config.StorageURL,
		GCSBucket:  config.GCSBucket,
		BadgerPath: config.BadgerPath,
	})
	if err != nil {
		return nil, err
	}
	e.closeStorage = closeStorage
	e.store, err = treestore.New(handler, treestore.Config{
		MaxNodes:      config.CacheMaxWeight,
		MaxSummaries:  config.CacheMaxSummaries,
		IdleTimeout:   config.CacheIdleTimeout,
		WaitTimeout:   config.CacheWaitTimeout,
		LoadTimeout:   config.CacheLoadTimeout,
		NodesPerChunk: config.NodesPerChunk,
		TraceDataHook: e.metrics.Cache("trace_data"),
		SummaryHook:   e.metrics.Cache("summary"),
	})
	if err != nil {
		_ = closeStorage()
		return nil, err
	}

	var notifier window.Notifier
	if len(config.KafkaBrokers) > 0 {
		e.windowsWriter = &kafka.Writer{
			Addr:         kafka.TCP(config.KafkaBrokers...),
			Async:        true,
			Balancer:     kafka.CRC32Balancer{},
			BatchSize:    100,
			Compression:  kafka.Lz4,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
		notifier = kafkaNotifier{writer: e.windowsWriter, topic: config.WindowsKafkaTopic}
	}
	e.manager = window.NewManager(window.Config{
		Duration:    config.WindowDuration,
		Concurrency: config.PersistConcurrency,
		Persister:   e.store,
		Notifier:    notifier,
		Hook:        e.metrics,
	})
	return &e, nil
}

// rotate closes the open windows and persists them.
func (e *environment) rotate() {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.WindowDuration)
	defer cancel()
	result, err := e.manager.Rotate(ctx)
	e.metrics.WindowsPersisted(len(result.Persisted))
	if err != nil {
		sentry.CaptureException(err)
		log.Err(err).Str("window", result.Window.String()).Msg("error persisting windows")
		return
	}
	log.Debug().
		Str("window", result.Window.String()).
		Int("persisted", len(result.Persisted)).
		Int("empty", result.Empty).
		Msg("windows rotated")
}

func (e *environment) shutdown() {
	// persist what the open window holds so far
	e.rotate()
	if e.windowsWriter != nil {
		if err := e.windowsWriter.Close(); err != nil {
			sentry.CaptureException(err)
		}
	}
	if err := e.closeStorage(); err != nil {
		sentry.CaptureException(err)
	}
	sentry.Flush(5 * time.Second)
}

func (e *environment) newRouter() (*httprouter.Router, error) {
	compress, err := httpcompression.DefaultAdapter()
	if err != nil {
		return nil, err
	}

	const process = "/apps/:app/clusters/:cluster/processes/:process"
	const trace = process + "/windows/:start/:duration/traces/:trace"
	routes := []struct {
		method  string
		path    string
		handler http.Handler
	}{
		{http.MethodPost, process + "/samples", http.HandlerFunc(e.postSamples)},
		{http.MethodGet, process + "/windows", http.HandlerFunc(e.getWindows)},
		{http.MethodGet, process + "/windows/:start/:duration/summary", http.HandlerFunc(e.getSummary)},
		{http.MethodGet, trace + "/callers", http.HandlerFunc(e.getCallers)},
		{http.MethodGet, trace + "/callees", http.HandlerFunc(e.getCallees)},
		{http.MethodGet, "/health", http.HandlerFunc(e.getHealth)},
		{http.MethodGet, "/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})},
	}

	router := httprouter.New()

	for _, route := range routes {
		handlerFunc := httputil.NameTransaction(route.method, route.path, route.handler)
		handlerFunc = httputil.DecompressPayload(handlerFunc)
		handler := compress(handlerFunc)

		router.Handler(route.method, route.path, handler)
	}

	return router, nil
}

func main() {
	config, err := readConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("error reading the configuration")
	}
	logutil.ConfigureLogger(config.LogLevel)

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              config.SentryDSN,
		Environment:      config.Environment,
		Release:          release,
		TracesSampleRate: 1.0,
		BeforeSend:       httputil.SetHTTPStatusCodeTag,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("can't initialize sentry")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	env, err := newEnvironment(ctx, config)
	if err != nil {
		log.Fatal().Err(err).Msg("error setting up environment")
	}

	router, err := env.newRouter()
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error setting up the router")
	}

	c := cron.New()
	c.Schedule(window.Schedule{Duration: config.WindowDuration}, cron.FuncJob(env.rotate))
	c.Start()
	go env.store.RunJanitor(ctx, config.CacheIdleTimeout/2)

	server := http.Server{
		Addr:    ":" + config.Port,
		Handler: sentryhttp.New(sentryhttp.Options{}).Handle(router),
	}

	waitForShutdown := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(cctx); err != nil {
			sentry.CaptureException(err)
			log.Err(err).Msg("error shutting down server")
		}

		close(waitForShutdown)
	}()

	log.Info().Str("port", config.Port).Dur("window", config.WindowDuration).Msg("serving")
	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Err(err).Msg("server failed")
	}

	<-waitForShutdown

	// wait for a running rotation before the final one
	<-c.Stop().Done()
	stop()
	env.shutdown()
}
