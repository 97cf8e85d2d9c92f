// Package cli implements docwatch's command-line entry points.
//
// docwatch serve wires the tracking kernel up to real metadata, storage,
// fetcher, scheduler, worker-pool, and HTTP-inspection components and runs
// until terminated. docwatch signal is a one-shot utility that replays a
// downstream notification for an already-tracked doc class, independent of
// the update pipeline, for backfilling or re-running a broken consumer.
//
// Configuration is layered the way the teacher's services are configured:
// command-line flags bound to Viper keys, a YAML config file searched in
// $HOME and the working directory, and automatic environment variable
// mapping under the DOCWATCH_ prefix.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"docwatch.dev/common"
	"docwatch.dev/config"
	"docwatch.dev/fetcher"
	dwhttp "docwatch.dev/http"
	"docwatch.dev/httpapi"
	"docwatch.dev/kernel"
	"docwatch.dev/metadata"
	"docwatch.dev/notify"
	"docwatch.dev/scheduler"
	"docwatch.dev/storage"
	"docwatch.dev/worker"
)

// cfgFile holds the path to the configuration file specified via --config.
var cfgFile string

// RootCmd is docwatch's entry point, dispatching to the serve and signal subcommands.
var RootCmd = &cobra.Command{
	Use:   "docwatch",
	Short: "docwatch is a proactive document cache: it tracks URLs and preserves their version history",
	Long: `docwatch tracks a set of URLs, periodically refetches each of them,
detects when the fetched content has changed, and preserves an ordered
history of distinct versions. Downstream consumers subscribe to change
notifications to push new content into search indexes, text extractors,
or other analytics systems.`,
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.docwatch.yaml)")

	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(signalCmd)

	serveCmd.Flags().Int("port", 8080, "HTTP inspection server port")
	serveCmd.Flags().String("metadata-store", "memory", "metadata store backend: memory or mongo")
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("metadata.store", serveCmd.Flags().Lookup("metadata-store"))
}

// initConfig discovers and loads .docwatch.yaml from $HOME or the working
// directory, then layers in DOCWATCH_-prefixed environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".docwatch")
	}

	viper.SetEnvPrefix("docwatch")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the scheduler, worker pool, and HTTP inspection surface",
	Run:   runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	svcCfg := config.LoadServiceConfig("DOCWATCH")
	srvCfg := config.LoadServerConfig("DOCWATCH")
	if cmd.Flags().Changed("port") {
		srvCfg.Port = viper.GetInt("server.port")
	}
	log := common.ServiceLogger(svcCfg.Name, svcCfg.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	meta, closeMeta, err := buildMetadataStore(ctx)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize metadata store")
	}
	defer closeMeta()

	classes, err := config.LoadDocClasses(viper.GetViper())
	if err != nil {
		log.WithError(err).Fatal("failed to load doc classes")
	}

	backends, closeBackends, err := buildBackends(ctx)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize storage backends")
	}
	defer closeBackends()

	notifier, closeNotifier, err := buildNotifier(ctx, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize change notifier")
	}
	defer closeNotifier()

	httpFetcher := fetcher.New(fetcher.Config{
		UserAgent:         viper.GetString("fetcher.user_agent"),
		RequestTimeout:    viper.GetDuration("fetcher.request_timeout"),
		RequestsPerSecond: viper.GetFloat64("fetcher.requests_per_second"),
		Burst:             viper.GetInt("fetcher.burst"),
		MaxRetries:        viper.GetInt("fetcher.max_retries"),
		RetryBackoff:      viper.GetDuration("fetcher.retry_backoff"),
	})

	var kernelOpts []kernel.Option
	if wait, attempts := viper.GetInt("retry.wait_minutes"), viper.GetInt("retry.attempts"); wait > 0 && attempts > 0 {
		kernelOpts = append(kernelOpts, kernel.WithRetryPolicy(wait, attempts))
	}
	kernelOpts = append(kernelOpts, kernel.WithLogger(log))

	k, err := kernel.New(meta, backends, classes, httpFetcher, notifier, kernelOpts...)
	if err != nil {
		log.WithError(err).Fatal("failed to construct kernel")
	}

	var lock *scheduler.Lock
	if viper.GetBool("scheduler.lock.enabled") {
		lock, err = scheduler.NewLock(ctx, viper.GetString("scheduler.lock.redis_url"), "dispatch", viper.GetDuration("scheduler.lock.ttl"))
		if err != nil {
			log.WithError(err).Fatal("failed to acquire scheduler lock client")
		}
		defer lock.Close()
	}

	sched := scheduler.New(k, scheduler.Config{
		Interval:  viper.GetDuration("scheduler.interval"),
		JobBuffer: viper.GetInt("scheduler.job_buffer"),
		Lock:      lock,
	})
	pool := worker.NewPool(k, worker.Config{
		NumWorkers: viper.GetInt("worker.num_workers"),
		JobTimeout: viper.GetDuration("worker.job_timeout"),
	})

	go sched.Run(ctx)
	go pool.Run(ctx, sched.Jobs())

	echoCfg := dwhttp.ServerConfig{
		Port:            srvCfg.Port,
		Debug:           srvCfg.Debug,
		ReadTimeout:     srvCfg.ReadTimeout,
		WriteTimeout:    srvCfg.WriteTimeout,
		ShutdownTimeout: srvCfg.ShutdownTimeout,
	}
	e := dwhttp.NewEchoServer(echoCfg)
	httpapi.NewServer(k).Register(e)

	go func() {
		log.WithField("port", srvCfg.Port).Info("starting HTTP inspection server")
		if err := dwhttp.StartServer(e, echoCfg); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("HTTP inspection server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	if err := dwhttp.GracefulShutdown(e, srvCfg.ShutdownTimeout); err != nil {
		log.WithError(err).Warn("HTTP inspection server shutdown did not complete cleanly")
	}
}

// buildMetadataStore constructs the configured kernel.MetadataStore: metadata.Mongo
// for "mongo", metadata.Memory (the default) for anything else or local runs.
func buildMetadataStore(ctx context.Context) (kernel.MetadataStore, func(), error) {
	if viper.GetString("metadata.store") == "mongo" {
		m, err := metadata.NewMongo(ctx, metadata.MongoConfig{
			Host:       viper.GetString("metadata.mongo.host"),
			Port:       viper.GetInt("metadata.mongo.port"),
			Database:   viper.GetString("metadata.mongo.database"),
			LogMaxSize: viper.GetInt64("metadata.mongo.log_max_size"),
		})
		if err != nil {
			return nil, nil, err
		}
		return m, func() { _ = m.Close(ctx) }, nil
	}
	return metadata.NewMemory(), func() {}, nil
}

// buildBackends registers the storage.Registry's known factories and builds
// one kernel.Backend per entry in the storage.* config section, keyed by the
// section name (the value doc classes reference as storage_engine).
func buildBackends(ctx context.Context) (map[string]kernel.Backend, func(), error) {
	registry := storage.NewRegistry()
	var closers []func() error

	registry.Register("memory", func(cfg map[string]interface{}) (storage.Backend, error) {
		return storage.NewMemory(), nil
	})
	registry.Register("bolt", func(cfg map[string]interface{}) (storage.Backend, error) {
		path := stringField(cfg, "path")
		if path == "" {
			path = "docwatch-blobs.db"
		}
		b, err := storage.OpenBolt(path)
		if err != nil {
			return nil, err
		}
		closers = append(closers, b.Close)
		return b, nil
	})
	registry.Register("s3", func(cfg map[string]interface{}) (storage.Backend, error) {
		return storage.NewS3(ctx, storage.S3Config{
			Bucket:   stringField(cfg, "bucket"),
			Prefix:   stringField(cfg, "prefix"),
			Region:   stringField(cfg, "region"),
			Endpoint: stringField(cfg, "endpoint"),
		})
	})

	backends := make(map[string]kernel.Backend)
	for name := range viper.GetStringMap("storage") {
		cfg := viper.GetStringMap("storage." + name)
		engine := stringField(cfg, "type")
		if engine == "" {
			return nil, nil, fmt.Errorf("storage %q: missing type", name)
		}
		backend, err := registry.Build(engine, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("storage %q: %w", name, err)
		}
		backends[name] = backend
	}

	return backends, func() {
		for _, c := range closers {
			_ = c()
		}
	}, nil
}

func stringField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

// buildNotifier builds a notify.Registry, backing each named handler either
// by notify.RedisFanout (durable, out-of-process delivery) when enabled or by
// an inline handler that just logs the change, a placeholder for real
// deployments to register concrete indexers against.
func buildNotifier(ctx context.Context, log *common.ContextLogger) (kernel.Notifier, func(), error) {
	registry := notify.NewRegistry()

	if viper.GetBool("notify.redis.enabled") {
		fanout, err := notify.NewRedisFanout(ctx, notify.RedisFanoutConfig{
			RedisURL:  viper.GetString("notify.redis.url"),
			KeyPrefix: viper.GetString("notify.redis.key_prefix"),
		})
		if err != nil {
			return nil, nil, err
		}
		for _, name := range viper.GetStringSlice("notify.handlers") {
			registry.Register(name, fanout.Handler(name))
		}
		return registry, func() { _ = fanout.Close() }, nil
	}

	for _, name := range viper.GetStringSlice("notify.handlers") {
		handlerName := name
		registry.Register(handlerName, func(ctx context.Context, docID string) error {
			log.WithField("handler", handlerName).WithField("doc_id", docID).Info("change notification")
			return nil
		})
	}
	return registry, func() {}, nil
}
