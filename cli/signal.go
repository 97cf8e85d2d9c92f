package cli

import (
	"context"
	"math/rand"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"docwatch.dev/common"
	"docwatch.dev/config"
	"docwatch.dev/fetcher"
	"docwatch.dev/kernel"
	"docwatch.dev/notify"
)

// maxSampleSize bounds --sample, mirroring the original implementation's
// signal script, which never touched more than 100 documents per invocation.
const maxSampleSize = 100

// signalCmd replays a downstream notification for an already-tracked doc
// class, independent of the update pipeline. It exists for backfilling a
// handler added after documents were already tracked, or for re-running one
// that failed or was never deployed when the original change happened.
var signalCmd = &cobra.Command{
	Use:   "signal <doc-class> <handler-name>",
	Short: "replay a downstream notification for every tracked document in a doc class",
	Args:  cobra.ExactArgs(2),
	Run:   runSignal,
}

func init() {
	signalCmd.Flags().Bool("inline", false, "log the notification locally instead of dispatching through the configured notifier (e.g. Redis fan-out)")
	signalCmd.Flags().Bool("sample", false, "signal at most 100 randomly chosen documents instead of the whole doc class")
}

func runSignal(cmd *cobra.Command, args []string) {
	docClass, handlerName := args[0], args[1]
	inline, _ := cmd.Flags().GetBool("inline")
	sample, _ := cmd.Flags().GetBool("sample")

	svcCfg := config.LoadServiceConfig("DOCWATCH")
	log := common.ServiceLogger(svcCfg.Name, svcCfg.Version)

	ctx := context.Background()

	classes, err := config.LoadDocClasses(viper.GetViper())
	if err != nil {
		log.WithError(err).Fatal("failed to load doc classes")
	}
	if _, ok := classes[docClass]; !ok {
		log.WithField("doc_class", docClass).Fatal("unknown doc class")
	}

	meta, closeMeta, err := buildMetadataStore(ctx)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize metadata store")
	}
	defer closeMeta()

	backends, closeBackends, err := buildBackends(ctx)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize storage backends")
	}
	defer closeBackends()

	notifier, closeNotifier, err := buildSignalNotifier(ctx, log, handlerName, inline)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize notifier")
	}
	defer closeNotifier()

	k, err := kernel.New(meta, backends, classes, fetcher.New(fetcher.Config{}), notifier, kernel.WithLogger(log))
	if err != nil {
		log.WithError(err).Fatal("failed to construct kernel")
	}

	docs, err := k.DocumentsInClass(ctx, docClass)
	if err != nil {
		log.WithError(err).Fatal("failed to enumerate doc class")
	}
	if sample && len(docs) > maxSampleSize {
		docs = sampleDocuments(docs, maxSampleSize)
	}

	log.WithField("doc_class", docClass).WithField("handler", handlerName).WithField("count", len(docs)).Info("signaling documents")

	failures := 0
	for _, doc := range docs {
		if err := k.Signal(ctx, handlerName, doc.ID); err != nil {
			log.WithField("doc_id", doc.ID).WithError(err).Warn("signal failed")
			failures++
		}
	}
	if failures > 0 {
		log.WithField("failures", failures).Fatal("one or more documents failed to signal")
	}
}

// buildSignalNotifier wires handlerName to either the durable Redis fan-out
// (the normal path for production handlers) or a local log line (--inline),
// without requiring the handler to already be registered in notify.handlers,
// since signal's whole purpose is to run a handler name supplied on the
// command line.
func buildSignalNotifier(ctx context.Context, log *common.ContextLogger, handlerName string, inline bool) (kernel.Notifier, func(), error) {
	registry := notify.NewRegistry()

	if !inline && viper.GetBool("notify.redis.enabled") {
		fanout, err := notify.NewRedisFanout(ctx, notify.RedisFanoutConfig{
			RedisURL:  viper.GetString("notify.redis.url"),
			KeyPrefix: viper.GetString("notify.redis.key_prefix"),
		})
		if err != nil {
			return nil, nil, err
		}
		registry.Register(handlerName, fanout.Handler(handlerName))
		return registry, func() { _ = fanout.Close() }, nil
	}

	registry.Register(handlerName, func(ctx context.Context, docID string) error {
		log.WithField("handler", handlerName).WithField("doc_id", docID).Info("signal notification")
		return nil
	})
	return registry, func() {}, nil
}

// sampleDocuments returns n documents chosen uniformly at random from docs.
func sampleDocuments(docs []kernel.TrackedDocument, n int) []kernel.TrackedDocument {
	shuffled := make([]kernel.TrackedDocument, len(docs))
	copy(shuffled, docs)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}
