package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docwatch.dev/common"
	"docwatch.dev/kernel"
)

func TestSampleDocumentsReturnsRequestedCountWithoutMutatingInput(t *testing.T) {
	docs := make([]kernel.TrackedDocument, 10)
	for i := range docs {
		docs[i] = kernel.TrackedDocument{ID: string(rune('a' + i))}
	}

	sampled := sampleDocuments(docs, 3)
	assert.Len(t, sampled, 3)
	assert.Len(t, docs, 10, "sampleDocuments must not mutate its input slice length")

	seen := make(map[string]bool)
	for _, d := range sampled {
		seen[d.ID] = true
	}
	assert.Len(t, seen, 3, "sampled documents must be distinct")
}

func TestSampleDocumentsRequestingAllReturnsEveryDocument(t *testing.T) {
	docs := []kernel.TrackedDocument{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	sampled := sampleDocuments(docs, len(docs))
	assert.Len(t, sampled, 3)
}

func TestBuildSignalNotifierInlineLogsRatherThanDispatchingRemotely(t *testing.T) {
	log := common.ServiceLogger("signal-test", "0")

	notifier, closeFn, err := buildSignalNotifier(context.Background(), log, "reindex", true)
	require.NoError(t, err)
	defer closeFn()

	err = notifier.Dispatch(context.Background(), "reindex", "doc-1")
	assert.NoError(t, err)
}

func TestBuildSignalNotifierRejectsUnregisteredHandlerName(t *testing.T) {
	log := common.ServiceLogger("signal-test", "0")

	notifier, closeFn, err := buildSignalNotifier(context.Background(), log, "reindex", true)
	require.NoError(t, err)
	defer closeFn()

	err = notifier.Dispatch(context.Background(), "some-other-handler", "doc-1")
	assert.Error(t, err)
}
