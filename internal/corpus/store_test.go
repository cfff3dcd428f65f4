package corpus

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func convRecord(i int) ConversationRecord {
	return ConversationRecord{
		ID:           fmt.Sprintf("conv-%02d", i),
		Timestamp:    time.Date(2025, 1, 1, 0, 0, i, 0, time.UTC),
		UserText:     fmt.Sprintf("question %02d", i),
		ResponseText: fmt.Sprintf("answer %02d", i),
		Topic:        TopicGeneral,
		Sentiment:    SentimentNeutral,
		Weight:       1.0,
	}
}

func sessRecord(i int) SessionRecord {
	return SessionRecord{
		ID:          fmt.Sprintf("sess-%02d", i),
		Timestamp:   time.Date(2025, 1, 2, 0, 0, i, 0, time.UTC),
		SessionKind: "math-game",
		Performance: Performance{Accuracy: float64(10 * i), FocusSeconds: 60},
		Outcome:     "completed",
		Metrics:     LearningMetrics{Accuracy: float64(10 * i), AttentionSpan: 100},
		Weight:      1.0,
	}
}

func TestCeilingNeverExceededAfterCapacityCheck(t *testing.T) {
	// Ceiling small enough that inserts trigger eviction repeatedly.
	store := NewStore(2048)

	for i := 0; i < 200; i++ {
		store.AppendConversation(convRecord(i))
		assert.LessOrEqual(t, store.EstimatedBytes(), int64(2048),
			"ceiling exceeded after insert %d", i)
	}
	assert.NotEmpty(t, store.Conversations(), "eviction emptied the store entirely")
}

func TestEvictionDropsOldestFifthPreservingOrder(t *testing.T) {
	// All convRecord fixtures serialize to the same length; measure one to
	// build a ceiling that holds exactly five of them.
	probe := NewStore(DefaultCeilingBytes)
	probe.AppendConversation(convRecord(0))
	unit := probe.EstimatedBytes()

	store := NewStore(unit*5 + unit/2)
	for i := 0; i < 10; i++ {
		store.AppendConversation(convRecord(i))
	}

	// Each overflow keeps floor(6*0.8) = 4 records, so after ten inserts
	// only the four newest survive, in insertion order.
	got := store.Conversations()
	require.Len(t, got, 4)
	for i, want := range []string{"conv-06", "conv-07", "conv-08", "conv-09"} {
		assert.Equal(t, want, got[i].ID)
	}
}

func TestEvictionKeepCountRoundsDown(t *testing.T) {
	store := NewStore(DefaultCeilingBytes)
	for i := 0; i < 11; i++ {
		store.AppendConversation(convRecord(i))
	}

	store.mu.Lock()
	store.evictOldestLocked()
	store.mu.Unlock()

	// keep = floor(11 * 0.8) = 8, so the 3 oldest are dropped.
	got := store.Conversations()
	require.Len(t, got, 8)
	assert.Equal(t, "conv-03", got[0].ID)
	assert.Equal(t, "conv-10", got[7].ID)
}

func TestPrepareTrainingBatchEmptyStore(t *testing.T) {
	store := NewStore(0)

	batch := store.PrepareTrainingBatch()
	assert.Empty(t, batch)
	assert.NotNil(t, batch, "empty store yields an empty batch, not nil")
}

func TestPrepareTrainingBatchOrderAndMapping(t *testing.T) {
	store := NewStore(0)
	store.AppendConversation(convRecord(0))
	store.AppendConversation(convRecord(1))

	sess := sessRecord(3)
	sess.Metrics.Accuracy = 0.85
	sess.Weight = 0.85
	store.AppendSession(sess)

	batch := store.PrepareTrainingBatch()
	require.Len(t, batch, 3)

	// Conversations first, in insertion order.
	assert.Equal(t, "question 00", batch[0].Input)
	assert.Equal(t, "answer 00", batch[0].Output)
	assert.Equal(t, 1.0, batch[0].Weight)
	assert.Equal(t, "question 01", batch[1].Input)

	// Sessions follow, summarized with metrics in the narrative and the
	// record's clamped weight carried through.
	assert.Contains(t, batch[2].Input, "math-game")
	assert.Contains(t, batch[2].Input, "completed")
	assert.Contains(t, batch[2].Output, "accuracy")
	assert.Equal(t, 0.85, batch[2].Weight)
}

func TestPrepareTrainingBatchSessionWeightClamped(t *testing.T) {
	store := NewStore(0)
	rec := NewRecorder(store)

	// Accuracy is on a 0-100 scale; the batch must carry the clamped
	// record weight, never the raw accuracy.
	rec.RecordSession("quiz", Performance{Accuracy: 95, FocusSeconds: 120}, nil, "completed")

	batch := store.PrepareTrainingBatch()
	require.Len(t, batch, 1)
	assert.Equal(t, MaxWeight, batch[0].Weight)
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := NewStore(0)
	for i := 0; i < 5; i++ {
		store.AppendConversation(convRecord(i))
	}
	for i := 0; i < 3; i++ {
		store.AppendSession(sessRecord(i))
	}
	store.SetPreference("language", "ru")
	store.SetPreference("voice", "off")

	blob, err := store.ExportSnapshot()
	require.NoError(t, err)

	restored := NewStore(0)
	require.NoError(t, restored.ImportSnapshot(blob))

	if diff := cmp.Diff(store.Conversations(), restored.Conversations()); diff != "" {
		t.Errorf("Conversations mismatch after round trip (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(store.Sessions(), restored.Sessions()); diff != "" {
		t.Errorf("Sessions mismatch after round trip (-want +got):\n%s", diff)
	}

	lang, ok := restored.Preference("language")
	require.True(t, ok)
	assert.Equal(t, "ru", lang)
}

func TestSnapshotMetadata(t *testing.T) {
	store := NewStore(0)
	store.AppendConversation(convRecord(0))
	store.AppendSession(sessRecord(0))

	blob, err := store.ExportSnapshot()
	require.NoError(t, err)

	assert.Contains(t, string(blob), `"totalExamples":2`)
	assert.Contains(t, string(blob), `"version":"1.0"`)
	assert.Contains(t, string(blob), `"userPreferences"`)
}

func TestImportMalformedSnapshot(t *testing.T) {
	store := NewStore(0)
	store.AppendConversation(convRecord(0))

	err := store.ImportSnapshot([]byte("{not json"))
	assert.ErrorIs(t, err, ErrMalformedSnapshot)

	// A malformed import leaves the store untouched.
	assert.Len(t, store.Conversations(), 1)
}

func TestImportReplacesWholesale(t *testing.T) {
	store := NewStore(0)
	for i := 0; i < 4; i++ {
		store.AppendConversation(convRecord(i))
	}

	other := NewStore(0)
	other.AppendConversation(convRecord(99))
	blob, err := other.ExportSnapshot()
	require.NoError(t, err)

	require.NoError(t, store.ImportSnapshot(blob))

	got := store.Conversations()
	require.Len(t, got, 1)
	assert.Equal(t, "conv-99", got[0].ID)
	assert.Empty(t, store.Sessions())
}

func TestGetStats(t *testing.T) {
	store := NewStore(1024 * 1024)
	store.AppendConversation(convRecord(0))
	store.AppendSession(sessRecord(0))

	stats := store.GetStats()
	assert.Equal(t, 1, stats.Conversations)
	assert.Equal(t, 1, stats.Sessions)
	assert.Positive(t, stats.EstimatedBytes)
	assert.Equal(t, int64(1024*1024), stats.CeilingBytes)
	assert.Positive(t, stats.UsedPercent)
}

func TestRecentSessions(t *testing.T) {
	store := NewStore(0)
	for i := 0; i < 8; i++ {
		store.AppendSession(sessRecord(i))
	}

	recent := store.RecentSessions(5)
	require.Len(t, recent, 5)
	assert.Equal(t, "sess-03", recent[0].ID)
	assert.Equal(t, "sess-07", recent[4].ID)

	assert.Len(t, store.RecentSessions(100), 8)
	assert.Nil(t, store.RecentSessions(0))
}

func TestLargeConversationStillBounded(t *testing.T) {
	store := NewStore(4096)

	big := convRecord(0)
	big.UserText = strings.Repeat("a", 2000)
	big.ResponseText = strings.Repeat("b", 2000)
	store.AppendConversation(big)
	store.AppendConversation(big)

	assert.LessOrEqual(t, store.EstimatedBytes(), int64(4096))
}
