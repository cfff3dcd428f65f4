package corpus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"neuropal/internal/logging"
)

// DefaultCeilingBytes is the default serialized-size ceiling for the store.
const DefaultCeilingBytes = 50 * 1024 * 1024 // 50 MiB

// SnapshotVersion tags exported snapshots.
const SnapshotVersion = "1.0"

// ErrMalformedSnapshot is returned by ImportSnapshot when the blob does not
// parse as a snapshot. Import never partially applies a malformed blob.
var ErrMalformedSnapshot = fmt.Errorf("malformed corpus snapshot")

// Store is the bounded training corpus. Records accumulate in insertion
// order; once the estimated serialized size exceeds the ceiling, the oldest
// 20% of each collection is evicted synchronously.
//
// Store methods touch only corpus state and are safe to call while an engine
// operation is in flight.
type Store struct {
	mu            sync.RWMutex
	conversations []ConversationRecord
	sessions      []SessionRecord
	convSizes     []int64
	sessSizes     []int64
	totalBytes    int64
	ceilingBytes  int64
	preferences   map[string]string
}

// NewStore creates a corpus store with the given size ceiling in bytes.
// A non-positive ceiling selects DefaultCeilingBytes.
func NewStore(ceilingBytes int64) *Store {
	if ceilingBytes <= 0 {
		ceilingBytes = DefaultCeilingBytes
	}
	logging.Store("Corpus store created with ceiling %d bytes", ceilingBytes)
	return &Store{
		ceilingBytes: ceilingBytes,
		preferences:  make(map[string]string),
	}
}

// AppendConversation stores a conversation record and runs the capacity check.
func (s *Store) AppendConversation(rec ConversationRecord) {
	size := recordSize(rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = append(s.conversations, rec)
	s.convSizes = append(s.convSizes, size)
	s.totalBytes += size
	s.checkCapacityLocked()
}

// AppendSession stores a session record and runs the capacity check.
func (s *Store) AppendSession(rec SessionRecord) {
	size := recordSize(rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = append(s.sessions, rec)
	s.sessSizes = append(s.sessSizes, size)
	s.totalBytes += size
	s.checkCapacityLocked()
}

// RecentSessions returns up to n of the most recent session records, oldest
// first. Used by the recorder to derive the improvement rate.
func (s *Store) RecentSessions(n int) []SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || len(s.sessions) == 0 {
		return nil
	}
	start := len(s.sessions) - n
	if start < 0 {
		start = 0
	}
	out := make([]SessionRecord, len(s.sessions)-start)
	copy(out, s.sessions[start:])
	return out
}

// SetPreference stores a user preference for snapshot round-tripping.
func (s *Store) SetPreference(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences[key] = value
}

// Preference reads back a stored user preference.
func (s *Store) Preference(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.preferences[key]
	return v, ok
}

// checkCapacityLocked evicts the oldest 20% of each collection once the
// estimated size exceeds the ceiling, repeating until the size fits again.
// Keep-counts round down; survivor order is preserved. Caller must hold s.mu.
func (s *Store) checkCapacityLocked() {
	for s.totalBytes > s.ceilingBytes {
		if len(s.conversations) == 0 && len(s.sessions) == 0 {
			return
		}
		s.evictOldestLocked()
	}
}

func (s *Store) evictOldestLocked() {
	logging.Store("Corpus ceiling exceeded: %d > %d bytes, evicting oldest 20%%",
		s.totalBytes, s.ceilingBytes)

	keepConv := len(s.conversations) * 80 / 100
	keepSess := len(s.sessions) * 80 / 100

	dropConv := len(s.conversations) - keepConv
	for _, sz := range s.convSizes[:dropConv] {
		s.totalBytes -= sz
	}
	s.conversations = append([]ConversationRecord(nil), s.conversations[dropConv:]...)
	s.convSizes = append([]int64(nil), s.convSizes[dropConv:]...)

	dropSess := len(s.sessions) - keepSess
	for _, sz := range s.sessSizes[:dropSess] {
		s.totalBytes -= sz
	}
	s.sessions = append([]SessionRecord(nil), s.sessions[dropSess:]...)
	s.sessSizes = append([]int64(nil), s.sessSizes[dropSess:]...)

	logging.Store("Eviction dropped %d conversations, %d sessions; %d bytes retained",
		dropConv, dropSess, s.totalBytes)
}

// PrepareTrainingBatch maps every stored record to a TrainingExample:
// conversations first, then sessions, each in insertion order. An empty
// store yields an empty batch and no error; callers must check emptiness
// before invoking the engine's train operation.
func (s *Store) PrepareTrainingBatch() []TrainingExample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch := make([]TrainingExample, 0, len(s.conversations)+len(s.sessions))
	for _, c := range s.conversations {
		batch = append(batch, TrainingExample{
			Input:  c.UserText,
			Output: c.ResponseText,
			Weight: c.Weight,
		})
	}
	for _, sess := range s.sessions {
		batch = append(batch, TrainingExample{
			Input:  sessionInput(sess),
			Output: sessionNarrative(sess),
			Weight: sess.Weight,
		})
	}

	logging.StoreDebug("Prepared training batch: %d conversations, %d sessions",
		len(s.conversations), len(s.sessions))
	return batch
}

// sessionInput summarizes a session for the training input side.
func sessionInput(s SessionRecord) string {
	return fmt.Sprintf("Session %s completed with outcome: %s", s.SessionKind, s.Outcome)
}

// sessionNarrative embeds the derived learning metrics into a training target.
func sessionNarrative(s SessionRecord) string {
	return fmt.Sprintf(
		"During the %s session the user reached %.1f%% accuracy at speed %.1f "+
			"with consistency %.1f, an improvement rate of %.1f and an attention span of %.1f.",
		s.SessionKind, s.Metrics.Accuracy, s.Metrics.Speed, s.Metrics.Consistency,
		s.Metrics.ImprovementRate, s.Metrics.AttentionSpan)
}

// ExportSnapshot serializes the full corpus state.
func (s *Store) ExportSnapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Conversations:   append([]ConversationRecord(nil), s.conversations...),
		Sessions:        append([]SessionRecord(nil), s.sessions...),
		UserPreferences: clonePreferences(s.preferences),
		Metadata: SnapshotMetadata{
			TotalExamples: len(s.conversations) + len(s.sessions),
			ExportDate:    time.Now().UTC(),
			Version:       SnapshotVersion,
		},
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize corpus snapshot: %w", err)
	}
	logging.Store("Exported snapshot: %d examples, %d bytes", snap.Metadata.TotalExamples, len(data))
	return data, nil
}

// ImportSnapshot replaces all collections wholesale from a serialized
// snapshot. A parse failure returns ErrMalformedSnapshot and leaves the
// store untouched.
func (s *Store) ImportSnapshot(blob []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		logging.Get(logging.CategoryStore).Error("Snapshot import failed: %v", err)
		return fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}

	convSizes := make([]int64, len(snap.Conversations))
	sessSizes := make([]int64, len(snap.Sessions))
	var total int64
	for i, c := range snap.Conversations {
		convSizes[i] = recordSize(c)
		total += convSizes[i]
	}
	for i, sess := range snap.Sessions {
		sessSizes[i] = recordSize(sess)
		total += sessSizes[i]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = snap.Conversations
	s.sessions = snap.Sessions
	s.convSizes = convSizes
	s.sessSizes = sessSizes
	s.totalBytes = total
	if snap.UserPreferences != nil {
		s.preferences = snap.UserPreferences
	} else {
		s.preferences = make(map[string]string)
	}
	s.checkCapacityLocked()

	logging.Store("Imported snapshot: %d conversations, %d sessions",
		len(s.conversations), len(s.sessions))
	return nil
}

// GetStats reports store occupancy.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Conversations:  len(s.conversations),
		Sessions:       len(s.sessions),
		EstimatedBytes: s.totalBytes,
		CeilingBytes:   s.ceilingBytes,
		UsedPercent:    float64(s.totalBytes) / float64(s.ceilingBytes) * 100,
	}
}

// Conversations returns a copy of the stored conversation records.
func (s *Store) Conversations() []ConversationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ConversationRecord(nil), s.conversations...)
}

// Sessions returns a copy of the stored session records.
func (s *Store) Sessions() []SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SessionRecord(nil), s.sessions...)
}

// EstimatedBytes reports the current estimated serialized size.
func (s *Store) EstimatedBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalBytes
}

// recordSize estimates a record's contribution to the serialized corpus.
// JSON length is the same estimator the snapshot format uses.
func recordSize(v interface{}) int64 {
	data, err := json.Marshal(v)
	if err != nil {
		// Records are plain structs; marshal cannot realistically fail.
		return 0
	}
	return int64(len(data))
}

func clonePreferences(prefs map[string]string) map[string]string {
	out := make(map[string]string, len(prefs))
	for k, v := range prefs {
		out[k] = v
	}
	return out
}
