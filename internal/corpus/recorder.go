package corpus

import (
	"time"

	"github.com/google/uuid"

	"neuropal/internal/logging"
)

// improvementWindow is how many of the most recent prior sessions feed the
// improvement-rate slope.
const improvementWindow = 5

// longMessageThreshold is the user-text length above which a conversation
// earns the long-message weight boost.
const longMessageThreshold = 50

// Recorder tags incoming conversation turns and session outcomes and appends
// them to the corpus store. Recording never fails the caller for data-quality
// reasons: unknown topics default to general, unknown sentiment to neutral.
type Recorder struct {
	store *Store
	now   func() time.Time
}

// NewRecorder creates a recorder writing into the given store.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// RecordConversation classifies one exchange and stores it.
//
// The training weight starts at 1.0 and is multiplied by 1.2 for user texts
// longer than 50 characters, by 1.5 for programming/science/technical topics
// and by 0.7 for negative sentiment, then clamped to [0, 2].
func (r *Recorder) RecordConversation(userText, responseText, contextText string) ConversationRecord {
	topic := classifyTopic(userText)
	sentiment := classifySentiment(userText)

	weight := 1.0
	if len(userText) > longMessageThreshold {
		weight *= 1.2
	}
	switch topic {
	case TopicProgramming, TopicScience, TopicTechnical:
		weight *= 1.5
	}
	if sentiment == SentimentNegative {
		weight *= 0.7
	}

	rec := ConversationRecord{
		ID:           uuid.NewString(),
		Timestamp:    r.now(),
		UserText:     userText,
		ResponseText: responseText,
		ContextText:  contextText,
		Topic:        topic,
		Sentiment:    sentiment,
		Weight:       clampWeight(weight),
	}

	r.store.AppendConversation(rec)
	logging.CorpusDebug("Recorded conversation: topic=%s sentiment=%s weight=%.2f",
		topic, sentiment, rec.Weight)
	return rec
}

// RecordSession derives learning metrics from the raw performance plus the
// recent session history and stores the result. The improvement rate is the
// slope between the first and last accuracy of the five most recent prior
// sessions (0 with fewer than two priors); attention span saturates at 100.
func (r *Recorder) RecordSession(sessionKind string, perf Performance, decisions []string, outcome string) SessionRecord {
	prior := r.store.RecentSessions(improvementWindow)

	improvement := 0.0
	if len(prior) >= 2 {
		first := prior[0].Metrics.Accuracy
		last := prior[len(prior)-1].Metrics.Accuracy
		improvement = (last - first) / float64(len(prior)-1)
	}

	attention := perf.FocusSeconds / 60 * 100
	if attention > 100 {
		attention = 100
	}

	metrics := LearningMetrics{
		Accuracy:        perf.Accuracy,
		Speed:           perf.Speed,
		Consistency:     perf.Consistency,
		ImprovementRate: improvement,
		AttentionSpan:   attention,
	}

	rec := SessionRecord{
		ID:          uuid.NewString(),
		Timestamp:   r.now(),
		SessionKind: sessionKind,
		Performance: perf,
		Decisions:   decisions,
		Outcome:     outcome,
		Metrics:     metrics,
		Weight:      clampWeight(metrics.Accuracy),
	}

	r.store.AppendSession(rec)
	logging.CorpusDebug("Recorded session: kind=%s outcome=%s improvement=%.2f attention=%.1f",
		sessionKind, outcome, improvement, attention)
	return rec
}
