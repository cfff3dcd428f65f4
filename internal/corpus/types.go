// Package corpus accumulates conversation and interactive-session records and
// assembles weighted training batches under a hard storage ceiling.
package corpus

import (
	"time"
)

// Topic is the coarse subject classification of a conversation turn.
type Topic string

const (
	TopicProgramming Topic = "programming"
	TopicScience     Topic = "science"
	TopicLearning    Topic = "learning"
	TopicCreative    Topic = "creative"
	TopicTechnical   Topic = "technical"
	TopicGeneral     Topic = "general"
)

// Sentiment is the polarity classification of a conversation turn.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Weight bounds for training examples. Every computed weight is clamped
// into this range before a record is stored.
const (
	MinWeight = 0.0
	MaxWeight = 2.0
)

// ConversationRecord is one user/assistant exchange, tagged and weighted
// for training. Immutable after creation; removed only by eviction.
type ConversationRecord struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	UserText     string    `json:"user_text"`
	ResponseText string    `json:"response_text"`
	ContextText  string    `json:"context_text,omitempty"`
	Topic        Topic     `json:"topic"`
	Sentiment    Sentiment `json:"sentiment"`
	Weight       float64   `json:"weight"`
}

// Performance holds the raw outcome measurements of one interactive session.
type Performance struct {
	Accuracy     float64 `json:"accuracy"`
	Speed        float64 `json:"speed"`
	Consistency  float64 `json:"consistency"`
	FocusSeconds float64 `json:"focus_seconds"`
}

// LearningMetrics are derived from Performance plus session history.
type LearningMetrics struct {
	Accuracy        float64 `json:"accuracy"`
	Speed           float64 `json:"speed"`
	Consistency     float64 `json:"consistency"`
	ImprovementRate float64 `json:"improvement_rate"`
	AttentionSpan   float64 `json:"attention_span"`
}

// SessionRecord captures one completed interactive session (game, exercise)
// with its derived learning metrics. Weight mirrors LearningMetrics.Accuracy.
type SessionRecord struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	SessionKind string          `json:"session_kind"`
	Performance Performance     `json:"performance"`
	Decisions   []string        `json:"decisions,omitempty"`
	Outcome     string          `json:"outcome"`
	Metrics     LearningMetrics `json:"learning_metrics"`
	Weight      float64         `json:"weight"`
}

// TrainingExample is the wire shape handed to the inference engine's
// training export. Derived at batch-assembly time, never persisted.
type TrainingExample struct {
	Input  string  `json:"input"`
	Output string  `json:"output"`
	Weight float64 `json:"weight"`
}

// SnapshotMetadata describes an exported corpus snapshot.
type SnapshotMetadata struct {
	TotalExamples int       `json:"totalExamples"`
	ExportDate    time.Time `json:"exportDate"`
	Version       string    `json:"version"`
}

// Snapshot is the serialized corpus interchange format. It must round-trip
// through ExportSnapshot/ImportSnapshot unchanged.
type Snapshot struct {
	Conversations   []ConversationRecord `json:"conversations"`
	Sessions        []SessionRecord      `json:"sessions"`
	UserPreferences map[string]string    `json:"userPreferences"`
	Metadata        SnapshotMetadata     `json:"metadata"`
}

// Stats summarizes store occupancy for status displays.
type Stats struct {
	Conversations  int     `json:"conversations"`
	Sessions       int     `json:"sessions"`
	EstimatedBytes int64   `json:"estimated_bytes"`
	CeilingBytes   int64   `json:"ceiling_bytes"`
	UsedPercent    float64 `json:"used_percent"`
}

func clampWeight(w float64) float64 {
	if w < MinWeight {
		return MinWeight
	}
	if w > MaxWeight {
		return MaxWeight
	}
	return w
}
