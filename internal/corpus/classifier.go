package corpus

import (
	"strings"
)

// topicRule pairs a topic with its trigger keywords. Rules are evaluated in
// order and the first topic with any keyword hit wins, so the slice order
// defines tie-breaking.
type topicRule struct {
	topic    Topic
	keywords []string
}

// topicRules is the ordered rule list for topic classification. Keywords are
// matched as lowercase substrings; both English and Russian triggers are
// included because the assistant serves bilingual users.
var topicRules = []topicRule{
	{TopicProgramming, []string{
		"код", "code", "программ", "program", "python", "javascript", "алгоритм",
		"algorithm", "функци", "function", "баг", "bug", "компил", "compile",
	}},
	{TopicScience, []string{
		"наук", "science", "физик", "physic", "хими", "chemistr", "биолог",
		"biolog", "космос", "space", "экспери", "experiment",
	}},
	{TopicLearning, []string{
		"учи", "learn", "школ", "school", "урок", "lesson", "задани", "homework",
		"экзамен", "exam", "study",
	}},
	{TopicCreative, []string{
		"сказк", "story", "рису", "draw", "стих", "poem", "музык", "music",
		"придума", "imagine", "творч", "creative",
	}},
	{TopicTechnical, []string{
		"компьютер", "computer", "телефон", "phone", "интернет", "internet",
		"устройств", "device", "батаре", "battery", "настрой", "setting",
	}},
}

// positiveKeywords and negativeKeywords drive sentiment scoring. The hit
// counts are compared directly; ties and zero scores resolve to neutral.
var (
	positiveKeywords = []string{
		"спасибо", "thanks", "здорово", "great", "классно", "awesome", "нравится",
		"love", "хорошо", "good", "отлично", "excellent", "молодец", "супер",
	}
	negativeKeywords = []string{
		"плохо", "bad", "ненавижу", "hate", "грустно", "sad", "злюсь", "angry",
		"ошибка", "error", "не работает", "broken", "скучно", "boring",
	}
)

// classifyTopic returns the first topic whose keyword set matches the text,
// or TopicGeneral when nothing matches. Rule order is load-bearing.
func classifyTopic(text string) Topic {
	lower := strings.ToLower(text)
	for _, rule := range topicRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.topic
			}
		}
	}
	return TopicGeneral
}

// classifySentiment counts positive vs negative keyword hits over the
// lowercased text. The larger count wins; equal counts are neutral.
func classifySentiment(text string) Sentiment {
	lower := strings.ToLower(text)

	positive := 0
	for _, kw := range positiveKeywords {
		if strings.Contains(lower, kw) {
			positive++
		}
	}
	negative := 0
	for _, kw := range negativeKeywords {
		if strings.Contains(lower, kw) {
			negative++
		}
	}

	switch {
	case positive > negative:
		return SentimentPositive
	case negative > positive:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}
