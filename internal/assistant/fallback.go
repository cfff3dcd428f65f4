package assistant

import (
	"strings"
)

// fallbackRule pairs trigger keywords with a canned reply. Rules are
// evaluated in order; the first hit wins, so greetings outrank topics.
type fallbackRule struct {
	keywords []string
	reply    string
}

// fallbackRules are the offline replies used when no model is loaded or a
// generation fails. Replies are deterministic for a given input.
var fallbackRules = []fallbackRule{
	{
		keywords: []string{"привет", "здравствуй", "добрый день", "hello", "hi "},
		reply:    "Привет! Я твой оффлайн AI помощник. Я работаю прямо на твоём устройстве, без интернета. Чем могу помочь?",
	},
	{
		keywords: []string{"спасибо", "thank"},
		reply:    "Пожалуйста! Рад помочь. Обращайся ещё!",
	},
	{
		keywords: []string{"как дела", "how are you"},
		reply:    "У меня всё отлично! Все системы работают, память в порядке. А у тебя как дела?",
	},
	{
		keywords: []string{"что ты умеешь", "help", "помощь", "помоги"},
		reply:    "Я умею отвечать на вопросы, играть в обучающие игры и учиться на наших разговорах. Модель можно дообучать прямо на устройстве!",
	},
	{
		keywords: []string{"пока", "до свидания", "bye"},
		reply:    "Пока! Было приятно пообщаться. Возвращайся!",
	},
}

// defaultFallback is used when no rule matches.
const defaultFallback = "Интересный вопрос! Сейчас я работаю в автономном режиме без загруженной модели, поэтому могу отвечать только простыми фразами. Загрузи модель, и я смогу отвечать подробнее."

// fallbackReply picks the canned reply for the given user text. A trailing
// space is appended so keywords like "hi " also match at the end of the
// message without firing inside words such as "this".
func fallbackReply(userText string) string {
	lower := strings.ToLower(strings.TrimSpace(userText)) + " "
	for _, rule := range fallbackRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.reply
			}
		}
	}
	return defaultFallback
}
