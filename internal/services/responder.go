package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/halarumdigital/site-hortibless-sub000/internal/adapters/openai"
	"github.com/halarumdigital/site-hortibless-sub000/internal/models"
)

const (
	DefaultPrompt      = "Você é um assistente virtual útil e amigável."
	FallbackReply      = "Desculpe, não consegui gerar uma resposta."
	defaultMaxTokens   = 1000
	directTemperature  = 0.7
	historyTemperature = 0.8
	maxTemperature     = 2.0
	maxRecentReplies   = 3
)

const conversationRules = `

REGRAS IMPORTANTES:
- Use o histórico da conversa para lembrar o que o cliente já informou.
- Nunca repita exatamente uma resposta que você já deu nesta conversa.
- Mantenha coerência com o que já foi dito anteriormente.`

// ChatCompleter is the chat completion backend.
type ChatCompleter interface {
	ChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error)
}

// ResponseGenerator produces the AI reply for a conversation turn.
type ResponseGenerator struct {
	llm          ChatCompleter
	defaultModel string
	timeout      time.Duration
}

// NewResponseGenerator accepts a nil backend; every call then fails with
// ErrGenerationFailed.
func NewResponseGenerator(llm ChatCompleter, defaultModel string, timeout time.Duration) *ResponseGenerator {
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ResponseGenerator{llm: llm, defaultModel: defaultModel, timeout: timeout}
}

// HistoryTurn is a prior message replayed to the model.
type HistoryTurn struct {
	Sender string
	Text   string
}

// TurnsFromMessages converts stored messages to history turns, oldest first.
func TurnsFromMessages(msgs []models.ConversationMessage) []HistoryTurn {
	turns := make([]HistoryTurn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, HistoryTurn{Sender: m.Sender, Text: m.Message})
	}
	return turns
}

// RecentAgentReplies returns the last n agent messages of history, oldest first.
func RecentAgentReplies(history []HistoryTurn, n int) []string {
	var replies []string
	for i := len(history) - 1; i >= 0 && len(replies) < n; i-- {
		if history[i].Sender == models.SenderAgent {
			replies = append(replies, history[i].Text)
		}
	}
	for i, j := 0, len(replies)-1; i < j; i, j = i+1, j-1 {
		replies[i], replies[j] = replies[j], replies[i]
	}
	return replies
}

// Generate answers message given the prior history and the channel's AI
// configuration. If the first answer repeats one of the last replies it
// retries once with a higher temperature and returns the retry's answer.
func (g *ResponseGenerator) Generate(ctx context.Context, message string, history []HistoryTurn, cfg models.AIConfig) (string, error) {
	recent := RecentAgentReplies(history, maxRecentReplies)
	messages := g.buildMessages(message, history, recent, cfg)
	temperature := historyTemperatureFor(cfg)

	reply, err := g.complete(ctx, cfg, messages, temperature)
	if err != nil {
		return "", err
	}
	if !isDuplicate(reply, recent) {
		return reply, nil
	}

	log.Warn().Str("reply", reply).Msg("Generated reply repeats a recent answer, retrying once")
	retryMessages := append(messages[:len(messages):len(messages)],
		openai.ChatMessage{Role: openai.RoleAssistant, Content: reply},
		openai.ChatMessage{Role: openai.RoleSystem, Content: "A resposta acima é idêntica a uma resposta que você já enviou. Escreva uma resposta diferente, com outras palavras, que avance a conversa."},
	)
	retry, err := g.complete(ctx, cfg, retryMessages, clampTemperature(temperature+0.2))
	if err != nil {
		log.Warn().Err(err).Msg("Retry after duplicate reply failed, keeping first answer")
		return reply, nil
	}
	return retry, nil
}

// GenerateDirect answers a single message without history.
func (g *ResponseGenerator) GenerateDirect(ctx context.Context, message string, cfg models.AIConfig) (string, error) {
	messages := []openai.ChatMessage{
		{Role: openai.RoleSystem, Content: promptFor(cfg)},
		{Role: openai.RoleUser, Content: message},
	}
	temperature := directTemperature
	if t, ok := parseTemperature(cfg.Temperature); ok {
		temperature = t
	}
	return g.complete(ctx, cfg, messages, temperature)
}

func (g *ResponseGenerator) buildMessages(message string, history []HistoryTurn, recent []string, cfg models.AIConfig) []openai.ChatMessage {
	messages := make([]openai.ChatMessage, 0, len(history)+3)
	messages = append(messages, openai.ChatMessage{Role: openai.RoleSystem, Content: promptFor(cfg) + conversationRules})

	for _, turn := range history {
		switch turn.Sender {
		case models.SenderUser:
			messages = append(messages, openai.ChatMessage{Role: openai.RoleUser, Content: turn.Text})
		case models.SenderAgent:
			messages = append(messages, openai.ChatMessage{Role: openai.RoleAssistant, Content: turn.Text})
		}
	}
	messages = append(messages, openai.ChatMessage{Role: openai.RoleUser, Content: message})

	if len(recent) > 0 {
		var b strings.Builder
		b.WriteString("Suas últimas respostas nesta conversa foram:\n")
		for i, r := range recent {
			fmt.Fprintf(&b, "%d. %q\n", i+1, r)
		}
		b.WriteString("Não repita nenhuma delas. Responda à nova mensagem com um texto diferente.")
		messages = append(messages, openai.ChatMessage{Role: openai.RoleSystem, Content: b.String()})
	}
	return messages
}

func (g *ResponseGenerator) complete(ctx context.Context, cfg models.AIConfig, messages []openai.ChatMessage, temperature float64) (string, error) {
	if g.llm == nil {
		return "", withKind(ErrGenerationFailed, fmt.Errorf("no LLM provider configured"))
	}
	model := cfg.Model
	if model == "" {
		model = g.defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.llm.ChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return "", withKind(ErrGenerationFailed, err)
	}
	content := strings.TrimSpace(resp.Content())
	if content == "" {
		return FallbackReply, nil
	}
	return content, nil
}

func promptFor(cfg models.AIConfig) string {
	if p := strings.TrimSpace(cfg.Prompt); p != "" {
		return p
	}
	return DefaultPrompt
}

// historyTemperatureFor nudges the configured value up by 0.1 for variety;
// unset or invalid values use 0.8.
func historyTemperatureFor(cfg models.AIConfig) float64 {
	if t, ok := parseTemperature(cfg.Temperature); ok {
		return clampTemperature(t + 0.1)
	}
	return historyTemperature
}

func parseTemperature(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	t, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	if err != nil {
		return 0, false
	}
	return clampTemperature(t), true
}

func clampTemperature(t float64) float64 {
	switch {
	case t < 0:
		return 0
	case t > maxTemperature:
		return maxTemperature
	}
	return t
}

func isDuplicate(reply string, recent []string) bool {
	normalized := strings.ToLower(strings.TrimSpace(reply))
	for _, r := range recent {
		if strings.ToLower(strings.TrimSpace(r)) == normalized {
			return true
		}
	}
	return false
}
