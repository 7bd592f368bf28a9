package responder

import (
	"context"
	"fmt"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIGenerator talks to any OpenAI-compatible chat completion
// endpoint. The fused emotional state and document context are folded
// into the system prompt so the model can match the user's affect.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
}

const defaultModel = "gpt-4o-mini"

const systemStyle = "You are Mira, a warm, supportive mental-health companion. " +
	"Respond with empathy in two to four sentences. Never mention being an AI, " +
	"emotion scores, or the analysis below; let it shape your tone only."

func NewOpenAIGenerator(cfg Config) *OpenAIGenerator {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}

	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
	}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: buildSystemPrompt(req),
	})
	for _, line := range req.History {
		role := openai.ChatMessageRoleUser
		content := line
		if after, ok := strings.CutPrefix(line, "assistant: "); ok {
			role = openai.ChatMessageRoleAssistant
			content = after
		} else if after, ok := strings.CutPrefix(line, "user: "); ok {
			content = after
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Text,
	})

	res, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		MaxTokens:   320,
		Temperature: 0.6,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(res.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}

	text := strings.TrimSpace(res.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("chat completion returned empty text")
	}
	return text, nil
}

func buildSystemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(systemStyle)

	if !req.Fused.InsufficientSignal {
		fmt.Fprintf(&b, "\n\nObserved emotional state: %s (valence %.2f, arousal %.2f).",
			req.Fused.Dominant, req.Fused.Valence, req.Fused.Arousal)
	}

	if len(req.DocumentContext) > 0 {
		b.WriteString("\nBackground from the user's documents:")
		keys := make([]string, 0, len(req.DocumentContext))
		for k := range req.DocumentContext {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %v", k, req.DocumentContext[k])
		}
	}

	return b.String()
}
