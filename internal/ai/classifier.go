// Package ai implements semantic matching and button selection on top of an
// OpenAI-compatible chat completion API.
package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const defaultConfidenceThreshold = 0.7

// Classifier answers yes/no questions about message text and picks button
// labels, optionally from a screenshot.
type Classifier struct {
	client    *openai.Client
	model     string
	threshold float64
	log       *slog.Logger
}

// New creates a Classifier. baseURL may be empty for the default endpoint.
func New(apiKey, baseURL, model string, log *slog.Logger) *Classifier {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Classifier{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		threshold: defaultConfidenceThreshold,
		log:       log,
	}
}

type verdict struct {
	Match      bool    `json:"match"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Judge reports whether text satisfies the natural-language condition. The
// model must answer in a fixed JSON shape; low-confidence answers count as
// no match.
func (c *Classifier) Judge(ctx context.Context, prompt, text string) (bool, error) {
	question := fmt.Sprintf(`Decide whether the message satisfies the condition.

Condition: %s

Message: %s

Answer with exactly this JSON and nothing else:
{"match": true/false, "confidence": 0.0-1.0, "reason": "short explanation"}`, prompt, text)

	answer, err := c.complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: question},
	})
	if err != nil {
		return false, err
	}

	var v verdict
	if err := json.Unmarshal([]byte(stripFences(answer)), &v); err != nil {
		return false, fmt.Errorf("unparseable verdict %q: %w", answer, err)
	}
	c.log.Debug("semantic verdict",
		"match", v.Match, "confidence", v.Confidence, "reason", v.Reason)
	if v.Confidence < c.threshold {
		return false, nil
	}
	return v.Match, nil
}

// ChooseButton asks the model which of the labels to press. When image bytes
// are given they are sent alongside the prompt as an inline data URL.
func (c *Classifier) ChooseButton(ctx context.Context, prompt string, labels []string, image []byte) (string, error) {
	if len(labels) == 0 {
		return "", fmt.Errorf("no labels to choose from")
	}
	if prompt == "" {
		prompt = "Pick the option that matches the content. Answer with the option text only."
	}
	question := prompt + "\n" + strings.Join(labels, "\n")

	var msg openai.ChatCompletionMessage
	if len(image) > 0 {
		msg = openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: question},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
					URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image),
				}},
			},
		}
	} else {
		msg = openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: question}
	}

	answer, err := c.complete(ctx, []openai.ChatCompletionMessage{msg})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

func (c *Classifier) complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
