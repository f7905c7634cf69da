package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/provasonline/provas/internal/llm/prompts"
	"github.com/provasonline/provas/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

const (
	optionsPerQuestion = 4
	maxQuestions       = 50
)

// GenerateRequest describes the questions a professor asks for.
type GenerateRequest struct {
	Topic      string
	Content    string
	Count      int
	Difficulty model.Difficulty
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Ping checks that the endpoint answers by listing its models.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("LLM list models: %w", err)
	}
	return nil
}

// GenerateQuestions asks the model for multiple-choice questions about the
// request content. Malformed questions are dropped; an error is returned
// when none survive.
func (c *Client) GenerateQuestions(ctx context.Context, req GenerateRequest) ([]model.Question, error) {
	count := clampCount(req.Count)
	content := req.Content
	if req.Topic != "" {
		content = "Tema: " + req.Topic + "\n\n" + content
	}
	prompt, err := prompts.BuildGeneratePrompt(req.Difficulty, content, count)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "Você é um professor especialista. Sempre retorne JSON válido."},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.7,
		MaxTokens:   3000,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)

	questions, err := parseQuestions(raw, count)
	if err != nil {
		return nil, err
	}
	slog.Info("generated questions", "requested", count, "accepted", len(questions))
	return questions, nil
}

// FallbackQuestions returns generic questions about content, used when the
// model is unavailable. Option D is always correct.
func FallbackQuestions(content string, count int) []model.Question {
	count = clampCount(count)
	qs := make([]model.Question, 0, count)
	for i := 1; i <= count; i++ {
		qs = append(qs, model.Question{
			Question: fmt.Sprintf("Questão %d: Qual é a importância de %q?", i, content),
			Options: []string{
				fmt.Sprintf("A) %s é fundamental para o entendimento do assunto", content),
				fmt.Sprintf("B) %s possui diversas aplicações práticas", content),
				fmt.Sprintf("C) O estudo de %s desenvolve habilidades importantes", content),
				"D) Todas as alternativas anteriores estão corretas",
			},
			CorrectAnswer: 3,
			Explanation:   "Todas as alternativas descrevem aspectos corretos do conteúdo.",
		})
	}
	return qs
}

func clampCount(n int) int {
	if n <= 0 {
		return 10
	}
	if n > maxQuestions {
		return maxQuestions
	}
	return n
}

var codeFenceRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// rawQuestion accepts the field spellings models tend to produce.
type rawQuestion struct {
	Question      string          `json:"pergunta"`
	QuestionAlt   string          `json:"question"`
	Options       []string        `json:"opcoes"`
	OptionsAlt    []string        `json:"options"`
	Correct       json.RawMessage `json:"respostaCorreta"`
	CorrectAlt    json.RawMessage `json:"correctAnswer"`
	Explanation   string          `json:"explicacao"`
	ExplanationEn string          `json:"explanation"`
}

func parseQuestions(raw string, limit int) ([]model.Question, error) {
	text := strings.TrimSpace(raw)
	if m := codeFenceRegex.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	var items []rawQuestion
	var wrapped struct {
		Questions []rawQuestion `json:"questoes"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err == nil && len(wrapped.Questions) > 0 {
		items = wrapped.Questions
	} else if err := json.Unmarshal([]byte(text), &items); err != nil {
		return nil, fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw)
	}

	var out []model.Question
	for i, it := range items {
		if len(out) == limit {
			break
		}
		q, ok := normalize(it)
		if !ok {
			slog.Warn("dropping invalid generated question", "index", i)
			continue
		}
		out = append(out, q)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("LLM returned no valid questions")
	}
	return out, nil
}

func normalize(it rawQuestion) (model.Question, bool) {
	q := model.Question{
		Question:    strings.TrimSpace(firstNonEmpty(it.Question, it.QuestionAlt)),
		Options:     it.Options,
		Explanation: strings.TrimSpace(firstNonEmpty(it.Explanation, it.ExplanationEn)),
	}
	if len(q.Options) == 0 {
		q.Options = it.OptionsAlt
	}
	if q.Question == "" || len(q.Options) != optionsPerQuestion {
		return q, false
	}
	for i, o := range q.Options {
		q.Options[i] = strings.TrimSpace(o)
		if q.Options[i] == "" {
			return q, false
		}
	}
	correct := it.Correct
	if len(correct) == 0 {
		correct = it.CorrectAlt
	}
	idx, ok := correctIndex(correct)
	if !ok {
		return q, false
	}
	q.CorrectAnswer = idx
	return q, true
}

// correctIndex accepts 0-3 as a number or string, or a letter A-D.
func correctIndex(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, n >= 0 && n < optionsPerQuestion
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	s = strings.ToUpper(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		return n, n >= 0 && n < optionsPerQuestion
	}
	if len(s) == 1 && s[0] >= 'A' && s[0] < 'A'+optionsPerQuestion {
		return int(s[0] - 'A'), true
	}
	return 0, false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
