package advisory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = `You are a risk analyst for a GRC platform. Given a feature
vector describing a business service and its active risks, respond with a JSON
object: {"score": <0-100 float>, "confidence": <0-1 float>, "reasoning": <short string>}.
Respond with JSON only.`

type ClientConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Client is the LLM-backed advisory predictor. It is consumed behind the
// Resilient wrapper; callers never see its failures directly.
type Client struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	occ := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		occ.BaseURL = cfg.BaseURL
	}

	return &Client{
		client: openai.NewClientWithConfig(occ),
		model:  cfg.Model,
		logger: logger,
	}
}

func (c *Client) Predict(ctx context.Context, features FeatureVector) (*Prediction, error) {
	payload, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("encoding features: %w", err)
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0.1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("advisory completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("advisory returned no choices")
	}

	pred, err := parsePrediction(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("advisory prediction",
		"score", pred.Score,
		"confidence", pred.Confidence)

	return pred, nil
}

// parsePrediction extracts the JSON object from a completion, tolerating
// code fences, and clamps the result into valid ranges.
func parsePrediction(content string) (*Prediction, error) {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "{"); start >= 0 {
		if end := strings.LastIndex(content, "}"); end > start {
			content = content[start : end+1]
		}
	}

	var pred Prediction
	if err := json.Unmarshal([]byte(content), &pred); err != nil {
		return nil, fmt.Errorf("parsing advisory response: %w", err)
	}

	pred.Score = math.Max(0, math.Min(pred.Score, 100))
	pred.Confidence = math.Max(0, math.Min(pred.Confidence, 1))

	return &pred, nil
}
