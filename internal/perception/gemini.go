// Package perception implements the vision model backend. It turns
// screenshots into coordinates and element descriptions, which is the slow
// and expensive path the rest of the engine tries hard to avoid.
package perception

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/xkilldash9x/steadyhand/api/schemas"
	"github.com/xkilldash9x/steadyhand/internal/config"
)

const locatePrompt = `You are a precise UI element locator.
Find the element best matching this description: %q.
Respond with ONLY a JSON object, no markdown fences:
{"x": <center x pixel>, "y": <center y pixel>, "confidence": <0.0-1.0>}
If the element is not visible, respond with {"x": 0, "y": 0, "confidence": 0.0}.`

const describePrompt = `You are a UI inventory assistant.
List every interactive element (buttons, links, inputs, toggles) visible in
this screenshot. Respond with ONLY a JSON array, no markdown fences:
[{"role": "<button|link|textbox|...>", "text": "<visible label>",
  "x": <center x>, "y": <center y>, "confidence": <0.0-1.0>}]`

// GeminiBackend implements schemas.PerceptionBackend over the Gemini API.
// Calls are rate limited; the quota is shared by every surface.
type GeminiBackend struct {
	logger  *zap.Logger
	client  *genai.Client
	model   string
	timeout time.Duration
	temp    float32
	limiter *rate.Limiter
}

// NewGeminiBackend builds the backend from configuration. The API key must
// be present.
func NewGeminiBackend(ctx context.Context, logger *zap.Logger, cfg config.PerceptionConfig) (*GeminiBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("perception api key is not configured")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1.0
	}
	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &GeminiBackend{
		logger:  logger.Named("perception"),
		client:  client,
		model:   cfg.Model,
		timeout: timeout,
		temp:    cfg.Temperature,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

// Locate finds the described target in the screenshot.
func (g *GeminiBackend) Locate(ctx context.Context, image []byte, description string) (schemas.LocateResult, error) {
	prompt := fmt.Sprintf(locatePrompt, description)
	raw, err := g.generate(ctx, image, prompt)
	if err != nil {
		return schemas.LocateResult{}, err
	}

	var located struct {
		X          float64 `json:"x"`
		Y          float64 `json:"y"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &located); err != nil {
		return schemas.LocateResult{}, fmt.Errorf("parsing locate response %q: %w", raw, err)
	}

	return schemas.LocateResult{
		Point:      schemas.Point{X: located.X, Y: located.Y},
		Confidence: located.Confidence,
	}, nil
}

// DescribeRegion enumerates the interactive elements visible in the image.
func (g *GeminiBackend) DescribeRegion(ctx context.Context, image []byte) ([]schemas.InteractiveElement, error) {
	raw, err := g.generate(ctx, image, describePrompt)
	if err != nil {
		return nil, err
	}

	var described []struct {
		Role       string  `json:"role"`
		Text       string  `json:"text"`
		X          float64 `json:"x"`
		Y          float64 `json:"y"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &described); err != nil {
		return nil, fmt.Errorf("parsing describe response %q: %w", raw, err)
	}

	elements := make([]schemas.InteractiveElement, 0, len(described))
	for i, d := range described {
		elements = append(elements, schemas.InteractiveElement{
			ID:         fmt.Sprintf("perceived-%d", i),
			Role:       d.Role,
			Text:       d.Text,
			MatchText:  schemas.FoldText(d.Text),
			Bounds:     schemas.Region{X: d.X, Y: d.Y},
			Confidence: d.Confidence,
			Method:     schemas.MethodPerceptual,
		})
	}
	return elements, nil
}

// generate sends one image plus prompt to the model and returns the text
// response, honoring the rate limit and API timeout.
func (g *GeminiBackend) generate(ctx context.Context, image []byte, prompt string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(image, "image/png"),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.temp),
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(callCtx, g.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	g.logger.Debug("Perception call completed.",
		zap.String("model", g.model), zap.Duration("elapsed", time.Since(start)))

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned an empty response")
	}
	return text, nil
}

// stripFences removes markdown code fences models sometimes wrap JSON in
// despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
