package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"google.golang.org/genai"
)

const (
	defaultGeminiImageModel  = "gemini-2.5-flash-image"
	defaultGeminiPromptModel = "gemini-2.5-flash"
)

// Gemini generates images and expands prompts with Google's Gemini API.
type Gemini struct {
	client      *genai.Client
	model       string
	promptModel string
	logger      *slog.Logger
}

type GeminiConfig struct {
	APIKey      string
	Model       string
	PromptModel string
	Logger      *slog.Logger
}

// NewGemini creates a Gemini backend. The API key is required.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiImageModel
	}
	if cfg.PromptModel == "" {
		cfg.PromptModel = defaultGeminiPromptModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Gemini{
		client:      client,
		model:       cfg.Model,
		promptModel: cfg.PromptModel,
		logger:      cfg.Logger,
	}, nil
}

func (g *Gemini) Name() string { return "gemini" }

// Create generates an image from text only.
func (g *Gemini) Create(ctx context.Context, prompt string) ([]byte, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	return g.generateImage(ctx, contents)
}

// Edit sends the seed image together with the prompt.
func (g *Gemini) Edit(ctx context.Context, prompt, seedPath string) ([]byte, error) {
	seed, err := os.ReadFile(seedPath)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	parts := []*genai.Part{
		genai.NewPartFromBytes(seed, http.DetectContentType(seed)),
		genai.NewPartFromText(prompt),
	}
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}
	return g.generateImage(ctx, contents)
}

func (g *Gemini) generateImage(ctx context.Context, contents []*genai.Content) ([]byte, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	return imageFromResponse(resp)
}

func imageFromResponse(resp *genai.GenerateContentResponse) ([]byte, error) {
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && strings.HasPrefix(part.InlineData.MIMEType, "image/") && len(part.InlineData.Data) > 0 {
				return part.InlineData.Data, nil
			}
		}
	}
	return nil, fmt.Errorf("gemini returned no image (text: %q)", truncate(resp.Text(), 200))
}

// Expand rewrites instruction into a dense image prompt.
func (g *Gemini) Expand(ctx context.Context, instruction string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.promptModel,
		genai.Text(instruction),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(expansionSystemPrompt, genai.RoleUser),
		},
	)
	if err != nil {
		return "", fmt.Errorf("gemini expand: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("gemini returned an empty prompt")
	}
	return text, nil
}

// truncate cuts s to at most n runes, never inside a UTF-8 sequence.
func truncate(s string, n int) string {
	for i := range s {
		if n == 0 {
			return s[:i]
		}
		n--
	}
	return s
}
