package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultOpenAIBase        = "https://api.openai.com/v1"
	defaultOpenAIImageModel  = "gpt-image-1"
	defaultOpenAIPromptModel = "gpt-4o-mini"
	defaultImageSize         = "1024x1024"
)

// OpenAI talks to the OpenAI images and chat completions endpoints. It implements
// domain.ImageGenerator and domain.PromptExpander.
type OpenAI struct {
	apiKey      string
	apiBase     string
	model       string
	promptModel string
	size        string
	client      *http.Client
	logger      *slog.Logger
}

type OpenAIConfig struct {
	APIKey      string
	APIBase     string
	Model       string // image model
	PromptModel string // chat model used for prompt expansion
	Size        string
	Timeout     time.Duration
	Logger      *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultOpenAIBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIImageModel
	}
	if cfg.PromptModel == "" {
		cfg.PromptModel = defaultOpenAIPromptModel
	}
	if cfg.Size == "" {
		cfg.Size = defaultImageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{
		apiKey:      cfg.APIKey,
		apiBase:     strings.TrimRight(cfg.APIBase, "/"),
		model:       cfg.Model,
		promptModel: cfg.PromptModel,
		size:        cfg.Size,
		client:      SharedHTTPClient(cfg.Timeout),
		logger:      cfg.Logger,
	}
}

func (o *OpenAI) Name() string { return "openai" }

type oaiImageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
	N      int    `json:"n"`
}

type oaiImageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// Create generates an image from a text prompt.
func (o *OpenAI) Create(ctx context.Context, prompt string) ([]byte, error) {
	body, err := json.Marshal(oaiImageRequest{
		Model:  o.model,
		Prompt: prompt,
		Size:   o.size,
		N:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	resp, err := doWithRetry(ctx, o.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/images/generations", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
		return req, nil
	}, o.logger)
	if err != nil {
		return nil, fmt.Errorf("openai images: %w", err)
	}
	return o.decodeImage(resp)
}

// Edit generates an image from a seed image file and a text prompt.
func (o *OpenAI) Edit(ctx context.Context, prompt, seedPath string) ([]byte, error) {
	seed, err := os.ReadFile(seedPath)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range map[string]string{
		"model":  o.model,
		"prompt": prompt,
		"size":   o.size,
		"n":      "1",
	} {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("multipart field %s: %w", k, err)
		}
	}
	fw, err := mw.CreateFormFile("image", filepath.Base(seedPath))
	if err != nil {
		return nil, fmt.Errorf("multipart file: %w", err)
	}
	if _, err := fw.Write(seed); err != nil {
		return nil, fmt.Errorf("multipart file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("multipart close: %w", err)
	}
	payload := buf.Bytes()
	contentType := mw.FormDataContentType()

	resp, err := doWithRetry(ctx, o.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/images/edits", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
		return req, nil
	}, o.logger)
	if err != nil {
		return nil, fmt.Errorf("openai image edit: %w", err)
	}
	return o.decodeImage(resp)
}

func (o *OpenAI) decodeImage(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("openai %d: %s", resp.StatusCode, string(respBody))
	}

	var out oaiImageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(out.Data) == 0 || out.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("openai returned no image data")
	}
	img, err := base64.StdEncoding.DecodeString(out.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("decode b64_json: %w", err)
	}
	return img, nil
}

type oaiChatRequest struct {
	Model    string       `json:"model"`
	Messages []oaiMessage `json:"messages"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
}

// Expand asks the chat model to turn a short instruction into a dense image prompt.
func (o *OpenAI) Expand(ctx context.Context, instruction string) (string, error) {
	body, err := json.Marshal(oaiChatRequest{
		Model: o.promptModel,
		Messages: []oaiMessage{
			{Role: "system", Content: expansionSystemPrompt},
			{Role: "user", Content: instruction},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	resp, err := doWithRetry(ctx, o.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
		return req, nil
	}, o.logger)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("openai %d: %s", resp.StatusCode, string(respBody))
	}

	var out oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
