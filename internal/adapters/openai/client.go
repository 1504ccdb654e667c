package openai

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/halarumdigital/site-hortibless-sub000/pkg/httputil"
)

// Client calls the OpenAI HTTP API (or a compatible endpoint).
type Client struct {
	httpClient *resty.Client
	baseURL    string
}

// NewClient creates a new OpenAI client. timeout bounds each HTTP call; the
// caller's context can cut it shorter.
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key cannot be empty")
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	client := httputil.NewDefaultRestyClient(baseURL, timeout).
		SetAuthToken(apiKey)

	log.Info().Str("baseURL", baseURL).Msg("OpenAI client configured")
	return &Client{httpClient: client, baseURL: baseURL}, nil
}

// ChatCompletion sends a chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	start := time.Now()
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&ChatCompletionResponse{}).
		SetError(&APIError{}).
		Post("/chat/completions")
	if err != nil {
		log.Error().Err(err).Str("model", req.Model).Msg("OpenAI API: chat completion request failed")
		return nil, fmt.Errorf("OpenAI chat completion request failed: %w", err)
	}
	if resp.IsError() {
		msg := resp.String()
		if apiErr, ok := resp.Error().(*APIError); ok && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		log.Error().
			Str("model", req.Model).
			Int("statusCode", resp.StatusCode()).
			Str("error", msg).
			Msg("OpenAI API: chat completion returned an error")
		return nil, fmt.Errorf("OpenAI chat completion error: status %s: %s", resp.Status(), msg)
	}

	result := resp.Result().(*ChatCompletionResponse)
	log.Debug().
		Str("model", result.Model).
		Int("promptTokens", result.Usage.PromptTokens).
		Int("completionTokens", result.Usage.CompletionTokens).
		Dur("took", time.Since(start)).
		Msg("OpenAI chat completion finished")
	return result, nil
}

// Transcribe uploads the audio file at path to /audio/transcriptions and
// returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, path, model, language string) (string, error) {
	if model == "" {
		model = "whisper-1"
	}
	form := map[string]string{
		"model":           model,
		"response_format": "json",
	}
	if language != "" {
		form["language"] = language
	}

	start := time.Now()
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetFile("file", path).
		SetFormData(form).
		SetResult(&TranscriptionResponse{}).
		SetError(&APIError{}).
		Post("/audio/transcriptions")
	if err != nil {
		log.Error().Err(err).Str("file", filepath.Base(path)).Msg("OpenAI API: transcription request failed")
		return "", fmt.Errorf("OpenAI transcription request failed: %w", err)
	}
	if resp.IsError() {
		msg := resp.String()
		if apiErr, ok := resp.Error().(*APIError); ok && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		log.Error().
			Str("file", filepath.Base(path)).
			Int("statusCode", resp.StatusCode()).
			Str("error", msg).
			Msg("OpenAI API: transcription returned an error")
		return "", fmt.Errorf("OpenAI transcription error: status %s: %s", resp.Status(), msg)
	}

	result := resp.Result().(*TranscriptionResponse)
	log.Debug().Int("chars", len(result.Text)).Dur("took", time.Since(start)).Msg("OpenAI transcription finished")
	return result.Text, nil
}
