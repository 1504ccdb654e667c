package evolution

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/halarumdigital/site-hortibless-sub000/pkg/httputil"
)

// Client talks to an Evolution API server. One client serves every instance;
// the instance name is part of each request path.
type Client struct {
	httpClient *resty.Client
	baseURL    string
}

// NewClient creates a new Evolution API client authenticated with the global
// apikey.
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("evolution baseURL cannot be empty")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("evolution apiKey cannot be empty")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	client := httputil.NewDefaultRestyClient(baseURL, timeout).
		SetHeader("apikey", apiKey)

	log.Info().Str("baseURL", baseURL).Dur("timeout", timeout).Msg("Evolution API client configured")
	return &Client{httpClient: client, baseURL: baseURL}, nil
}

// SendText sends a plain text message to number (phone digits or a full JID).
func (c *Client) SendText(ctx context.Context, instance, number, text string) (*SendTextResponse, error) {
	path := "/message/sendText/" + url.PathEscape(instance)
	payload := SendTextRequest{Number: number, Text: text}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&SendTextResponse{}).
		SetError(&ErrorResponse{}).
		Post(path)
	if err != nil {
		log.Error().Err(err).Str("instance", instance).Str("number", number).Msg("Evolution API: sendText request failed")
		return nil, fmt.Errorf("evolution sendText request failed: %w", err)
	}
	if resp.IsError() {
		msg := errorMessage(resp)
		log.Error().
			Str("instance", instance).
			Str("number", number).
			Int("statusCode", resp.StatusCode()).
			Str("error", msg).
			Msg("Evolution API: sendText returned an error")
		return nil, fmt.Errorf("evolution sendText error: status %s: %s", resp.Status(), msg)
	}

	result := resp.Result().(*SendTextResponse)
	log.Info().Str("instance", instance).Str("number", number).Str("messageID", result.Key.ID).Msg("Message sent through Evolution API")
	return result, nil
}

// GetBase64FromMediaMessage downloads and decrypts the media of a received
// message, returning it base64 encoded.
func (c *Client) GetBase64FromMediaMessage(ctx context.Context, instance, messageID string) (*MediaResponse, error) {
	path := "/chat/getBase64FromMediaMessage/" + url.PathEscape(instance)
	payload := MediaRequest{
		Message:      MediaRequestMessage{Key: MediaRequestKey{ID: messageID}},
		ConvertToMp4: false,
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&MediaResponse{}).
		SetError(&ErrorResponse{}).
		Post(path)
	if err != nil {
		log.Error().Err(err).Str("instance", instance).Str("messageID", messageID).Msg("Evolution API: getBase64FromMediaMessage request failed")
		return nil, fmt.Errorf("evolution getBase64FromMediaMessage request failed: %w", err)
	}
	if resp.IsError() {
		msg := errorMessage(resp)
		log.Error().
			Str("instance", instance).
			Str("messageID", messageID).
			Int("statusCode", resp.StatusCode()).
			Str("error", msg).
			Msg("Evolution API: getBase64FromMediaMessage returned an error")
		return nil, fmt.Errorf("evolution getBase64FromMediaMessage error: status %s: %s", resp.Status(), msg)
	}

	media := resp.Result().(*MediaResponse)
	if media.Base64 == "" {
		return nil, fmt.Errorf("evolution getBase64FromMediaMessage returned no content for message %s", messageID)
	}
	log.Debug().Str("instance", instance).Str("messageID", messageID).Str("mimetype", media.Mimetype).Msg("Media downloaded from Evolution API")
	return media, nil
}

func errorMessage(resp *resty.Response) string {
	if apiErr, ok := resp.Error().(*ErrorResponse); ok {
		if msg := apiErr.Message(); msg != "" {
			return msg
		}
	}
	return resp.String()
}
