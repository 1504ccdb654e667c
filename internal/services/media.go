package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vincent-petithory/dataurl"

	"github.com/halarumdigital/site-hortibless-sub000/internal/adapters/evolution"
)

// MediaSource downloads the media of a received message.
type MediaSource interface {
	GetBase64FromMediaMessage(ctx context.Context, instance, messageID string) (*evolution.MediaResponse, error)
}

// AudioClip is a fetched voice note.
type AudioClip struct {
	MessageID string
	MimeType  string
	Data      []byte
}

// MediaFetcher resolves audio envelopes to bytes and exposes them as a
// temporary file for the lifetime of a callback.
type MediaFetcher struct {
	source  MediaSource
	timeout time.Duration
	tempDir string
}

func NewMediaFetcher(source MediaSource, timeout time.Duration) (*MediaFetcher, error) {
	if source == nil {
		return nil, fmt.Errorf("media source cannot be nil for MediaFetcher")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &MediaFetcher{source: source, timeout: timeout}, nil
}

// Fetch returns the audio of msg, using inline content when the gateway sent
// it and downloading it otherwise.
func (f *MediaFetcher) Fetch(ctx context.Context, instance string, msg *evolution.InboundMessage) (*AudioClip, error) {
	if msg == nil || msg.Kind != evolution.ContentAudio || msg.Audio == nil {
		return nil, withKind(ErrMediaFetchFailed, fmt.Errorf("message has no audio"))
	}

	encoded := msg.Audio.Inline
	mimeType := msg.Audio.Mimetype
	if encoded == "" {
		fetchCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		media, err := f.source.GetBase64FromMediaMessage(fetchCtx, instance, msg.ID)
		if err != nil {
			return nil, withKind(ErrMediaFetchFailed, err)
		}
		encoded = media.Base64
		if media.Mimetype != "" {
			mimeType = media.Mimetype
		}
	}

	data, detected, err := decodeMedia(encoded)
	if err != nil {
		return nil, withKind(ErrMediaFetchFailed, err)
	}
	if mimeType == "" {
		mimeType = detected
	}
	if len(data) == 0 {
		return nil, withKind(ErrMediaFetchFailed, fmt.Errorf("media for message %s is empty", msg.ID))
	}

	log.Debug().Str("messageID", msg.ID).Str("mimetype", mimeType).Int("size", len(data)).Msg("Audio fetched")
	return &AudioClip{MessageID: msg.ID, MimeType: mimeType, Data: data}, nil
}

// decodeMedia accepts raw base64 or a data: URL.
func decodeMedia(encoded string) ([]byte, string, error) {
	encoded = strings.TrimSpace(encoded)
	if strings.HasPrefix(encoded, "data:") {
		du, err := dataurl.DecodeString(encoded)
		if err != nil {
			return nil, "", fmt.Errorf("invalid data url: %w", err)
		}
		return du.Data, du.ContentType(), nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("invalid base64 media: %w", err)
	}
	return data, "", nil
}

// WithTempFile writes clip to a temporary file, calls fn with its path and
// removes the file when fn returns, whatever the outcome.
func (f *MediaFetcher) WithTempFile(clip *AudioClip, fn func(path string) error) error {
	tmp, err := os.CreateTemp(f.tempDir, "voice-*"+fileExtension(clip.MimeType))
	if err != nil {
		return withKind(ErrMediaFetchFailed, fmt.Errorf("failed to create temp file: %w", err))
	}
	path := tmp.Name()
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("Failed to remove temp audio file")
		}
	}()

	if _, err := tmp.Write(clip.Data); err != nil {
		tmp.Close()
		return withKind(ErrMediaFetchFailed, fmt.Errorf("failed to write temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return withKind(ErrMediaFetchFailed, fmt.Errorf("failed to close temp file: %w", err))
	}
	return fn(path)
}

// fileExtension picks a suffix the transcription API recognizes.
func fileExtension(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "ogg"), strings.Contains(mimeType, "opus"):
		return ".ogg"
	case strings.Contains(mimeType, "mpeg"), strings.Contains(mimeType, "mp3"):
		return ".mp3"
	case strings.Contains(mimeType, "mp4"), strings.Contains(mimeType, "m4a"), strings.Contains(mimeType, "aac"):
		return ".m4a"
	case strings.Contains(mimeType, "wav"):
		return ".wav"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	}
	return ".ogg" // WhatsApp voice notes are ogg/opus
}
