package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// SpeechToText is the transcription backend.
type SpeechToText interface {
	Transcribe(ctx context.Context, path, model, language string) (string, error)
}

// Transcriber turns an audio file into text.
type Transcriber struct {
	backend  SpeechToText
	model    string
	language string
	timeout  time.Duration
}

// NewTranscriber accepts a nil backend; every call then fails with
// ErrTranscriptionFailed.
func NewTranscriber(backend SpeechToText, model, language string, timeout time.Duration) *Transcriber {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Transcriber{backend: backend, model: model, language: language, timeout: timeout}
}

// Transcribe returns the trimmed transcript of the file at path. An empty
// transcript is an error.
func (t *Transcriber) Transcribe(ctx context.Context, path string) (string, error) {
	if t.backend == nil {
		return "", withKind(ErrTranscriptionFailed, fmt.Errorf("no transcription provider configured"))
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	text, err := t.backend.Transcribe(ctx, path, t.model, t.language)
	if err != nil {
		return "", withKind(ErrTranscriptionFailed, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: %w", ErrTranscriptionFailed, ErrEmptyTranscript)
	}
	log.Debug().Int("chars", len(text)).Msg("Audio transcribed")
	return text, nil
}
