package services

import "errors"

// Pipeline failure kinds. Wrapped errors carry the cause; match with errors.Is.
var (
	ErrMalformedEvent      = errors.New("malformed event")
	ErrUnknownChannel      = errors.New("unknown channel")
	ErrMediaFetchFailed    = errors.New("media fetch failed")
	ErrTranscriptionFailed = errors.New("transcription failed")
	ErrEmptyTranscript     = errors.New("empty transcript")
	ErrGenerationFailed    = errors.New("generation failed")
	ErrDispatchFailed      = errors.New("dispatch failed")
)

// kindError tags a specific error with one of the pipeline kinds so both
// match with errors.Is.
type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string   { return e.kind.Error() + ": " + e.err.Error() }
func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }

func withKind(kind, err error) error {
	if err == nil || errors.Is(err, kind) {
		return err
	}
	return &kindError{kind: kind, err: err}
}
