package services

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/halarumdigital/site-hortibless-sub000/internal/adapters/evolution"
	"github.com/halarumdigital/site-hortibless-sub000/internal/adapters/openai"
	"github.com/halarumdigital/site-hortibless-sub000/internal/events"
	"github.com/halarumdigital/site-hortibless-sub000/internal/models"
)

// scriptedLLM answers chat completions from a list of replies and records
// every request.
type scriptedLLM struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	requests []openai.ChatCompletionRequest
}

func (l *scriptedLLM) ChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := len(l.requests)
	l.requests = append(l.requests, req)
	if i < len(l.errs) && l.errs[i] != nil {
		return nil, l.errs[i]
	}
	reply := ""
	if i < len(l.replies) {
		reply = l.replies[i]
	}
	return &openai.ChatCompletionResponse{
		Choices: []openai.ChatChoice{{Message: openai.ChatMessage{Role: openai.RoleAssistant, Content: reply}}},
	}, nil
}

func (l *scriptedLLM) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

// fakeGenerator stands in for the response generator in pipeline tests.
type fakeGenerator struct {
	mu       sync.Mutex
	reply    string
	err      error
	messages []string
	history  [][]HistoryTurn
}

func (g *fakeGenerator) Generate(_ context.Context, message string, history []HistoryTurn, _ models.AIConfig) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages = append(g.messages, message)
	g.history = append(g.history, history)
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func (g *fakeGenerator) GenerateDirect(_ context.Context, message string, _ models.AIConfig) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages = append(g.messages, message)
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.messages)
}

type sentText struct {
	Instance, Number, Text string
}

// fakeSender records gateway sends.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentText
	err  error
}

func (s *fakeSender) SendText(_ context.Context, instance, number, text string) (*evolution.SendTextResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.sent = append(s.sent, sentText{Instance: instance, Number: number, Text: text})
	return &evolution.SendTextResponse{Key: evolution.MessageKey{ID: fmt.Sprintf("OUT%d", len(s.sent)), FromMe: true}}, nil
}

func (s *fakeSender) messages() []sentText {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentText(nil), s.sent...)
}

// fakeMediaSource serves base64 media for message ids.
type fakeMediaSource struct {
	media map[string]*evolution.MediaResponse
	err   error
	calls int
}

func (f *fakeMediaSource) GetBase64FromMediaMessage(_ context.Context, _, messageID string) (*evolution.MediaResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	m, ok := f.media[messageID]
	if !ok {
		return nil, fmt.Errorf("no media for %s", messageID)
	}
	return m, nil
}

// fakeSpeech transcribes by returning text, after checking the file exists.
type fakeSpeech struct {
	text  string
	err   error
	paths []string
}

func (f *fakeSpeech) Transcribe(_ context.Context, path, _, _ string) (string, error) {
	f.paths = append(f.paths, path)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("audio file missing during transcription: %w", err)
	}
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

// fakeArchive records archived audio.
type fakeArchive struct {
	stored []string
	err    error
}

func (a *fakeArchive) StoreAudio(_ context.Context, instance, customer, messageID, _ string, _ []byte) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	url := fmt.Sprintf("https://media.example/%s/%s/%s.ogg", instance, customer, messageID)
	a.stored = append(a.stored, url)
	return url, nil
}

// recordingPublisher collects delivered events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *recordingPublisher) Deliver(e *events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}
