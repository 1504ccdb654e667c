package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/halarumdigital/site-hortibless-sub000/internal/adapters/evolution"
)

// TextSender delivers a text message through the gateway.
type TextSender interface {
	SendText(ctx context.Context, instance, number, text string) (*evolution.SendTextResponse, error)
}

// Dispatcher sends outbound replies. It does not retry.
type Dispatcher struct {
	sender  TextSender
	timeout time.Duration
}

// NewDispatcher accepts a nil sender; every send then fails with
// ErrDispatchFailed.
func NewDispatcher(sender TextSender, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dispatcher{sender: sender, timeout: timeout}
}

// Send delivers text to the customer identifier on the given instance.
func (d *Dispatcher) Send(ctx context.Context, instance, to, text string) (*evolution.SendTextResponse, error) {
	if d.sender == nil {
		return nil, withKind(ErrDispatchFailed, fmt.Errorf("no gateway configured"))
	}
	if strings.TrimSpace(text) == "" {
		return nil, withKind(ErrDispatchFailed, fmt.Errorf("refusing to send empty message"))
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.sender.SendText(ctx, instance, to, text)
	if err != nil {
		return nil, withKind(ErrDispatchFailed, err)
	}
	return resp, nil
}
