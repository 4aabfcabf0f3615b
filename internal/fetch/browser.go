// Package fetch acquires rendered page content through a browser with
// timeout, retry with exponential backoff, rate limiting and a concurrency
// bound shared across a batch.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// WaitCondition selects when a navigation is considered loaded.
type WaitCondition string

const (
	WaitLoad        WaitCondition = "load"
	WaitNetworkIdle WaitCondition = "network-idle"
)

// ParseWaitCondition accepts "load", "network-idle" and "networkidle".
func ParseWaitCondition(s string) (WaitCondition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "load":
		return WaitLoad, nil
	case "network-idle", "networkidle":
		return WaitNetworkIdle, nil
	default:
		return "", fmt.Errorf("unknown wait condition %q (want load or network-idle)", s)
	}
}

// BrowserConfig configures each launched browser.
type BrowserConfig struct {
	Headless          bool
	UserAgent         string
	ViewportWidth     int
	ViewportHeight    int
	IgnoreHTTPSErrors bool
	WaitCondition     WaitCondition
}

// Navigation describes a single page load within a session.
type Navigation struct {
	URL     string
	Timeout time.Duration
	Wait    WaitCondition
	// Settle is an extra pause after the wait condition for client-rendered content.
	Settle time.Duration
}

// Page is the rendered markup plus the status of the main document response.
// StatusCode is 0 when the browser did not report one.
type Page struct {
	HTML       string
	StatusCode int
}

// Browser launches isolated sessions.
type Browser interface {
	Launch(ctx context.Context, cfg BrowserConfig) (Session, error)
}

// Session is one isolated browser instance. Close must be called on every path.
type Session interface {
	Fetch(ctx context.Context, nav Navigation) (Page, error)
	Close() error
}

var (
	// ErrNameNotResolved is returned by sessions when DNS resolution fails.
	ErrNameNotResolved = errors.New("name not resolved")

	// ErrConnection is returned by sessions for transient connection failures
	// (reset, refused, empty response).
	ErrConnection = errors.New("connection failed")
)

// StatusError reports an HTTP error status on the main document.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Code)
}
