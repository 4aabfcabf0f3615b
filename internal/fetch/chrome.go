package fetch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ChromeBrowser launches headless Chrome through the DevTools protocol.
// ExecPath overrides chromedp's browser discovery when set.
type ChromeBrowser struct {
	ExecPath string
}

// Launch starts a fresh browser process for a single session.
func (b ChromeBrowser) Launch(ctx context.Context, cfg BrowserConfig) (Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.IgnoreHTTPSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if b.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	// The first Run with no actions starts the browser.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("starting chrome: %w", err)
	}

	return &chromeSession{ctx: tabCtx, cancelTab: tabCancel, cancelAlloc: allocCancel}, nil
}

type chromeSession struct {
	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	closeOnce   sync.Once
}

func (s *chromeSession) Fetch(ctx context.Context, nav Navigation) (Page, error) {
	runCtx, cancel := context.WithTimeout(s.ctx, nav.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var (
		mu     sync.Mutex
		status int64
		idle   = make(chan struct{})
		once   sync.Once
	)
	chromedp.ListenTarget(runCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			if e.Type != network.ResourceTypeDocument {
				return
			}
			mu.Lock()
			if status == 0 {
				status = e.Response.Status
			}
			mu.Unlock()
		case *page.EventLifecycleEvent:
			if e.Name == "networkIdle" {
				once.Do(func() { close(idle) })
			}
		}
	})

	var html string
	actions := []chromedp.Action{network.Enable()}
	if nav.Wait == WaitNetworkIdle {
		actions = append(actions, page.SetLifecycleEventsEnabled(true))
	}
	actions = append(actions, chromedp.Navigate(nav.URL))
	if nav.Wait == WaitNetworkIdle {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			select {
			case <-idle:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))
	}
	if nav.Settle > 0 {
		actions = append(actions, chromedp.Sleep(nav.Settle))
	}
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		if runCtx.Err() != nil {
			return Page{}, fmt.Errorf("navigating to %s: %w", nav.URL, context.DeadlineExceeded)
		}
		return Page{}, navigationError(nav.URL, err)
	}

	mu.Lock()
	defer mu.Unlock()
	return Page{HTML: html, StatusCode: int(status)}, nil
}

func (s *chromeSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = chromedp.Cancel(s.ctx)
		s.cancelTab()
		s.cancelAlloc()
	})
	return err
}

// navigationError maps Chrome's net::ERR_* error text onto the package errors
// the retry classifier understands.
func navigationError(target string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ERR_NAME_NOT_RESOLVED"), strings.Contains(msg, "ERR_NAME_RESOLUTION_FAILED"):
		return fmt.Errorf("navigating to %s: %w: %v", target, ErrNameNotResolved, err)
	case strings.Contains(msg, "ERR_TIMED_OUT"):
		return fmt.Errorf("navigating to %s: %w: %v", target, context.DeadlineExceeded, err)
	case strings.Contains(msg, "ERR_CONNECTION_RESET"),
		strings.Contains(msg, "ERR_CONNECTION_CLOSED"),
		strings.Contains(msg, "ERR_CONNECTION_REFUSED"),
		strings.Contains(msg, "ERR_EMPTY_RESPONSE"),
		strings.Contains(msg, "ERR_NETWORK_CHANGED"):
		return fmt.Errorf("navigating to %s: %w: %v", target, ErrConnection, err)
	default:
		return fmt.Errorf("navigating to %s: %w", target, err)
	}
}
