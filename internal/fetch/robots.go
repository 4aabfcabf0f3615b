package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/temoto/robotstxt"
)

// ErrDisallowed is returned when robots.txt forbids fetching a URL.
var ErrDisallowed = errors.New("disallowed by robots.txt")

const robotsTimeout = 10 * time.Second

// allowed reports whether robots.txt for u's origin permits the path. Rules
// are loaded once per origin; an unreachable robots.txt allows everything.
func (f *Fetcher) allowed(ctx context.Context, u *url.URL) bool {
	origin := u.Scheme + "://" + u.Host

	f.robotsMu.Lock()
	group, ok := f.robots[origin]
	f.robotsMu.Unlock()

	if !ok {
		group = f.loadRobots(ctx, origin)
		if ctx.Err() == nil {
			f.robotsMu.Lock()
			f.robots[origin] = group
			f.robotsMu.Unlock()
		}
	}
	if group == nil {
		return true
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return group.Test(path)
}

func (f *Fetcher) loadRobots(ctx context.Context, origin string) *robotstxt.Group {
	ctx, cancel := context.WithTimeout(ctx, robotsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	if f.cfg.Browser.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.Browser.UserAgent)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.logger.Debug("robots.txt unavailable", "origin", origin, "error", err)
		return nil
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		f.logger.Warn("parsing robots.txt", "origin", origin, "error", err)
		return nil
	}
	return data.FindGroup(f.cfg.Browser.UserAgent)
}
