// Package naming derives the content-addressed identifier used as both cache
// key and primary key for a scraped URL.
package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

const hashLen = 32

// GenerateUniqueName returns a stable identifier for rawURL. The same URL
// always yields the same name, across processes and restarts.
//
// The name is "<domain-slug>_<hash>", where the slug is the registrable
// domain (eTLD+1) with dots replaced and the hash is the first 128 bits of the
// SHA-256 of the canonical URL.
func GenerateUniqueName(rawURL string) string {
	canonical, host := canonicalize(rawURL)
	sum := sha256.Sum256([]byte(canonical))
	return slug(host) + "_" + hex.EncodeToString(sum[:])[:hashLen]
}

// canonicalize lowercases scheme and host, drops fragments and default ports,
// and strips a trailing slash from non-root paths. Unparsable input is used
// verbatim (trimmed).
func canonicalize(rawURL string) (string, string) {
	s := strings.TrimSpace(rawURL)
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return s, ""
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		u.Host = host
	}
	u.Fragment = ""
	u.RawFragment = ""
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
		u.RawPath = ""
	}
	if u.Path == "/" {
		u.Path = ""
	}
	return u.String(), host
}

func slug(host string) string {
	if host == "" {
		return "url"
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		domain = host
	}
	return strings.ReplaceAll(domain, ".", "-")
}
