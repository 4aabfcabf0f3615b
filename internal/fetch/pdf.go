package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ledongthuc/pdf"
)

// maxPDFSize bounds how much of a PDF response is read into memory.
const maxPDFSize = 50 << 20

func (f *Fetcher) fetchPDF(ctx context.Context, target string) (Document, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Document{}, fmt.Errorf("creating request: %w", err)
	}
	if f.cfg.Browser.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.Browser.UserAgent)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("requesting pdf: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Document{}, &StatusError{Code: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFSize))
	if err != nil {
		return Document{}, fmt.Errorf("reading pdf: %w", err)
	}

	text, err := pdfText(data)
	if err != nil {
		return Document{}, err
	}
	return Document{URL: target, Body: text, Format: Text}, nil
}

// pdfText extracts the plain text of every page.
func pdfText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parsing pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, plain); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}
