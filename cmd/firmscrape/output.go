package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kalambet/firmscrape/internal/pipeline"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// printProgress reports one finished URL.
func printProgress(done, total int, e pipeline.Entry) {
	prefix := fmt.Sprintf("[%d/%d]", done, total)
	switch {
	case !e.OK():
		printError("%s %s failed at %s: %s", prefix, e.URL, e.Stage, e.Error)
	case e.CacheHit:
		printSuccess("%s %s (cached)", prefix, e.URL)
	default:
		printSuccess("%s %s (%d in / %d out tokens, $%.4f)", prefix, e.URL, e.Usage.InputTokens, e.Usage.OutputTokens, e.Cost)
	}
}

func writeSummary(w io.Writer, res pipeline.BatchResult) {
	t := res.Totals
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Run"), res.RunID)
	fmt.Fprintf(w, "  URLs:       %d (%d succeeded, %d failed, %d cached)\n", len(res.URLs), t.Succeeded, t.Failed, t.CacheHits)
	fmt.Fprintf(w, "  Tokens:     %d in / %d out\n", t.InputTokens, t.OutputTokens)
	fmt.Fprintf(w, "  Cost:       $%.4f\n", t.Cost)
	fmt.Fprintf(w, "  Duration:   %s\n", res.Duration.Round(time.Millisecond))
}
