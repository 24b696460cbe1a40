package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"unicode"
)

const maxPDFBytes = 20 << 20

// minPrintableRun is the shortest byte run kept by the fallback scan.
const minPrintableRun = 24

// pdfToText is replaced in tests.
var pdfToText = func(ctx context.Context, path string) (string, error) {
	out, err := exec.CommandContext(ctx, "pdftotext", "-layout", path, "-").Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// extractPDFText prefers pdftotext and falls back to scanning the file for
// printable runs, which recovers text from uncompressed PDFs.
func extractPDFText(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() > maxPDFBytes {
		return "", fmt.Errorf("pdf too large: %d bytes", info.Size())
	}
	if text, err := pdfToText(ctx, path); err == nil && strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text), nil
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	text := printableRuns(blob)
	if text == "" {
		return "", errors.New("no extractable text found")
	}
	return text, nil
}

func printableRuns(blob []byte) string {
	var runs []string
	var b strings.Builder
	flush := func() {
		if s := strings.TrimSpace(b.String()); len(s) >= minPrintableRun {
			runs = append(runs, s)
		}
		b.Reset()
	}
	for _, c := range blob {
		r := rune(c)
		if c != 0 && (unicode.IsPrint(r) || r == '\n' || r == '\t' || r == '\r') {
			b.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return strings.TrimSpace(strings.Join(runs, "\n"))
}
