package distill

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// DiagnosticRecord is the full per-report document: the corpus artifact plus
// every stage output, so a report can be renormalized without new calls.
type DiagnosticRecord struct {
	CaseID         string                  `json:"case_id"`
	Status         Status                  `json:"status"`
	State          State                   `json:"state"`
	Raw            any                     `json:"raw"`
	Normalized     []CanonicalSymptomEntry `json:"normalized"`
	StageOutputs   map[string]any          `json:"stage_outputs"`
	Chunks         []Chunk                 `json:"chunks,omitempty"`
	Metadata       PipelineMetadata        `json:"pipeline_metadata"`
	ReportMarkdown string                  `json:"report_markdown"`
}

func BuildRecord(res Result) DiagnosticRecord {
	art := res.Artifact()
	rec := DiagnosticRecord{
		CaseID:       res.CaseID,
		Status:       res.Status,
		State:        res.State,
		Raw:          art.Raw,
		Normalized:   art.Normalized,
		StageOutputs: map[string]any{},
		Chunks:       res.Chunks,
		Metadata:     res.Metadata,
	}
	rec.StageOutputs["stage_1"] = nonNil(res.Stage1)
	rec.StageOutputs["stage_2"] = nonNil(res.Stage2)
	if res.Stage3 != nil {
		rec.StageOutputs["stage_3"] = res.Stage3
	}
	rec.ReportMarkdown = buildMarkdown(rec)
	return rec
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func buildMarkdown(rec DiagnosticRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Diagnostic Distillation Report\n\n")
	fmt.Fprintf(&b, "- Case ID: %s\n", rec.CaseID)
	fmt.Fprintf(&b, "- Status: %s\n", rec.Status)
	fmt.Fprintf(&b, "- Final state: %s\n", rec.State)
	fmt.Fprintf(&b, "- Chunks: %d\n", rec.Metadata.ChunkCount)
	fmt.Fprintf(&b, "- Completion calls: %d (%d failed)\n", rec.Metadata.TotalCalls, rec.Metadata.FailedCalls)
	if len(rec.Metadata.FallbackTiers) > 0 {
		fmt.Fprintf(&b, "- Fallback tiers: %s\n", strings.Join(rec.Metadata.FallbackTiers, ", "))
	}
	if !rec.Metadata.StartedAt.IsZero() && !rec.Metadata.CompletedAt.IsZero() {
		fmt.Fprintf(&b, "- Duration: %s\n", rec.Metadata.CompletedAt.Sub(rec.Metadata.StartedAt).Round(time.Millisecond))
	}
	b.WriteString("\n")

	if rec.Status == StatusFailed {
		b.WriteString("## Extraction failed\n\n")
		b.WriteString("No tier produced a usable result. Partial stage data is preserved in the raw payload.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "## Symptoms (%d)\n\n", len(rec.Normalized))
	if len(rec.Normalized) == 0 {
		b.WriteString("No symptom passed validation.\n\n")
	}
	for _, e := range rec.Normalized {
		fmt.Fprintf(&b, "### %s\n\n", e.Symptom)
		b.WriteString("| Diagnosis | Organ | Locations |\n")
		b.WriteString("|---|---|---|\n")
		for _, w := range e.Units {
			u := w.Unit
			fmt.Fprintf(&b, "| %s | %s | %s |\n",
				cell(u.Diagnosis), cell(u.Organ.OrganName), cell(strings.Join(u.Organ.AnatomicalLocations, "; ")))
		}
		b.WriteString("\n")
	}

	counts := OrganCounts(rec.Normalized)
	if len(counts) > 0 {
		b.WriteString("## Organ coverage\n\n")
		for _, organ := range sortedKeys(counts) {
			fmt.Fprintf(&b, "- %s: %d\n", organ, counts[organ])
		}
	}
	return b.String()
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RenderHTML converts report markdown to an HTML fragment.
func RenderHTML(markdown string) (string, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}
