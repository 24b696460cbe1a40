package distill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/joelkehle/diagdistill/internal/config"
	"github.com/joelkehle/diagdistill/internal/logger"
	"github.com/joelkehle/diagdistill/internal/metrics"
)

var ErrEmptyReport = errors.New("report text is empty")

// IntegratedPlaceholderSymptom labels a lone integrated object that did not
// carry its own symptom.
const IntegratedPlaceholderSymptom = "integrated_extraction"

const (
	TierNarrativeRetry   = "narrative_retry"
	TierFullTextFindings = "full_text_findings"
	TierFullTextOrgans   = "full_text_organs"
	TierIntegrated       = "integrated"
)

var narrativeKeywords = []string{"course", "history", "narrative"}

type StageProgressFn func(state State, message string)

type OrchestratorConfig struct {
	// MinFindingsBeforeNarrative is the stage-1 result count below which
	// narrative physician sections are also mined for findings.
	MinFindingsBeforeNarrative int
	ReportExcerptChars         int
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{MinFindingsBeforeNarrative: 2, ReportExcerptChars: 2000}
}

func OrchestratorConfigFromConfig(c config.PipelineConfig) OrchestratorConfig {
	return OrchestratorConfig{
		MinFindingsBeforeNarrative: c.MinFindingsBeforeNarrative,
		ReportExcerptChars:         c.ReportExcerptChars,
	}
}

// Orchestrator drives one report through the staged extraction. It holds no
// per-report state, so one instance may serve concurrent runs when its runner
// allows it.
type Orchestrator struct {
	segmenter  *Segmenter
	runner     StageRunner
	normalizer *Normalizer
	cfg        OrchestratorConfig
	log        *zap.Logger
}

func NewOrchestrator(segmenter *Segmenter, runner StageRunner, normalizer *Normalizer, cfg OrchestratorConfig, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		segmenter:  segmenter,
		runner:     runner,
		normalizer: normalizer,
		cfg:        cfg,
		log:        logger.OrNop(log),
	}
}

// run carries the accumulators of a single report.
type run struct {
	report     Report
	chunks     []Chunk
	stage1     []Stage1Output
	stage2     []Stage2Output
	stage3     *Stage3Output
	raw3       json.RawMessage
	normalized []CanonicalSymptomEntry
	meta       PipelineMetadata
	progress   StageProgressFn
	log        *zap.Logger
}

func (r *run) enter(s State, message string) {
	r.meta.StatesVisited = append(r.meta.StatesVisited, s)
	emit(r.progress, s, message)
}

func (r *run) tier(name string) {
	r.meta.FallbackTiers = append(r.meta.FallbackTiers, name)
	metrics.FallbackTiers.WithLabelValues(name).Inc()
	r.log.Info("fallback tier", zap.String("tier", name))
}

// call records the outcome of one stage call. Failures are counted and
// logged but never abort the run.
func (r *run) call(err error) bool {
	r.meta.TotalCalls++
	if err != nil {
		r.meta.FailedCalls++
		r.log.Warn("stage call contributed nothing",
			zap.String("stage", StageNameFromError(err)),
			zap.Error(err))
		return false
	}
	return true
}

func emit(progress StageProgressFn, state State, message string) {
	if progress != nil {
		progress(state, message)
	}
}

func (o *Orchestrator) Run(ctx context.Context, report Report) (Result, error) {
	return o.RunWithProgress(ctx, report, nil)
}

// RunWithProgress never fails because of model behaviour. Only an empty
// report or an unknown state is reported as an error; a report that every
// tier failed on comes back with StatusFailed.
func (o *Orchestrator) RunWithProgress(ctx context.Context, report Report, progress StageProgressFn) (Result, error) {
	if strings.TrimSpace(report.Text) == "" {
		return Result{CaseID: report.CaseID}, ErrEmptyReport
	}
	ctx, span := tracer.Start(ctx, "Orchestrator.Run")
	defer span.End()
	span.SetAttributes(attribute.String("report.case_id", report.CaseID))

	r := &run{
		report:   report,
		progress: progress,
		log:      o.log.With(zap.String("case_id", report.CaseID)),
		meta:     PipelineMetadata{StartedAt: time.Now().UTC()},
	}

	r.chunks = o.segmenter.Segment(report.Text)
	r.meta.ChunkCount = len(r.chunks)
	r.enter(StateSegmented, fmt.Sprintf("segmented into %d chunks", len(r.chunks)))

	state := StateSegmented
	for {
		switch state {
		case StateSegmented:
			state = o.findings(ctx, r)
		case StateStage1Done:
			state = o.organs(ctx, r)
		case StateStage2Done:
			state = o.mapping(ctx, r)
		case StateStage3Done:
			state = o.normalize(r)
		case StateNormalized:
			res := r.result(StateNormalized, StatusSuccess, r.raw3, r.normalized)
			span.SetAttributes(attribute.String("report.status", string(res.Status)))
			return res, nil
		case StateIntegratedFallback:
			res := o.integrated(ctx, r)
			span.SetAttributes(attribute.String("report.status", string(res.Status)))
			return res, nil
		default:
			return Result{CaseID: report.CaseID}, fmt.Errorf("unknown state %q", state)
		}
	}
}

// findings runs stage 1 and its fallback tiers. Only results carrying at
// least one finding count.
func (o *Orchestrator) findings(ctx context.Context, r *run) State {
	accept := func(out Stage1Output, err error) {
		if r.call(err) && len(out.DescriptiveFindings) > 0 {
			r.stage1 = append(r.stage1, out)
		}
	}

	for _, c := range ChunksByRole(r.chunks, RolePatientComplaint) {
		accept(o.runner.RunFindings(ctx, c.Content, "findings:"+c.Section))
	}

	if len(r.stage1) < o.cfg.MinFindingsBeforeNarrative {
		narrative := narrativeChunks(r.chunks)
		if len(narrative) > 0 {
			r.tier(TierNarrativeRetry)
		}
		for _, c := range narrative {
			accept(o.runner.RunFindings(ctx, c.Content, "findings_narrative:"+c.Section))
		}
	}
	if len(r.stage1) == 0 {
		r.tier(TierFullTextFindings)
		accept(o.runner.RunFindings(ctx, r.report.Text, "findings_full_text"))
	}

	metrics.StageResults.WithLabelValues("findings", outcome(len(r.stage1))).Inc()
	r.enter(StateStage1Done, fmt.Sprintf("stage 1 produced %d results", len(r.stage1)))
	return StateStage1Done
}

// organs runs stage 2, falling back to one full-text call when no physician
// chunk yielded a parsed result.
func (o *Orchestrator) organs(ctx context.Context, r *run) State {
	for _, c := range ChunksByRole(r.chunks, RolePhysicianDiagnosis) {
		out, err := o.runner.RunOrgans(ctx, c.Content, "organs:"+c.Section)
		if r.call(err) {
			r.stage2 = append(r.stage2, out)
		}
	}
	if len(r.stage2) == 0 {
		r.tier(TierFullTextOrgans)
		out, err := o.runner.RunOrgans(ctx, r.report.Text, "organs_full_text")
		if r.call(err) {
			r.stage2 = append(r.stage2, out)
		}
	}

	metrics.StageResults.WithLabelValues("organs", outcome(len(r.stage2))).Inc()
	r.enter(StateStage2Done, fmt.Sprintf("stage 2 produced %d results", len(r.stage2)))
	return StateStage2Done
}

func (o *Orchestrator) mapping(ctx context.Context, r *run) State {
	if len(r.stage1) == 0 || len(r.stage2) == 0 {
		r.log.Info("skipping anatomical mapping",
			zap.Int("stage1_results", len(r.stage1)),
			zap.Int("stage2_results", len(r.stage2)))
		return StateIntegratedFallback
	}
	out, raw, err := o.runner.RunMapping(ctx, r.stage1, r.stage2, excerpt(r.report.Text, o.cfg.ReportExcerptChars))
	if !r.call(err) {
		metrics.StageResults.WithLabelValues("mapping", "failed").Inc()
		return StateIntegratedFallback
	}
	r.stage3 = &out
	r.raw3 = raw
	metrics.StageResults.WithLabelValues("mapping", outcome(len(out.Mappings))).Inc()
	r.enter(StateStage3Done, fmt.Sprintf("stage 3 produced %d mappings", len(out.Mappings)))
	return StateStage3Done
}

func (o *Orchestrator) normalize(r *run) State {
	r.normalized = o.normalizer.Normalize(r.stage1, r.stage2, r.stage3)
	if len(r.normalized) == 0 {
		r.log.Info("normalization produced no entries")
		return StateIntegratedFallback
	}
	r.enter(StateNormalized, fmt.Sprintf("normalized %d symptoms", len(r.normalized)))
	return StateNormalized
}

// integrated is the terminal tier: one pass over the full report asking for
// canonical entries directly.
func (o *Orchestrator) integrated(ctx context.Context, r *run) Result {
	r.tier(TierIntegrated)
	r.enter(StateIntegratedFallback, "running integrated extraction")

	raw, err := o.runner.RunIntegrated(ctx, r.report.Text)
	var entries []CanonicalSymptomEntry
	if r.call(err) {
		entries, err = decodeIntegrated(raw)
		if err != nil {
			r.log.Warn("integrated output has unexpected shape", zap.Error(err))
		}
	}
	if err != nil {
		var step3 any
		if r.stage3 != nil {
			step3 = r.raw3
		}
		r.log.Error("extraction failed",
			zap.Int("stage1_results", len(r.stage1)),
			zap.Int("stage2_results", len(r.stage2)))
		return r.result(StateIntegratedFallback, StatusFailed, FailedRaw{Step1: r.stage1, Step2: r.stage2, Step3: step3}, nil)
	}

	normalized := o.normalizer.ValidateEntries(entries)
	return r.result(StateIntegratedFallback, StatusIntegrated, IntegratedRaw{
		Source: IntegratedSource,
		Step1:  r.stage1,
		Step2:  r.stage2,
	}, normalized)
}

func (r *run) result(state State, status Status, raw any, normalized []CanonicalSymptomEntry) Result {
	if normalized == nil {
		normalized = []CanonicalSymptomEntry{}
	}
	r.meta.CompletedAt = time.Now().UTC()
	metrics.ReportsProcessed.WithLabelValues(string(status)).Inc()
	r.log.Info("report distilled",
		zap.String("state", string(state)),
		zap.String("status", string(status)),
		zap.Int("symptoms", len(normalized)),
		zap.Int("units", UnitCount(normalized)),
		zap.Int("calls", r.meta.TotalCalls),
		zap.Int("failed_calls", r.meta.FailedCalls))
	return Result{
		CaseID:     r.report.CaseID,
		State:      state,
		Status:     status,
		Raw:        raw,
		Normalized: normalized,
		Chunks:     r.chunks,
		Stage1:     r.stage1,
		Stage2:     r.stage2,
		Stage3:     r.stage3,
		Metadata:   r.meta,
	}
}

// decodeIntegrated accepts a list of entries, a single entry, or a bare unit
// object, which is wrapped under the placeholder symptom.
func decodeIntegrated(raw json.RawMessage) ([]CanonicalSymptomEntry, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var entries []CanonicalSymptomEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("decode integrated list: %w", err)
		}
		return entries, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode integrated object: %w", err)
	}
	if _, ok := fields["s_symptom"]; ok {
		var entry CanonicalSymptomEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("decode integrated entry: %w", err)
		}
		return []CanonicalSymptomEntry{entry}, nil
	}
	if inner, ok := fields["u_unit"]; ok {
		raw = inner
	}
	var unit CanonicalUnit
	if err := json.Unmarshal(raw, &unit); err != nil {
		return nil, fmt.Errorf("decode integrated unit: %w", err)
	}
	return []CanonicalSymptomEntry{{
		Symptom: IntegratedPlaceholderSymptom,
		Units:   []UnitEnvelope{{Unit: unit}},
	}}, nil
}

func narrativeChunks(chunks []Chunk) []Chunk {
	var out []Chunk
	for _, c := range ChunksByRole(chunks, RolePhysicianDiagnosis) {
		label := strings.ToLower(c.Section)
		for _, kw := range narrativeKeywords {
			if strings.Contains(label, kw) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func outcome(n int) string {
	if n == 0 {
		return "empty"
	}
	return "ok"
}
