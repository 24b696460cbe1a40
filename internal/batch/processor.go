package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joelkehle/diagdistill/internal/distill"
	"github.com/joelkehle/diagdistill/internal/logger"
	"github.com/joelkehle/diagdistill/internal/metrics"
	"github.com/joelkehle/diagdistill/internal/store"
)

var tracer = otel.Tracer("github.com/joelkehle/diagdistill/internal/batch")

// StatusSkipped marks a report index with no input file.
const StatusSkipped = "skipped"

// Pipeline is the part of the orchestrator a worker drives.
type Pipeline interface {
	RunWithProgress(ctx context.Context, report distill.Report, progress distill.StageProgressFn) (distill.Result, error)
}

// Worker pairs a credential name with the pipeline built on it. A worker
// handles one report at a time.
type Worker struct {
	Credential string
	Pipeline   Pipeline
}

// Ledger is the run bookkeeping the processor needs. *store.Ledger satisfies
// it.
type Ledger interface {
	StartRun(ctx context.Context, r store.Run) error
	FinishRun(ctx context.Context, runID, summary string) error
	RecordReport(ctx context.Context, o store.ReportOutcome) error
	CompletedIndexes(ctx context.Context, statuses ...string) (map[int]bool, error)
}

type Options struct {
	RunID    string
	InputDir string
	Start    int
	End      int
	// Resume drops indexes that already succeeded in the ledger or left a
	// non-empty normalized file.
	Resume bool
	// Progress, when set, is told about every finished report. It may be
	// called from several goroutines at once.
	Progress func(index int, credential string, status string)
}

type Summary struct {
	RunID           string         `json:"run_id"`
	Total           int            `json:"total"`
	Succeeded       int            `json:"succeeded"`
	Integrated      int            `json:"integrated"`
	Failed          int            `json:"failed"`
	Skipped         int            `json:"skipped"`
	Resumed         int            `json:"resumed"`
	Units           int            `json:"units"`
	Organs          map[string]int `json:"organs"`
	Duration        time.Duration  `json:"-"`
	DurationSeconds float64        `json:"duration_seconds"`
}

// Print writes a human-readable summary.
func (s Summary) Print(w io.Writer) {
	fmt.Fprintf(w, "Run %s\n", s.RunID)
	fmt.Fprintf(w, "  total:      %d\n", s.Total)
	fmt.Fprintf(w, "  succeeded:  %d\n", s.Succeeded)
	fmt.Fprintf(w, "  integrated: %d\n", s.Integrated)
	fmt.Fprintf(w, "  failed:     %d\n", s.Failed)
	fmt.Fprintf(w, "  skipped:    %d\n", s.Skipped)
	if s.Resumed > 0 {
		fmt.Fprintf(w, "  resumed:    %d\n", s.Resumed)
	}
	fmt.Fprintf(w, "  units:      %d\n", s.Units)
	processed := s.Succeeded + s.Integrated + s.Failed
	if processed > 0 {
		fmt.Fprintf(w, "  yield:      %.1f%%\n", float64(s.Succeeded+s.Integrated)/float64(processed)*100)
		fmt.Fprintf(w, "  per report: %s\n", (s.Duration / time.Duration(processed)).Round(time.Millisecond))
	}
	fmt.Fprintf(w, "  duration:   %s\n", s.Duration.Round(time.Millisecond))
	if len(s.Organs) > 0 {
		fmt.Fprintln(w, "  organs:")
		for _, organ := range sortedOrgans(s.Organs) {
			fmt.Fprintf(w, "    %-40s %d\n", organ, s.Organs[organ])
		}
	}
}

// sortedOrgans orders by count descending, then name.
func sortedOrgans(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}

type tally struct {
	mu sync.Mutex
	s  Summary
}

func (t *tally) add(status string, entries []distill.CanonicalSymptomEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch status {
	case string(distill.StatusSuccess):
		t.s.Succeeded++
	case string(distill.StatusIntegrated):
		t.s.Integrated++
	case StatusSkipped:
		t.s.Skipped++
	default:
		t.s.Failed++
	}
	t.s.Units += distill.UnitCount(entries)
	for organ, n := range distill.OrganCounts(entries) {
		t.s.Organs[organ] += n
	}
}

// Processor fans reports out over a fixed set of workers. Each worker owns
// one credential; a report waits until some credential is free.
type Processor struct {
	workers []Worker
	writer  *FileWriter
	ledger  Ledger
	log     *zap.Logger
	clock   func() time.Time
}

// NewProcessor requires at least one worker. ledger may be nil.
func NewProcessor(workers []Worker, writer *FileWriter, ledger Ledger, log *zap.Logger) (*Processor, error) {
	if len(workers) == 0 {
		return nil, errors.New("at least one worker is required")
	}
	if writer == nil {
		return nil, errors.New("writer is required")
	}
	return &Processor{
		workers: workers,
		writer:  writer,
		ledger:  ledger,
		log:     logger.OrNop(log),
		clock:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Process runs every index in [Start, End]. Per-report failures are counted,
// not returned; the error is non-nil only when the run could not be set up or
// ctx was cancelled.
func (p *Processor) Process(ctx context.Context, opts Options) (Summary, error) {
	if opts.End < opts.Start {
		return Summary{}, fmt.Errorf("invalid report range %d-%d", opts.Start, opts.End)
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	started := p.clock()
	t := &tally{s: Summary{RunID: opts.RunID, Total: opts.End - opts.Start + 1, Organs: map[string]int{}}}

	indexes, err := p.plan(ctx, opts)
	if err != nil {
		return Summary{}, err
	}
	t.s.Resumed = t.s.Total - len(indexes)

	if p.ledger != nil {
		if err := p.ledger.StartRun(ctx, store.Run{
			RunID:       opts.RunID,
			Credentials: p.credentialList(),
			InputDir:    opts.InputDir,
			OutputDir:   p.writer.Root(),
			StartIndex:  opts.Start,
			EndIndex:    opts.End,
		}); err != nil {
			return Summary{}, err
		}
	}
	p.log.Info("batch started",
		zap.String("run_id", opts.RunID),
		zap.Int("reports", len(indexes)),
		zap.Int("resumed", t.s.Resumed),
		zap.Int("workers", len(p.workers)),
	)

	creds := make(chan Worker, len(p.workers))
	for _, w := range p.workers {
		creds <- w
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(p.workers))
	for _, index := range indexes {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			var w Worker
			select {
			case w = <-creds:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { creds <- w }()
			status := p.processOne(gctx, opts, w, index, t)
			if opts.Progress != nil {
				opts.Progress(index, w.Credential, status)
			}
			return nil
		})
	}
	runErr := g.Wait()
	if runErr == nil {
		runErr = ctx.Err()
	}

	t.mu.Lock()
	summary := t.s
	t.mu.Unlock()
	summary.Duration = p.clock().Sub(started)
	summary.DurationSeconds = summary.Duration.Seconds()

	finishCtx := context.WithoutCancel(ctx)
	if err := p.writer.WriteSummary(finishCtx, summary); err != nil {
		p.log.Warn("write batch summary failed", zap.Error(err))
	}
	if p.ledger != nil {
		encoded, _ := json.Marshal(summary)
		if err := p.ledger.FinishRun(finishCtx, opts.RunID, string(encoded)); err != nil {
			p.log.Warn("finish run in ledger failed", zap.Error(err))
		}
	}
	p.log.Info("batch finished",
		zap.String("run_id", opts.RunID),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("integrated", summary.Integrated),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("duration", summary.Duration),
	)
	return summary, runErr
}

func (p *Processor) plan(ctx context.Context, opts Options) ([]int, error) {
	done := map[int]bool{}
	if opts.Resume && p.ledger != nil {
		var err error
		done, err = p.ledger.CompletedIndexes(ctx, string(distill.StatusSuccess), string(distill.StatusIntegrated))
		if err != nil {
			return nil, err
		}
	}
	indexes := make([]int, 0, opts.End-opts.Start+1)
	for i := opts.Start; i <= opts.End; i++ {
		if opts.Resume && (done[i] || p.writer.HasNormalized(i)) {
			continue
		}
		indexes = append(indexes, i)
	}
	return indexes, nil
}

func (p *Processor) credentialList() string {
	names := make([]string, 0, len(p.workers))
	for _, w := range p.workers {
		names = append(names, w.Credential)
	}
	return strings.Join(names, ",")
}

// processOne loads, runs and persists one report and returns its status.
func (p *Processor) processOne(ctx context.Context, opts Options, w Worker, index int, t *tally) string {
	ctx, span := tracer.Start(ctx, "Processor.processOne")
	defer span.End()
	span.SetAttributes(attribute.Int("report.index", index), attribute.String("credential", w.Credential))

	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()

	start := p.clock()
	log := p.log.With(zap.Int("report", index), zap.String("credential", w.Credential))
	outcome := store.ReportOutcome{RunID: opts.RunID, ReportIndex: index, CaseID: strconv.Itoa(index), Credential: w.Credential}

	report, err := LoadReport(ctx, opts.InputDir, index)
	if errors.Is(err, ErrReportNotFound) {
		log.Warn("report missing, skipping", zap.Error(err))
		outcome.Status = StatusSkipped
		outcome.Error = err.Error()
		p.record(ctx, log, outcome)
		metrics.BatchReports.WithLabelValues(StatusSkipped).Inc()
		t.add(StatusSkipped, nil)
		return StatusSkipped
	}

	var lines []string
	progress := func(state distill.State, message string) {
		lines = append(lines, fmt.Sprintf("%s [%s] %s", p.clock().Format(time.RFC3339), state, message))
		log.Debug("stage progress", zap.String("state", string(state)), zap.String("message", message))
	}

	var res distill.Result
	if err == nil {
		outcome.CaseID = report.CaseID
		lines = append(lines, fmt.Sprintf("loaded %d characters", len(report.Text)))
		res, err = w.Pipeline.RunWithProgress(ctx, report, progress)
	}
	if err != nil {
		log.Error("report processing failed", zap.Error(err))
		lines = append(lines, "error: "+err.Error())
		res = distill.Result{CaseID: outcome.CaseID, State: res.State, Status: distill.StatusFailed, Raw: map[string]string{"error": err.Error()}}
		outcome.Error = err.Error()
	}

	rec := distill.BuildRecord(res)
	if err := p.writer.WriteReport(ctx, index, rec, lines); err != nil {
		if errors.Is(err, distill.ErrSchemaViolation) {
			metrics.NormalizerRejections.WithLabelValues("schema").Inc()
			log.Error("normalized output rejected", zap.Error(err))
		} else {
			log.Error("write report outputs failed", zap.Error(err))
		}
		rec.Status = distill.StatusFailed
		rec.Normalized = []distill.CanonicalSymptomEntry{}
		outcome.Error = err.Error()
	}

	elapsed := p.clock().Sub(start)
	outcome.Status = string(rec.Status)
	outcome.State = string(rec.State)
	outcome.Symptoms = len(rec.Normalized)
	outcome.Units = distill.UnitCount(rec.Normalized)
	outcome.Calls = res.Metadata.TotalCalls
	outcome.DurationMS = elapsed.Milliseconds()
	p.record(ctx, log, outcome)

	metrics.BatchReports.WithLabelValues(outcome.Status).Inc()
	metrics.ReportDuration.Observe(elapsed.Seconds())
	span.SetAttributes(attribute.String("report.status", outcome.Status))
	log.Info("report processed",
		zap.String("status", outcome.Status),
		zap.Int("symptoms", outcome.Symptoms),
		zap.Int("units", outcome.Units),
		zap.Duration("elapsed", elapsed),
	)
	t.add(outcome.Status, rec.Normalized)
	return outcome.Status
}

func (p *Processor) record(ctx context.Context, log *zap.Logger, o store.ReportOutcome) {
	if p.ledger == nil {
		return
	}
	if err := p.ledger.RecordReport(context.WithoutCancel(ctx), o); err != nil {
		log.Warn("record report in ledger failed", zap.Error(err))
	}
}
