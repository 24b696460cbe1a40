package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/joelkehle/diagdistill/internal/config"
	"github.com/joelkehle/diagdistill/internal/distill"
)

const (
	dirRaw        = "raw"
	dirNormalized = "normalized"
	dirLogs       = "logs"
	dirResults    = "diagnostic_results"
	summaryFile   = "batch_summary.json"
)

// Sink receives a copy of every artifact the FileWriter persists. Keys are
// slash-separated paths relative to the output root.
type Sink interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// FileWriter lays out per-report outputs under one root directory.
type FileWriter struct {
	root   string
	mirror Sink
	schema *distill.SchemaValidator
}

// NewFileWriter creates the output tree. mirror and schema may be nil; with
// a schema, normalized output that violates it is replaced by an empty list.
func NewFileWriter(root string, mirror Sink, schema *distill.SchemaValidator) (*FileWriter, error) {
	for _, d := range []string{dirRaw, dirNormalized, dirLogs, dirResults} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("create output dir %s: %w", d, err)
		}
	}
	return &FileWriter{root: root, mirror: mirror, schema: schema}, nil
}

func (w *FileWriter) Root() string { return w.root }

func rawKey(i int) string        { return path.Join(dirRaw, fmt.Sprintf("report_%d_raw.json", i)) }
func normalizedKey(i int) string { return path.Join(dirNormalized, fmt.Sprintf("report_%d_normalized.json", i)) }
func logKey(i int) string        { return path.Join(dirLogs, fmt.Sprintf("report_%d_log.txt", i)) }
func resultKey(i int) string     { return path.Join(dirResults, fmt.Sprintf("diagnostic_%d.json", i)) }

// WriteReport persists the raw payload, the normalized entries, the full
// record and the processing log for one report.
func (w *FileWriter) WriteReport(ctx context.Context, index int, rec distill.DiagnosticRecord, logLines []string) error {
	var errs []error
	if w.schema != nil {
		if err := w.schema.Validate(rec.Normalized); err != nil {
			errs = append(errs, fmt.Errorf("report %d: %w", index, err))
			logLines = append(logLines, "error: "+err.Error())
			rec.Status = distill.StatusFailed
			rec.Normalized = []distill.CanonicalSymptomEntry{}
		}
	}

	raw, err := marshalIndent(rec.Raw)
	if err != nil {
		return fmt.Errorf("encode raw for report %d: %w", index, err)
	}
	normalized, err := marshalIndent(rec.Normalized)
	if err != nil {
		return fmt.Errorf("encode normalized for report %d: %w", index, err)
	}
	full, err := marshalIndent(rec)
	if err != nil {
		return fmt.Errorf("encode record for report %d: %w", index, err)
	}

	var logBuf strings.Builder
	fmt.Fprintf(&logBuf, "Report: %d\nStatus: %s\nState: %s\n\n", index, rec.Status, rec.State)
	for _, line := range logLines {
		logBuf.WriteString(line)
		logBuf.WriteByte('\n')
	}

	files := []struct {
		key         string
		data        []byte
		contentType string
	}{
		{rawKey(index), raw, "application/json"},
		{normalizedKey(index), normalized, "application/json"},
		{resultKey(index), full, "application/json"},
		{logKey(index), []byte(logBuf.String()), "text/plain"},
	}
	for _, f := range files {
		if err := w.put(ctx, f.key, f.data, f.contentType); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteSummary stores the batch summary next to the per-report folders.
func (w *FileWriter) WriteSummary(ctx context.Context, s Summary) error {
	data, err := marshalIndent(s)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return w.put(ctx, summaryFile, data, "application/json")
}

// HasNormalized reports whether a previous run left a non-empty normalized
// file for index. Failed reports leave an empty list and are retried.
func (w *FileWriter) HasNormalized(index int) bool {
	data, err := os.ReadFile(filepath.Join(w.root, filepath.FromSlash(normalizedKey(index))))
	if err != nil {
		return false
	}
	var entries []distill.CanonicalSymptomEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return false
	}
	return len(entries) > 0
}

func (w *FileWriter) put(ctx context.Context, key string, data []byte, contentType string) error {
	p := filepath.Join(w.root, filepath.FromSlash(key))
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	if w.mirror != nil {
		if err := w.mirror.Put(ctx, key, data, contentType); err != nil {
			return fmt.Errorf("mirror %s: %w", key, err)
		}
	}
	return nil
}

func marshalIndent(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MinioSink mirrors artifacts into an S3-compatible bucket.
type MinioSink struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioSink connects to the configured endpoint and creates the bucket if
// it does not exist. Objects are stored under prefix.
func NewMinioSink(ctx context.Context, cfg config.ArtifactConfig, prefix string) (*MinioSink, error) {
	if cfg.MinioEndpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("minio endpoint and bucket are required")
	}
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioSink{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (m *MinioSink) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, path.Join(m.prefix, key), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}
