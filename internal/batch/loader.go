// Package batch runs the distillation pipeline over a directory of numbered
// reports, spreading work across credential profiles.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joelkehle/diagdistill/internal/distill"
)

var ErrReportNotFound = errors.New("report not found")

var reportExtensions = []string{".txt", ".json", ".pdf"}

// ReportPath returns the file backing report index. When several formats
// exist, .txt wins over .json, and .json over .pdf.
func ReportPath(dir string, index int) (string, error) {
	for _, ext := range reportExtensions {
		p := filepath.Join(dir, fmt.Sprintf("report_%d%s", index, ext))
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: report_%d (txt, json or pdf) in %s", ErrReportNotFound, index, dir)
}

type jsonReport struct {
	Text                 string `json:"text"`
	MedicalRecordContent string `json:"medical_record_content"`
	CaseID               string `json:"case_id"`
}

// LoadReport reads report index from dir. A JSON report carries its text in
// "text" or "medical_record_content"; a PDF report is converted to text.
func LoadReport(ctx context.Context, dir string, index int) (distill.Report, error) {
	path, err := ReportPath(dir, index)
	if err != nil {
		return distill.Report{}, err
	}
	report := distill.Report{CaseID: strconv.Itoa(index)}
	if strings.HasSuffix(path, ".pdf") {
		text, err := extractPDFText(ctx, path)
		if err != nil {
			return distill.Report{}, fmt.Errorf("extract %s: %w", path, err)
		}
		report.Text = text
		return report, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return distill.Report{}, fmt.Errorf("read %s: %w", path, err)
	}
	if !strings.HasSuffix(path, ".json") {
		report.Text = string(data)
		return report, nil
	}

	var jr jsonReport
	if err := json.Unmarshal(data, &jr); err != nil {
		return distill.Report{}, fmt.Errorf("decode %s: %w", path, err)
	}
	report.Text = jr.Text
	if report.Text == "" {
		report.Text = jr.MedicalRecordContent
	}
	if jr.CaseID != "" {
		report.CaseID = jr.CaseID
	}
	return report, nil
}
