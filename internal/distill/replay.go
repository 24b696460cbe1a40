package distill

import (
	"encoding/json"
	"fmt"
)

// ResultFromRecord reconstructs a Result from a saved record so it can be
// renormalized or re-rendered without rerunning completions.
func ResultFromRecord(rec DiagnosticRecord) (Result, error) {
	res := Result{
		CaseID:     rec.CaseID,
		State:      rec.State,
		Status:     rec.Status,
		Raw:        rec.Raw,
		Normalized: rec.Normalized,
		Chunks:     rec.Chunks,
		Metadata:   rec.Metadata,
	}
	if err := decodeOptionalStageOutput(rec.StageOutputs, "stage_1", &res.Stage1); err != nil {
		return Result{}, err
	}
	if err := decodeOptionalStageOutput(rec.StageOutputs, "stage_2", &res.Stage2); err != nil {
		return Result{}, err
	}
	if _, ok := rec.StageOutputs["stage_3"]; ok {
		var s3 Stage3Output
		if err := decodeOptionalStageOutput(rec.StageOutputs, "stage_3", &s3); err != nil {
			return Result{}, err
		}
		res.Stage3 = &s3
	}
	return res, nil
}

// Renormalize reapplies the current table and rules to a saved record.
// Staged results are normalized again from their stage outputs; integrated
// results have their entries revalidated. Failed records are returned as is.
func Renormalize(n *Normalizer, rec DiagnosticRecord) (DiagnosticRecord, error) {
	res, err := ResultFromRecord(rec)
	if err != nil {
		return DiagnosticRecord{}, err
	}
	switch res.Status {
	case StatusSuccess:
		res.Normalized = n.Normalize(res.Stage1, res.Stage2, res.Stage3)
	case StatusIntegrated:
		res.Normalized = n.ValidateEntries(res.Normalized)
	case StatusFailed:
		return rec, nil
	default:
		return DiagnosticRecord{}, fmt.Errorf("record %q has unknown status %q", rec.CaseID, rec.Status)
	}
	return BuildRecord(res), nil
}

func decodeOptionalStageOutput(stageOutputs map[string]any, key string, out any) error {
	raw, ok := stageOutputs[key]
	if !ok || raw == nil {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("stage output %q marshal: %w", key, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("stage output %q decode: %w", key, err)
	}
	return nil
}
