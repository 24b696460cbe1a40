package distill

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/joelkehle/diagdistill/internal/anatomy"
)

// fakeCaller replays queued responses; once the queue is drained it keeps
// returning the last entry.
type fakeCaller struct {
	mu        sync.Mutex
	model     string
	responses []string
	errs      []error
	prompts   []string
}

func (f *fakeCaller) ModelName() string {
	if f.model == "" {
		return "fake-model"
	}
	return f.model
}

func (f *fakeCaller) GenerateJSON(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.prompts)
	f.prompts = append(f.prompts, prompt)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[min(i, len(f.errs)-1)]
	}
	if err != nil {
		return "", err
	}
	if len(f.responses) == 0 {
		return "", nil
	}
	return f.responses[min(i, len(f.responses)-1)], nil
}

func (f *fakeCaller) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// mockRunner scripts stage results per step label.
type mockRunner struct {
	findings   func(text, step string) (Stage1Output, error)
	organs     func(text, step string) (Stage2Output, error)
	mapping    func() (Stage3Output, error)
	integrated func() (json.RawMessage, error)
	steps      []string
}

func (m *mockRunner) RunFindings(_ context.Context, text, step string) (Stage1Output, error) {
	m.steps = append(m.steps, step)
	if m.findings == nil {
		return Stage1Output{}, &StageError{Stage: step, Err: ErrUnparsable}
	}
	return m.findings(text, step)
}

func (m *mockRunner) RunOrgans(_ context.Context, text, step string) (Stage2Output, error) {
	m.steps = append(m.steps, step)
	if m.organs == nil {
		return Stage2Output{}, &StageError{Stage: step, Err: ErrUnparsable}
	}
	return m.organs(text, step)
}

func (m *mockRunner) RunMapping(context.Context, []Stage1Output, []Stage2Output, string) (Stage3Output, json.RawMessage, error) {
	m.steps = append(m.steps, "anatomical_mapping")
	if m.mapping == nil {
		return Stage3Output{}, nil, &StageError{Stage: "anatomical_mapping", Err: ErrUnparsable}
	}
	out, err := m.mapping()
	if err != nil {
		return Stage3Output{}, nil, err
	}
	raw, _ := json.Marshal(out)
	return out, raw, nil
}

func (m *mockRunner) RunIntegrated(context.Context, string) (json.RawMessage, error) {
	m.steps = append(m.steps, "integrated")
	if m.integrated == nil {
		return nil, &StageError{Stage: "integrated", Err: ErrUnparsable}
	}
	return m.integrated()
}

func newTestNormalizer(synthetic bool) *Normalizer {
	return NewNormalizer(anatomy.Default(), NormalizerConfig{SyntheticMapping: synthetic}, nil)
}

func heartFinding() DescriptiveFinding {
	return DescriptiveFinding{
		FindingText: "chest pain radiating to left arm",
		FindingType: "patient_symptom",
		SourceQuote: "chest pain radiating to left arm",
		BodySystem:  "cardiovascular",
		Confidence:  "high",
	}
}

func heartDiagnosis() DiagnosedOrgan {
	return DiagnosedOrgan{
		DiagnosisText:  "Acute myocardial infarction",
		AffectedOrgans: []AffectedOrgan{{OrganName: "Heart (Cor)", Context: "infarction"}},
		SourceQuote:    "Acute myocardial infarction, recommend catheterization",
	}
}

func heartMapping() SymptomOrganMapping {
	return SymptomOrganMapping{
		PatientSymptom:      "chest pain radiating to left arm",
		DiagnosedOrgan:      "Heart (Cor)",
		AnatomicalLocations: []string{"Left Ventricle (LV)", "Interventricular Septum (IVS)"},
		TextEvidence: TextEvidence{
			SymptomSource:   "chest pain radiating to left arm",
			DiagnosisSource: "Acute myocardial infarction",
			AnatomicalBasis: "Infarction of the anterior wall involves the left ventricle and septum.",
		},
		Confidence: "high",
	}
}

const scenarioReport = "Chief Complaint: chest pain radiating to left arm.\n\nAssessment: Acute myocardial infarction, recommend catheterization."

// scenarioSegmenter loosens the length heuristics for short fixture reports.
func scenarioSegmenter() *Segmenter {
	return NewSegmenter(SegmenterConfig{OverlapChars: 20, MinChunkChars: 10}, nil)
}
