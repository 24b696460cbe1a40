package distill

import "time"

type Role string

const (
	RolePatientComplaint   Role = "patient_complaint"
	RolePhysicianDiagnosis Role = "physician_diagnosis"
	RoleMixed              Role = "mixed"
)

// FullReportSection labels the single chunk emitted when no header matched.
const FullReportSection = "full_report"

type Report struct {
	CaseID string `json:"case_id"`
	Text   string `json:"text"`
}

type Chunk struct {
	Section string `json:"section_label"`
	Content string `json:"content"`
	Role    Role   `json:"role"`
	Start   int    `json:"start"`
}

type DescriptiveFinding struct {
	FindingText string `json:"finding_text"`
	FindingType string `json:"finding_type,omitempty"`
	SourceQuote string `json:"source_quote,omitempty"`
	BodySystem  string `json:"body_system,omitempty"`
	Confidence  string `json:"extraction_confidence,omitempty"`
}

// Stage1Output is the descriptive-finding extraction result for one chunk.
type Stage1Output struct {
	DescriptiveFindings []DescriptiveFinding `json:"descriptive_findings"`
	ExcludedContent     []any                `json:"excluded_content,omitempty"`
	ExtractionSummary   any                  `json:"extraction_summary,omitempty"`
}

type AffectedOrgan struct {
	OrganName string `json:"organ_name"`
	Context   string `json:"context,omitempty"`
}

type DiagnosedOrgan struct {
	DiagnosisText  string          `json:"diagnosis_text"`
	AffectedOrgans []AffectedOrgan `json:"affected_organs"`
	SourceQuote    string          `json:"source_quote,omitempty"`
	Confidence     string          `json:"extraction_confidence,omitempty"`
}

// Stage2Output is the diagnosed-organ extraction result for one chunk.
type Stage2Output struct {
	PhysicianDiagnoses []DiagnosedOrgan `json:"physician_diagnoses"`
}

type TextEvidence struct {
	SymptomSource   string `json:"symptom_source,omitempty"`
	DiagnosisSource string `json:"diagnosis_source,omitempty"`
	OrganSource     string `json:"organ_source,omitempty"`
	AnatomicalBasis string `json:"anatomical_basis,omitempty"`
}

type SymptomOrganMapping struct {
	PatientSymptom      string       `json:"patient_symptom"`
	DiagnosedOrgan      string       `json:"diagnosed_organ"`
	AnatomicalLocations []string     `json:"anatomical_locations"`
	TextEvidence        TextEvidence `json:"text_evidence"`
	Confidence          string       `json:"confidence,omitempty"`
}

// Stage3Output is the single anatomical-mapping result for a report.
type Stage3Output struct {
	Mappings []SymptomOrganMapping `json:"symptom_organ_mappings"`
}

type OrganLocation struct {
	OrganName           string   `json:"organName"`
	AnatomicalLocations []string `json:"anatomicalLocations"`
}

type TextualBasis struct {
	DoctorsDiagnosisAndJudgment string `json:"doctorsDiagnosisAndJudgment"`
	MedicalInference            string `json:"medicalInference"`
}

type CanonicalUnit struct {
	Diagnosis string        `json:"d_diagnosis"`
	Organ     OrganLocation `json:"o_organ"`
	Basis     TextualBasis  `json:"b_textual_basis"`
}

type UnitEnvelope struct {
	Unit CanonicalUnit `json:"u_unit"`
}

type CanonicalSymptomEntry struct {
	Symptom string         `json:"s_symptom"`
	Units   []UnitEnvelope `json:"U_unit_set"`
}

type State string

const (
	StateSegmented          State = "SEGMENTED"
	StateStage1Done         State = "STAGE1_DONE"
	StateStage2Done         State = "STAGE2_DONE"
	StateStage3Done         State = "STAGE3_DONE"
	StateNormalized         State = "NORMALIZED"
	StateIntegratedFallback State = "INTEGRATED_FALLBACK"
)

type Status string

const (
	StatusSuccess    Status = "success"
	StatusIntegrated Status = "integrated"
	StatusFailed     Status = "failed"
)

// IntegratedSource tags the raw payload of an integrated-fallback result.
const IntegratedSource = "integrated_prompt"

// IntegratedRaw is the raw payload kept when the integrated prompt succeeded.
type IntegratedRaw struct {
	Source string         `json:"source"`
	Step1  []Stage1Output `json:"step1_patient_complaints"`
	Step2  []Stage2Output `json:"step2_physician_diagnoses"`
}

// FailedRaw preserves partial stage data when every tier failed.
type FailedRaw struct {
	Step1 []Stage1Output `json:"step1"`
	Step2 []Stage2Output `json:"step2"`
	Step3 any            `json:"step3"`
}

type PipelineMetadata struct {
	StatesVisited []State   `json:"states_visited"`
	FallbackTiers []string  `json:"fallback_tiers,omitempty"`
	TotalCalls    int       `json:"total_calls"`
	FailedCalls   int       `json:"failed_calls"`
	ChunkCount    int       `json:"chunk_count"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
}

type Result struct {
	CaseID     string
	State      State
	Status     Status
	Raw        any
	Normalized []CanonicalSymptomEntry
	Chunks     []Chunk
	Stage1     []Stage1Output
	Stage2     []Stage2Output
	Stage3     *Stage3Output
	Metadata   PipelineMetadata
}

// Artifact is the per-report document consumed by corpus tooling.
type Artifact struct {
	Raw        any                     `json:"raw"`
	Normalized []CanonicalSymptomEntry `json:"normalized"`
}

func (r Result) Artifact() Artifact {
	normalized := r.Normalized
	if normalized == nil {
		normalized = []CanonicalSymptomEntry{}
	}
	return Artifact{Raw: r.Raw, Normalized: normalized}
}

// UnitCount returns the number of canonical units across all entries.
func UnitCount(entries []CanonicalSymptomEntry) int {
	n := 0
	for _, e := range entries {
		n += len(e.Units)
	}
	return n
}

// OrganCounts returns how many units reference each organ.
func OrganCounts(entries []CanonicalSymptomEntry) map[string]int {
	out := map[string]int{}
	for _, e := range entries {
		for _, u := range e.Units {
			out[u.Unit.Organ.OrganName]++
		}
	}
	return out
}
