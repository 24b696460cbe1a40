package distill

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/diagdistill/internal/anatomy"
)

func assertCanonical(t *testing.T, entries []CanonicalSymptomEntry) {
	t.Helper()
	tbl := anatomy.Default()
	for _, e := range entries {
		require.NotEmpty(t, e.Units, e.Symptom)
		for _, w := range e.Units {
			u := w.Unit
			assert.True(t, tbl.IsAllowed(u.Organ.OrganName), u.Organ.OrganName)
			assert.GreaterOrEqual(t, len(u.Organ.AnatomicalLocations), 2)
			assert.LessOrEqual(t, len(u.Organ.AnatomicalLocations), 3)
			for _, loc := range u.Organ.AnatomicalLocations {
				assert.False(t, tbl.IsVague(loc), loc)
			}
			assert.NotEmpty(t, u.Diagnosis)
		}
	}
}

func TestNormalizeScenario(t *testing.T) {
	n := newTestNormalizer(true)
	out := n.Normalize(
		[]Stage1Output{{DescriptiveFindings: []DescriptiveFinding{heartFinding()}}},
		[]Stage2Output{{PhysicianDiagnoses: []DiagnosedOrgan{heartDiagnosis()}}},
		&Stage3Output{Mappings: []SymptomOrganMapping{heartMapping()}},
	)
	require.Len(t, out, 1)
	assert.Equal(t, "chest pain radiating to left arm", out[0].Symptom)
	require.Len(t, out[0].Units, 1)

	u := out[0].Units[0].Unit
	assert.Equal(t, "Heart (Cor)", u.Organ.OrganName)
	assert.Equal(t, []string{"Left Ventricle (LV)", "Interventricular Septum (IVS)"}, u.Organ.AnatomicalLocations)
	assert.Equal(t, "Acute myocardial infarction", u.Diagnosis)
	assert.Equal(t, "Acute myocardial infarction", u.Basis.DoctorsDiagnosisAndJudgment)
	assert.Equal(t, heartMapping().TextEvidence.AnatomicalBasis, u.Basis.MedicalInference)
}

func TestNormalizeCanonicalizesOrganNames(t *testing.T) {
	m := heartMapping()
	m.DiagnosedOrgan = "  the HEART "
	out := newTestNormalizer(false).Normalize(nil, nil, &Stage3Output{Mappings: []SymptomOrganMapping{m}})
	require.Len(t, out, 1)
	assert.Equal(t, "Heart (Cor)", out[0].Units[0].Unit.Organ.OrganName)
}

func TestNormalizeRejectsOrgansOutsideWhitelist(t *testing.T) {
	m := heartMapping()
	m.DiagnosedOrgan = "Flux capacitor"
	out := newTestNormalizer(false).Normalize(nil, nil, &Stage3Output{Mappings: []SymptomOrganMapping{m}})
	assert.Empty(t, out)
	assert.NotNil(t, out)
}

func TestNormalizeLocationRules(t *testing.T) {
	cases := []struct {
		name string
		in   []string
		want []string
	}{
		{"vague removed then backfilled", []string{"General area", "Left Ventricle (LV)"}, []string{"Left Ventricle (LV)", "Aortic Valve"}},
		{"backfill skips present structures", []string{"Aortic Valve"}, []string{"Aortic Valve", "Mitral Valve"}},
		{"backfill from nothing", nil, []string{"Aortic Valve", "Mitral Valve"}},
		{"duplicates collapse", []string{"Pericardium", "pericardium", "Mitral Valve"}, []string{"Pericardium", "Mitral Valve"}},
		{"capped at three", []string{"Aortic Valve", "Mitral Valve", "Tricuspid Valve", "Pulmonary Valve"}, []string{"Aortic Valve", "Mitral Valve", "Tricuspid Valve"}},
		{"all vague", []string{"unspecified", "multiple systems", "unknown"}, []string{"Aortic Valve", "Mitral Valve"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := heartMapping()
			m.AnatomicalLocations = tc.in
			out := newTestNormalizer(false).Normalize(nil, nil, &Stage3Output{Mappings: []SymptomOrganMapping{m}})
			require.Len(t, out, 1)
			assert.Equal(t, tc.want, out[0].Units[0].Unit.Organ.AnatomicalLocations)
		})
	}
}

func TestNormalizeBackfillsFromInjectedTable(t *testing.T) {
	tbl, err := anatomy.Load([]byte(`
vague_markers: [general]
organs:
  - name: Heart (Cor)
    aliases: [heart]
    structures: [Aortic Valve, Mitral Valve]
`))
	require.NoError(t, err)
	n := NewNormalizer(tbl, NormalizerConfig{}, nil)

	m := heartMapping()
	m.AnatomicalLocations = []string{"Left Ventricle (LV)"}
	out := n.Normalize(nil, nil, &Stage3Output{Mappings: []SymptomOrganMapping{m}})
	require.Len(t, out, 1)
	assert.Equal(t, []string{"Left Ventricle (LV)", "Aortic Valve"}, out[0].Units[0].Unit.Organ.AnatomicalLocations)
}

func TestNormalizeRequiresDiagnosis(t *testing.T) {
	for _, d := range []string{"", "Unknown", "unknown diagnosis", "N/A", "  "} {
		m := heartMapping()
		m.TextEvidence.DiagnosisSource = d
		out := newTestNormalizer(false).Normalize(nil, nil, &Stage3Output{Mappings: []SymptomOrganMapping{m}})
		assert.Empty(t, out, "%q", d)
	}

	m := heartMapping()
	m.TextEvidence.DiagnosisSource = ""
	m.TextEvidence.OrganSource = "STEMI involving the anterior wall"
	out := newTestNormalizer(false).Normalize(nil, nil, &Stage3Output{Mappings: []SymptomOrganMapping{m}})
	require.Len(t, out, 1)
	assert.Equal(t, "STEMI involving the anterior wall", out[0].Units[0].Unit.Diagnosis)
}

func TestNormalizeDefaultInference(t *testing.T) {
	m := heartMapping()
	m.TextEvidence.AnatomicalBasis = ""
	out := newTestNormalizer(false).Normalize(nil, nil, &Stage3Output{Mappings: []SymptomOrganMapping{m}})
	require.Len(t, out, 1)
	assert.Equal(t,
		"Clinical evidence indicates Heart (Cor) involvement with specific anatomical locations: Left Ventricle (LV), Interventricular Septum (IVS).",
		out[0].Units[0].Unit.Basis.MedicalInference)
}

func TestNormalizeUnionsSymptomSourcesInDiscoveryOrder(t *testing.T) {
	s1 := []Stage1Output{{DescriptiveFindings: []DescriptiveFinding{
		{FindingText: "dyspnea", BodySystem: "respiratory"},
		heartFinding(),
	}}}
	onlyMapped := heartMapping()
	onlyMapped.PatientSymptom = "diaphoresis"
	s3 := &Stage3Output{Mappings: []SymptomOrganMapping{heartMapping(), onlyMapped}}

	out := newTestNormalizer(false).Normalize(s1, nil, s3)
	require.Len(t, out, 2)
	assert.Equal(t, "chest pain radiating to left arm", out[0].Symptom)
	assert.Equal(t, "diaphoresis", out[1].Symptom)
}

func TestNormalizeDeduplicatesUnits(t *testing.T) {
	dup := heartMapping()
	dup.DiagnosedOrgan = "heart"
	dup.Confidence = "low"
	out := newTestNormalizer(false).Normalize(nil, nil, &Stage3Output{Mappings: []SymptomOrganMapping{heartMapping(), dup}})
	require.Len(t, out, 1)
	assert.Len(t, out[0].Units, 1)
}

func TestNormalizeSyntheticMapping(t *testing.T) {
	s1 := []Stage1Output{{DescriptiveFindings: []DescriptiveFinding{heartFinding()}}}
	diag := heartDiagnosis()
	diag.AffectedOrgans = append(diag.AffectedOrgans, AffectedOrgan{OrganName: "coronary artery"})
	s2 := []Stage2Output{{PhysicianDiagnoses: []DiagnosedOrgan{diag}}}

	out := newTestNormalizer(true).Normalize(s1, s2, nil)
	require.Len(t, out, 1)
	require.Len(t, out[0].Units, 1, "one organ per diagnosis")

	u := out[0].Units[0].Unit
	assert.Equal(t, "Heart (Cor)", u.Organ.OrganName)
	assert.Equal(t, []string{"Aortic Valve", "Mitral Valve"}, u.Organ.AnatomicalLocations)
	assert.Equal(t, diag.SourceQuote, u.Diagnosis)
	assert.Equal(t, "Based on cardiovascular system involvement and diagnosis context.", u.Basis.MedicalInference)

	assert.Empty(t, newTestNormalizer(false).Normalize(s1, s2, nil))
}

func TestNormalizeSyntheticMappingNeedsMatchingSystem(t *testing.T) {
	f := heartFinding()
	f.BodySystem = "respiratory"
	s1 := []Stage1Output{{DescriptiveFindings: []DescriptiveFinding{f}}}
	s2 := []Stage2Output{{PhysicianDiagnoses: []DiagnosedOrgan{heartDiagnosis()}}}
	assert.Empty(t, newTestNormalizer(true).Normalize(s1, s2, nil))

	f.BodySystem = ""
	s1 = []Stage1Output{{DescriptiveFindings: []DescriptiveFinding{f}}}
	assert.Empty(t, newTestNormalizer(true).Normalize(s1, s2, nil))
}

func TestNormalizeIsIdempotent(t *testing.T) {
	s1 := []Stage1Output{{DescriptiveFindings: []DescriptiveFinding{
		heartFinding(),
		{FindingText: "productive cough", BodySystem: "respiratory", SourceQuote: "cough with sputum"},
	}}}
	s2 := []Stage2Output{{PhysicianDiagnoses: []DiagnosedOrgan{
		heartDiagnosis(),
		{DiagnosisText: "Community acquired pneumonia", AffectedOrgans: []AffectedOrgan{{OrganName: "lungs"}}},
	}}}
	s3 := &Stage3Output{Mappings: []SymptomOrganMapping{heartMapping()}}

	n := newTestNormalizer(true)
	first := n.Normalize(s1, s2, s3)
	second := n.Normalize(s1, s2, s3)
	assert.ElementsMatch(t, first, second)
	require.Len(t, first, 2)
	assertCanonical(t, first)
}

func TestNormalizeInvariantsHoldForArbitraryInput(t *testing.T) {
	tbl := anatomy.Default()
	organs := append(tbl.Organs(), "Flux capacitor", "", "heart", "KIDNEYS", "vein", "Lymph nodes")
	locations := [][]string{
		nil,
		{"general area"},
		{"Unspecified", "unknown region", "General"},
		{"Left lobe", "Left lobe", "Right lobe", "Upper pole", "Lower pole"},
		{"Site A"},
	}
	var mappings []SymptomOrganMapping
	for i, o := range organs {
		mappings = append(mappings, SymptomOrganMapping{
			PatientSymptom:      []string{"pain", "swelling", "fatigue"}[i%3],
			DiagnosedOrgan:      o,
			AnatomicalLocations: locations[i%len(locations)],
			TextEvidence:        TextEvidence{DiagnosisSource: []string{"Disease X", "unknown", ""}[i%3]},
		})
	}
	out := newTestNormalizer(true).Normalize(nil, nil, &Stage3Output{Mappings: mappings})
	require.NotEmpty(t, out)
	assertCanonical(t, out)
}

func TestValidateEntries(t *testing.T) {
	entries := []CanonicalSymptomEntry{
		{
			Symptom: "cough",
			Units: []UnitEnvelope{
				{Unit: CanonicalUnit{
					Diagnosis: "Pneumonia",
					Organ:     OrganLocation{OrganName: "lung", AnatomicalLocations: []string{"Right Lower Lobe", "general area"}},
					Basis:     TextualBasis{DoctorsDiagnosisAndJudgment: "Pneumonia per chest x-ray"},
				}},
				{Unit: CanonicalUnit{
					Diagnosis: "Pneumonia",
					Organ:     OrganLocation{OrganName: "Aether", AnatomicalLocations: []string{"A", "B"}},
				}},
			},
		},
		{Symptom: "malaise", Units: nil},
		{Symptom: "", Units: []UnitEnvelope{{Unit: CanonicalUnit{Diagnosis: "x", Organ: OrganLocation{OrganName: "Heart"}}}}},
	}

	out := newTestNormalizer(false).ValidateEntries(entries)
	require.Len(t, out, 1)
	require.Len(t, out[0].Units, 1)
	u := out[0].Units[0].Unit
	assert.Equal(t, "Lung (Pulmo)", u.Organ.OrganName)
	require.Len(t, u.Organ.AnatomicalLocations, 2)
	assert.Equal(t, "Right Lower Lobe", u.Organ.AnatomicalLocations[0])
	assert.Equal(t, "Pneumonia per chest x-ray", u.Basis.DoctorsDiagnosisAndJudgment)
	assert.NotEmpty(t, u.Basis.MedicalInference)
	assertCanonical(t, out)
}
