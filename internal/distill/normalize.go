package distill

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/joelkehle/diagdistill/internal/anatomy"
	"github.com/joelkehle/diagdistill/internal/logger"
	"github.com/joelkehle/diagdistill/internal/metrics"
)

const (
	minLocations = 2
	maxLocations = 3
)

var placeholderDiagnoses = map[string]bool{
	"unknown":           true,
	"unknown diagnosis": true,
	"n/a":               true,
}

type NormalizerConfig struct {
	// SyntheticMapping attaches unmapped findings to a diagnosed organ of the
	// same body system. It trades precision for recall.
	SyntheticMapping bool
}

// Normalizer reconciles stage outputs into canonical entries and is the only
// place the closed organ vocabulary and location rules are enforced.
type Normalizer struct {
	table *anatomy.Table
	cfg   NormalizerConfig
	log   *zap.Logger
}

func NewNormalizer(table *anatomy.Table, cfg NormalizerConfig, log *zap.Logger) *Normalizer {
	return &Normalizer{table: table, cfg: cfg, log: logger.OrNop(log)}
}

type diagnosisRecord struct {
	text   string
	quote  string
	organs []AffectedOrgan
}

// Normalize emits one entry per distinct symptom, in discovery order: stage-1
// findings first, then symptoms only the stage-3 mapper referenced.
func (n *Normalizer) Normalize(stage1 []Stage1Output, stage2 []Stage2Output, stage3 *Stage3Output) []CanonicalSymptomEntry {
	findings := map[string]DescriptiveFinding{}
	var symptoms []string
	seen := map[string]bool{}
	addSymptom := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			symptoms = append(symptoms, s)
		}
	}
	for _, out := range stage1 {
		for _, f := range out.DescriptiveFindings {
			text := strings.TrimSpace(f.FindingText)
			if text == "" {
				continue
			}
			if _, ok := findings[text]; !ok {
				findings[text] = f
			}
			addSymptom(text)
		}
	}

	var mappings []SymptomOrganMapping
	if stage3 != nil {
		mappings = stage3.Mappings
	}
	bySymptom := map[string][]SymptomOrganMapping{}
	for _, m := range mappings {
		s := strings.TrimSpace(m.PatientSymptom)
		if s == "" {
			continue
		}
		bySymptom[s] = append(bySymptom[s], m)
		addSymptom(s)
	}

	diagnoses := collectDiagnoses(stage2)

	out := []CanonicalSymptomEntry{}
	for _, symptom := range symptoms {
		candidates := bySymptom[symptom]
		if len(candidates) == 0 && n.cfg.SyntheticMapping {
			f, ok := findings[symptom]
			if !ok {
				f = DescriptiveFinding{FindingText: symptom}
			}
			candidates = n.synthesize(symptom, f, diagnoses)
		}

		var units []UnitEnvelope
		dedup := map[string]bool{}
		for _, m := range candidates {
			unit, ok := n.unitFromMapping(symptom, m)
			if !ok {
				continue
			}
			key := unitKey(unit)
			if dedup[key] {
				continue
			}
			dedup[key] = true
			units = append(units, UnitEnvelope{Unit: unit})
		}
		if len(units) == 0 {
			n.reject("no_valid_units", symptom, "")
			continue
		}
		out = append(out, CanonicalSymptomEntry{Symptom: symptom, Units: units})
	}
	return out
}

func collectDiagnoses(stage2 []Stage2Output) []diagnosisRecord {
	var out []diagnosisRecord
	for _, s := range stage2 {
		for _, d := range s.PhysicianDiagnoses {
			if strings.TrimSpace(d.DiagnosisText) == "" || len(d.AffectedOrgans) == 0 {
				continue
			}
			out = append(out, diagnosisRecord{text: d.DiagnosisText, quote: d.SourceQuote, organs: d.AffectedOrgans})
		}
	}
	return out
}

// synthesize links a symptom to at most one organ per diagnosis whose organ
// belongs to the finding's body system.
func (n *Normalizer) synthesize(symptom string, f DescriptiveFinding, diagnoses []diagnosisRecord) []SymptomOrganMapping {
	system := strings.ToLower(strings.TrimSpace(f.BodySystem))
	if system == "" {
		system = "other"
	}
	var out []SymptomOrganMapping
	for _, d := range diagnoses {
		for _, o := range d.organs {
			if strings.TrimSpace(o.OrganName) == "" || !n.table.MatchesSystem(system, o.OrganName) {
				continue
			}
			source := d.quote
			if strings.TrimSpace(source) == "" {
				source = d.text
			}
			out = append(out, SymptomOrganMapping{
				PatientSymptom:      symptom,
				DiagnosedOrgan:      o.OrganName,
				AnatomicalLocations: n.defaultLocations(o.OrganName),
				TextEvidence: TextEvidence{
					SymptomSource:   f.SourceQuote,
					DiagnosisSource: source,
					AnatomicalBasis: fmt.Sprintf("Based on %s system involvement and diagnosis context.", system),
				},
			})
			n.log.Info("synthetic mapping created", zap.String("symptom", symptom), zap.String("organ", o.OrganName))
			break
		}
	}
	return out
}

func (n *Normalizer) defaultLocations(organ string) []string {
	canonical, ok := n.table.Normalize(organ)
	if !ok {
		return nil
	}
	s := n.table.Structures(canonical)
	if len(s) > minLocations {
		s = s[:minLocations]
	}
	return s
}

func (n *Normalizer) unitFromMapping(symptom string, m SymptomOrganMapping) (CanonicalUnit, bool) {
	organ, ok := n.table.Normalize(m.DiagnosedOrgan)
	if !ok {
		n.reject("organ_not_allowed", symptom, m.DiagnosedOrgan)
		return CanonicalUnit{}, false
	}
	locations, ok := n.resolveLocations(organ, m.AnatomicalLocations)
	if !ok {
		n.reject("insufficient_locations", symptom, organ)
		return CanonicalUnit{}, false
	}
	diagnosis := strings.TrimSpace(m.TextEvidence.DiagnosisSource)
	if diagnosis == "" {
		diagnosis = strings.TrimSpace(m.TextEvidence.OrganSource)
	}
	if isPlaceholderDiagnosis(diagnosis) {
		n.reject("missing_diagnosis", symptom, organ)
		return CanonicalUnit{}, false
	}
	inference := strings.TrimSpace(m.TextEvidence.AnatomicalBasis)
	if inference == "" {
		inference = defaultInference(organ, locations)
	}
	return CanonicalUnit{
		Diagnosis: diagnosis,
		Organ:     OrganLocation{OrganName: organ, AnatomicalLocations: locations},
		Basis: TextualBasis{
			DoctorsDiagnosisAndJudgment: diagnosis,
			MedicalInference:            inference,
		},
	}, true
}

// resolveLocations drops vague and duplicate entries, backfills from the
// structure table up to the minimum, and caps the result.
func (n *Normalizer) resolveLocations(organ string, raw []string) ([]string, bool) {
	var out []string
	have := map[string]bool{}
	for _, loc := range raw {
		loc = strings.TrimSpace(loc)
		k := strings.ToLower(loc)
		if n.table.IsVague(loc) || have[k] {
			continue
		}
		have[k] = true
		out = append(out, loc)
	}
	if len(out) < minLocations {
		for _, s := range n.table.Structures(organ) {
			if len(out) >= minLocations {
				break
			}
			k := strings.ToLower(s)
			if have[k] || n.table.IsVague(s) {
				continue
			}
			have[k] = true
			out = append(out, s)
		}
	}
	if len(out) < minLocations {
		return nil, false
	}
	if len(out) > maxLocations {
		out = out[:maxLocations]
	}
	return out, true
}

// ValidateEntries applies the unit rules to entries produced in one pass by
// the integrated prompt, which bypass the staged mapping path.
func (n *Normalizer) ValidateEntries(entries []CanonicalSymptomEntry) []CanonicalSymptomEntry {
	out := []CanonicalSymptomEntry{}
	for _, e := range entries {
		symptom := strings.TrimSpace(e.Symptom)
		var units []UnitEnvelope
		dedup := map[string]bool{}
		for _, w := range e.Units {
			u := w.Unit
			diagnosis := strings.TrimSpace(u.Diagnosis)
			if diagnosis == "" {
				diagnosis = strings.TrimSpace(u.Basis.DoctorsDiagnosisAndJudgment)
			}
			unit, ok := n.unitFromMapping(symptom, SymptomOrganMapping{
				PatientSymptom:      symptom,
				DiagnosedOrgan:      u.Organ.OrganName,
				AnatomicalLocations: u.Organ.AnatomicalLocations,
				TextEvidence: TextEvidence{
					DiagnosisSource: diagnosis,
					AnatomicalBasis: u.Basis.MedicalInference,
				},
			})
			if !ok {
				continue
			}
			if j := strings.TrimSpace(u.Basis.DoctorsDiagnosisAndJudgment); j != "" {
				unit.Basis.DoctorsDiagnosisAndJudgment = j
			}
			key := unitKey(unit)
			if dedup[key] {
				continue
			}
			dedup[key] = true
			units = append(units, UnitEnvelope{Unit: unit})
		}
		if symptom == "" || len(units) == 0 {
			n.reject("no_valid_units", symptom, "")
			continue
		}
		out = append(out, CanonicalSymptomEntry{Symptom: symptom, Units: units})
	}
	return out
}

func (n *Normalizer) reject(reason, symptom, organ string) {
	metrics.NormalizerRejections.WithLabelValues(reason).Inc()
	n.log.Info("mapping rejected",
		zap.String("reason", reason),
		zap.String("symptom", symptom),
		zap.String("organ", organ))
}

func isPlaceholderDiagnosis(d string) bool {
	return d == "" || placeholderDiagnoses[strings.ToLower(d)]
}

func defaultInference(organ string, locations []string) string {
	return fmt.Sprintf("Clinical evidence indicates %s involvement with specific anatomical locations: %s.", organ, strings.Join(locations, ", "))
}

func unitKey(u CanonicalUnit) string {
	return strings.ToLower(u.Diagnosis) + "\x00" + u.Organ.OrganName + "\x00" + strings.ToLower(strings.Join(u.Organ.AnatomicalLocations, "\x00"))
}
