package distill

import (
	"encoding/json"
	"strings"
)

// Older prompt revisions produced section-oriented payloads. They are folded
// into the current shapes while decoding, so nothing downstream reads them.

type legacySymptomSection struct {
	OriginalText      string `json:"original_text"`
	ExtractedSymptoms []any  `json:"extracted_symptoms"`
	MainSymptoms      []any  `json:"main_symptoms"`
}

type legacyDiagnosticSection struct {
	SectionType     string `json:"section_type"`
	OriginalText    string `json:"original_text"`
	MentionedOrgans []struct {
		OrganName      string `json:"organ_name"`
		Context        string `json:"context"`
		SupportingText string `json:"supporting_text"`
	} `json:"mentioned_organs"`
}

func (s *Stage1Output) UnmarshalJSON(b []byte) error {
	type plain Stage1Output
	var wire struct {
		plain
		SymptomSections          []legacySymptomSection `json:"symptom_sections"`
		PatientComplaintSections []legacySymptomSection `json:"patient_complaint_sections"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	*s = Stage1Output(wire.plain)

	sections := wire.SymptomSections
	if len(sections) == 0 {
		sections = wire.PatientComplaintSections
	}
	for _, sec := range sections {
		symptoms := sec.ExtractedSymptoms
		if len(symptoms) == 0 {
			symptoms = sec.MainSymptoms
		}
		for _, v := range symptoms {
			text, ok := v.(string)
			if !ok || strings.TrimSpace(text) == "" {
				continue
			}
			s.DescriptiveFindings = append(s.DescriptiveFindings, DescriptiveFinding{
				FindingText: text,
				FindingType: "patient_symptom",
				SourceQuote: sec.OriginalText,
				BodySystem:  "other",
				Confidence:  "medium",
			})
		}
	}
	return nil
}

func (s *Stage2Output) UnmarshalJSON(b []byte) error {
	type plain Stage2Output
	var wire struct {
		plain
		DiagnosticSections []legacyDiagnosticSection `json:"diagnostic_sections"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	*s = Stage2Output(wire.plain)

	for _, sec := range wire.DiagnosticSections {
		for _, o := range sec.MentionedOrgans {
			if strings.TrimSpace(o.OrganName) == "" || strings.TrimSpace(o.Context) == "" {
				continue
			}
			s.PhysicianDiagnoses = append(s.PhysicianDiagnoses, DiagnosedOrgan{
				DiagnosisText:  o.Context,
				AffectedOrgans: []AffectedOrgan{{OrganName: o.OrganName, Context: o.Context}},
				SourceQuote:    sec.OriginalText,
				Confidence:     "medium",
			})
		}
	}
	return nil
}
