package distill

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joelkehle/diagdistill/internal/anatomy"
)

const findingsContext = `Extract DESCRIPTIVE content from the medical record text: what the patient
reports and what was observed or measured. Include patient-reported symptoms,
physical examination findings, laboratory results and clinical signs.

Do NOT include diagnoses, impressions or treatment decisions. List any such
statements you skipped under "excluded_content".`

const findingsSchemaPrompt = `Required JSON schema:
{
  "descriptive_findings": [
    {
      "finding_text": "string, short normalized phrase",
      "finding_type": "patient_symptom | examination_finding | lab_result | clinical_sign",
      "source_quote": "string, verbatim text supporting the finding",
      "body_system": "cardiovascular | respiratory | gastrointestinal | neurological | genitourinary | endocrine | musculoskeletal | dermatological | other",
      "extraction_confidence": "high | medium | low"
    }
  ],
  "excluded_content": ["string"],
  "extraction_summary": "string"
}`

const organsContext = `Extract the physician's diagnoses from the medical record text and, for each
diagnosis, the organs it affects. Only report organs that the physician's
judgment links to the diagnosis. Use organ names from the allowed list.`

const organsSchemaPrompt = `Required JSON schema:
{
  "physician_diagnoses": [
    {
      "diagnosis_text": "string",
      "affected_organs": [{"organ_name": "string from the allowed list", "context": "string"}],
      "source_quote": "string, verbatim text supporting the diagnosis",
      "extraction_confidence": "high | medium | low"
    }
  ]
}`

const mappingContext = `Link each patient finding to the diagnosed organ that explains it, and name
at least two specific anatomical locations within that organ. Locations MUST
be chosen from the organ's structure list below. Never use vague locations
such as "general area" or "unspecified". Skip findings no diagnosis explains.`

const mappingSchemaPrompt = `Required JSON schema:
{
  "symptom_organ_mappings": [
    {
      "patient_symptom": "string, copied exactly from finding_text",
      "diagnosed_organ": "string from the allowed list",
      "anatomical_locations": ["string", "string"],
      "text_evidence": {
        "symptom_source": "string",
        "diagnosis_source": "string, the physician's diagnosis",
        "anatomical_basis": "string, why these locations"
      },
      "confidence": "high | medium | low"
    }
  ]
}`

const integratedContext = `Read the complete medical record and produce symptom to organ to anatomical
location relationships in one pass. A symptom is something the patient reports
or that was observed. The diagnosis must come from the physician's judgment.
Organ names must come from the allowed list, and every organ needs two or
three anatomical locations taken from its structure list.`

const integratedSchemaPrompt = `Required JSON schema (a list):
[
  {
    "s_symptom": "string",
    "U_unit_set": [
      {
        "u_unit": {
          "d_diagnosis": "string",
          "o_organ": {"organName": "string from the allowed list", "anatomicalLocations": ["string", "string"]},
          "b_textual_basis": {"doctorsDiagnosisAndJudgment": "string", "medicalInference": "string"}
        }
      }
    ]
  }
]`

// PromptBuilder renders stage prompts from the same anatomy table the
// normalizer validates against.
type PromptBuilder struct {
	organList  string
	structures string
}

func NewPromptBuilder(table *anatomy.Table) *PromptBuilder {
	b, _ := json.MarshalIndent(table.StructureMap(), "", "  ")
	return &PromptBuilder{
		organList:  "- " + strings.Join(table.Organs(), "\n- "),
		structures: string(b),
	}
}

func (p *PromptBuilder) Findings(text string) string {
	return fmt.Sprintf(`%s

Medical record text:
"""
%s
"""

%s

Respond with only valid JSON matching the schema.`, findingsContext, text, findingsSchemaPrompt)
}

func (p *PromptBuilder) Organs(text string) string {
	return fmt.Sprintf(`%s

Allowed organs:
%s

Medical record text:
"""
%s
"""

%s

Respond with only valid JSON matching the schema.`, organsContext, p.organList, text, organsSchemaPrompt)
}

func (p *PromptBuilder) Mapping(findings []Stage1Output, organs []Stage2Output, excerpt string) string {
	f, _ := json.MarshalIndent(findings, "", "  ")
	o, _ := json.MarshalIndent(organs, "", "  ")
	return fmt.Sprintf(`%s

Patient findings:
%s

Physician diagnoses:
%s

Report excerpt:
"""
%s
"""

Organ structures:
%s

%s

Respond with only valid JSON matching the schema.`, mappingContext, f, o, excerpt, p.structures, mappingSchemaPrompt)
}

func (p *PromptBuilder) Integrated(text string) string {
	return fmt.Sprintf(`%s

Organ structures:
%s

Medical record text:
"""
%s
"""

%s

Respond with only valid JSON matching the schema.`, integratedContext, p.structures, text, integratedSchemaPrompt)
}

// excerpt truncates text to n bytes on a rune boundary and marks the cut.
func excerpt(text string, n int) string {
	if n <= 0 || len(text) <= n {
		return text
	}
	return snippet(text, n)
}
