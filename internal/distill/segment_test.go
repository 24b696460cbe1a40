package distill

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filler(word string, n int) string {
	return strings.TrimSpace(strings.Repeat(word+" ", n))
}

func TestSegmentScenario(t *testing.T) {
	chunks := scenarioSegmenter().Segment(scenarioReport)
	require.Len(t, chunks, 2)

	assert.Equal(t, RolePatientComplaint, chunks[0].Role)
	assert.Equal(t, "patient_chief complaint", chunks[0].Section)
	assert.Equal(t, "Chief Complaint: chest pain radiating to left arm.", chunks[0].Content)

	assert.Equal(t, RolePhysicianDiagnosis, chunks[1].Role)
	assert.Equal(t, "physician_assessment", chunks[1].Section)
	assert.True(t, strings.HasPrefix(chunks[1].Content, "Assessment: Acute myocardial infarction"))
}

func TestSegmentWithoutHeadersFallsBackToMixed(t *testing.T) {
	text := "Patient was seen today. " + filler("stable", 40)
	chunks := NewSegmenter(DefaultSegmenterConfig(), nil).Segment(text)
	require.Len(t, chunks, 1)
	assert.Equal(t, RoleMixed, chunks[0].Role)
	assert.Equal(t, FullReportSection, chunks[0].Section)
	assert.Equal(t, text, chunks[0].Content)
}

func TestSegmentDropsShortSections(t *testing.T) {
	text := "Chief Complaint: cough.\n\nDisposition: " + filler("home", 40)
	chunks := NewSegmenter(DefaultSegmenterConfig(), nil).Segment(text)
	require.Len(t, chunks, 1)
	assert.Equal(t, "physician_disposition", chunks[0].Section)
}

func TestSegmentRejectsNearbyStarts(t *testing.T) {
	text := "Chief Complaint: " + filler("pain", 30) + "\n" +
		"History of Present Illness: " + filler("onset", 30) + "\n" +
		filler("detail", 60) + "\n" +
		"Assessment: " + filler("infarct", 30) + "\n" +
		"Impression: " + filler("ischemia", 30)

	s := NewSegmenter(DefaultSegmenterConfig(), nil)
	chunks := s.Segment(text)
	require.NotEmpty(t, chunks)

	for i := range chunks {
		for j := i + 1; j < len(chunks); j++ {
			d := chunks[i].Start - chunks[j].Start
			if d < 0 {
				d = -d
			}
			assert.GreaterOrEqual(t, d, DefaultOverlapChars, "%s vs %s", chunks[i].Section, chunks[j].Section)
		}
	}

	var sections []string
	for _, c := range chunks {
		sections = append(sections, c.Section)
	}
	assert.Contains(t, sections, "patient_chief complaint")
	assert.NotContains(t, sections, "patient_history of present illness")
	assert.Contains(t, sections, "physician_assessment")
	assert.NotContains(t, sections, "physician_impression")
}

func TestSegmentEndsAtNextHeaderOfEitherRole(t *testing.T) {
	text := "Assessment: pneumonia of the right lower lobe.\nSymptoms: productive cough and fever for three days."
	chunks := scenarioSegmenter().Segment(text)
	require.Len(t, chunks, 2)

	byRole := map[Role]Chunk{}
	for _, c := range chunks {
		byRole[c.Role] = c
	}
	assert.Equal(t, "Assessment: pneumonia of the right lower lobe.", byRole[RolePhysicianDiagnosis].Content)
	assert.Equal(t, "Symptoms: productive cough and fever for three days.", byRole[RolePatientComplaint].Content)
}

func TestSegmentKeepsFirstMatchPerPattern(t *testing.T) {
	text := "Assessment: " + filler("first", 40) + "\n" + filler("gap", 100) + "\nAssessment: " + filler("second", 40)
	chunks := NewSegmenter(DefaultSegmenterConfig(), nil).Segment(text)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Contains(t, chunks[0].Content, "first")
}

func TestChunksByRole(t *testing.T) {
	chunks := []Chunk{
		{Section: "a", Role: RolePatientComplaint},
		{Section: "b", Role: RolePhysicianDiagnosis},
		{Section: "c", Role: RolePatientComplaint},
	}
	got := ChunksByRole(chunks, RolePatientComplaint)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Section)
	assert.Equal(t, "c", got[1].Section)
	assert.Empty(t, ChunksByRole(chunks, RoleMixed))
}
