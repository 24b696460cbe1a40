package distill

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/joelkehle/diagdistill/internal/logger"
)

const (
	DefaultOverlapChars  = 300
	DefaultMinChunkChars = 100
)

type sectionPattern struct {
	re   *regexp.Regexp
	name string
}

func mustSections(pairs ...string) []sectionPattern {
	out := make([]sectionPattern, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, sectionPattern{re: regexp.MustCompile(`(?i)` + pairs[i]), name: pairs[i+1]})
	}
	return out
}

// Header tables, in priority order: pattern, canonical section name.
var (
	patientSections = mustSections(
		`chief complaint:?`, "chief complaint",
		`history of present illness:?`, "history of present illness",
		`present illness:?`, "present illness",
		`complaint:?`, "patient complaint",
		`patient reports:?`, "patient reports",
		`patient states:?`, "patient states",
		`patient complains of:?`, "patient complains",
		`subjective:?`, "subjective",
		`symptoms:?`, "symptoms",
		`clinical symptoms:?`, "clinical symptoms",
	)
	physicianSections = mustSections(
		`assessment and plan:?`, "assessment and plan",
		`assessment:?`, "assessment",
		`impression:?`, "impression",
		`diagnosis:?`, "diagnosis",
		`plan:?`, "treatment plan",
		`discharge diagnosis:?`, "discharge diagnosis",
		`brief hospital course:?`, "hospital course",
		`final diagnosis:?`, "final diagnosis",
		`clinical impression:?`, "clinical impression",
		`medical decision making:?`, "medical decision making",
		`\bmdm\b:?`, "medical decision making",
		`findings:?`, "findings",
		`ed course:?`, "ed course",
		`emergency department course:?`, "ed course",
		`plan and recommendations:?`, "plan and recommendations",
		`disposition:?`, "disposition",
	)
)

type SegmenterConfig struct {
	// OverlapChars rejects a chunk start closer than this to an accepted start.
	OverlapChars int
	// MinChunkChars discards trimmed chunks whose length does not exceed it.
	MinChunkChars int
}

func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{OverlapChars: DefaultOverlapChars, MinChunkChars: DefaultMinChunkChars}
}

// Segmenter splits a report into role-tagged chunks by header keywords. It is
// a heuristic: text outside recognized sections may be omitted.
type Segmenter struct {
	cfg    SegmenterConfig
	log    *zap.Logger
	groups []sectionGroup
	all    []sectionPattern
}

type sectionGroup struct {
	role     Role
	prefix   string
	patterns []sectionPattern
}

func NewSegmenter(cfg SegmenterConfig, log *zap.Logger) *Segmenter {
	all := make([]sectionPattern, 0, len(patientSections)+len(physicianSections))
	all = append(all, patientSections...)
	all = append(all, physicianSections...)
	return &Segmenter{
		cfg: cfg,
		log: logger.OrNop(log),
		groups: []sectionGroup{
			{role: RolePatientComplaint, prefix: "patient_", patterns: patientSections},
			{role: RolePhysicianDiagnosis, prefix: "physician_", patterns: physicianSections},
		},
		all: all,
	}
}

// Segment returns patient chunks first, then physician chunks. For each
// canonical pattern only the first acceptable match is kept.
func (s *Segmenter) Segment(text string) []Chunk {
	var chunks []Chunk
	var accepted []int

	for _, g := range s.groups {
		for _, p := range g.patterns {
			for _, loc := range p.re.FindAllStringIndex(text, -1) {
				start := loc[0]
				if s.overlaps(start, accepted) {
					continue
				}
				end := s.sectionEnd(text, loc[1])
				content := strings.TrimSpace(text[start:end])
				if len(content) <= s.cfg.MinChunkChars {
					continue
				}
				chunks = append(chunks, Chunk{
					Section: g.prefix + p.name,
					Content: content,
					Role:    g.role,
					Start:   start,
				})
				accepted = append(accepted, start)
				s.log.Debug("section recognized",
					zap.String("section", g.prefix+p.name),
					zap.Int("start", start),
					zap.Int("chars", len(content)))
				break
			}
		}
	}

	if len(chunks) == 0 {
		s.log.Debug("no recognized sections, using full report")
		return []Chunk{{Section: FullReportSection, Content: text, Role: RoleMixed}}
	}
	return chunks
}

func (s *Segmenter) overlaps(start int, accepted []int) bool {
	for _, a := range accepted {
		d := start - a
		if d < 0 {
			d = -d
		}
		if d < s.cfg.OverlapChars {
			return true
		}
	}
	return false
}

// sectionEnd finds the nearest header of either role after headerEnd.
func (s *Segmenter) sectionEnd(text string, headerEnd int) int {
	end := len(text)
	rest := text[headerEnd:]
	for _, p := range s.all {
		if loc := p.re.FindStringIndex(rest); loc != nil {
			if candidate := headerEnd + loc[0]; candidate < end {
				end = candidate
			}
		}
	}
	return end
}

// ChunksByRole returns the chunks tagged with role, in order.
func ChunksByRole(chunks []Chunk, role Role) []Chunk {
	var out []Chunk
	for _, c := range chunks {
		if c.Role == role {
			out = append(out, c)
		}
	}
	return out
}
