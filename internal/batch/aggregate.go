package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/joelkehle/diagdistill/internal/distill"
)

var normalizedFileRe = regexp.MustCompile(`^report_(\d+)_normalized\.json$`)

// CorpusEntry is one symptom entry tagged with the report it came from.
type CorpusEntry struct {
	Report int `json:"report"`
	distill.CanonicalSymptomEntry
}

type Corpus struct {
	Reports     int            `json:"reports"`
	Empty       int            `json:"empty_reports"`
	Invalid     []int          `json:"invalid_reports,omitempty"`
	Units       int            `json:"units"`
	OrganCounts map[string]int `json:"organ_counts"`
	Entries     []CorpusEntry  `json:"entries"`
}

// Aggregate merges every normalized file under outputDir into one corpus,
// ordered by report index. When schema is set, files that violate it are
// listed in Invalid and left out of the counts.
func Aggregate(outputDir string, schema *distill.SchemaValidator) (Corpus, error) {
	dir := filepath.Join(outputDir, dirNormalized)
	files, err := os.ReadDir(dir)
	if err != nil {
		return Corpus{}, fmt.Errorf("read %s: %w", dir, err)
	}

	type indexed struct {
		index int
		name  string
	}
	var found []indexed
	for _, f := range files {
		m := normalizedFileRe.FindStringSubmatch(f.Name())
		if f.IsDir() || m == nil {
			continue
		}
		i, _ := strconv.Atoi(m[1])
		found = append(found, indexed{index: i, name: f.Name()})
	}
	sort.Slice(found, func(a, b int) bool { return found[a].index < found[b].index })

	corpus := Corpus{OrganCounts: map[string]int{}, Entries: []CorpusEntry{}}
	for _, f := range found {
		data, err := os.ReadFile(filepath.Join(dir, f.name))
		if err != nil {
			return Corpus{}, fmt.Errorf("read %s: %w", f.name, err)
		}
		var entries []distill.CanonicalSymptomEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return Corpus{}, fmt.Errorf("decode %s: %w", f.name, err)
		}
		if schema != nil && schema.Validate(entries) != nil {
			corpus.Invalid = append(corpus.Invalid, f.index)
			continue
		}
		corpus.Reports++
		if len(entries) == 0 {
			corpus.Empty++
			continue
		}
		for _, e := range entries {
			corpus.Entries = append(corpus.Entries, CorpusEntry{Report: f.index, CanonicalSymptomEntry: e})
		}
		corpus.Units += distill.UnitCount(entries)
		for organ, n := range distill.OrganCounts(entries) {
			corpus.OrganCounts[organ] += n
		}
	}
	return corpus, nil
}

// WriteCorpus writes the corpus as indented JSON.
func WriteCorpus(path string, c Corpus) error {
	data, err := marshalIndent(c)
	if err != nil {
		return fmt.Errorf("encode corpus: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
