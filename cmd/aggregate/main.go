package main

import (
	"flag"
	"fmt"
	"log"
	"path/filepath"

	"github.com/joelkehle/diagdistill/internal/anatomy"
	"github.com/joelkehle/diagdistill/internal/batch"
	"github.com/joelkehle/diagdistill/internal/distill"
)

func main() {
	outputDir := flag.String("dir", "", "Batch output directory containing normalized/")
	corpusPath := flag.String("out", "", "Corpus file to write (defaults to <dir>/corpus.json)")
	flag.Parse()

	if *outputDir == "" {
		log.Fatal("missing required -dir")
	}
	path := *corpusPath
	if path == "" {
		path = filepath.Join(*outputDir, "corpus.json")
	}

	schema, err := distill.NewSchemaValidator(anatomy.Default())
	if err != nil {
		log.Fatalf("schema: %v", err)
	}
	corpus, err := batch.Aggregate(*outputDir, schema)
	if err != nil {
		log.Fatalf("aggregate: %v", err)
	}
	if err := batch.WriteCorpus(path, corpus); err != nil {
		log.Fatalf("write corpus: %v", err)
	}
	fmt.Printf("%d reports (%d empty), %d symptom entries, %d units -> %s\n",
		corpus.Reports, corpus.Empty, len(corpus.Entries), corpus.Units, path)
	if len(corpus.Invalid) > 0 {
		fmt.Printf("skipped %d reports that fail the canonical schema: %v\n", len(corpus.Invalid), corpus.Invalid)
	}
}
