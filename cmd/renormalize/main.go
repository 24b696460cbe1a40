package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joelkehle/diagdistill/internal/anatomy"
	"github.com/joelkehle/diagdistill/internal/config"
	"github.com/joelkehle/diagdistill/internal/distill"
	"github.com/joelkehle/diagdistill/internal/logger"
)

func main() {
	inputPath := flag.String("input", "", "Path to a saved diagnostic_<i>.json record")
	outputPath := flag.String("output", "", "Path to write the rebuilt report (defaults to stdout)")
	jsonOutputPath := flag.String("json-output", "", "Optional path to write the rebuilt record JSON")
	asHTML := flag.Bool("html", false, "Render the report as HTML instead of markdown")
	synthetic := flag.Bool("synthetic", true, "Attach unmapped findings to same-system diagnosed organs")
	configPath := flag.String("config", "", "Optional config.yaml; pipeline.synthetic_mapping overrides -synthetic")
	flag.Parse()

	if *inputPath == "" {
		log.Fatal("missing required -input")
	}

	in, err := os.ReadFile(*inputPath)
	if err != nil {
		log.Fatalf("read input: %v", err)
	}
	var rec distill.DiagnosticRecord
	if err := json.Unmarshal(in, &rec); err != nil {
		log.Fatalf("decode input JSON: %v", err)
	}

	useSynthetic := *synthetic
	level := "warn"
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatal(err)
		}
		useSynthetic = cfg.Pipeline.SyntheticMapping
		level = cfg.Log.Level
	}
	zl, err := logger.New(level, "console")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	normalizer := distill.NewNormalizer(anatomy.Default(), distill.NormalizerConfig{SyntheticMapping: useSynthetic}, zl)
	rebuilt, err := distill.Renormalize(normalizer, rec)
	if err != nil {
		log.Fatalf("renormalize: %v", err)
	}

	report := rebuilt.ReportMarkdown
	if *asHTML {
		report, err = distill.RenderHTML(report)
		if err != nil {
			log.Fatalf("render html: %v", err)
		}
	}
	if err := writeReport(*outputPath, report); err != nil {
		log.Fatalf("write report: %v", err)
	}
	if *jsonOutputPath != "" {
		if err := writeRecordJSON(*jsonOutputPath, rebuilt); err != nil {
			log.Fatalf("write json output: %v", err)
		}
	}
}

func writeReport(outputPath, report string) error {
	if outputPath == "" {
		_, err := fmt.Print(report)
		return err
	}
	return os.WriteFile(outputPath, []byte(report), 0o644)
}

func writeRecordJSON(path string, rec distill.DiagnosticRecord) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
