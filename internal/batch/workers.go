package batch

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joelkehle/diagdistill/internal/anatomy"
	"github.com/joelkehle/diagdistill/internal/config"
	"github.com/joelkehle/diagdistill/internal/distill"
	"github.com/joelkehle/diagdistill/internal/logger"
)

// NewPipeline assembles an orchestrator around one credential profile. rdb
// enables the completion cache when non-nil.
func NewPipeline(cfg *config.Config, credential string, table *anatomy.Table, rdb redis.Cmdable, log *zap.Logger) (*distill.Orchestrator, error) {
	cred, err := cfg.Credential(credential)
	if err != nil {
		return nil, err
	}
	caller, err := distill.NewCallerFromCredential(cred, distill.GenerationParamsFromConfig(cfg.Client))
	if err != nil {
		return nil, fmt.Errorf("credential %s: %w", credential, err)
	}
	if rdb != nil {
		caller = distill.NewCachedCaller(caller, rdb, cfg.Cache.TTL, log)
	}
	log = logger.OrNop(log).With(zap.String("credential", credential))
	client := distill.NewCompletionClient(caller, distill.ClientOptionsFromConfig(cfg.Client), log)
	runner := distill.NewLLMStageRunner(client, distill.NewPromptBuilder(table), log)
	segmenter := distill.NewSegmenter(distill.SegmenterConfig{
		OverlapChars:  cfg.Pipeline.OverlapChars,
		MinChunkChars: cfg.Pipeline.MinChunkChars,
	}, log)
	normalizer := distill.NewNormalizer(table, distill.NormalizerConfig{SyntheticMapping: cfg.Pipeline.SyntheticMapping}, log)
	return distill.NewOrchestrator(segmenter, runner, normalizer, distill.OrchestratorConfigFromConfig(cfg.Pipeline), log), nil
}

// NewWorkers builds one worker per named credential. An empty list selects
// every configured credential.
func NewWorkers(cfg *config.Config, names []string, table *anatomy.Table, rdb redis.Cmdable, log *zap.Logger) ([]Worker, error) {
	if len(names) == 0 {
		names = cfg.CredentialNames()
	}
	if len(names) == 0 {
		return nil, errors.New("no credentials configured")
	}
	workers := make([]Worker, 0, len(names))
	for _, name := range names {
		p, err := NewPipeline(cfg, name, table, rdb, log)
		if err != nil {
			return nil, err
		}
		workers = append(workers, Worker{Credential: name, Pipeline: p})
	}
	return workers, nil
}
