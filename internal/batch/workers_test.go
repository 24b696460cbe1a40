package batch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/diagdistill/internal/anatomy"
	"github.com/joelkehle/diagdistill/internal/config"
	"github.com/joelkehle/diagdistill/internal/distill"
	"github.com/joelkehle/diagdistill/internal/logger"
)

const scriptedReport = `Chief Complaint: crushing chest pain radiating to the left arm since this morning.

Assessment: acute anterior myocardial infarction involving the left ventricle.`

// scriptedModel answers each stage prompt with a fixed, valid payload.
func scriptedModel(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		prompt := req.Messages[len(req.Messages)-1].Content

		var content string
		switch {
		case strings.HasPrefix(prompt, "Extract DESCRIPTIVE"):
			content = `{"descriptive_findings":[{"finding_text":"chest pain","body_system":"cardiovascular","source_quote":"crushing chest pain"}]}`
		case strings.HasPrefix(prompt, "Extract the physician's diagnoses"):
			content = "```json\n" + `{"physician_diagnoses":[{"diagnosis_text":"Acute myocardial infarction","affected_organs":[{"organ_name":"heart"}]}]}` + "\n```"
		case strings.HasPrefix(prompt, "Link each patient finding"):
			content = `{"symptom_organ_mappings":[{"patient_symptom":"chest pain","diagnosed_organ":"Heart","anatomical_locations":["Left Ventricle (LV)","Interventricular Septum (IVS)"],"text_evidence":{"diagnosis_source":"Acute myocardial infarction","anatomical_basis":"Anterior infarct territory."}}]}`
		default:
			content = `[]`
		}
		body, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": content}, "finish_reason": "stop"}},
		})
		_, _ = w.Write(body)
	}))
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{
			OverlapChars:               20,
			MinChunkChars:              10,
			ReportExcerptChars:         2000,
			MinFindingsBeforeNarrative: 1,
		},
		Client: config.ClientConfig{MaxRetries: 1, Timeout: 5 * time.Second, MaxTokens: 500},
		Cache:  config.CacheConfig{TTL: time.Hour},
		Credentials: map[string]config.CredentialConfig{
			"ds1": {Provider: config.ProviderOpenAI, BaseURL: baseURL, APIKey: "k1", Model: "deepseek-chat"},
			"ds2": {Provider: config.ProviderOpenAI, BaseURL: baseURL, APIKey: "k2", Model: "deepseek-chat"},
		},
	}
}

func TestNewWorkersSelectsCredentials(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	workers, err := NewWorkers(cfg, nil, anatomy.Default(), nil, nil)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "ds1", workers[0].Credential)
	assert.Equal(t, "ds2", workers[1].Credential)

	workers, err = NewWorkers(cfg, []string{"DS2"}, anatomy.Default(), nil, nil)
	require.NoError(t, err)
	require.Len(t, workers, 1)

	_, err = NewWorkers(cfg, []string{"nope"}, anatomy.Default(), nil, nil)
	assert.ErrorIs(t, err, config.ErrUnknownCredential)

	_, err = NewWorkers(&config.Config{}, nil, anatomy.Default(), nil, nil)
	assert.Error(t, err)
}

func TestPipelineEndToEndWithCache(t *testing.T) {
	var calls atomic.Int32
	srv := scriptedModel(t, &calls)
	defer srv.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := testConfig(srv.URL)
	p, err := NewPipeline(cfg, "ds1", anatomy.Default(), rdb, logger.NewTestLogger(t))
	require.NoError(t, err)

	report := distill.Report{CaseID: "7", Text: scriptedReport}
	res, err := p.Run(context.Background(), report)
	require.NoError(t, err)
	require.Equal(t, distill.StatusSuccess, res.Status)
	require.Len(t, res.Normalized, 1)
	unit := res.Normalized[0].Units[0].Unit
	assert.Equal(t, "chest pain", res.Normalized[0].Symptom)
	assert.Equal(t, "Heart (Cor)", unit.Organ.OrganName)
	assert.Equal(t, []string{"Left Ventricle (LV)", "Interventricular Septum (IVS)"}, unit.Organ.AnatomicalLocations)
	assert.Equal(t, "Acute myocardial infarction", unit.Diagnosis)

	first := calls.Load()
	require.Positive(t, first)

	again, err := p.Run(context.Background(), report)
	require.NoError(t, err)
	assert.Equal(t, res.Normalized, again.Normalized)
	assert.Equal(t, first, calls.Load(), "second run should be served from the completion cache")
}
