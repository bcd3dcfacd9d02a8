package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nodalwatch/ace/internal/domain"
)

// webhookRequest/webhookResponse are the wire shapes posted to and read
// back from an out-of-process analysis module reached over HTTP, the
// simplest concrete ModuleRunner a deployment can point cmd/ace-worker at
// without writing Go.
type webhookRequest struct {
	ModuleType domain.AnalysisModuleType `json:"module_type"`
	Observable domain.Observable         `json:"observable"`
}

type webhookResponse struct {
	Analysis       domain.Analysis     `json:"analysis"`
	NewObservables []domain.Observable `json:"new_observables"`
	Error          string              `json:"error"`
}

// WebhookRunner is a ModuleRunner that POSTs the observable to a fixed
// URL and decodes the module's verdict from the JSON response body,
// matching spec §1's "analysis-module business logic is out of scope;
// treated as a black-box callable" by pushing that logic entirely
// outside the process.
type WebhookRunner struct {
	URL    string
	Client *http.Client
}

// NewWebhookRunner creates a WebhookRunner posting to url. A nil client
// defaults to http.DefaultClient; callers running many module pools
// should share one client across runners to reuse connections.
func NewWebhookRunner(url string, client *http.Client) *WebhookRunner {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookRunner{URL: url, Client: client}
}

// Run implements ModuleRunner.
func (wr *WebhookRunner) Run(ctx context.Context, amt domain.AnalysisModuleType, observable domain.Observable) (Result, error) {
	body, err := json.Marshal(webhookRequest{ModuleType: amt, Observable: observable})
	if err != nil {
		return Result{}, fmt.Errorf("webhook runner: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wr.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("webhook runner: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := wr.Client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("webhook runner: %s: %w", amt.Name, err)
	}
	defer resp.Body.Close()

	var out webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("webhook runner: decode response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest || out.Error != "" {
		return Result{}, fmt.Errorf("webhook runner: %s: module error: %s (status %d)", amt.Name, out.Error, resp.StatusCode)
	}

	return Result{Analysis: out.Analysis, NewObservables: out.NewObservables}, nil
}
