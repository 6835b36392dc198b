package routines

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/crewhq/crewd/pkg/config"
)

// Probe is a deterministic, read-only check whose output record condition
// rules are evaluated against. Numeric fields are float64 so they compare
// the same way JSON-decoded rule values do.
type Probe interface {
	Name() string
	Run(ctx context.Context, conf json.RawMessage) (map[string]any, error)
}

// ProbeRegistry holds the named probes available to condition routines.
type ProbeRegistry struct {
	mu     sync.RWMutex
	probes map[string]Probe
}

// NewProbeRegistry creates an empty registry.
func NewProbeRegistry() *ProbeRegistry {
	return &ProbeRegistry{probes: make(map[string]Probe)}
}

// Register adds a probe. Duplicate names fail loudly.
func (r *ProbeRegistry) Register(p Probe) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if name == "" {
		return fmt.Errorf("probe name must not be empty")
	}
	if _, exists := r.probes[name]; exists {
		return fmt.Errorf("probe %q already registered", name)
	}
	r.probes[name] = p
	return nil
}

// Get returns the named probe.
func (r *ProbeRegistry) Get(name string) (Probe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.probes[name]
	return p, ok
}

// Names lists the registered probe names sorted.
func (r *ProbeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.probes))
	for name := range r.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterBuiltinProbes wires the GitHub-backed probes into the registry.
func RegisterBuiltinProbes(reg *ProbeRegistry, cfg *config.GitHubConfig, token string) error {
	client := newGitHubAPIClient(cfg.BaseURL, token)
	for _, p := range []Probe{
		&stalePRsProbe{client: client},
		&dependencyAlertsProbe{client: client},
		&ciFailureRateProbe{client: client},
	} {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// githubAPIClient is a minimal GitHub REST client shared by the builtin
// probes. token may be empty (public repos only, lower rate limits).
type githubAPIClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func newGitHubAPIClient(baseURL, token string) *githubAPIClient {
	return &githubAPIClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		token:      token,
	}
}

// getJSON fetches an API path and decodes the response into out.
func (c *githubAPIClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	apiURL := c.baseURL + path
	if len(query) > 0 {
		apiURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GitHub API returned HTTP %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response for %s: %w", path, err)
	}
	return nil
}

// repoConfig is the shared probe configuration envelope.
type repoConfig struct {
	Repo string `json:"repo"` // "owner/name"
}

func decodeProbeConfig(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("probe config is empty")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode probe config: %w", err)
	}
	return nil
}

// stalePRsProbe counts open pull requests that have not been updated within
// the staleness window.
type stalePRsProbe struct {
	client *githubAPIClient
}

func (p *stalePRsProbe) Name() string { return "github_stale_prs" }

func (p *stalePRsProbe) Run(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var conf struct {
		repoConfig
		StaleAfterHours int `json:"stale_after_hours"`
	}
	if err := decodeProbeConfig(raw, &conf); err != nil {
		return nil, err
	}
	if conf.Repo == "" {
		return nil, fmt.Errorf("probe config requires repo")
	}
	if conf.StaleAfterHours <= 0 {
		conf.StaleAfterHours = 72
	}

	var pulls []struct {
		Number    int       `json:"number"`
		UpdatedAt time.Time `json:"updated_at"`
		Draft     bool      `json:"draft"`
	}
	query := url.Values{
		"state":     {"open"},
		"sort":      {"updated"},
		"direction": {"asc"},
		"per_page":  {"100"},
	}
	if err := p.client.getJSON(ctx, "/repos/"+conf.Repo+"/pulls", query, &pulls); err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-time.Duration(conf.StaleAfterHours) * time.Hour)
	stale := 0
	oldestAge := 0.0
	for _, pr := range pulls {
		if pr.Draft {
			continue
		}
		if pr.UpdatedAt.Before(cutoff) {
			stale++
		}
		if age := time.Since(pr.UpdatedAt).Hours(); age > oldestAge {
			oldestAge = age
		}
	}

	return map[string]any{
		"probe":            p.Name(),
		"repo":             conf.Repo,
		"open_count":       float64(len(pulls)),
		"stale_count":      float64(stale),
		"oldest_age_hours": oldestAge,
		"threshold_hours":  float64(conf.StaleAfterHours),
	}, nil
}

// dependencyAlertsProbe counts open Dependabot alerts by severity.
type dependencyAlertsProbe struct {
	client *githubAPIClient
}

func (p *dependencyAlertsProbe) Name() string { return "github_dependency_alerts" }

func (p *dependencyAlertsProbe) Run(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var conf repoConfig
	if err := decodeProbeConfig(raw, &conf); err != nil {
		return nil, err
	}
	if conf.Repo == "" {
		return nil, fmt.Errorf("probe config requires repo")
	}

	var alerts []struct {
		SecurityVulnerability struct {
			Severity string `json:"severity"`
		} `json:"security_vulnerability"`
	}
	query := url.Values{"state": {"open"}, "per_page": {"100"}}
	if err := p.client.getJSON(ctx, "/repos/"+conf.Repo+"/dependabot/alerts", query, &alerts); err != nil {
		return nil, err
	}

	counts := map[string]int{}
	for _, a := range alerts {
		counts[a.SecurityVulnerability.Severity]++
	}

	return map[string]any{
		"probe":          p.Name(),
		"repo":           conf.Repo,
		"open_count":     float64(len(alerts)),
		"critical_count": float64(counts["critical"]),
		"high_count":     float64(counts["high"]),
		"medium_count":   float64(counts["medium"]),
		"low_count":      float64(counts["low"]),
	}, nil
}

// ciFailureRateProbe measures the failure rate over the most recent
// completed workflow runs.
type ciFailureRateProbe struct {
	client *githubAPIClient
}

func (p *ciFailureRateProbe) Name() string { return "ci_failure_rate" }

func (p *ciFailureRateProbe) Run(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var conf struct {
		repoConfig
		Branch string `json:"branch"`
		Window int    `json:"window"`
	}
	if err := decodeProbeConfig(raw, &conf); err != nil {
		return nil, err
	}
	if conf.Repo == "" {
		return nil, fmt.Errorf("probe config requires repo")
	}
	if conf.Window <= 0 || conf.Window > 100 {
		conf.Window = 30
	}

	var payload struct {
		WorkflowRuns []struct {
			Conclusion string `json:"conclusion"`
		} `json:"workflow_runs"`
	}
	query := url.Values{
		"status":   {"completed"},
		"per_page": {fmt.Sprintf("%d", conf.Window)},
	}
	if conf.Branch != "" {
		query.Set("branch", conf.Branch)
	}
	if err := p.client.getJSON(ctx, "/repos/"+conf.Repo+"/actions/runs", query, &payload); err != nil {
		return nil, err
	}

	total := len(payload.WorkflowRuns)
	failed := 0
	for _, run := range payload.WorkflowRuns {
		if run.Conclusion == "failure" || run.Conclusion == "timed_out" {
			failed++
		}
	}
	rate := 0.0
	if total > 0 {
		rate = float64(failed) / float64(total)
	}

	return map[string]any{
		"probe":        p.Name(),
		"repo":         conf.Repo,
		"branch":       conf.Branch,
		"total":        float64(total),
		"failed":       float64(failed),
		"failure_rate": rate,
	}, nil
}
