package metric

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// HTTPResolver resolves expressions against a metrics query API over HTTP.
type HTTPResolver struct {
	logger     *zap.Logger
	baseURL    string
	httpClient *http.Client
}

// NewHTTPResolver creates a resolver against the given query API base URL.
func NewHTTPResolver(logger *zap.Logger, baseURL string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPResolver{
		logger:  logger.Named("metric-resolver"),
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Resolve queries the metrics API for the expression as of evalTime.
func (r *HTTPResolver) Resolve(ctx context.Context, expression string, evalTime int64) (*QueryResult, error) {
	endpoint := fmt.Sprintf("%s/api/v1/query?expression=%s&ts=%s",
		r.baseURL, url.QueryEscape(expression), strconv.FormatInt(evalTime, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create query request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metric query failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read query response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("metric query failed with status %d: %s", resp.StatusCode, body)
	}

	var result QueryResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal query result: %w", err)
	}

	// The API may omit the datacenter list; derive it from series tags so the
	// data-lag guard always has something to check.
	if len(result.Datacenters) == 0 {
		seen := make(map[string]struct{})
		for _, s := range result.Series {
			dc := s.Datacenter()
			if dc == "" {
				continue
			}
			if _, ok := seen[dc]; !ok {
				seen[dc] = struct{}{}
				result.Datacenters = append(result.Datacenters, dc)
			}
		}
	}

	r.logger.Debug("Resolved expression",
		zap.String("expression", expression),
		zap.Int("series", len(result.Series)),
		zap.Strings("datacenters", result.Datacenters))
	return &result, nil
}
