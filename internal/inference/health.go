package inference

import (
	"context"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthStatus は1つのエンドポイントの死活状態。
type HealthStatus struct {
	Endpoint  Endpoint `json:"endpoint"`
	Healthy   bool     `json:"healthy"`
	Status    int      `json:"status,omitempty"`
	Error     string   `json:"error,omitempty"`
	LatencyMS int64    `json:"latency_ms"`
}

// CheckHealth は設定済みの全エンドポイントのGET /healthを並行して呼び出す。
// 個々の失敗は結果に含め、他のエンドポイントの確認は継続する。
func (c *Client) CheckHealth(ctx context.Context) []HealthStatus {
	endpoints := make([]Endpoint, 0, len(c.baseURLs))
	for ep := range c.baseURLs {
		endpoints = append(endpoints, ep)
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i] < endpoints[j] })

	results := make([]HealthStatus, len(endpoints))
	var g errgroup.Group
	for i, ep := range endpoints {
		g.Go(func() error {
			results[i] = c.checkOne(ctx, ep)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Client) checkOne(ctx context.Context, ep Endpoint) (st HealthStatus) {
	start := time.Now()
	st.Endpoint = ep
	defer func() { st.LatencyMS = time.Since(start).Milliseconds() }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURLs[ep]+"/health", nil)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	resp.Body.Close()

	st.Status = resp.StatusCode
	st.Healthy = resp.StatusCode >= 200 && resp.StatusCode <= 299
	return st
}
