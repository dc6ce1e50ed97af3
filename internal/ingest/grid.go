package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/gasflow/internal/httputil"
	"github.com/lox/gasflow/internal/metrics"
	"github.com/lox/gasflow/internal/models"
)

// GridClient reads per-hour population-weighted degree days from the grid
// decoding service.
type GridClient struct {
	baseURL string
	client  *http.Client

	// MaxElapsedTime bounds retries of one forecast hour.
	MaxElapsedTime time.Duration
}

func NewGridClient(baseURL string) *GridClient {
	return &GridClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		client:         httputil.NewClient(),
		MaxElapsedTime: 2 * time.Minute,
	}
}

type gridHourResponse struct {
	ValidTime string   `json:"valid_time"`
	HDD       *float64 `json:"hdd"`
	CDD       *float64 `json:"cdd"`
}

func (g *GridClient) FetchHour(ctx context.Context, id models.CycleID, fxx int) (HourSample, error) {
	url := fmt.Sprintf("%s/v1/degree-days/%s/%s/%d", g.baseURL, id.Model, id.Time().Format("2006010215"), fxx)

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		start := time.Now()
		resp, err := g.client.Do(req)
		metrics.ProviderLatency.WithLabelValues("grid").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ProviderCallsTotal.WithLabelValues("grid", "error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("fetch F%03d: %w", fxx, err)
		}
		defer resp.Body.Close()
		metrics.ProviderCallsTotal.WithLabelValues("grid", fmt.Sprint(resp.StatusCode)).Inc()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("fetch F%03d: status %d", fxx, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("fetch F%03d: status %d: %s", fxx, resp.StatusCode, strings.TrimSpace(string(b))))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = g.MaxElapsedTime
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return HourSample{}, &ProviderError{ID: id, Err: err}
	}

	var data gridHourResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return HourSample{}, &ProviderError{ID: id, Err: fmt.Errorf("unmarshal F%03d: %w", fxx, err)}
	}
	if data.HDD == nil || data.CDD == nil {
		return HourSample{}, &ProviderError{ID: id, Err: fmt.Errorf("F%03d: missing hdd/cdd", fxx)}
	}
	validTime, err := time.Parse(time.RFC3339, data.ValidTime)
	if err != nil {
		return HourSample{}, &ProviderError{ID: id, Err: fmt.Errorf("parse valid_time %q: %w", data.ValidTime, err)}
	}

	return HourSample{ValidTime: validTime.UTC(), HDD: *data.HDD, CDD: *data.CDD}, nil
}
