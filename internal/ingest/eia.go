package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/gasflow/internal/httputil"
	"github.com/lox/gasflow/internal/metrics"
	"github.com/lox/gasflow/internal/models"
)

const (
	eiaBaseURL   = "https://api.eia.gov/v2/natural-gas/stor/wkly/data/"
	eiaPageSize  = 5000
	EIAEndpoint  = "natural-gas/stor/wkly"
	EIAFirstYear = "1993-01-01"
)

var ErrNoAPIKey = errors.New("EIA API key required: set EIA_API_KEY (free key at https://www.eia.gov/opendata/)")

// EIAClient fetches weekly Lower 48 working gas in storage from EIA API v2.
type EIAClient struct {
	apiKey  string
	baseURL string
	client  *http.Client

	MaxElapsedTime time.Duration
}

func NewEIAClient(apiKey string) (*EIAClient, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	return &EIAClient{
		apiKey:         apiKey,
		baseURL:        eiaBaseURL,
		client:         httputil.NewClient(),
		MaxElapsedTime: 2 * time.Minute,
	}, nil
}

type eiaResponse struct {
	Response struct {
		Total json.Number `json:"total"`
		Data  []struct {
			Period string          `json:"period"`
			Value  json.RawMessage `json:"value"`
		} `json:"data"`
	} `json:"response"`
}

// StoragePage is one raw page of the EIA response, kept for the payload archive.
type StoragePage struct {
	Offset int
	Body   []byte
}

// FetchStorage pages through every report in [start, end]. Either bound may be
// empty. Reports with a missing or non-numeric value are dropped.
func (c *EIAClient) FetchStorage(ctx context.Context, start, end string) ([]models.StorageObservation, []StoragePage, error) {
	params := url.Values{}
	params.Set("api_key", c.apiKey)
	params.Set("frequency", "weekly")
	params.Set("data[]", "value")
	params.Set("facets[duoarea][]", "R48")
	params.Set("facets[process][]", "SWO")
	params.Set("sort[0][column]", "period")
	params.Set("sort[0][direction]", "asc")
	params.Set("length", strconv.Itoa(eiaPageSize))
	if start != "" {
		params.Set("start", start)
	}
	if end != "" {
		params.Set("end", end)
	}

	var obs []models.StorageObservation
	var pages []StoragePage
	offset := 0
	for {
		params.Set("offset", strconv.Itoa(offset))
		body, err := c.get(ctx, c.baseURL+"?"+params.Encode())
		if err != nil {
			return nil, pages, err
		}
		pages = append(pages, StoragePage{Offset: offset, Body: body})

		var data eiaResponse
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, pages, fmt.Errorf("unmarshal eia page at offset %d: %w", offset, err)
		}
		rows := data.Response.Data
		if len(rows) == 0 {
			break
		}
		for _, r := range rows {
			period, err := models.ParseDate(r.Period)
			if err != nil {
				continue
			}
			v, ok := parseEIAValue(r.Value)
			if !ok {
				continue
			}
			obs = append(obs, models.StorageObservation{Period: period, StorageBcf: v})
		}

		total, err := data.Response.Total.Int64()
		if err != nil {
			// some responses quote the total
			total, _ = strconv.ParseInt(strings.Trim(data.Response.Total.String(), `"`), 10, 64)
		}
		offset += len(rows)
		if int64(offset) >= total {
			break
		}
	}
	return obs, pages, nil
}

// FetchAllHistory fetches every report since 1993.
func (c *EIAClient) FetchAllHistory(ctx context.Context) ([]models.StorageObservation, []StoragePage, error) {
	return c.FetchStorage(ctx, EIAFirstYear, "")
}

// parseEIAValue accepts values encoded as JSON numbers or numeric strings.
func parseEIAValue(raw json.RawMessage) (float64, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (c *EIAClient) get(ctx context.Context, u string) ([]byte, error) {
	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		start := time.Now()
		resp, err := c.client.Do(req)
		metrics.ProviderLatency.WithLabelValues("eia").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ProviderCallsTotal.WithLabelValues("eia", "error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("fetch eia storage: %w", err)
		}
		defer resp.Body.Close()
		metrics.ProviderCallsTotal.WithLabelValues("eia", strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("rate limited or unavailable: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("fetch eia storage: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b))))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.MaxElapsedTime
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}
