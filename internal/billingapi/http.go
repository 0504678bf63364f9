package billingapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/smallbiznis/chargeflow/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	maxAttempts    = 3
	initialBackoff = 500 * time.Millisecond
	requestTimeout = 30 * time.Second
)

// HTTPClient talks to the billing provider's REST API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	limiter *ratelimit.ProviderLimiter
	log     *zap.Logger
}

func NewHTTPClient(baseURL string, limiter *ratelimit.ProviderLimiter, log *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
		limiter: limiter,
		log:     log.Named("billingapi"),
	}
}

type submitChargeBody struct {
	ServiceID   int64   `json:"service_id"`
	Kind        string  `json:"kind"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description,omitempty"`
	PeriodStart string  `json:"period_start"`
	PeriodEnd   string  `json:"period_end"`
}

type submitChargeResult struct {
	ChargeID int    `json:"charge_id"`
	Message  string `json:"message"`
}

func (c *HTTPClient) SubmitCharge(ctx context.Context, auth Credentials, req SubmitChargeRequest) (*SubmitChargeResponse, error) {
	if allowed, err := c.allow(ctx, auth); err != nil {
		c.log.Warn("rate limiter unavailable, proceeding", zap.Error(err))
	} else if !allowed {
		return &SubmitChargeResponse{
			StatusCode:   http.StatusTooManyRequests,
			HasErrors:    true,
			ErrorMessage: "local rate limit reached",
		}, nil
	}

	body, err := json.Marshal(submitChargeBody{
		ServiceID:   req.ServiceID,
		Kind:        string(req.Kind),
		Amount:      req.Amount,
		Description: req.Description,
		PeriodStart: req.PeriodStart.Format("2006-01-02"),
		PeriodEnd:   req.PeriodEnd.Format("2006-01-02"),
	})
	if err != nil {
		return nil, err
	}

	status, payload, err := c.do(ctx, auth, http.MethodPost, "/v1/charges", body)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &SubmitChargeResponse{
			StatusCode:   status,
			HasErrors:    true,
			ErrorMessage: "provider rate limit reached",
		}, nil
	case status >= 400:
		var result submitChargeResult
		_ = json.Unmarshal(payload, &result)
		return &SubmitChargeResponse{
			StatusCode:   status,
			HasErrors:    true,
			ErrorMessage: fmt.Sprintf("provider rejected charge (%d): %s", status, result.Message),
		}, nil
	}

	var result submitChargeResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decode charge response: %w", err)
	}
	return &SubmitChargeResponse{ChargeID: result.ChargeID, StatusCode: status}, nil
}

type serviceListResult struct {
	OK          bool            `json:"ok"`
	RecordCount int             `json:"record_count"`
	Records     []ServiceRecord `json:"records"`
}

func (c *HTTPClient) LookupServiceRecord(ctx context.Context, auth Credentials, number string) (*ServiceRecord, int, error) {
	if number == "" {
		return nil, 0, nil
	}

	if allowed, err := c.allow(ctx, auth); err != nil {
		c.log.Warn("rate limiter unavailable, proceeding", zap.Error(err))
	} else if !allowed {
		return nil, http.StatusTooManyRequests, nil
	}

	path := "/v1/services?number=" + url.QueryEscape(number)
	status, payload, err := c.do(ctx, auth, http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}
	if status == http.StatusTooManyRequests {
		return nil, status, nil
	}
	if status >= 400 {
		return nil, 0, nil
	}

	var result serviceListResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, 0, fmt.Errorf("decode service list: %w", err)
	}
	if !result.OK || result.RecordCount < 1 || len(result.Records) == 0 {
		return nil, 0, nil
	}

	// Prefer the most recently assigned activated service.
	var best *ServiceRecord
	for i := range result.Records {
		rec := &result.Records[i]
		if rec.ActivatedDate == "" {
			continue
		}
		if best == nil || rec.ServiceID > best.ServiceID {
			best = rec
		}
	}
	if best == nil {
		return nil, 0, nil
	}
	return best, 0, nil
}

// do issues one request with bounded retries on transport faults and 5xx.
// 4xx responses (including 429) return immediately to the caller.
func (c *HTTPClient) do(ctx context.Context, auth Credentials, method, path string, body []byte) (int, []byte, error) {
	var lastErr error
	backoff := initialBackoff

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		} else {
			reader = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+auth.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
		} else {
			payload, readErr := readAll(resp)
			if readErr != nil {
				lastErr = readErr
			} else if resp.StatusCode >= 500 {
				lastErr = fmt.Errorf("provider returned %d", resp.StatusCode)
			} else {
				return resp.StatusCode, payload, nil
			}
		}

		c.log.Warn("provider request failed",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return 0, nil, lastErr
}

func (c *HTTPClient) allow(ctx context.Context, auth Credentials) (bool, error) {
	if c.limiter == nil || !c.limiter.Enabled() {
		return true, nil
	}
	return c.limiter.Allow(ctx, auth.AuthID)
}

func readAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
