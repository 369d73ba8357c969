// payment-core/internal/fraud/scorer.go
package fraud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	errs "github.com/example/payment-core/pkg/errors"
)

// HTTPScorer calls the model service: POST {base}/score with the features.
type HTTPScorer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPScorer(baseURL string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type scoreRequest struct {
	Features Features `json:"features"`
}

type scoreResponse struct {
	Score *float64 `json:"score"`
}

func (s *HTTPScorer) Score(ctx context.Context, f Features) (float64, error) {
	body, err := json.Marshal(scoreRequest{Features: f})
	if err != nil {
		return 0, errs.Internal("encode features", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return 0, errs.Internal("build score request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, errs.Wrap(errs.KindUnavailable, "scorer_unavailable", "fraud scorer request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return 0, errs.Unavailable("scorer_unavailable", fmt.Sprintf("fraud scorer returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return 0, errs.Validation("scorer_rejected", fmt.Sprintf("fraud scorer returned %d", resp.StatusCode))
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, errs.Internal("decode score response", err)
	}
	if out.Score == nil {
		return 0, errs.Internal("score response has no score", nil)
	}
	return *out.Score, nil
}
