package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/starford/gebo/internal/apperr"
)

// AuthorityClient talks to the domain-authority scoring service.
type AuthorityClient struct {
	base   string
	client *resty.Client
}

// NewAuthorityClient creates a scorer client for the given base URL.
func NewAuthorityClient(baseURL string, timeout time.Duration) *AuthorityClient {
	return &AuthorityClient{base: baseURL, client: newClient(timeout)}
}

type authorityResponse struct {
	Score *float64 `json:"score"`
}

// Score looks up the authority score for a domain.
func (c *AuthorityClient) Score(ctx context.Context, domain string) (float64, error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("domain", domain).
		Get(c.base + "/score")
	if err != nil {
		return 0, transportErr("authority", err)
	}
	if !res.IsSuccess() {
		return 0, statusErr("authority", res)
	}
	var body authorityResponse
	if err := json.Unmarshal(res.Body(), &body); err != nil {
		return 0, fmt.Errorf("authority: malformed payload: %w", apperr.ErrUpstream)
	}
	if body.Score == nil {
		return 0, fmt.Errorf("authority: no score for domain: %w", apperr.ErrUpstream)
	}
	return *body.Score, nil
}
