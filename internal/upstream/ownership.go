package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/starford/gebo/internal/apperr"
)

// OwnershipClient talks to the site-ownership verification service.
type OwnershipClient struct {
	base   string
	client *resty.Client
}

// NewOwnershipClient creates an ownership-verifier client for the given base URL.
func NewOwnershipClient(baseURL string, timeout time.Duration) *OwnershipClient {
	return &OwnershipClient{base: baseURL, client: newClient(timeout)}
}

type ownershipRequest struct {
	Domain string `json:"domain"`
	Proof  string `json:"proof"`
}

type ownershipResponse struct {
	Verified bool `json:"verified"`
}

// VerifyOwnership checks a domain-ownership proof token.
func (c *OwnershipClient) VerifyOwnership(ctx context.Context, domain, proof string) (bool, error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetHeader("content-type", "application/json").
		SetBody(ownershipRequest{Domain: domain, Proof: proof}).
		Post(c.base + "/verify")
	if err != nil {
		return false, transportErr("ownership", err)
	}
	if !res.IsSuccess() {
		return false, statusErr("ownership", res)
	}
	var body ownershipResponse
	if err := json.Unmarshal(res.Body(), &body); err != nil {
		return false, fmt.Errorf("ownership: malformed payload: %w", apperr.ErrUpstream)
	}
	return body.Verified, nil
}
