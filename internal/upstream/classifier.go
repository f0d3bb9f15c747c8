package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/starford/gebo/internal/apperr"
)

// ClassifierClient talks to the content-classification service.
type ClassifierClient struct {
	base   string
	client *resty.Client
}

// NewClassifierClient creates a classifier client for the given base URL.
func NewClassifierClient(baseURL string, timeout time.Duration) *ClassifierClient {
	return &ClassifierClient{base: baseURL, client: newClient(timeout)}
}

type classifyRequest struct {
	URL string `json:"url"`
}

type classifyResponse struct {
	Categories []string `json:"categories"`
	Blocked    bool     `json:"blocked"`
}

// Classify returns category tags for a page plus a blocked-category flag.
func (c *ClassifierClient) Classify(ctx context.Context, pageURL string) ([]string, bool, error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetHeader("content-type", "application/json").
		SetBody(classifyRequest{URL: pageURL}).
		Post(c.base + "/classify")
	if err != nil {
		return nil, false, transportErr("classifier", err)
	}
	if !res.IsSuccess() {
		return nil, false, statusErr("classifier", res)
	}
	var body classifyResponse
	if err := json.Unmarshal(res.Body(), &body); err != nil {
		return nil, false, fmt.Errorf("classifier: malformed payload: %w", apperr.ErrUpstream)
	}
	return body.Categories, body.Blocked, nil
}
