package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"

	"github.com/starford/gebo/internal/apperr"
)

// LinkCheckClient fetches a hosting page and scans it for a live anchor to the
// expected target domain.
type LinkCheckClient struct {
	client *resty.Client
}

// NewLinkCheckClient creates a link-presence checker.
func NewLinkCheckClient(timeout time.Duration) *LinkCheckClient {
	return &LinkCheckClient{client: newClient(timeout)}
}

// CheckLink reports whether pageURL contains an <a href> pointing at
// targetDomain. The diagnostic names what was (not) found; it is meant for
// API consumers building automation, not for state decisions.
func (c *LinkCheckClient) CheckLink(ctx context.Context, pageURL, targetDomain string) (bool, string, error) {
	res, err := c.client.R().SetContext(ctx).Get(pageURL)
	if err != nil {
		return false, "", transportErr("linkcheck", err)
	}
	if !res.IsSuccess() {
		return false, "", statusErr("linkcheck", res)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body()))
	if err != nil {
		return false, "", fmt.Errorf("linkcheck: parse html: %w", apperr.ErrUpstream)
	}

	target := strings.ToLower(strings.TrimPrefix(targetDomain, "www."))
	found := false
	anchors := 0
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		anchors++
		href, _ := sel.Attr("href")
		if hrefTargets(href, target) {
			found = true
		}
	})
	if found {
		return true, fmt.Sprintf("anchor to %s present", target), nil
	}
	return false, fmt.Sprintf("no anchor to %s among %d links", target, anchors), nil
}

func hrefTargets(href, targetDomain string) bool {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	return host == targetDomain || strings.HasSuffix(host, "."+targetDomain)
}
