package api

import (
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/gebo/internal/pool"
	"github.com/starford/gebo/internal/store"
)

var (
	emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	urlRe   = regexp.MustCompile(`^https?://\S+$`)
)

// RegisterSiteRequest is the body for POST /v1/sites.
type RegisterSiteRequest struct {
	Domain string `json:"domain"`
	Email  string `json:"email"`
}

// Validate validates the registration body.
func (r RegisterSiteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Domain, validation.Required),
		validation.Field(&r.Email, validation.Required, validation.Match(emailRe)),
	)
}

// VerifySiteRequest is the body for POST /v1/sites/verify.
type VerifySiteRequest struct {
	Domain string `json:"domain"`
	Proof  string `json:"proof"`
}

// Validate validates the verification body.
func (r VerifySiteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Domain, validation.Required),
		validation.Field(&r.Proof, validation.Required),
	)
}

// ContributeRequest is the body for POST /v1/pool/contribute.
type ContributeRequest struct {
	MemberID   string   `json:"member_id"`
	PageURL    string   `json:"page_url"`
	MaxLinks   int      `json:"max_links"`
	Categories []string `json:"categories"`
	Context    string   `json:"context"`
}

// Validate validates the contribution body. Capacity bounds are enforced by
// the pool engine; this only checks shape.
func (r ContributeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MemberID, validation.Required),
		validation.Field(&r.PageURL, validation.Required, validation.Match(urlRe)),
	)
}

// LinkRequestRequest is the body for POST /v1/pool/request.
type LinkRequestRequest struct {
	MemberID        string   `json:"member_id"`
	TargetPage      string   `json:"target_page"`
	PreferredAnchor string   `json:"preferred_anchor"`
	Categories      []string `json:"categories"`
}

// Validate validates the link-request body.
func (r LinkRequestRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MemberID, validation.Required),
		validation.Field(&r.TargetPage, validation.Required, validation.Match(urlRe)),
		validation.Field(&r.Categories, validation.Required),
	)
}

// ConfirmRequest is the body for POST /v1/pool/confirm.
type ConfirmRequest struct {
	PlacementID string `json:"placement_id"`
	MemberID    string `json:"member_id"`
}

// Validate validates the confirmation body.
func (r ConfirmRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.PlacementID, validation.Required),
		validation.Field(&r.MemberID, validation.Required),
	)
}

// VerifyResponse wraps a verification outcome.
type VerifyResponse = pool.VerifyResult

// SiteVerifyResponse is returned by POST /v1/sites/verify.
type SiteVerifyResponse struct {
	Domain   string `json:"domain"`
	Verified bool   `json:"verified"`
}

// RequestResponse is returned by POST /v1/pool/request. Placement is nil when
// the request stays pending.
type RequestResponse struct {
	Request   *store.Request   `json:"request"`
	Placement *store.Placement `json:"placement,omitempty"`
}

// MemberListResponse wraps GET /v1/sites.
type MemberListResponse struct {
	Members []store.Member `json:"members"`
	Total   int            `json:"total"`
}

// PlacementListResponse wraps GET /v1/placements/pending.
type PlacementListResponse struct {
	Placements []store.Placement `json:"placements"`
	Total      int               `json:"total"`
}

// LedgerResponse wraps GET /v1/pool/ledger.
type LedgerResponse struct {
	Entries []store.LedgerEntry `json:"entries"`
}
