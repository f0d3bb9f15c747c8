package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/gebo/internal/pool"
	"github.com/starford/gebo/internal/store"
)

// Handler holds API route handlers.
type Handler struct {
	svc *pool.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *pool.Service) *Handler {
	return &Handler{svc: svc}
}

func decode[T interface{ Validate() error }](w http.ResponseWriter, r *http.Request) (T, bool) {
	var req T
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "invalid JSON body"))
		return req, false
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", err.Error()))
		return req, false
	}
	return req, true
}

// RegisterSite handles POST /v1/sites.
func (h *Handler) RegisterSite(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[RegisterSiteRequest](w, r)
	if !ok {
		return
	}
	m, err := h.svc.Register(r.Context(), req.Domain, req.Email)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListSites handles GET /v1/sites.
func (h *Handler) ListSites(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.MemberFilter{Category: q.Get("category")}
	if v := q.Get("verified"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "verified must be a boolean"))
			return
		}
		f.Verified = &b
	}
	members, err := h.svc.ListMembers(f)
	if err != nil {
		writeErr(w, err)
		return
	}
	if members == nil {
		members = []store.Member{}
	}
	writeJSON(w, http.StatusOK, MemberListResponse{Members: members, Total: len(members)})
}

// DeleteSite handles DELETE /v1/sites/{id}.
func (h *Handler) DeleteSite(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteMember(chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VerifySite handles POST /v1/sites/verify.
func (h *Handler) VerifySite(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[VerifySiteRequest](w, r)
	if !ok {
		return
	}
	verified, err := h.svc.VerifyMember(r.Context(), req.Domain, req.Proof)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SiteVerifyResponse{Domain: req.Domain, Verified: verified})
}

// Contribute handles POST /v1/pool/contribute.
func (h *Handler) Contribute(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[ContributeRequest](w, r)
	if !ok {
		return
	}
	c, err := h.svc.Contribute(r.Context(), req.MemberID, req.PageURL, req.MaxLinks, req.Categories, req.Context)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// SubmitRequest handles POST /v1/pool/request.
func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[LinkRequestRequest](w, r)
	if !ok {
		return
	}
	lr, placement, err := h.svc.SubmitRequest(r.Context(), req.MemberID, req.TargetPage, req.PreferredAnchor, req.Categories)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RequestResponse{Request: lr, Placement: placement})
}

// WithdrawRequest handles DELETE /v1/pool/request/{id}.
func (h *Handler) WithdrawRequest(w http.ResponseWriter, r *http.Request) {
	memberID := r.URL.Query().Get("member_id")
	if memberID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "member_id is required"))
		return
	}
	if err := h.svc.WithdrawRequest(memberID, chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PoolStatus handles GET /v1/pool/status.
func (h *Handler) PoolStatus(w http.ResponseWriter, r *http.Request) {
	memberID := r.URL.Query().Get("member_id")
	if memberID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "member_id is required"))
		return
	}
	st, err := h.svc.Status(memberID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Ledger handles GET /v1/pool/ledger.
func (h *Handler) Ledger(w http.ResponseWriter, r *http.Request) {
	memberID := r.URL.Query().Get("member_id")
	if memberID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "member_id is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.svc.Ledger(memberID, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []store.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, LedgerResponse{Entries: entries})
}

// Confirm handles POST /v1/pool/confirm.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[ConfirmRequest](w, r)
	if !ok {
		return
	}
	p, err := h.svc.Confirm(req.PlacementID, req.MemberID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// VerifyPlacement handles POST /v1/placements/{id}/verify.
func (h *Handler) VerifyPlacement(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.VerifyPlacement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PendingPlacements handles GET /v1/placements/pending.
func (h *Handler) PendingPlacements(w http.ResponseWriter, r *http.Request) {
	var states []string
	if st := r.URL.Query().Get("state"); st != "" {
		states = []string{st}
	}
	placements, err := h.svc.PendingPlacements(states...)
	if err != nil {
		writeErr(w, err)
		return
	}
	if placements == nil {
		placements = []store.Placement{}
	}
	writeJSON(w, http.StatusOK, PlacementListResponse{Placements: placements, Total: len(placements)})
}
