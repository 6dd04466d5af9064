package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"tipvault/chain"
	"tipvault/models"
)

const maxUploadBytes = 10 << 20

// CreateBounty opens a new bounty owned by the caller.
func (s *Server) CreateBounty(w http.ResponseWriter, r *http.Request) {
	caller, err := CallerAddress(r.Context())
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Asset       string `json:"asset"`
		Amount      string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	asset := models.Asset(strings.ToUpper(strings.TrimSpace(req.Asset)))
	if !asset.Valid() {
		s.writeError(w, http.StatusBadRequest, "asset must be SOL or USDC")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		s.writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	decimals := uint(chain.NativeDecimals)
	if asset == models.AssetUSDC {
		decimals = chain.TokenDecimals
	}
	if _, err := chain.ToBaseUnits(req.Amount, decimals); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	now := time.Now()
	bounty := models.Bounty{
		ID:             uuid.New(),
		CreatorAddress: caller,
		Title:          strings.TrimSpace(req.Title),
		Description:    req.Description,
		Asset:          asset,
		Amount:         strings.TrimSpace(req.Amount),
		Status:         models.BountyOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.ledger.CreateBounty(r.Context(), &bounty); err != nil {
		s.logger.Error("bounty creation failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create bounty")
		return
	}
	s.writeJSON(w, http.StatusCreated, bounty)
}

// ListBounties returns all open bounties.
func (s *Server) ListBounties(w http.ResponseWriter, r *http.Request) {
	bounties, err := s.ledger.ListOpenBounties(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list bounties")
		return
	}
	s.writeJSON(w, http.StatusOK, bounties)
}

// MyBounties returns every bounty owned by the caller.
func (s *Server) MyBounties(w http.ResponseWriter, r *http.Request) {
	caller, err := CallerAddress(r.Context())
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	bounties, err := s.ledger.ListBountiesByCreator(r.Context(), caller)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list bounties")
		return
	}
	s.writeJSON(w, http.StatusOK, bounties)
}

// SubmitTip files a tip against an open bounty.
func (s *Server) SubmitTip(w http.ResponseWriter, r *http.Request) {
	caller, err := CallerAddress(r.Context())
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	var req struct {
		BountyID    uuid.UUID `json:"bounty_id"`
		EvidenceCID string    `json:"evidence_cid"`
		Note        string    `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	bounty, err := s.ledger.GetBounty(r.Context(), req.BountyID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "bounty not found")
		return
	}
	if bounty.Status != models.BountyOpen {
		s.writeError(w, http.StatusConflict, "bounty is not open")
		return
	}

	now := time.Now()
	tip := models.Tip{
		ID:               uuid.New(),
		BountyID:         bounty.ID,
		SubmitterAddress: caller,
		EvidenceCID:      strings.TrimSpace(req.EvidenceCID),
		Note:             req.Note,
		Status:           models.TipPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.ledger.CreateTip(r.Context(), &tip); err != nil {
		s.logger.Error("tip creation failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit tip")
		return
	}
	s.writeJSON(w, http.StatusCreated, tip)
}

type tipView struct {
	ID          uuid.UUID        `json:"id"`
	BountyID    uuid.UUID        `json:"bounty_id"`
	Submitter   string           `json:"submitter"`
	EvidenceCID string           `json:"evidence_cid"`
	Note        string           `json:"note"`
	Status      models.TipStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ListTips returns the tips filed against a bounty with submitter addresses
// anonymized. The anonymization is display-only; the payout path always uses
// the full stored address.
func (s *Server) ListTips(w http.ResponseWriter, r *http.Request) {
	bountyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid bounty id")
		return
	}
	tips, err := s.ledger.ListTips(r.Context(), bountyID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list tips")
		return
	}
	views := make([]tipView, 0, len(tips))
	for _, tip := range tips {
		views = append(views, tipView{
			ID:          tip.ID,
			BountyID:    tip.BountyID,
			Submitter:   anonymizeAddress(tip.SubmitterAddress),
			EvidenceCID: tip.EvidenceCID,
			Note:        tip.Note,
			Status:      tip.Status,
			CreatedAt:   tip.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

// Upload stores an evidence payload and returns its content id.
func (s *Server) Upload(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read payload")
		return
	}
	if len(data) == 0 {
		s.writeError(w, http.StatusBadRequest, "empty payload")
		return
	}
	if len(data) > maxUploadBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	cid, err := s.evidence.Put(r.Context(), data)
	if err != nil {
		s.logger.Error("evidence upload failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store evidence")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"cid": cid})
}

// WalletBalance returns the caller's native balance in base units. A slow or
// unreachable node degrades to zero rather than blocking the page.
func (s *Server) WalletBalance(w http.ResponseWriter, r *http.Request) {
	caller, err := CallerAddress(r.Context())
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	addr, err := chain.ParseAddress(caller)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid wallet address")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.balanceTimeout)
	defer cancel()
	balance, err := s.network.Balance(ctx, addr)
	if err != nil {
		s.logger.Warn("balance lookup degraded to zero", "err", err)
		balance = 0
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{"lamports": balance})
}

func anonymizeAddress(addr string) string {
	if len(addr) <= 8 {
		return addr
	}
	return addr[:4] + "..." + addr[len(addr)-4:]
}
