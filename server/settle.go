package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"tipvault/settlement"
)

// ApproveTip approves a tip and pays the bounty reward on-chain. The heavy
// lifting happens in the settlement orchestrator; this handler only translates
// request fields in and settlement errors out.
func (s *Server) ApproveTip(w http.ResponseWriter, r *http.Request) {
	bountyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid bounty id")
		return
	}
	var req struct {
		TipID            uuid.UUID `json:"tip_id"`
		RecipientKind    string    `json:"recipient_kind"`
		RecipientAddress string    `json:"recipient_address"`
		Password         string    `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	kind, ok := settlement.ParseRecipientKind(req.RecipientKind)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid recipient kind")
		return
	}
	token, err := r.Cookie(SessionCookie)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	result, err := s.orchestrator.Settle(r.Context(), settlement.Request{
		SessionToken:    token.Value,
		BountyID:        bountyID,
		TipID:           req.TipID,
		RecipientKind:   kind,
		ExternalAddress: req.RecipientAddress,
		Password:        req.Password,
	})
	if err != nil {
		s.writeSettlementError(w, err)
		return
	}

	status := http.StatusOK
	if result.Outcome == settlement.OutcomeUncertain {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, map[string]string{
		"signature": result.Signature,
		"recipient": result.Recipient,
		"outcome":   string(result.Outcome),
	})
}

func (s *Server) writeSettlementError(w http.ResponseWriter, err error) {
	var serr *settlement.Error
	if !errors.As(err, &serr) {
		s.writeError(w, http.StatusInternalServerError, "settlement failed")
		return
	}
	s.writeJSON(w, settlementStatus(serr.Code), errorResponse{
		Error:     serr.Message,
		Code:      string(serr.Code),
		Signature: serr.Signature,
	})
}

func settlementStatus(code settlement.Code) int {
	switch code {
	case settlement.CodeUnauthenticated, settlement.CodeInvalidCredentials, settlement.CodeKeyRecoveryFailed:
		return http.StatusUnauthorized
	case settlement.CodeForbidden:
		return http.StatusForbidden
	case settlement.CodeNotFound:
		return http.StatusNotFound
	case settlement.CodeInvalidState, settlement.CodeAlreadySettled:
		return http.StatusConflict
	case settlement.CodeInvalidRecipient, settlement.CodeRecipientAccountMissing:
		return http.StatusBadRequest
	case settlement.CodeNetworkRejected, settlement.CodeUncertain:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
