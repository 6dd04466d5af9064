package settlement

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"tipvault/ledger"
	"tipvault/models"
)

// checkAccess enforces the settlement access policy in a fixed order:
// bounty existence, ownership, bounty state, tip existence, tip state.
// Existence and ownership come before state so a non-owner learns nothing
// about a bounty beyond the fact that it exists.
func checkAccess(ctx context.Context, store *ledger.Store, caller string, bountyID, tipID uuid.UUID) (*models.Bounty, *models.Tip, *Error) {
	bounty, err := store.GetBounty(ctx, bountyID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, nil, newError(CodeNotFound, "bounty not found")
		}
		return nil, nil, wrapError(CodeLedgerWriteFailed, "load bounty", err)
	}
	if bounty.CreatorAddress != caller {
		return nil, nil, newError(CodeForbidden, "caller is not the bounty creator")
	}
	if bounty.Status != models.BountyOpen {
		return nil, nil, newError(CodeInvalidState, "bounty already claimed or closed")
	}
	tip, err := store.GetTipForBounty(ctx, bountyID, tipID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, nil, newError(CodeNotFound, "tip not found for bounty")
		}
		return nil, nil, wrapError(CodeLedgerWriteFailed, "load tip", err)
	}
	if tip.Status == models.TipApproved {
		return nil, nil, newError(CodeAlreadySettled, "tip already approved")
	}
	return bounty, tip, nil
}
