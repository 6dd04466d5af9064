package settlement

import (
	"strings"

	"tipvault/chain"
	"tipvault/models"
)

// RecipientKind selects where the payout goes.
type RecipientKind string

// Supported recipient kinds.
const (
	RecipientSubmitter RecipientKind = "submitter"
	RecipientExternal  RecipientKind = "external"
)

// ParseRecipientKind validates a caller-supplied kind string.
func ParseRecipientKind(s string) (RecipientKind, bool) {
	switch RecipientKind(strings.TrimSpace(s)) {
	case RecipientSubmitter:
		return RecipientSubmitter, true
	case RecipientExternal:
		return RecipientExternal, true
	}
	return "", false
}

// resolveRecipient determines the payout address before any custody or
// network call is made. The submitter path uses the tip's full stored
// address, never the anonymized display form.
func resolveRecipient(kind RecipientKind, tip *models.Tip, external string) (chain.Address, *Error) {
	switch kind {
	case RecipientSubmitter:
		addr, err := chain.ParseAddress(tip.SubmitterAddress)
		if err != nil {
			return chain.Address{}, wrapError(CodeInvalidRecipient, "stored submitter address is invalid", err)
		}
		return addr, nil
	case RecipientExternal:
		trimmed := strings.TrimSpace(external)
		if trimmed == "" {
			return chain.Address{}, newError(CodeInvalidRecipient, "external recipient address required")
		}
		addr, err := chain.ParseAddress(trimmed)
		if err != nil {
			return chain.Address{}, wrapError(CodeInvalidRecipient, "external recipient address is invalid", err)
		}
		return addr, nil
	default:
		return chain.Address{}, newError(CodeInvalidRecipient, "unknown recipient kind")
	}
}
