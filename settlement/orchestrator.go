// Package settlement coordinates the bounty settlement saga: authenticate
// the creator, resolve a payout recipient, recover the custodial signing key,
// build and broadcast an irreversible on-chain transfer, and commit the
// ledger outcome. The broadcast is the point of no return; everything after
// it is written so the payment, not the ledger, is the source of truth.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tipvault/chain"
	"tipvault/custody"
	"tipvault/ledger"
	"tipvault/models"
	"tipvault/observability"
)

// Stage identifies a step of the settlement saga.
type Stage string

// Saga stages in execution order.
const (
	StageValidating     Stage = "validating"
	StageAuthenticating Stage = "authenticating"
	StageBuilding       Stage = "building"
	StageSigning        Stage = "signing"
	StageSubmitting     Stage = "submitting"
	StageConfirming     Stage = "confirming"
	StageCommitting     Stage = "committing"
)

// Outcome is the terminal disposition of a successful saga run.
type Outcome string

// Terminal outcomes carrying a signature.
const (
	OutcomeDone      Outcome = "done"
	OutcomeUncertain Outcome = "uncertain"
)

// Custody is the key custody service surface the orchestrator consumes.
type Custody interface {
	VerifySession(token string) (string, error)
	Authenticate(ctx context.Context, address, password string) error
	GetEncryptedKey(ctx context.Context, address string) ([]byte, error)
}

// Network is the payment network surface the orchestrator consumes.
type Network interface {
	chain.Network
	Submit(ctx context.Context, tx *chain.SignedTx) (string, error)
	Confirm(ctx context.Context, signature string, timeout time.Duration) (chain.ConfirmStatus, error)
}

// Request carries one settlement attempt's inputs.
type Request struct {
	SessionToken    string
	BountyID        uuid.UUID
	TipID           uuid.UUID
	RecipientKind   RecipientKind
	ExternalAddress string
	Password        string
}

// Result is returned when a signature exists and the ledger commit
// succeeded. Outcome distinguishes a confirmed payment from one whose
// confirmation timed out.
type Result struct {
	Signature string
	Recipient string
	Outcome   Outcome
}

// Config captures the dependencies required to construct an Orchestrator.
type Config struct {
	Ledger         *ledger.Store
	Custody        Custody
	Network        Network
	TokenMint      chain.Address
	ConfirmTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *observability.SettlementMetrics
	Now            func() time.Time
}

// Orchestrator sequences the settlement saga for one bounty at a time.
type Orchestrator struct {
	ledger         *ledger.Store
	custody        Custody
	network        Network
	builder        *chain.Builder
	confirmTimeout time.Duration
	logger         *slog.Logger
	metrics        *observability.SettlementMetrics
	now            func() time.Time

	mu       sync.Mutex
	inFlight map[uuid.UUID]*sync.Mutex
}

// New constructs an Orchestrator.
func New(cfg Config) *Orchestrator {
	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		ledger:         cfg.Ledger,
		custody:        cfg.Custody,
		network:        cfg.Network,
		builder:        chain.NewBuilder(cfg.Network, cfg.TokenMint),
		confirmTimeout: timeout,
		logger:         logger,
		metrics:        cfg.Metrics,
		now:            now,
		inFlight:       make(map[uuid.UUID]*sync.Mutex),
	}
}

// Settle runs the saga for one approve request. Cancellation of ctx is
// honored through the building stage; once signing starts the attempt runs
// to a terminal state. Any error carrying a signature means the payment may
// have been sent and must not be retried without verifying the signature on
// the payment network.
func (o *Orchestrator) Settle(ctx context.Context, req Request) (*Result, error) {
	start := o.now()
	res, err := o.settle(ctx, req)
	elapsed := o.now().Sub(start)
	switch {
	case err != nil:
		var serr *Error
		if errors.As(err, &serr) {
			o.metrics.ObserveOutcome("failed", elapsed)
		}
	case res != nil:
		o.metrics.ObserveOutcome(string(res.Outcome), elapsed)
	}
	return res, err
}

func (o *Orchestrator) settle(ctx context.Context, req Request) (*Result, error) {
	// Validating.
	caller, err := o.custody.VerifySession(req.SessionToken)
	if err != nil {
		return nil, o.fail(StageValidating, newError(CodeUnauthenticated, "session invalid or expired"))
	}

	// One settlement attempt per bounty at a time within this process; the
	// conditional ledger commit closes the race across processes.
	lock := o.bountyLock(req.BountyID)
	lock.Lock()
	defer lock.Unlock()

	bounty, tip, serr := checkAccess(ctx, o.ledger, caller, req.BountyID, req.TipID)
	if serr != nil {
		return nil, o.fail(StageValidating, serr)
	}

	// Authenticating. Recipient validation runs first so a malformed
	// address fails before any custody call is spent.
	recipient, serr := resolveRecipient(req.RecipientKind, tip, req.ExternalAddress)
	if serr != nil {
		return nil, o.fail(StageAuthenticating, serr)
	}
	if err := o.custody.Authenticate(ctx, caller, req.Password); err != nil {
		if errors.Is(err, custody.ErrInvalidCredentials) {
			return nil, o.fail(StageAuthenticating, newError(CodeInvalidCredentials, "password rejected"))
		}
		return nil, o.fail(StageAuthenticating, wrapError(CodeInvalidCredentials, "authenticate", err))
	}
	blob, err := o.custody.GetEncryptedKey(ctx, caller)
	if err != nil {
		return nil, o.fail(StageAuthenticating, wrapError(CodeKeyRecoveryFailed, "encrypted key unavailable", err))
	}
	key, err := custody.RecoverSigningKey(blob, req.Password)
	if err != nil {
		return nil, o.fail(StageAuthenticating, wrapError(CodeKeyRecoveryFailed, "key decryption failed", err))
	}
	// The plaintext key lives only inside this frame.
	defer custody.Zero(key)

	from, err := chain.ParseAddress(bounty.CreatorAddress)
	if err != nil {
		return nil, o.fail(StageBuilding, wrapError(CodeInvalidState, "bounty creator address is invalid", err))
	}

	// Building.
	var unsigned *chain.UnsignedTx
	switch bounty.Asset {
	case models.AssetSOL:
		unsigned, err = o.builder.BuildNativeTransfer(ctx, from, recipient, bounty.Amount)
	case models.AssetUSDC:
		unsigned, err = o.builder.BuildTokenTransfer(ctx, from, recipient, bounty.Amount)
	default:
		return nil, o.fail(StageBuilding, newError(CodeInvalidState, "bounty has an unsupported asset"))
	}
	if err != nil {
		if errors.Is(err, chain.ErrTokenAccountMissing) {
			return nil, o.fail(StageBuilding, wrapError(CodeRecipientAccountMissing, "token account missing", err))
		}
		return nil, o.fail(StageBuilding, wrapError(CodeNetworkRejected, "build transfer", err))
	}

	// Cancellation is honored only up to here.
	if err := ctx.Err(); err != nil {
		return nil, o.fail(StageBuilding, wrapError(CodeNetworkRejected, "attempt cancelled before signing", err))
	}

	// Journal the attempt before signing so a signature can never exist
	// without a durable row to attach it to.
	journal := &models.Settlement{
		ID:        uuid.New(),
		BountyID:  bounty.ID,
		TipID:     tip.ID,
		Recipient: recipient.String(),
		State:     models.SettlementSigning,
		CreatedAt: o.now(),
		UpdatedAt: o.now(),
	}
	if err := o.ledger.CreateSettlement(ctx, journal); err != nil {
		return nil, o.fail(StageSigning, wrapError(CodeLedgerWriteFailed, "journal settlement", err))
	}

	// Signing. From this point the attempt runs detached from the caller.
	detached := context.WithoutCancel(ctx)
	signed, err := chain.Sign(unsigned, key)
	custody.Zero(key)
	if err != nil {
		_ = o.ledger.UpdateSettlement(detached, journal.ID, models.SettlementFailed, "", err.Error())
		return nil, o.fail(StageSigning, wrapError(CodeKeyRecoveryFailed, "sign transfer", err))
	}
	reference := signed.Reference()
	if err := o.ledger.UpdateSettlement(detached, journal.ID, models.SettlementSigning, reference, "signed"); err != nil {
		// Without a durably recorded signature the broadcast must not happen.
		return nil, o.fail(StageSigning, wrapError(CodeLedgerWriteFailed, "record signature", err))
	}

	// Submitting: the point of no return on success.
	submittedSig, err := o.network.Submit(detached, signed)
	if err != nil {
		var rpcErr *chain.RPCError
		if errors.As(err, &rpcErr) {
			// The node rejected the broadcast; nothing was enqueued.
			_ = o.ledger.UpdateSettlement(detached, journal.ID, models.SettlementFailed, reference, rpcErr.Message)
			return nil, o.fail(StageSubmitting, wrapError(CodeNetworkRejected, "network rejected broadcast", err))
		}
		// Transport failure: the broadcast outcome is unknown. Never retried.
		_ = o.ledger.UpdateSettlement(detached, journal.ID, models.SettlementUncertain, reference, err.Error())
		return nil, o.fail(StageSubmitting, &Error{
			Code:      CodeUncertain,
			Message:   "payment may have been sent; verify transaction signature",
			Signature: reference,
			Err:       err,
		})
	}
	if submittedSig != "" {
		reference = submittedSig
	}
	if err := o.ledger.UpdateSettlement(detached, journal.ID, models.SettlementSubmitted, reference, "broadcast accepted"); err != nil {
		o.logger.Error("settlement journal update failed after broadcast",
			"bounty", bounty.ID, "signature", reference, "err", err)
	}

	// Confirming.
	outcome := OutcomeDone
	status, err := o.network.Confirm(detached, reference, o.confirmTimeout)
	switch {
	case err != nil:
		outcome = OutcomeUncertain
	case status == chain.ConfirmRejected:
		// The network definitively refused the transfer; no funds moved.
		_ = o.ledger.UpdateSettlement(detached, journal.ID, models.SettlementFailed, reference, "rejected by network")
		return nil, o.fail(StageConfirming, newError(CodeNetworkRejected, "transfer rejected by network"))
	case status == chain.ConfirmPending:
		outcome = OutcomeUncertain
	}

	// Committing. An uncertain confirmation still commits: recording a
	// pending payment is safer than losing the signature.
	settledAt := o.now()
	if err := o.ledger.CommitClaim(detached, bounty.ID, tip.ID, recipient.String(), reference, settledAt); err != nil {
		if errors.Is(err, ledger.ErrAlreadySettled) {
			_ = o.ledger.UpdateSettlement(detached, journal.ID, models.SettlementUncertain, reference, "lost claim race after broadcast")
			return nil, o.fail(StageCommitting, &Error{
				Code:      CodeAlreadySettled,
				Message:   "bounty was claimed concurrently; verify transaction signature",
				Signature: reference,
				Err:       err,
			})
		}
		// The payment is the source of truth; the ledger is allowed to lag
		// and the reconciler repairs it from the journal.
		_ = o.ledger.UpdateSettlement(detached, journal.ID, models.SettlementUncertain, reference, "ledger commit failed: "+err.Error())
		return nil, o.fail(StageCommitting, &Error{
			Code:      CodeLedgerWriteFailed,
			Message:   "payment sent but ledger write failed; verify transaction signature",
			Signature: reference,
			Err:       err,
		})
	}
	journalState := models.SettlementCommitted
	if outcome == OutcomeUncertain {
		journalState = models.SettlementUncertain
	}
	if err := o.ledger.UpdateSettlement(detached, journal.ID, journalState, reference, string(outcome)); err != nil {
		o.logger.Error("settlement journal close failed", "bounty", bounty.ID, "err", err)
	}

	o.logger.Info("bounty settled",
		"bounty", bounty.ID, "tip", tip.ID, "recipient", recipient.String(),
		"signature", reference, "outcome", string(outcome))
	return &Result{Signature: reference, Recipient: recipient.String(), Outcome: outcome}, nil
}

func (o *Orchestrator) fail(stage Stage, err *Error) *Error {
	o.metrics.ObserveFailure(string(stage), string(err.Code))
	if err.Signature != "" || err.Code == CodeUncertain || err.Code == CodeLedgerWriteFailed {
		o.logger.Error("settlement failed after broadcast may have occurred",
			"stage", string(stage), "code", string(err.Code), "signature", err.Signature)
	}
	return err
}

func (o *Orchestrator) bountyLock(id uuid.UUID) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.inFlight[id]
	if !ok {
		lock = &sync.Mutex{}
		o.inFlight[id] = lock
	}
	return lock
}
