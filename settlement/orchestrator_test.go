package settlement

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"tipvault/chain"
	"tipvault/custody"
	"tipvault/ledger"
	"tipvault/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1) // prevent concurrent writes
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type stubCustody struct {
	caller    string
	password  string
	blob      []byte
	authCalls int
	keyCalls  int
}

func (c *stubCustody) VerifySession(token string) (string, error) {
	if token != "good-session" {
		return "", custody.ErrUnauthenticated
	}
	return c.caller, nil
}

func (c *stubCustody) Authenticate(_ context.Context, address, password string) error {
	c.authCalls++
	if address != c.caller || password != c.password {
		return custody.ErrInvalidCredentials
	}
	return nil
}

func (c *stubCustody) GetEncryptedKey(_ context.Context, address string) ([]byte, error) {
	c.keyCalls++
	if address != c.caller {
		return nil, custody.ErrWalletMissing
	}
	return c.blob, nil
}

type stubNetwork struct {
	mu              sync.Mutex
	checkpointCalls int
	submitCalls     int
	confirmCalls    int
	submitted       []*chain.SignedTx
	submitErr       error
	confirmStatus   chain.ConfirmStatus
	confirmErr      error
	tokenAccounts   map[string]chain.Address
}

func (n *stubNetwork) LatestCheckpoint(context.Context) (chain.Checkpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.checkpointCalls++
	return chain.Checkpoint{Blockhash: "hash-1", Slot: 42}, nil
}

func (n *stubNetwork) TokenAccount(_ context.Context, owner, _ chain.Address) (chain.Address, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	acct, ok := n.tokenAccounts[owner.String()]
	return acct, ok, nil
}

func (n *stubNetwork) Submit(_ context.Context, tx *chain.SignedTx) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submitCalls++
	if n.submitErr != nil {
		return "", n.submitErr
	}
	n.submitted = append(n.submitted, tx)
	return tx.Reference(), nil
}

func (n *stubNetwork) Confirm(context.Context, string, time.Duration) (chain.ConfirmStatus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmCalls++
	if n.confirmErr != nil {
		return chain.ConfirmPending, n.confirmErr
	}
	if n.confirmStatus == "" {
		return chain.ConfirmConfirmed, nil
	}
	return n.confirmStatus, nil
}

type fixture struct {
	store   *ledger.Store
	custody *stubCustody
	network *stubNetwork
	orch    *Orchestrator
	bounty  models.Bounty
	tip     models.Tip
	sibling models.Tip
}

const testPassword = "hunter2secret"

func newFixture(t *testing.T, asset models.Asset, amount string) *fixture {
	t.Helper()
	db := setupTestDB(t)
	store := ledger.New(db)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	creator, err := chain.AddressFromPublicKey(pub)
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}
	blob, err := custody.EncryptKey(priv.Seed(), testPassword)
	if err != nil {
		t.Fatalf("encrypt key: %v", err)
	}

	submitterPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	submitter, err := chain.AddressFromPublicKey(submitterPub)
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}

	now := time.Now()
	bounty := models.Bounty{
		ID:             uuid.New(),
		CreatorAddress: creator.String(),
		Title:          "locate the leak",
		Asset:          asset,
		Amount:         amount,
		Status:         models.BountyOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateBounty(context.Background(), &bounty); err != nil {
		t.Fatalf("create bounty: %v", err)
	}
	tip := models.Tip{
		ID:               uuid.New(),
		BountyID:         bounty.ID,
		SubmitterAddress: submitter.String(),
		EvidenceCID:      "cid-1",
		Status:           models.TipPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	sibling := models.Tip{
		ID:               uuid.New(),
		BountyID:         bounty.ID,
		SubmitterAddress: submitter.String(),
		EvidenceCID:      "cid-2",
		Status:           models.TipPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, rec := range []*models.Tip{&tip, &sibling} {
		if err := store.CreateTip(context.Background(), rec); err != nil {
			t.Fatalf("create tip: %v", err)
		}
	}

	mintPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	mint, err := chain.AddressFromPublicKey(mintPub)
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}

	network := &stubNetwork{tokenAccounts: map[string]chain.Address{}}
	if asset == models.AssetUSDC {
		network.tokenAccounts[creator.String()] = mustRandomAddress(t)
		network.tokenAccounts[submitter.String()] = mustRandomAddress(t)
	}
	cust := &stubCustody{caller: creator.String(), password: testPassword, blob: blob}

	orch := New(Config{
		Ledger:         store,
		Custody:        cust,
		Network:        network,
		TokenMint:      mint,
		ConfirmTimeout: time.Second,
	})
	return &fixture{store: store, custody: cust, network: network, orch: orch, bounty: bounty, tip: tip, sibling: sibling}
}

func mustRandomAddress(t *testing.T) chain.Address {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr, err := chain.AddressFromPublicKey(pub)
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}
	return addr
}

func (f *fixture) request() Request {
	return Request{
		SessionToken:  "good-session",
		BountyID:      f.bounty.ID,
		TipID:         f.tip.ID,
		RecipientKind: RecipientSubmitter,
		Password:      testPassword,
	}
}

func settlementCode(t *testing.T, err error) Code {
	t.Helper()
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("expected settlement error, got %v", err)
	}
	return serr.Code
}

func TestSettleNativeHappyPath(t *testing.T) {
	f := newFixture(t, models.AssetSOL, "2.5")

	res, err := f.orch.Settle(context.Background(), f.request())
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Outcome != OutcomeDone {
		t.Fatalf("expected done outcome, got %s", res.Outcome)
	}
	if res.Signature == "" {
		t.Fatal("expected a signature")
	}
	if res.Recipient != f.tip.SubmitterAddress {
		t.Fatalf("expected payout to submitter, got %s", res.Recipient)
	}

	if len(f.network.submitted) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(f.network.submitted))
	}
	tx := f.network.submitted[0].Tx
	if tx.Amount != 2_500_000_000 {
		t.Fatalf("expected 2.5 SOL as 2500000000 base units, got %d", tx.Amount)
	}
	if tx.Kind != chain.TransferNative {
		t.Fatalf("expected native transfer, got %s", tx.Kind)
	}
	if tx.Checkpoint.Blockhash == "" {
		t.Fatal("expected transfer bound to a checkpoint")
	}
	if err := f.network.submitted[0].Verify(); err != nil {
		t.Fatalf("broadcast signature invalid: %v", err)
	}

	bounty, err := f.store.GetBounty(context.Background(), f.bounty.ID)
	if err != nil {
		t.Fatalf("reload bounty: %v", err)
	}
	if bounty.Status != models.BountyClaimed {
		t.Fatalf("expected claimed bounty, got %s", bounty.Status)
	}
	if bounty.PaymentSignature != res.Signature {
		t.Fatal("expected payment signature on bounty row")
	}
	if bounty.WinnerTipID == nil || *bounty.WinnerTipID != f.tip.ID {
		t.Fatal("expected winning tip recorded")
	}

	tips, err := f.store.ListTips(context.Background(), f.bounty.ID)
	if err != nil {
		t.Fatalf("list tips: %v", err)
	}
	for _, tip := range tips {
		switch tip.ID {
		case f.tip.ID:
			if tip.Status != models.TipApproved {
				t.Fatalf("winner should be approved, got %s", tip.Status)
			}
		default:
			if tip.Status != models.TipRejected {
				t.Fatalf("sibling should be rejected, got %s", tip.Status)
			}
		}
	}

	var journal models.Settlement
	if err := f.store.DB().First(&journal, "bounty_id = ?", f.bounty.ID).Error; err != nil {
		t.Fatalf("load journal: %v", err)
	}
	if journal.State != models.SettlementCommitted {
		t.Fatalf("expected committed journal, got %s", journal.State)
	}
	if journal.Signature != res.Signature {
		t.Fatal("expected signature journaled")
	}
}

func TestSettleTokenTransferUsesSubAccounts(t *testing.T) {
	f := newFixture(t, models.AssetUSDC, "100.25")

	res, err := f.orch.Settle(context.Background(), f.request())
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Outcome != OutcomeDone {
		t.Fatalf("expected done outcome, got %s", res.Outcome)
	}
	tx := f.network.submitted[0].Tx
	if tx.Kind != chain.TransferToken {
		t.Fatalf("expected token transfer, got %s", tx.Kind)
	}
	if tx.Amount != 100_250_000 {
		t.Fatalf("expected 100.25 USDC as 100250000 base units, got %d", tx.Amount)
	}
	if tx.FromTokens.IsZero() || tx.ToTokens.IsZero() {
		t.Fatal("expected both token sub-accounts resolved")
	}
}

func TestSettleRejectsMissingTokenAccount(t *testing.T) {
	f := newFixture(t, models.AssetUSDC, "10")
	delete(f.network.tokenAccounts, f.tip.SubmitterAddress)

	_, err := f.orch.Settle(context.Background(), f.request())
	if code := settlementCode(t, err); code != CodeRecipientAccountMissing {
		t.Fatalf("expected RECIPIENT_ACCOUNT_MISSING, got %s", code)
	}
	if f.network.submitCalls != 0 {
		t.Fatal("no broadcast should happen without a recipient token account")
	}
	bounty, _ := f.store.GetBounty(context.Background(), f.bounty.ID)
	if bounty.Status != models.BountyOpen {
		t.Fatalf("bounty should remain open, got %s", bounty.Status)
	}
}

func TestSettleRequiresValidSession(t *testing.T) {
	f := newFixture(t, models.AssetSOL, "1")
	req := f.request()
	req.SessionToken = "forged"

	_, err := f.orch.Settle(context.Background(), req)
	if code := settlementCode(t, err); code != CodeUnauthenticated {
		t.Fatalf("expected UNAUTHENTICATED, got %s", code)
	}
	if f.custody.authCalls != 0 {
		t.Fatal("password must not be checked for an invalid session")
	}
}

func TestSettleForbidsNonCreator(t *testing.T) {
	f := newFixture(t, models.AssetSOL, "1")
	f.custody.caller = mustRandomAddress(t).String()

	_, err := f.orch.Settle(context.Background(), f.request())
	if code := settlementCode(t, err); code != CodeForbidden {
		t.Fatalf("expected FORBIDDEN, got %s", code)
	}
	if f.custody.authCalls != 0 || f.custody.keyCalls != 0 {
		t.Fatal("custody must not be touched for a non-creator")
	}
}

func TestSettleValidatesRecipientBeforePassword(t *testing.T) {
	f := newFixture(t, models.AssetSOL, "1")
	req := f.request()
	req.RecipientKind = RecipientExternal
	req.ExternalAddress = "not-a-real-address"
	req.Password = "wrong-password"

	_, err := f.orch.Settle(context.Background(), req)
	if code := settlementCode(t, err); code != CodeInvalidRecipient {
		t.Fatalf("expected INVALID_RECIPIENT, got %s", code)
	}
	if f.custody.authCalls != 0 {
		t.Fatal("recipient validation must run before the password is checked")
	}
}

func TestSettleWrongPassword(t *testing.T) {
	f := newFixture(t, models.AssetSOL, "1")
	req := f.request()
	req.Password = "wrong-password"

	_, err := f.orch.Settle(context.Background(), req)
	if code := settlementCode(t, err); code != CodeInvalidCredentials {
		t.Fatalf("expected INVALID_CREDENTIALS, got %s", code)
	}
	if f.network.checkpointCalls != 0 || f.network.submitCalls != 0 {
		t.Fatal("no network calls should happen with a rejected password")
	}
}

func TestSettleExternalRecipient(t *testing.T) {
	f := newFixture(t, models.AssetSOL, "1")
	external := mustRandomAddress(t)
	req := f.request()
	req.RecipientKind = RecipientExternal
	req.ExternalAddress = external.String()

	res, err := f.orch.Settle(context.Background(), req)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Recipient != external.String() {
		t.Fatalf("expected payout to external address, got %s", res.Recipient)
	}
}

func TestSettleNodeRejectionLeavesBountyOpen(t *testing.T) {
	f := newFixture(t, models.AssetSOL, "1")
	f.network.submitErr = &chain.RPCError{Code: -32002, Message: "insufficient funds for fee"}

	_, err := f.orch.Settle(context.Background(), f.request())
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("expected settlement error, got %v", err)
	}
	if serr.Code != CodeNetworkRejected {
		t.Fatalf("expected NETWORK_REJECTED, got %s", serr.Code)
	}
	if serr.Signature != "" {
		t.Fatal("a definitive node rejection carries no signature to verify")
	}

	bounty, _ := f.store.GetBounty(context.Background(), f.bounty.ID)
	if bounty.Status != models.BountyOpen {
		t.Fatalf("bounty should remain open after a clean rejection, got %s", bounty.Status)
	}
	var journal models.Settlement
	if err := f.store.DB().First(&journal, "bounty_id = ?", f.bounty.ID).Error; err != nil {
		t.Fatalf("load journal: %v", err)
	}
	if journal.State != models.SettlementFailed {
		t.Fatalf("expected failed journal, got %s", journal.State)
	}

	// The failure was clean, so a retry with a healthy node succeeds.
	if !serr.RetrySafe() {
		t.Fatal("clean rejection should be retry safe")
	}
	f.network.submitErr = nil
	if _, err := f.orch.Settle(context.Background(), f.request()); err != nil {
		t.Fatalf("retry after clean rejection: %v", err)
	}
	if f.network.submitCalls != 2 {
		t.Fatalf("expected exactly two broadcasts, got %d", f.network.submitCalls)
	}
}

func TestSettleTransportFailureIsUncertain(t *testing.T) {
	f := newFixture(t, models.AssetSOL, "1")
	f.network.submitErr = errors.New("connection reset by peer")

	_, err := f.orch.Settle(context.Background(), f.request())
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("expected settlement error, got %v", err)
	}
	if serr.Code != CodeUncertain {
		t.Fatalf("expected UNCERTAIN, got %s", serr.Code)
	}
	if serr.Signature == "" {
		t.Fatal("an ambiguous broadcast must surface its signature")
	}
	if serr.RetrySafe() {
		t.Fatal("an ambiguous broadcast must not be retried blindly")
	}
	if f.network.submitCalls != 1 {
		t.Fatalf("submit must never be retried internally, got %d calls", f.network.submitCalls)
	}

	var journal models.Settlement
	if err := f.store.DB().First(&journal, "bounty_id = ?", f.bounty.ID).Error; err != nil {
		t.Fatalf("load journal: %v", err)
	}
	if journal.State != models.SettlementUncertain {
		t.Fatalf("expected uncertain journal, got %s", journal.State)
	}
	if journal.Signature != serr.Signature {
		t.Fatal("journal must hold the signature before the broadcast")
	}
}

func TestSettleConfirmTimeoutStillCommits(t *testing.T) {
	f := newFixture(t, models.AssetSOL, "1")
	f.network.confirmStatus = chain.ConfirmPending

	res, err := f.orch.Settle(context.Background(), f.request())
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Outcome != OutcomeUncertain {
		t.Fatalf("expected uncertain outcome, got %s", res.Outcome)
	}

	bounty, _ := f.store.GetBounty(context.Background(), f.bounty.ID)
	if bounty.Status != models.BountyClaimed {
		t.Fatal("an unconfirmed broadcast must still be committed")
	}
	var journal models.Settlement
	if err := f.store.DB().First(&journal, "bounty_id = ?", f.bounty.ID).Error; err != nil {
		t.Fatalf("load journal: %v", err)
	}
	if journal.State != models.SettlementUncertain {
		t.Fatalf("expected uncertain journal for later reconciliation, got %s", journal.State)
	}
}

func TestSettleConfirmRejectionLeavesBountyOpen(t *testing.T) {
	f := newFixture(t, models.AssetSOL, "1")
	f.network.confirmStatus = chain.ConfirmRejected

	_, err := f.orch.Settle(context.Background(), f.request())
	if code := settlementCode(t, err); code != CodeNetworkRejected {
		t.Fatalf("expected NETWORK_REJECTED, got %s", code)
	}
	bounty, _ := f.store.GetBounty(context.Background(), f.bounty.ID)
	if bounty.Status != models.BountyOpen {
		t.Fatalf("a definitively rejected transfer must not claim the bounty, got %s", bounty.Status)
	}
}

func TestSettleSecondApproveConflicts(t *testing.T) {
	f := newFixture(t, models.AssetSOL, "1")

	if _, err := f.orch.Settle(context.Background(), f.request()); err != nil {
		t.Fatalf("first settle: %v", err)
	}

	req := f.request()
	req.TipID = f.sibling.ID
	_, err := f.orch.Settle(context.Background(), req)
	if code := settlementCode(t, err); code != CodeInvalidState {
		t.Fatalf("expected INVALID_STATE, got %s", code)
	}
	if f.network.submitCalls != 1 {
		t.Fatalf("expected exactly one payment, got %d", f.network.submitCalls)
	}
}

func TestSettleConcurrentAttemptsPayOnce(t *testing.T) {
	f := newFixture(t, models.AssetSOL, "1")

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := f.request()
			if i == 1 {
				req.TipID = f.sibling.ID
			}
			_, results[i] = f.orch.Settle(context.Background(), req)
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		switch settlementCode(t, err) {
		case CodeInvalidState, CodeAlreadySettled:
			conflicts++
		default:
			t.Fatalf("unexpected failure: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected one winner and one conflict, got %d/%d", wins, conflicts)
	}
	if f.network.submitCalls != 1 {
		t.Fatalf("expected exactly one payment, got %d", f.network.submitCalls)
	}
}

func TestSettleCancelledBeforeSigningLeavesNoJournal(t *testing.T) {
	f := newFixture(t, models.AssetSOL, "1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.orch.Settle(ctx, f.request())
	if err == nil {
		t.Fatal("expected cancellation to fail the attempt")
	}
	if f.network.submitCalls != 0 {
		t.Fatal("a cancelled attempt must not broadcast")
	}
	var count int64
	f.store.DB().Model(&models.Settlement{}).Count(&count)
	if count != 0 {
		t.Fatal("a cancelled attempt must not journal a signing row")
	}
}

func TestSettleUnknownBounty(t *testing.T) {
	f := newFixture(t, models.AssetSOL, "1")
	req := f.request()
	req.BountyID = uuid.New()

	_, err := f.orch.Settle(context.Background(), req)
	if code := settlementCode(t, err); code != CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %s", code)
	}
}

func TestSettleTipFromAnotherBounty(t *testing.T) {
	f := newFixture(t, models.AssetSOL, "1")

	other := models.Bounty{
		ID:             uuid.New(),
		CreatorAddress: f.bounty.CreatorAddress,
		Title:          "second bounty",
		Asset:          models.AssetSOL,
		Amount:         "1",
		Status:         models.BountyOpen,
	}
	if err := f.store.CreateBounty(context.Background(), &other); err != nil {
		t.Fatalf("create bounty: %v", err)
	}

	req := f.request()
	req.BountyID = other.ID
	_, err := f.orch.Settle(context.Background(), req)
	if code := settlementCode(t, err); code != CodeNotFound {
		t.Fatalf("expected NOT_FOUND for a tip scoped to another bounty, got %s", code)
	}
}
