// Package ledger is the durable record of bounty and tip state. The claim
// write is conditional on the bounty still being open, which is what makes
// concurrent settlement attempts safe.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tipvault/models"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrAlreadySettled indicates the bounty left the open state before the
	// write, typically because a concurrent settlement won the race.
	ErrAlreadySettled = errors.New("ledger: bounty already settled")
)

// Store wraps the database with the operations settlement and the HTTP
// surface need.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a Store.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithNow overrides the clock, for tests.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.now = now
	return s
}

// DB exposes the underlying handle for callers that compose their own
// queries, such as the reconciler.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// GetBounty loads a bounty by id.
func (s *Store) GetBounty(ctx context.Context, id uuid.UUID) (*models.Bounty, error) {
	var bounty models.Bounty
	if err := s.db.WithContext(ctx).First(&bounty, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &bounty, nil
}

// GetTipForBounty loads a tip by id, scoped to its bounty. A tip that exists
// under a different bounty is reported as not found.
func (s *Store) GetTipForBounty(ctx context.Context, bountyID, tipID uuid.UUID) (*models.Tip, error) {
	var tip models.Tip
	if err := s.db.WithContext(ctx).First(&tip, "id = ? AND bounty_id = ?", tipID, bountyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &tip, nil
}

// CreateBounty persists a new open bounty.
func (s *Store) CreateBounty(ctx context.Context, bounty *models.Bounty) error {
	return s.db.WithContext(ctx).Create(bounty).Error
}

// CreateTip persists a new pending tip.
func (s *Store) CreateTip(ctx context.Context, tip *models.Tip) error {
	return s.db.WithContext(ctx).Create(tip).Error
}

// ListOpenBounties returns open bounties, newest first.
func (s *Store) ListOpenBounties(ctx context.Context) ([]models.Bounty, error) {
	var bounties []models.Bounty
	err := s.db.WithContext(ctx).
		Where("status = ?", models.BountyOpen).
		Order("created_at DESC").
		Find(&bounties).Error
	return bounties, err
}

// ListBountiesByCreator returns every bounty owned by the address.
func (s *Store) ListBountiesByCreator(ctx context.Context, creator string) ([]models.Bounty, error) {
	var bounties []models.Bounty
	err := s.db.WithContext(ctx).
		Where("creator_address = ?", creator).
		Order("created_at DESC").
		Find(&bounties).Error
	return bounties, err
}

// ListTips returns every tip filed against a bounty, oldest first.
func (s *Store) ListTips(ctx context.Context, bountyID uuid.UUID) ([]models.Tip, error) {
	var tips []models.Tip
	err := s.db.WithContext(ctx).
		Where("bounty_id = ?", bountyID).
		Order("created_at ASC").
		Find(&tips).Error
	return tips, err
}

// CreateSettlement appends a settlement journal row.
func (s *Store) CreateSettlement(ctx context.Context, rec *models.Settlement) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// UpdateSettlement records progress on a journal row.
func (s *Store) UpdateSettlement(ctx context.Context, id uuid.UUID, state models.SettlementState, signature, detail string) error {
	updates := map[string]interface{}{
		"state":      state,
		"detail":     detail,
		"updated_at": s.now(),
	}
	if signature != "" {
		updates["signature"] = signature
	}
	return s.db.WithContext(ctx).Model(&models.Settlement{}).Where("id = ?", id).Updates(updates).Error
}

// CommitClaim performs the settlement ledger write as one transaction: the
// bounty is claimed only while still open, the winning tip is approved, and
// every sibling tip is rejected. The conditional claim is what closes the
// race between two concurrent settlement attempts; the loser observes
// ErrAlreadySettled.
func (s *Store) CommitClaim(ctx context.Context, bountyID, tipID uuid.UUID, recipient, signature string, settledAt time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Bounty{}).
			Where("id = ? AND status = ?", bountyID, models.BountyOpen).
			Updates(map[string]interface{}{
				"status":            models.BountyClaimed,
				"winner_tip_id":     tipID,
				"winner_address":    recipient,
				"payment_signature": signature,
				"settled_at":        settledAt,
				"updated_at":        settledAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadySettled
		}
		if err := tx.Model(&models.Tip{}).
			Where("id = ? AND bounty_id = ?", tipID, bountyID).
			Updates(map[string]interface{}{"status": models.TipApproved, "updated_at": settledAt}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Tip{}).
			Where("bounty_id = ? AND id <> ?", bountyID, tipID).
			Updates(map[string]interface{}{"status": models.TipRejected, "updated_at": settledAt}).Error; err != nil {
			return err
		}
		event := models.Event{
			ID:        uuid.New(),
			BountyID:  &bountyID,
			Actor:     recipient,
			Action:    "bounty.claimed",
			Details:   "signature=" + signature,
			CreatedAt: settledAt,
		}
		return tx.Create(&event).Error
	})
}

// AppendEvent writes an audit trail row outside a settlement commit.
func (s *Store) AppendEvent(ctx context.Context, bountyID *uuid.UUID, actor, action, details string) error {
	event := models.Event{
		ID:        uuid.New(),
		BountyID:  bountyID,
		Actor:     actor,
		Action:    action,
		Details:   details,
		CreatedAt: s.now(),
	}
	return s.db.WithContext(ctx).Create(&event).Error
}
