package repository

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tarikibrahimovic/NLB-Payments/internal/model"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, account *model.Account) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *AccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*model.Account, error) {
	var accounts []*model.Account
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Find(&accounts).Error
	return accounts, err
}

// LockByIDs takes exclusive row locks on the given accounts in one locking
// read, ordered by ascending id. The locks are held until tx ends.
//
// Every code path that changes a balance must lock through here. Two units of
// work that share accounts then always acquire them in the same order and
// cannot deadlock.
//
// Ids that do not exist are simply absent from the result; the caller
// compares lengths. A lock wait that exceeds the database lock timeout is
// returned as an error.
func (r *AccountRepository) LockByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*model.Account, error) {
	if tx == nil {
		tx = r.db
	}
	ids = SortedUniqueIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	var accounts []*model.Account
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// SaveAll writes balance and status of accounts previously locked in tx. The
// version guard turns a write to a row that was not locked into
// ErrOptimisticLock instead of a lost update.
func (r *AccountRepository) SaveAll(ctx context.Context, tx *gorm.DB, accounts []*model.Account) error {
	if tx == nil {
		tx = r.db
	}
	for _, acc := range accounts {
		result := tx.WithContext(ctx).
			Model(&model.Account{}).
			Where("id = ? AND version = ?", acc.ID, acc.Version).
			Updates(map[string]interface{}{
				"balance": acc.Balance,
				"status":  acc.Status,
				"version": gorm.Expr("version + 1"),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrOptimisticLock
		}
		acc.Version++
	}
	return nil
}

// SortedUniqueIDs returns ids deduplicated and in ascending order, the order
// rows are locked in.
func SortedUniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}
