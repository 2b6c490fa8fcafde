// Package seller reads the profile fields the marketplace needs about a seller.
// Identity and profile editing live in the identity provider.
package seller

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
	"github.com/MikeMC777/marketplace-engine/internal/plan"
)

type Profile struct {
	ID          string           `json:"id"`
	Username    string           `json:"username,omitempty"`
	AccountType plan.AccountType `json:"account_type"`
}

// HasUsername reports whether the seller finished onboarding. Listings are
// addressed by username so a seller without one cannot publish.
func (p Profile) HasUsername() bool { return strings.TrimSpace(p.Username) != "" }

type Repository interface {
	GetByID(ctx context.Context, id string) (*Profile, error)
}

type PGRepo struct{ db *pgxpool.Pool }

func NewPGRepo(db *pgxpool.Pool) *PGRepo { return &PGRepo{db: db} }

func (r *PGRepo) GetByID(ctx context.Context, id string) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var p Profile
	var acct string
	err := r.db.QueryRow(ctx, `
		SELECT id, COALESCE(username, ''), COALESCE(account_type, 'personal')
		FROM profiles WHERE id=$1
	`, id).Scan(&p.ID, &p.Username, &acct)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.AccountType = plan.AccountType(acct)
	if !p.AccountType.Valid() {
		p.AccountType = plan.Personal
	}
	return &p, nil
}

// MemRepo is an in-process Repository keyed by seller id, used by tests.
type MemRepo map[string]Profile

func (m MemRepo) GetByID(_ context.Context, id string) (*Profile, error) {
	p, ok := m[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &p, nil
}
