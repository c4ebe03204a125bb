package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/meltica-bybit/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed order journal.
type Store struct {
	*persistence.Store
	Orders *OrderStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool), Orders: NewOrderStore(pool)}
}
