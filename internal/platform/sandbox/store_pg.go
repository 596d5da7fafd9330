package sandbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

// InsertUsers writes users in one batch; existing emails are left alone.
func (s *pgStore) InsertUsers(ctx context.Context, users []User) error {
	batch := &pgx.Batch{}
	for _, u := range users {
		batch.Queue(`INSERT INTO users (id, name, email, role) VALUES ($1, $2, $3, $4)
			ON CONFLICT (email) DO NOTHING`, u.ID, u.Name, u.Email, u.Role)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed users: %w", err)
	}
	return nil
}

func (s *pgStore) InsertServices(ctx context.Context, services []Service) error {
	batch := &pgx.Batch{}
	for _, svc := range services {
		batch.Queue(`INSERT INTO services (id, name, price) VALUES ($1, $2, $3)
			ON CONFLICT (name) DO NOTHING`, svc.ID, svc.Name, svc.Price)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed services: %w", err)
	}
	return nil
}
