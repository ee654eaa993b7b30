package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RoundRecord is the durable form of a round, including the revealed seed.
type RoundRecord struct {
	ID              string     `json:"round_id"`
	Nonce           int        `json:"nonce"`
	ServerSeed      string     `json:"server_seed,omitempty"`
	HashCommitment  string     `json:"hash_commitment"`
	ClientSeed      string     `json:"client_seed"`
	CrashMultiplier float64    `json:"crash_multiplier,omitempty"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CrashedAt       *time.Time `json:"crashed_at,omitempty"`
	SettledAt       *time.Time `json:"settled_at,omitempty"`
}

// RoundStore persists round lifecycle transitions.
type RoundStore interface {
	Create(ctx context.Context, state *RoundState) error
	SetStatus(ctx context.Context, roundID, status string) error
	MarkCrashed(ctx context.Context, roundID string, at time.Time) error
	Find(ctx context.Context, roundID string) (*RoundRecord, error)
	Recent(ctx context.Context, limit int) ([]RoundRecord, error)
}

type pgRoundStore struct {
	pool *pgxpool.Pool
}

func NewRoundStore(pool *pgxpool.Pool) RoundStore {
	return &pgRoundStore{pool: pool}
}

func (s *pgRoundStore) Create(ctx context.Context, state *RoundState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rounds (id, nonce, server_seed, hash_commitment, client_seed, crash_multiplier, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		state.RoundID, state.Nonce, state.ServerSeed, state.HashCommitment,
		state.ClientSeed, state.CrashMultiplier, state.Status, state.StartTime)
	if err != nil {
		return &PersistenceError{Op: "create round", Err: err}
	}
	return nil
}

func (s *pgRoundStore) SetStatus(ctx context.Context, roundID, status string) error {
	extra := ""
	if status == StatusSettled {
		extra = ", settled_at = now()"
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE rounds SET status = $2%s WHERE id = $1`, extra),
		roundID, status)
	if err != nil {
		return &PersistenceError{Op: "round status " + status, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &PersistenceError{Op: "round status " + status, Err: fmt.Errorf("round %s not found", roundID)}
	}
	return nil
}

func (s *pgRoundStore) MarkCrashed(ctx context.Context, roundID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rounds SET status = $2, crashed_at = $3 WHERE id = $1 AND status = $4`,
		roundID, StatusCrashed, at, StatusFlying)
	if err != nil {
		return &PersistenceError{Op: "mark crashed", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &PersistenceError{Op: "mark crashed", Err: fmt.Errorf("round %s not flying", roundID)}
	}
	return nil
}

const roundColumns = `id, nonce, server_seed, hash_commitment, client_seed,
	crash_multiplier, status, started_at, crashed_at, settled_at`

func (s *pgRoundStore) Find(ctx context.Context, roundID string) (*RoundRecord, error) {
	var r RoundRecord
	err := s.pool.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE id = $1`, roundID).Scan(
		&r.ID, &r.Nonce, &r.ServerSeed, &r.HashCommitment, &r.ClientSeed,
		&r.CrashMultiplier, &r.Status, &r.StartedAt, &r.CrashedAt, &r.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRoundNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "find round", Err: err}
	}

	// The seed stays secret until the round is over.
	if r.Status == StatusAcceptingBets || r.Status == StatusFlying {
		r.ServerSeed = ""
		r.CrashMultiplier = 0
	}
	return &r, nil
}

func (s *pgRoundStore) Recent(ctx context.Context, limit int) ([]RoundRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+roundColumns+` FROM rounds
		WHERE status IN ($1, $2)
		ORDER BY started_at DESC
		LIMIT $3`,
		StatusSettled, StatusAborted, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "recent rounds", Err: err}
	}
	defer rows.Close()

	var records []RoundRecord
	for rows.Next() {
		var r RoundRecord
		if err := rows.Scan(&r.ID, &r.Nonce, &r.ServerSeed, &r.HashCommitment, &r.ClientSeed,
			&r.CrashMultiplier, &r.Status, &r.StartedAt, &r.CrashedAt, &r.SettledAt); err != nil {
			return nil, &PersistenceError{Op: "recent rounds", Err: err}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
