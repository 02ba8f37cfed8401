package repo

import (
	"context"
	"database/sql"

	"passbook/internal/domain"
)

const capabilityColumns = `id,kind,target_id,holder_address,created_at`

// InsertCapabilityTx mints a capability row. The UNIQUE (kind,target_id)
// index guarantees at most one holder per capability.
func (r Repo) InsertCapabilityTx(ctx context.Context, tx *sql.Tx, c domain.Capability) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO capabilities(`+capabilityColumns+`) VALUES (?,?,?,?,?)`,
		c.ID, c.Kind, c.TargetID, c.HolderAddress, c.CreatedAt)
	return err
}

func (r Repo) GetCapability(ctx context.Context, kind, targetID string) (domain.Capability, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+capabilityColumns+` FROM capabilities WHERE kind=? AND target_id=?`, kind, targetID)
	return scanCapability(row)
}

func (r Repo) GetCapabilityTx(ctx context.Context, tx *sql.Tx, kind, targetID string) (domain.Capability, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+capabilityColumns+` FROM capabilities WHERE kind=? AND target_id=?`, kind, targetID)
	return scanCapability(row)
}

// ListCapabilities returns capabilities, optionally filtered by holder.
func (r Repo) ListCapabilities(ctx context.Context, holderAddress string) ([]domain.Capability, error) {
	query := `SELECT ` + capabilityColumns + ` FROM capabilities`
	var args []any
	if holderAddress != "" {
		query += ` WHERE holder_address=?`
		args = append(args, holderAddress)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var caps []domain.Capability
	for rows.Next() {
		var c domain.Capability
		if err := rows.Scan(&c.ID, &c.Kind, &c.TargetID, &c.HolderAddress, &c.CreatedAt); err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

func scanCapability(row *sql.Row) (domain.Capability, error) {
	var c domain.Capability
	err := row.Scan(&c.ID, &c.Kind, &c.TargetID, &c.HolderAddress, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}
