package repo

import (
	"context"
	"database/sql"

	"passbook/internal/domain"
)

const grantColumns = `id,event_id,recipient_address,amount,COALESCE(batch_id,'') AS batch_id,created_at`

func (r Repo) InsertGrantTx(ctx context.Context, tx *sql.Tx, g domain.Grant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO grants(id,event_id,recipient_address,amount,batch_id,created_at) VALUES (?,?,?,?,?,?)`,
		g.ID, g.EventID, g.RecipientAddress, g.Amount, nullable(g.BatchID), g.CreatedAt)
	return err
}

// ListGrants returns grants for an event, newest first.
func (r Repo) ListGrants(ctx context.Context, eventID string) ([]domain.Grant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE event_id=? ORDER BY created_at DESC, id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []domain.Grant
	for rows.Next() {
		var g domain.Grant
		if err := rows.Scan(&g.ID, &g.EventID, &g.RecipientAddress, &g.Amount, &g.BatchID, &g.CreatedAt); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
