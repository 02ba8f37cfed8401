package repo

import (
	"context"
	"database/sql"
)

// BurnNonceTx records a proof nonce as used. It reports whether the nonce
// was fresh; false means the same nonce was already burned (replay).
func (r Repo) BurnNonceTx(ctx context.Context, tx *sql.Tx, nonce, seenAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO used_nonces(nonce, seen_at) VALUES (?,?)`, nonce, seenAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PruneNoncesTx deletes nonces seen before the cutoff. Safe once the cutoff
// exceeds the proof freshness window, since such proofs are rejected as
// expired before the nonce is ever consulted.
func (r Repo) PruneNoncesTx(ctx context.Context, tx *sql.Tx, cutoff string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM used_nonces WHERE seen_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
