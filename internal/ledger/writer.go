package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends notifications to the log table. Appends always run
// inside the transaction that produced the state change, so a
// notification exists exactly when its mutation committed.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, entryType, eventID, entityKind, entityID, actorAddress string, payload Payload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal log payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO log(ts,type,event_id,entity_kind,entity_id,actor_address,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, entryType, nullable(eventID), entityKind, nullable(entityID), actorAddress, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
