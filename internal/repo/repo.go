package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"passbook/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const eventColumns = `id,name,COALESCE(description,'') AS description,operator_address,active,starts_at,ends_at,mission_counter,verifier_address,balance,total_funded,total_distributed,recipient_count,created_at`

func (r Repo) InsertEventTx(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO events(id,name,description,operator_address,active,starts_at,ends_at,mission_counter,verifier_address,balance,total_funded,total_distributed,recipient_count,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Name, nullable(e.Description), e.OperatorAddress, boolInt(e.Active), e.StartsAt, e.EndsAt,
		e.MissionCounter, e.VerifierAddress, e.Balance, e.TotalFunded, e.TotalDistributed, e.RecipientCount, e.CreatedAt)
	return err
}

func (r Repo) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	return scanEvent(r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id))
}

func (r Repo) GetEventTx(ctx context.Context, tx *sql.Tx, id string) (domain.Event, error) {
	return scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id))
}

func (r Repo) ListEvents(ctx context.Context) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// SingleEvent returns the only event in the store, or ErrNotFound when
// there are zero or several.
func (r Repo) SingleEvent(ctx context.Context) (domain.Event, error) {
	events, err := r.ListEvents(ctx)
	if err != nil {
		return domain.Event{}, err
	}
	if len(events) != 1 {
		return domain.Event{}, ErrNotFound
	}
	return events[0], nil
}

func (r Repo) SetEventActiveTx(ctx context.Context, tx *sql.Tx, id string, active bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE events SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreditPoolTx adds funds to an event's pool.
func (r Repo) CreditPoolTx(ctx context.Context, tx *sql.Tx, id string, amount uint64) error {
	res, err := tx.ExecContext(ctx, `UPDATE events SET balance=balance+?, total_funded=total_funded+? WHERE id=?`, amount, amount, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DebitPoolTx withdraws funds only when the balance covers the amount.
// The balance guard lives in the WHERE clause so check and debit are
// one statement; it returns false when the pool cannot cover it.
func (r Repo) DebitPoolTx(ctx context.Context, tx *sql.Tx, id string, amount uint64) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE events SET balance=balance-?, total_distributed=total_distributed+?, recipient_count=recipient_count+1 WHERE id=? AND balance>=?`,
		amount, amount, id, amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) BumpMissionCounterTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE events SET mission_counter=mission_counter+1 WHERE id=?`, id)
	return err
}

const missionColumns = `event_id,mission_id,title,COALESCE(description,'') AS description,reward_amount,active,completions,COALESCE(verifier_address,'') AS verifier_address,created_at`

func (r Repo) InsertMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(event_id,mission_id,title,description,reward_amount,active,completions,verifier_address,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		m.EventID, m.MissionID, m.Title, nullable(m.Description), m.RewardAmount, boolInt(m.Active), m.Completions, nullable(m.VerifierAddress), m.CreatedAt)
	return err
}

func (r Repo) GetMission(ctx context.Context, eventID string, missionID uint64) (domain.Mission, error) {
	return scanMission(r.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE event_id=? AND mission_id=?`, eventID, missionID))
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, eventID string, missionID uint64) (domain.Mission, error) {
	return scanMission(tx.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE event_id=? AND mission_id=?`, eventID, missionID))
}

func (r Repo) ListMissions(ctx context.Context, eventID string) ([]domain.Mission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE event_id=? ORDER BY mission_id ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		var m domain.Mission
		var active int
		if err := rows.Scan(&m.EventID, &m.MissionID, &m.Title, &m.Description, &m.RewardAmount, &active, &m.Completions, &m.VerifierAddress, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Active = active != 0
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) SetMissionActiveTx(ctx context.Context, tx *sql.Tx, eventID string, missionID uint64, active bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET active=? WHERE event_id=? AND mission_id=?`, boolInt(active), eventID, missionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) BumpMissionCompletionsTx(ctx context.Context, tx *sql.Tx, eventID string, missionID uint64) error {
	_, err := tx.ExecContext(ctx, `UPDATE missions SET completions=completions+1 WHERE event_id=? AND mission_id=?`, eventID, missionID)
	return err
}

func (r Repo) InsertPassportTx(ctx context.Context, tx *sql.Tx, p domain.Passport) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO passports(id,owner_address,total_attestations,created_at) VALUES (?,?,?,?)`,
		p.ID, p.OwnerAddress, p.TotalAttestations, p.CreatedAt)
	return err
}

func (r Repo) GetPassport(ctx context.Context, id string) (domain.Passport, error) {
	return scanPassport(r.DB.QueryRowContext(ctx, `SELECT id,owner_address,total_attestations,created_at FROM passports WHERE id=?`, id))
}

func (r Repo) GetPassportByOwner(ctx context.Context, owner string) (domain.Passport, error) {
	return scanPassport(r.DB.QueryRowContext(ctx, `SELECT id,owner_address,total_attestations,created_at FROM passports WHERE owner_address=?`, owner))
}

func (r Repo) GetPassportByOwnerTx(ctx context.Context, tx *sql.Tx, owner string) (domain.Passport, error) {
	return scanPassport(tx.QueryRowContext(ctx, `SELECT id,owner_address,total_attestations,created_at FROM passports WHERE owner_address=?`, owner))
}

func (r Repo) BumpPassportAttestationsTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE passports SET total_attestations=total_attestations+1 WHERE id=?`, id)
	return err
}

func (r Repo) InsertAttestationTx(ctx context.Context, tx *sql.Tx, a domain.Attestation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO attestations(passport_id,event_id,event_name,mission_id,mission_title,reward_amount,completed_at)
VALUES (?,?,?,?,?,?,?)`,
		a.PassportID, a.EventID, a.EventName, a.MissionID, a.MissionTitle, a.RewardAmount, a.CompletedAt)
	return err
}

func (r Repo) HasAttestation(ctx context.Context, passportID, eventID string, missionID uint64) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM attestations WHERE passport_id=? AND event_id=? AND mission_id=? LIMIT 1`, passportID, eventID, missionID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) HasAttestationTx(ctx context.Context, tx *sql.Tx, passportID, eventID string, missionID uint64) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM attestations WHERE passport_id=? AND event_id=? AND mission_id=? LIMIT 1`, passportID, eventID, missionID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) GetAttestation(ctx context.Context, passportID, eventID string, missionID uint64) (domain.Attestation, error) {
	var a domain.Attestation
	err := r.DB.QueryRowContext(ctx, `SELECT passport_id,event_id,event_name,mission_id,mission_title,reward_amount,completed_at FROM attestations WHERE passport_id=? AND event_id=? AND mission_id=?`,
		passportID, eventID, missionID).
		Scan(&a.PassportID, &a.EventID, &a.EventName, &a.MissionID, &a.MissionTitle, &a.RewardAmount, &a.CompletedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListAttestations(ctx context.Context, passportID string) ([]domain.Attestation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT passport_id,event_id,event_name,mission_id,mission_title,reward_amount,completed_at FROM attestations WHERE passport_id=? ORDER BY completed_at ASC, event_id ASC, mission_id ASC`, passportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attestation
	for rows.Next() {
		var a domain.Attestation
		if err := rows.Scan(&a.PassportID, &a.EventID, &a.EventName, &a.MissionID, &a.MissionTitle, &a.RewardAmount, &a.CompletedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LatestLog returns the newest log entries, optionally filtered.
func (r Repo) LatestLog(ctx context.Context, limit int, eventID, entryType, entityKind, entityID string) ([]domain.LogEntry, error) {
	return r.LatestLogBefore(ctx, limit, 0, eventID, entryType, entityKind, entityID)
}

// LatestLogBefore pages backwards through the log from a cursor id.
func (r Repo) LatestLogBefore(ctx context.Context, limit int, cursor int64, eventID, entryType, entityKind, entityID string) ([]domain.LogEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if eventID != "" {
		clauses = append(clauses, "event_id=?")
		args = append(args, eventID)
	}
	if entryType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, entryType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(event_id,''),entity_kind,COALESCE(entity_id,''),actor_address,payload_json FROM log %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryLog(ctx, query, args...)
}

// LogAfter returns log entries with IDs greater than the cursor in ascending order.
func (r Repo) LogAfter(ctx context.Context, limit int, cursor int64, eventID string) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if eventID != "" {
		clauses = append(clauses, "event_id=?")
		args = append(args, eventID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(event_id,''),entity_kind,COALESCE(entity_id,''),actor_address,payload_json FROM log %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryLog(ctx, query, args...)
}

// LatestLogID returns the most recent log ID, optionally scoped to an event.
func (r Repo) LatestLogID(ctx context.Context, eventID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM log`
	var args []any
	if eventID != "" {
		query += ` WHERE event_id=?`
		args = append(args, eventID)
	}
	row := r.DB.QueryRowContext(ctx, query, args...)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryLog(ctx context.Context, query string, args ...any) ([]domain.LogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EventID, &e.EntityKind, &e.EntityID, &e.ActorAddress, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- scan helpers ---

func scanEvent(row *sql.Row) (domain.Event, error) {
	var e domain.Event
	var active int
	err := row.Scan(&e.ID, &e.Name, &e.Description, &e.OperatorAddress, &active, &e.StartsAt, &e.EndsAt,
		&e.MissionCounter, &e.VerifierAddress, &e.Balance, &e.TotalFunded, &e.TotalDistributed, &e.RecipientCount, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.Active = active != 0
	return e, err
}

func scanEventRows(rows *sql.Rows) (domain.Event, error) {
	var e domain.Event
	var active int
	err := rows.Scan(&e.ID, &e.Name, &e.Description, &e.OperatorAddress, &active, &e.StartsAt, &e.EndsAt,
		&e.MissionCounter, &e.VerifierAddress, &e.Balance, &e.TotalFunded, &e.TotalDistributed, &e.RecipientCount, &e.CreatedAt)
	e.Active = active != 0
	return e, err
}

func scanMission(row *sql.Row) (domain.Mission, error) {
	var m domain.Mission
	var active int
	err := row.Scan(&m.EventID, &m.MissionID, &m.Title, &m.Description, &m.RewardAmount, &active, &m.Completions, &m.VerifierAddress, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	m.Active = active != 0
	return m, err
}

func scanPassport(row *sql.Row) (domain.Passport, error) {
	var p domain.Passport
	err := row.Scan(&p.ID, &p.OwnerAddress, &p.TotalAttestations, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
