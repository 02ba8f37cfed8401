package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"passbook/internal/config"
	"passbook/internal/domain"
	"passbook/internal/engine/proof"
	"passbook/internal/ledger"
	"passbook/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: ledger.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) proofWindow() time.Duration {
	if e.Config != nil && e.Config.Proof.WindowSeconds > 0 {
		return time.Duration(e.Config.Proof.WindowSeconds) * time.Second
	}
	return config.DefaultProofWindow
}

func normalizeAddress(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s).Hex(), nil
}

// EventCreateOptions are parameters for creating an event.
type EventCreateOptions struct {
	Name            string
	Description     string
	StartsAt        time.Time
	EndsAt          time.Time
	VerifierAddress string
	OperatorAddress string
}

// CreateEvent registers an event with an empty pool and mints its two
// capabilities. The caller becomes operator and initial holder of both.
func (e Engine) CreateEvent(ctx context.Context, opts EventCreateOptions) (domain.Event, []domain.Capability, error) {
	if opts.Name == "" {
		return domain.Event{}, nil, errors.New("name is required")
	}
	if !opts.StartsAt.Before(opts.EndsAt) {
		return domain.Event{}, nil, ErrInvalidRange
	}
	operator, err := normalizeAddress(opts.OperatorAddress)
	if err != nil {
		return domain.Event{}, nil, err
	}
	verifier, err := normalizeAddress(opts.VerifierAddress)
	if err != nil {
		return domain.Event{}, nil, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	ev := domain.Event{
		ID:              uuid.New().String(),
		Name:            opts.Name,
		Description:     opts.Description,
		OperatorAddress: operator,
		Active:          true,
		StartsAt:        opts.StartsAt.UTC().Format(time.RFC3339),
		EndsAt:          opts.EndsAt.UTC().Format(time.RFC3339),
		VerifierAddress: verifier,
		CreatedAt:       now,
	}
	caps := []domain.Capability{
		{ID: uuid.New().String(), Kind: domain.CapabilityEventAdmin, TargetID: ev.ID, HolderAddress: operator, CreatedAt: now},
		{ID: uuid.New().String(), Kind: domain.CapabilityPoolAdmin, TargetID: ev.ID, HolderAddress: operator, CreatedAt: now},
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertEventTx(ctx, tx, ev); err != nil {
		return domain.Event{}, nil, fmt.Errorf("insert event: %w", err)
	}
	for _, c := range caps {
		if err := e.Repo.InsertCapabilityTx(ctx, tx, c); err != nil {
			return domain.Event{}, nil, fmt.Errorf("mint capability: %w", err)
		}
	}
	if err := e.Ledger.Append(ctx, tx, "event.created", ev.ID, "event", ev.ID, operator, ledger.Payload{
		"name":      ev.Name,
		"starts_at": ev.StartsAt,
		"ends_at":   ev.EndsAt,
	}); err != nil {
		return domain.Event{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, nil, err
	}
	return ev, caps, nil
}

// FundEvent credits the event pool. Funding is deliberately
// unprivileged: anyone may add to a pool, nobody may pull from it
// outside claims and grants.
func (e Engine) FundEvent(ctx context.Context, eventID string, amount uint64, funder string) (domain.Event, error) {
	if amount == 0 {
		return domain.Event{}, ErrInvalidAmount
	}
	funderAddr, err := normalizeAddress(funder)
	if err != nil {
		return domain.Event{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetEventTx(ctx, tx, eventID); err != nil {
		return domain.Event{}, err
	}
	if err := e.Repo.CreditPoolTx(ctx, tx, eventID, amount); err != nil {
		return domain.Event{}, err
	}
	ev, err := e.Repo.GetEventTx(ctx, tx, eventID)
	if err != nil {
		return domain.Event{}, err
	}
	if err := e.Ledger.Append(ctx, tx, "event.funded", eventID, "event", eventID, funderAddr, ledger.Payload{
		"amount":  amount,
		"balance": ev.Balance,
	}); err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

// requireCapability checks that capID names the capability of the given
// kind over the target and that the actor holds it.
func (e Engine) requireCapability(ctx context.Context, tx *sql.Tx, kind, targetID, capID, actor string) error {
	c, err := e.Repo.GetCapabilityTx(ctx, tx, kind, targetID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return UnauthorizedError{Capability: kind, Target: targetID}
		}
		return err
	}
	if c.ID != capID || c.HolderAddress != actor {
		return UnauthorizedError{Capability: kind, Target: targetID}
	}
	return nil
}

func (e Engine) SetEventStatus(ctx context.Context, capID, eventID string, active bool, actor string) (domain.Event, error) {
	actorAddr, err := normalizeAddress(actor)
	if err != nil {
		return domain.Event{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()

	ev, err := e.Repo.GetEventTx(ctx, tx, eventID)
	if err != nil {
		return domain.Event{}, err
	}
	if err := e.requireCapability(ctx, tx, domain.CapabilityEventAdmin, eventID, capID, actorAddr); err != nil {
		return domain.Event{}, err
	}
	if err := e.Repo.SetEventActiveTx(ctx, tx, eventID, active); err != nil {
		return domain.Event{}, err
	}
	if err := e.Ledger.Append(ctx, tx, "event.status", eventID, "event", eventID, actorAddr, ledger.Payload{
		"active": active,
	}); err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	ev.Active = active
	return ev, nil
}

// MissionAddOptions are parameters for adding a mission to an event.
type MissionAddOptions struct {
	CapabilityID    string
	EventID         string
	Title           string
	Description     string
	RewardAmount    uint64
	VerifierAddress string
	Actor           string
}

// AddMission appends a mission to the event. The mission id is the
// event's mission counter at insert time, so ids are dense and assigned
// in creation order.
func (e Engine) AddMission(ctx context.Context, opts MissionAddOptions) (domain.Mission, error) {
	if opts.Title == "" {
		return domain.Mission{}, errors.New("title is required")
	}
	if opts.RewardAmount == 0 {
		return domain.Mission{}, ErrInvalidAmount
	}
	actorAddr, err := normalizeAddress(opts.Actor)
	if err != nil {
		return domain.Mission{}, err
	}
	verifier := ""
	if opts.VerifierAddress != "" {
		verifier, err = normalizeAddress(opts.VerifierAddress)
		if err != nil {
			return domain.Mission{}, err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	ev, err := e.Repo.GetEventTx(ctx, tx, opts.EventID)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := e.requireCapability(ctx, tx, domain.CapabilityEventAdmin, opts.EventID, opts.CapabilityID, actorAddr); err != nil {
		return domain.Mission{}, err
	}
	if !ev.Active {
		return domain.Mission{}, ErrEventInactive
	}
	m := domain.Mission{
		EventID:         ev.ID,
		MissionID:       ev.MissionCounter,
		Title:           opts.Title,
		Description:     opts.Description,
		RewardAmount:    opts.RewardAmount,
		Active:          true,
		VerifierAddress: verifier,
		CreatedAt:       e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertMissionTx(ctx, tx, m); err != nil {
		return domain.Mission{}, fmt.Errorf("insert mission: %w", err)
	}
	if err := e.Repo.BumpMissionCounterTx(ctx, tx, ev.ID); err != nil {
		return domain.Mission{}, err
	}
	if err := e.Ledger.Append(ctx, tx, "mission.created", ev.ID, "mission", missionKey(ev.ID, m.MissionID), actorAddr, ledger.Payload{
		"mission_id": m.MissionID,
		"title":      m.Title,
		"reward":     m.RewardAmount,
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

func missionKey(eventID string, missionID uint64) string {
	return fmt.Sprintf("%s/%d", eventID, missionID)
}

func (e Engine) SetMissionStatus(ctx context.Context, capID, eventID string, missionID uint64, active bool, actor string) (domain.Mission, error) {
	actorAddr, err := normalizeAddress(actor)
	if err != nil {
		return domain.Mission{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetEventTx(ctx, tx, eventID); err != nil {
		return domain.Mission{}, err
	}
	if err := e.requireCapability(ctx, tx, domain.CapabilityEventAdmin, eventID, capID, actorAddr); err != nil {
		return domain.Mission{}, err
	}
	m, err := e.Repo.GetMissionTx(ctx, tx, eventID, missionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Mission{}, ErrMissionNotFound
		}
		return domain.Mission{}, err
	}
	if err := e.Repo.SetMissionActiveTx(ctx, tx, eventID, missionID, active); err != nil {
		return domain.Mission{}, err
	}
	if err := e.Ledger.Append(ctx, tx, "mission.status", eventID, "mission", missionKey(eventID, missionID), actorAddr, ledger.Payload{
		"mission_id": missionID,
		"active":     active,
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	m.Active = active
	return m, nil
}

// GetMission returns the read model for one mission.
func (e Engine) GetMission(ctx context.Context, eventID string, missionID uint64) (domain.MissionView, error) {
	m, err := e.Repo.GetMission(ctx, eventID, missionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.MissionView{}, ErrMissionNotFound
		}
		return domain.MissionView{}, err
	}
	return domain.MissionView{
		MissionID:    m.MissionID,
		Title:        m.Title,
		Description:  m.Description,
		RewardAmount: m.RewardAmount,
		Active:       m.Active,
		Completions:  m.Completions,
	}, nil
}

// RegisterPassport mints a passport bound to the owner address. Each
// address holds at most one; the passport never changes hands.
func (e Engine) RegisterPassport(ctx context.Context, owner string) (domain.Passport, error) {
	ownerAddr, err := normalizeAddress(owner)
	if err != nil {
		return domain.Passport{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Passport{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetPassportByOwnerTx(ctx, tx, ownerAddr); err == nil {
		return domain.Passport{}, ErrPassportExists
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Passport{}, err
	}
	p := domain.Passport{
		ID:           uuid.New().String(),
		OwnerAddress: ownerAddr,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertPassportTx(ctx, tx, p); err != nil {
		return domain.Passport{}, fmt.Errorf("insert passport: %w", err)
	}
	if err := e.Ledger.Append(ctx, tx, "passport.registered", "", "passport", p.ID, ownerAddr, ledger.Payload{
		"owner": ownerAddr,
	}); err != nil {
		return domain.Passport{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Passport{}, err
	}
	return p, nil
}

func (e Engine) HasAttestation(ctx context.Context, passportID, eventID string, missionID uint64) (bool, error) {
	return e.Repo.HasAttestation(ctx, passportID, eventID, missionID)
}

func (e Engine) GetAttestation(ctx context.Context, passportID, eventID string, missionID uint64) (domain.Attestation, error) {
	a, err := e.Repo.GetAttestation(ctx, passportID, eventID, missionID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Attestation{}, ErrAttestationNotFound
	}
	return a, err
}

// GetPassportView assembles the owner-facing read model.
func (e Engine) GetPassportView(ctx context.Context, passportID string) (domain.PassportView, error) {
	p, err := e.Repo.GetPassport(ctx, passportID)
	if err != nil {
		return domain.PassportView{}, err
	}
	atts, err := e.Repo.ListAttestations(ctx, p.ID)
	if err != nil {
		return domain.PassportView{}, err
	}
	return domain.PassportView{
		OwnerAddress:      p.OwnerAddress,
		TotalAttestations: p.TotalAttestations,
		Attestations:      atts,
	}, nil
}

// addAttestation is the ledger-write half of a claim: it records the
// completion and bumps the passport counter. It never moves funds.
func (e Engine) addAttestation(ctx context.Context, tx *sql.Tx, att domain.Attestation) error {
	done, err := e.Repo.HasAttestationTx(ctx, tx, att.PassportID, att.EventID, att.MissionID)
	if err != nil {
		return err
	}
	if done {
		return ErrAlreadyCompleted
	}
	if err := e.Repo.InsertAttestationTx(ctx, tx, att); err != nil {
		return err
	}
	return e.Repo.BumpPassportAttestationsTx(ctx, tx, att.PassportID)
}

// ClaimOptions carry one reward claim.
type ClaimOptions struct {
	EventID   string
	MissionID uint64
	Claimant  string
	Proof     proof.Proof
}

// Claim verifies a completion proof and pays the mission reward. All
// checks and writes run in one transaction; the first failing check
// decides the error and nothing is persisted.
func (e Engine) Claim(ctx context.Context, opts ClaimOptions) (domain.Attestation, error) {
	claimant, err := normalizeAddress(opts.Claimant)
	if err != nil {
		return domain.Attestation{}, err
	}
	now := e.now().UTC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Attestation{}, err
	}
	defer tx.Rollback()

	ev, err := e.Repo.GetEventTx(ctx, tx, opts.EventID)
	if err != nil {
		return domain.Attestation{}, err
	}
	if !eventOpenAt(ev, now) {
		return domain.Attestation{}, ErrEventInactive
	}
	m, err := e.Repo.GetMissionTx(ctx, tx, opts.EventID, opts.MissionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Attestation{}, ErrMissionNotFound
		}
		return domain.Attestation{}, err
	}
	if !m.Active {
		return domain.Attestation{}, ErrMissionInactive
	}
	pass, err := e.Repo.GetPassportByOwnerTx(ctx, tx, claimant)
	if err != nil {
		return domain.Attestation{}, err
	}
	done, err := e.Repo.HasAttestationTx(ctx, tx, pass.ID, ev.ID, m.MissionID)
	if err != nil {
		return domain.Attestation{}, err
	}
	if done {
		return domain.Attestation{}, ErrAlreadyCompleted
	}

	window := e.proofWindow()
	if !opts.Proof.Fresh(now, window) {
		return domain.Attestation{}, ErrProofExpired
	}
	if opts.Proof.Nonce == "" {
		return domain.Attestation{}, ErrInvalidProof
	}
	fresh, err := e.Repo.BurnNonceTx(ctx, tx, opts.Proof.Nonce, now.Format(time.RFC3339))
	if err != nil {
		return domain.Attestation{}, err
	}
	if !fresh {
		return domain.Attestation{}, ErrInvalidProof
	}
	verifier := m.VerifierAddress
	if verifier == "" {
		verifier = ev.VerifierAddress
	}
	signer, err := proof.RecoverSigner(opts.Proof.Signature, common.HexToAddress(claimant), m.MissionID)
	if err != nil || signer != common.HexToAddress(verifier) {
		return domain.Attestation{}, ErrInvalidProof
	}

	ok, err := e.Repo.DebitPoolTx(ctx, tx, ev.ID, m.RewardAmount)
	if err != nil {
		return domain.Attestation{}, err
	}
	if !ok {
		return domain.Attestation{}, ErrInsufficientFunds
	}
	att := domain.Attestation{
		PassportID:   pass.ID,
		EventID:      ev.ID,
		EventName:    ev.Name,
		MissionID:    m.MissionID,
		MissionTitle: m.Title,
		RewardAmount: m.RewardAmount,
		CompletedAt:  now.Format(time.RFC3339),
	}
	if err := e.addAttestation(ctx, tx, att); err != nil {
		return domain.Attestation{}, err
	}
	if err := e.Repo.BumpMissionCompletionsTx(ctx, tx, ev.ID, m.MissionID); err != nil {
		return domain.Attestation{}, err
	}
	// Nonces older than twice the freshness window can never validate
	// again, so claims double as garbage collection.
	cutoff := now.Add(-2 * window).Format(time.RFC3339)
	if _, err := e.Repo.PruneNoncesTx(ctx, tx, cutoff); err != nil {
		return domain.Attestation{}, err
	}
	if err := e.Ledger.Append(ctx, tx, "mission.completed", ev.ID, "mission", missionKey(ev.ID, m.MissionID), claimant, ledger.Payload{
		"mission_id":  m.MissionID,
		"passport_id": pass.ID,
		"claimant":    claimant,
		"amount":      m.RewardAmount,
		"ts":          att.CompletedAt,
	}); err != nil {
		return domain.Attestation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Attestation{}, err
	}
	return att, nil
}

func eventOpenAt(ev domain.Event, now time.Time) bool {
	if !ev.Active {
		return false
	}
	starts, err := time.Parse(time.RFC3339, ev.StartsAt)
	if err != nil {
		return false
	}
	ends, err := time.Parse(time.RFC3339, ev.EndsAt)
	if err != nil {
		return false
	}
	return !now.Before(starts) && now.Before(ends)
}

// DistributeGrant pays directly from the pool without a proof. Gated by
// the pool capability.
func (e Engine) DistributeGrant(ctx context.Context, capID, eventID, recipient string, amount uint64, actor string) (domain.Grant, error) {
	grants, err := e.DistributeGrantBatch(ctx, capID, eventID, []string{recipient}, []uint64{amount}, actor)
	if err != nil {
		return domain.Grant{}, err
	}
	return grants[0], nil
}

// DistributeGrantBatch pays several recipients in one transaction. The
// batch sum is checked against the balance up front; either every
// transfer lands or none do.
func (e Engine) DistributeGrantBatch(ctx context.Context, capID, eventID string, recipients []string, amounts []uint64, actor string) ([]domain.Grant, error) {
	if len(recipients) == 0 || len(recipients) != len(amounts) {
		return nil, errors.New("recipients and amounts must align")
	}
	actorAddr, err := normalizeAddress(actor)
	if err != nil {
		return nil, err
	}
	var total uint64
	addrs := make([]string, len(recipients))
	for i, r := range recipients {
		if amounts[i] == 0 {
			return nil, ErrInvalidAmount
		}
		addrs[i], err = normalizeAddress(r)
		if err != nil {
			return nil, err
		}
		total += amounts[i]
	}
	now := e.now().UTC().Format(time.RFC3339)
	batchID := ""
	if len(recipients) > 1 {
		batchID = uuid.New().String()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ev, err := e.Repo.GetEventTx(ctx, tx, eventID)
	if err != nil {
		return nil, err
	}
	if err := e.requireCapability(ctx, tx, domain.CapabilityPoolAdmin, eventID, capID, actorAddr); err != nil {
		return nil, err
	}
	if ev.Balance < total {
		return nil, ErrInsufficientFunds
	}
	grants := make([]domain.Grant, 0, len(recipients))
	for i, addr := range addrs {
		ok, err := e.Repo.DebitPoolTx(ctx, tx, eventID, amounts[i])
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrInsufficientFunds
		}
		g := domain.Grant{
			ID:               uuid.New().String(),
			EventID:          eventID,
			RecipientAddress: addr,
			Amount:           amounts[i],
			BatchID:          batchID,
			CreatedAt:        now,
		}
		if err := e.Repo.InsertGrantTx(ctx, tx, g); err != nil {
			return nil, err
		}
		if err := e.Ledger.Append(ctx, tx, "grant.distributed", eventID, "grant", g.ID, actorAddr, ledger.Payload{
			"recipient": addr,
			"amount":    amounts[i],
			"batch_id":  batchID,
		}); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return grants, nil
}
