package domain

type Event struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	OperatorAddress  string `json:"operator_address"`
	Active           bool   `json:"active"`
	StartsAt         string `json:"starts_at" format:"date-time"`
	EndsAt           string `json:"ends_at" format:"date-time"`
	MissionCounter   uint64 `json:"mission_counter"`
	VerifierAddress  string `json:"verifier_address"`
	Balance          uint64 `json:"balance"`
	TotalFunded      uint64 `json:"total_funded"`
	TotalDistributed uint64 `json:"total_distributed"`
	RecipientCount   uint64 `json:"recipient_count"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

type Mission struct {
	EventID         string `json:"event_id"`
	MissionID       uint64 `json:"mission_id"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	RewardAmount    uint64 `json:"reward_amount"`
	Active          bool   `json:"active"`
	Completions     uint64 `json:"completions"`
	VerifierAddress string `json:"verifier_address,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

// Passport is soulbound: no operation in this module reassigns
// OwnerAddress or copies a passport to another owner.
type Passport struct {
	ID                string `json:"id"`
	OwnerAddress      string `json:"owner_address"`
	TotalAttestations uint64 `json:"total_attestations"`
	CreatedAt         string `json:"created_at" format:"date-time"`
}

type Attestation struct {
	PassportID   string `json:"passport_id"`
	EventID      string `json:"event_id"`
	EventName    string `json:"event_name"`
	MissionID    uint64 `json:"mission_id"`
	MissionTitle string `json:"mission_title"`
	RewardAmount uint64 `json:"reward_amount"`
	CompletedAt  string `json:"completed_at" format:"date-time"`
}

const (
	CapabilityEventAdmin = "event_admin"
	CapabilityPoolAdmin  = "pool_admin"
)

type Capability struct {
	ID            string `json:"id"`
	Kind          string `json:"kind" enum:"event_admin,pool_admin"`
	TargetID      string `json:"target_id"`
	HolderAddress string `json:"holder_address"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Grant struct {
	ID               string `json:"id"`
	EventID          string `json:"event_id"`
	RecipientAddress string `json:"recipient_address"`
	Amount           uint64 `json:"amount"`
	BatchID          string `json:"batch_id,omitempty"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

// LogEntry is one row of the append-only notification stream.
type LogEntry struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	EventID      string `json:"event_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorAddress string `json:"actor_address"`
	Payload      string `json:"payload_json"`
}

type APIKey struct {
	ID           string `json:"id"`
	ActorAddress string `json:"actor_address"`
	Name         string `json:"name,omitempty"`
	KeyHash      string `json:"key_hash"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// MissionView is the read model handed to presentation layers.
type MissionView struct {
	MissionID    uint64 `json:"mission_id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	RewardAmount uint64 `json:"reward_amount"`
	Active       bool   `json:"active"`
	Completions  uint64 `json:"completions"`
}

type PassportView struct {
	OwnerAddress      string        `json:"owner_address"`
	TotalAttestations uint64        `json:"total_attestations"`
	Attestations      []Attestation `json:"attestations"`
}
