package server

import (
	"encoding/json"

	"passbook/internal/domain"
)

// Request payloads

type CreateEventRequest struct {
	Name            string  `json:"name"`
	Description     *string `json:"description,omitempty"`
	StartsAt        string  `json:"starts_at" format:"date-time"`
	EndsAt          string  `json:"ends_at" format:"date-time"`
	VerifierAddress string  `json:"verifier_address"`
}

type FundEventRequest struct {
	Amount uint64 `json:"amount"`
}

type SetActiveRequest struct {
	CapabilityID string `json:"capability_id"`
	Active       bool   `json:"active"`
}

type CreateMissionRequest struct {
	CapabilityID    string  `json:"capability_id"`
	Title           string  `json:"title"`
	Description     *string `json:"description,omitempty"`
	RewardAmount    uint64  `json:"reward_amount"`
	VerifierAddress *string `json:"verifier_address,omitempty"`
}

type ClaimRequest struct {
	MissionID uint64 `json:"mission_id"`
	Signature string `json:"signature" doc:"hex encoded 65-byte signature"`
	Nonce     string `json:"nonce"`
	IssuedAt  string `json:"issued_at" format:"date-time"`
}

type DistributeGrantRequest struct {
	CapabilityID string   `json:"capability_id"`
	Recipients   []string `json:"recipients"`
	Amounts      []uint64 `json:"amounts"`
}

type DevLoginRequest struct {
	Address string `json:"address"`
}

// Responses

type EventResponse struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	OperatorAddress  string `json:"operator_address"`
	Active           bool   `json:"active"`
	StartsAt         string `json:"starts_at"`
	EndsAt           string `json:"ends_at"`
	VerifierAddress  string `json:"verifier_address"`
	Balance          uint64 `json:"balance"`
	TotalFunded      uint64 `json:"total_funded"`
	TotalDistributed uint64 `json:"total_distributed"`
	RecipientCount   uint64 `json:"recipient_count"`
	CreatedAt        string `json:"created_at"`
}

type CapabilityResponse struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	TargetID      string `json:"target_id"`
	HolderAddress string `json:"holder_address"`
}

type CreateEventResponse struct {
	Event        EventResponse        `json:"event"`
	Capabilities []CapabilityResponse `json:"capabilities"`
}

type MissionResponse struct {
	MissionID    uint64 `json:"mission_id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	RewardAmount uint64 `json:"reward_amount"`
	Active       bool   `json:"active"`
	Completions  uint64 `json:"completions"`
}

type PassportResponse struct {
	ID                string `json:"id"`
	OwnerAddress      string `json:"owner_address"`
	TotalAttestations uint64 `json:"total_attestations"`
	CreatedAt         string `json:"created_at"`
}

type AttestationResponse struct {
	PassportID   string `json:"passport_id"`
	EventID      string `json:"event_id"`
	EventName    string `json:"event_name"`
	MissionID    uint64 `json:"mission_id"`
	MissionTitle string `json:"mission_title"`
	RewardAmount uint64 `json:"reward_amount"`
	CompletedAt  string `json:"completed_at"`
}

type PassportViewResponse struct {
	OwnerAddress      string                `json:"owner_address"`
	TotalAttestations uint64                `json:"total_attestations"`
	Attestations      []AttestationResponse `json:"attestations"`
}

type GrantResponse struct {
	ID               string `json:"id"`
	EventID          string `json:"event_id"`
	RecipientAddress string `json:"recipient_address"`
	Amount           uint64 `json:"amount"`
	BatchID          string `json:"batch_id,omitempty"`
	CreatedAt        string `json:"created_at"`
}

type LogEntryResponse struct {
	ID           int64           `json:"id"`
	TS           string          `json:"ts"`
	Type         string          `json:"type"`
	EventID      string          `json:"event_id,omitempty"`
	EntityKind   string          `json:"entity_kind"`
	EntityID     string          `json:"entity_id,omitempty"`
	ActorAddress string          `json:"actor_address"`
	Payload      json.RawMessage `json:"payload"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedLog struct {
	Items      []LogEntryResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

// Mappers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:               e.ID,
		Name:             e.Name,
		Description:      e.Description,
		OperatorAddress:  e.OperatorAddress,
		Active:           e.Active,
		StartsAt:         e.StartsAt,
		EndsAt:           e.EndsAt,
		VerifierAddress:  e.VerifierAddress,
		Balance:          e.Balance,
		TotalFunded:      e.TotalFunded,
		TotalDistributed: e.TotalDistributed,
		RecipientCount:   e.RecipientCount,
		CreatedAt:        e.CreatedAt,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

func capabilityResponse(c domain.Capability) CapabilityResponse {
	return CapabilityResponse{
		ID:            c.ID,
		Kind:          c.Kind,
		TargetID:      c.TargetID,
		HolderAddress: c.HolderAddress,
	}
}

func missionResponse(v domain.MissionView) MissionResponse {
	return MissionResponse{
		MissionID:    v.MissionID,
		Title:        v.Title,
		Description:  v.Description,
		RewardAmount: v.RewardAmount,
		Active:       v.Active,
		Completions:  v.Completions,
	}
}

func missionViewFrom(m domain.Mission) domain.MissionView {
	return domain.MissionView{
		MissionID:    m.MissionID,
		Title:        m.Title,
		Description:  m.Description,
		RewardAmount: m.RewardAmount,
		Active:       m.Active,
		Completions:  m.Completions,
	}
}

func passportResponse(p domain.Passport) PassportResponse {
	return PassportResponse{
		ID:                p.ID,
		OwnerAddress:      p.OwnerAddress,
		TotalAttestations: p.TotalAttestations,
		CreatedAt:         p.CreatedAt,
	}
}

func attestationResponse(a domain.Attestation) AttestationResponse {
	return AttestationResponse{
		PassportID:   a.PassportID,
		EventID:      a.EventID,
		EventName:    a.EventName,
		MissionID:    a.MissionID,
		MissionTitle: a.MissionTitle,
		RewardAmount: a.RewardAmount,
		CompletedAt:  a.CompletedAt,
	}
}

func mapAttestations(items []domain.Attestation) []AttestationResponse {
	res := make([]AttestationResponse, 0, len(items))
	for _, a := range items {
		res = append(res, attestationResponse(a))
	}
	return res
}

func passportViewResponse(v domain.PassportView) PassportViewResponse {
	return PassportViewResponse{
		OwnerAddress:      v.OwnerAddress,
		TotalAttestations: v.TotalAttestations,
		Attestations:      mapAttestations(v.Attestations),
	}
}

func grantResponse(g domain.Grant) GrantResponse {
	return GrantResponse{
		ID:               g.ID,
		EventID:          g.EventID,
		RecipientAddress: g.RecipientAddress,
		Amount:           g.Amount,
		BatchID:          g.BatchID,
		CreatedAt:        g.CreatedAt,
	}
}

func logEntryResponse(entry domain.LogEntry) LogEntryResponse {
	payload := json.RawMessage("{}")
	if entry.Payload != "" && json.Valid([]byte(entry.Payload)) {
		payload = json.RawMessage(entry.Payload)
	}
	return LogEntryResponse{
		ID:           entry.ID,
		TS:           entry.TS,
		Type:         entry.Type,
		EventID:      entry.EventID,
		EntityKind:   entry.EntityKind,
		EntityID:     entry.EntityID,
		ActorAddress: entry.ActorAddress,
		Payload:      payload,
	}
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
