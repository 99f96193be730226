package api

import (
	"time"

	"github.com/djlord-it/deliveryguard/internal/domain"
	"github.com/djlord-it/deliveryguard/internal/tracker"
)

// PolicyRequest carries durations as Go duration strings ("30s", "2m").
type PolicyRequest struct {
	MaxAttempts     int      `json:"max_attempts"`
	Backoff         []string `json:"backoff,omitempty"`
	AckTimeout      string   `json:"ack_timeout,omitempty"`        // default 30s
	MaxInDoubtDwell string   `json:"max_in_doubt_dwell,omitempty"` // default from IN_DOUBT_MAX_DWELL
}

// DefinitionRequest is the body of create and edit.
type DefinitionRequest struct {
	ClusterID   string        `json:"cluster_id,omitempty"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Target      string        `json:"target"`
	TargetType  string        `json:"target_type"`
	Secret      string        `json:"secret,omitempty"`
	Policy      PolicyRequest `json:"policy"`
}

type PolicyResponse struct {
	MaxAttempts     int      `json:"max_attempts"`
	Backoff         []string `json:"backoff"`
	AckTimeout      string   `json:"ack_timeout"`
	MaxInDoubtDwell string   `json:"max_in_doubt_dwell"`
}

type SummaryResponse struct {
	Total       int64  `json:"total"`
	InProgress  int64  `json:"in_progress"`
	InDoubt     int64  `json:"in_doubt"`
	ArchSuccess int64  `json:"arch_success"`
	ArchFailed  int64  `json:"arch_failed"`
	LastUpdated string `json:"last_updated,omitempty"`
}

// DefinitionResponse never includes the secret.
type DefinitionResponse struct {
	ID          string           `json:"id"`
	ClusterID   string           `json:"cluster_id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Target      string           `json:"target"`
	TargetType  string           `json:"target_type"`
	Policy      PolicyResponse   `json:"policy"`
	ShortDef    string           `json:"short_def"`
	CreatedAt   string           `json:"created_at"`
	UpdatedAt   string           `json:"updated_at"`
	LastUpdated string           `json:"last_updated,omitempty"`
	Summary     *SummaryResponse `json:"summary,omitempty"`
}

type ListDefinitionsResponse struct {
	Definitions []DefinitionResponse `json:"definitions"`
}

type CreateInstanceRequest struct {
	PayloadRef string `json:"payload_ref"`
}

type InstanceResponse struct {
	ID           string `json:"id"`
	DefinitionID string `json:"definition_id"`
	Definition   string `json:"definition,omitempty"`
	ClusterID    string `json:"cluster_id"`
	Target       string `json:"target,omitempty"`
	TargetType   string `json:"target_type,omitempty"`
	State        string `json:"state"`
	PayloadRef   string `json:"payload_ref"`
	Attempts     int    `json:"attempts"`
	Seq          int64  `json:"seq"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

type ListInstancesResponse struct {
	Instances []InstanceResponse `json:"instances"`
}

type EventResponse struct {
	ID         string `json:"id"`
	Seq        int64  `json:"seq"`
	Kind       string `json:"kind"`
	From       string `json:"from,omitempty"`
	To         string `json:"to"`
	Attempt    int    `json:"attempt"`
	Retryable  bool   `json:"retryable,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	OperatorID string `json:"operator_id,omitempty"`
	Note       string `json:"note,omitempty"`
	Detail     string `json:"detail,omitempty"`
	At         string `json:"at"`
}

type InstanceDetailResponse struct {
	Instance    InstanceResponse `json:"instance"`
	Events      []EventResponse  `json:"events"`
	ReplayError string           `json:"replay_error,omitempty"`
}

// OutcomeRequest is what a connector reports for one attempt.
type OutcomeRequest struct {
	Kind      string `json:"kind"` // dispatched, ack, nack, timeout
	Retryable bool   `json:"retryable,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type CancelRequest struct {
	OperatorID string `json:"operator_id"`
	Note       string `json:"note,omitempty"`
}

type ResolveRequest struct {
	Resolution string `json:"resolution"` // success or failure
	OperatorID string `json:"operator_id"`
	Note       string `json:"note"`
}

type InDoubtResponse struct {
	InstanceResponse
	InDoubtSince    string  `json:"in_doubt_since"`
	DwellSeconds    float64 `json:"dwell_seconds"`
	MaxDwellSeconds float64 `json:"max_dwell_seconds,omitempty"`
	Escalated       bool    `json:"escalated"`
}

type ListInDoubtResponse struct {
	InDoubt []InDoubtResponse `json:"in_doubt"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func durationStrings(ds []time.Duration) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}

func toDefinitionResponse(def domain.Definition) DefinitionResponse {
	return DefinitionResponse{
		ID:          string(def.ID),
		ClusterID:   string(def.ClusterID),
		Name:        def.Name,
		Description: def.Description,
		Target:      def.Target,
		TargetType:  string(def.TargetType),
		Policy: PolicyResponse{
			MaxAttempts:     def.Policy.MaxAttempts,
			Backoff:         durationStrings(def.Policy.Backoff),
			AckTimeout:      def.Policy.AckTimeout.String(),
			MaxInDoubtDwell: def.Policy.MaxInDoubtDwell.String(),
		},
		ShortDef:  def.Policy.ShortDef(),
		CreatedAt: formatTime(def.CreatedAt),
		UpdatedAt: formatTime(def.UpdatedAt),
	}
}

func toDefinitionView(v tracker.DefinitionView) DefinitionResponse {
	resp := toDefinitionResponse(v.Definition)
	resp.LastUpdated = formatTime(v.LastUpdated)
	resp.Summary = toSummaryResponse(v.Summary)
	return resp
}

func toSummaryResponse(s domain.Summary) *SummaryResponse {
	return &SummaryResponse{
		Total:       s.Total,
		InProgress:  s.InProgress,
		InDoubt:     s.InDoubt,
		ArchSuccess: s.ArchSuccess,
		ArchFailed:  s.ArchFailed,
		LastUpdated: formatTime(s.LastUpdated),
	}
}

func toInstanceResponse(inst domain.Instance) InstanceResponse {
	return InstanceResponse{
		ID:           string(inst.ID),
		DefinitionID: string(inst.DefinitionID),
		ClusterID:    string(inst.ClusterID),
		State:        string(inst.State),
		PayloadRef:   inst.PayloadRef,
		Attempts:     inst.Attempts,
		Seq:          inst.Seq,
		CreatedAt:    formatTime(inst.CreatedAt),
		UpdatedAt:    formatTime(inst.UpdatedAt),
	}
}

func toInstanceView(v tracker.InstanceView) InstanceResponse {
	resp := toInstanceResponse(v.Instance)
	resp.Definition = v.DefinitionName
	resp.Target = v.Target
	resp.TargetType = string(v.TargetType)
	return resp
}

func toEventResponse(ev domain.Event) EventResponse {
	return EventResponse{
		ID:         string(ev.ID),
		Seq:        ev.Seq,
		Kind:       string(ev.Kind),
		From:       string(ev.From),
		To:         string(ev.To),
		Attempt:    ev.Attempt,
		Retryable:  ev.Retryable,
		Resolution: string(ev.Resolution),
		OperatorID: ev.OperatorID,
		Note:       ev.Note,
		Detail:     ev.Detail,
		At:         formatTime(ev.At),
	}
}
