package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/djlord-it/deliveryguard/internal/domain"
	"github.com/djlord-it/deliveryguard/internal/tracker"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// defaultAckTimeout applies when a policy omits ack_timeout.
const defaultAckTimeout = 30 * time.Second

// parseDefinition validates a create or edit body and converts it.
func parseDefinition(req DefinitionRequest, cluster domain.ClusterID) (domain.Definition, error) {
	if err := domain.ValidateName(req.Name); err != nil {
		return domain.Definition{}, err
	}
	if req.Target == "" {
		return domain.Definition{}, fmt.Errorf("target is required")
	}
	tt, err := domain.ParseTargetType(req.TargetType)
	if err != nil {
		return domain.Definition{}, err
	}
	if tt == domain.TargetTypeHTTP {
		if err := validateWebhookURL(req.Target); err != nil {
			return domain.Definition{}, fmt.Errorf("invalid target: %w", err)
		}
	}

	policy, err := parsePolicy(req.Policy)
	if err != nil {
		return domain.Definition{}, err
	}

	def := domain.Definition{
		ClusterID:   cluster,
		Name:        req.Name,
		Description: req.Description,
		Target:      req.Target,
		TargetType:  tt,
		Secret:      req.Secret,
		Policy:      policy,
	}
	if err := def.Validate(); err != nil {
		return domain.Definition{}, err
	}
	return def, nil
}

func parsePolicy(req PolicyRequest) (domain.RetryPolicy, error) {
	if req.MaxAttempts < 1 {
		return domain.RetryPolicy{}, fmt.Errorf("policy.max_attempts must be >= 1")
	}
	p := domain.RetryPolicy{
		MaxAttempts: req.MaxAttempts,
		AckTimeout:  defaultAckTimeout,
	}
	for i, s := range req.Backoff {
		d, err := time.ParseDuration(s)
		if err != nil {
			return domain.RetryPolicy{}, fmt.Errorf("invalid policy.backoff[%d]: %w", i, err)
		}
		p.Backoff = append(p.Backoff, d)
	}
	if req.AckTimeout != "" {
		d, err := time.ParseDuration(req.AckTimeout)
		if err != nil {
			return domain.RetryPolicy{}, fmt.Errorf("invalid policy.ack_timeout: %w", err)
		}
		p.AckTimeout = d
	}
	if req.MaxInDoubtDwell != "" {
		d, err := time.ParseDuration(req.MaxInDoubtDwell)
		if err != nil {
			return domain.RetryPolicy{}, fmt.Errorf("invalid policy.max_in_doubt_dwell: %w", err)
		}
		p.MaxInDoubtDwell = d
	}
	return p, p.Validate()
}

func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func parseOutcome(req OutcomeRequest) (tracker.Outcome, error) {
	kind := domain.EventKind(req.Kind)
	switch kind {
	case domain.EventDispatched, domain.EventAck, domain.EventNack, domain.EventTimeout:
	case "":
		return tracker.Outcome{}, fmt.Errorf("kind is required")
	default:
		return tracker.Outcome{}, fmt.Errorf("kind must be dispatched, ack, nack or timeout, got %q", req.Kind)
	}
	return tracker.Outcome{Kind: kind, Retryable: req.Retryable, Detail: req.Detail}, nil
}

// parseSortParams reads sort and desc query parameters.
func parseSortParams(r *http.Request) (tracker.Sort, error) {
	q := r.URL.Query()
	desc := false
	if s := q.Get("desc"); s != "" {
		var err error
		if desc, err = strconv.ParseBool(s); err != nil {
			return tracker.Sort{}, fmt.Errorf("invalid desc: %q", s)
		}
	}
	return tracker.ParseSort(q.Get("sort"), desc)
}

// parseTargetTypeParam reads an optional target_type filter.
func parseTargetTypeParam(r *http.Request) (domain.TargetType, error) {
	s := r.URL.Query().Get("target_type")
	if s == "" {
		return "", nil
	}
	return domain.ParseTargetType(s)
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
