package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

type (
	ClusterID    string
	DefinitionID string
)

type TargetType string

const (
	TargetTypeHTTP  TargetType = "http"
	TargetTypeAMQP  TargetType = "amqp"
	TargetTypeJMS   TargetType = "jms"
	TargetTypeZMQ   TargetType = "zmq"
	TargetTypeFTP   TargetType = "ftp"
	TargetTypeRedis TargetType = "redis"
)

var targetTypes = []TargetType{
	TargetTypeHTTP,
	TargetTypeAMQP,
	TargetTypeJMS,
	TargetTypeZMQ,
	TargetTypeFTP,
	TargetTypeRedis,
}

// ParseTargetType returns the TargetType named by s.
func ParseTargetType(s string) (TargetType, error) {
	for _, t := range targetTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown target type %q", ErrInvalidArgument, s)
}

// RetryPolicy controls how many times a delivery is attempted and how long
// the dispatcher waits between attempts and for an acknowledgment.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration // wait before attempt n is Backoff[n-1], last entry repeats
	AckTimeout  time.Duration

	// MaxInDoubtDwell is how long an instance may stay IN_DOUBT before it is
	// escalated. Zero disables escalation for the definition.
	MaxInDoubtDwell time.Duration
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be >= 1", ErrInvalidArgument)
	}
	for i, b := range p.Backoff {
		if b < 0 {
			return fmt.Errorf("%w: backoff[%d] must not be negative", ErrInvalidArgument, i)
		}
	}
	if p.AckTimeout <= 0 {
		return fmt.Errorf("%w: ack_timeout must be positive", ErrInvalidArgument)
	}
	if p.MaxInDoubtDwell < 0 {
		return fmt.Errorf("%w: max_in_doubt_dwell must not be negative", ErrInvalidArgument)
	}
	return nil
}

// BackoffFor returns the wait before the attempt following the given number
// of completed attempts.
func (p RetryPolicy) BackoffFor(attempts int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	idx := attempts
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	return p.Backoff[idx]
}

// ShortDef renders the policy the way list views show it.
func (p RetryPolicy) ShortDef() string {
	parts := make([]string, len(p.Backoff))
	for i, b := range p.Backoff {
		parts[i] = b.String()
	}
	backoff := strings.Join(parts, ",")
	if backoff == "" {
		backoff = "none"
	}
	return fmt.Sprintf("max=%d backoff=%s ack=%s", p.MaxAttempts, backoff, p.AckTimeout)
}

// Definition describes where deliveries go and under which retry policy.
type Definition struct {
	ID          DefinitionID
	ClusterID   ClusterID
	Name        string
	Description string

	Target     string
	TargetType TargetType
	Secret     string // signs outgoing payloads; never returned by the API
	Policy     RetryPolicy

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

func (d Definition) Deleted() bool {
	return d.DeletedAt != nil
}

// ValidateName rejects empty names and names containing whitespace.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidArgument)
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: name must not contain whitespace", ErrInvalidArgument)
	}
	return nil
}

// Validate checks the fields a caller supplies when creating or editing.
func (d Definition) Validate() error {
	if d.ClusterID == "" {
		return fmt.Errorf("%w: cluster_id is required", ErrInvalidArgument)
	}
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	if strings.TrimSpace(d.Target) == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidArgument)
	}
	if _, err := ParseTargetType(string(d.TargetType)); err != nil {
		return err
	}
	return d.Policy.Validate()
}
