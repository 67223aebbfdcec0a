package issuance

import (
	"errors"

	"sessiongen.org/internal/audit"
)

var (
	ErrInvalidPhone = errors.New("issuance: phone must be + followed by digits")
	ErrStateLost    = errors.New("issuance: session state missing")
	ErrExpired      = errors.New("issuance: session expired")
	ErrStorage      = errors.New("issuance: storage failure")
)

// Kind classifies the outcome of one state-machine step.
type Kind int

const (
	// PhoneRejected keeps the session in AwaitingPhone.
	PhoneRejected Kind = iota + 1
	// CodeSent moves the session to AwaitingCode.
	CodeSent
	Succeeded
	SendCodeFailed
	SignInFailed
	ArtifactMissing
	StateLost
	StorageFailed
	Cancelled
	Expired
)

func (k Kind) String() string {
	switch k {
	case PhoneRejected:
		return "phone_rejected"
	case CodeSent:
		return "code_sent"
	case Succeeded:
		return "succeeded"
	case SendCodeFailed:
		return "send_code_failed"
	case SignInFailed:
		return "sign_in_failed"
	case ArtifactMissing:
		return "artifact_missing"
	case StateLost:
		return "state_lost"
	case StorageFailed:
		return "storage_failed"
	case Cancelled:
		return "cancelled"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// Terminal reports whether the session is finished after a step of this kind.
func (k Kind) Terminal() bool {
	return k != PhoneRejected && k != CodeSent
}

// Outcome maps a terminal kind to its audit outcome.
func (k Kind) Outcome() audit.Outcome {
	switch k {
	case Succeeded:
		return audit.Success
	case Cancelled:
		return audit.Cancelled
	case PhoneRejected, CodeSent:
		return ""
	}
	return audit.Failed
}

// Result is the explicit outcome of one step. The orchestrator picks the reply from
// Kind and Err and discards the session when Kind is terminal.
type Result struct {
	Kind     Kind
	Phone    string
	Err      error
	Artifact *Artifact

	// CloseErr and AuditErr report cleanup problems that did not change Kind
	// (except a failed SUCCESS record, which turns the result into StorageFailed).
	CloseErr error
	AuditErr error
}

// Terminal reports whether the session ended with this step.
func (r Result) Terminal() bool { return r.Kind.Terminal() }
