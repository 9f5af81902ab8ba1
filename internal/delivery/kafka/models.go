package kafka

import "github.com/azizikri/token-faucet/internal/domain"

const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

const (
	ErrCodePaused               = "PAUSED"
	ErrCodeCooldownNotElapsed   = "COOLDOWN_NOT_ELAPSED"
	ErrCodeLifetimeLimitReached = "LIFETIME_LIMIT_REACHED"
	ErrCodeLedgerFailure        = "LEDGER_FAILURE"
	ErrCodeNotAdmin             = "NOT_ADMIN"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeInternalError        = "INTERNAL_ERROR"
)

type RequestPayload struct {
	SchemaVersion int    `json:"schema_version"`
	CorrelationID string `json:"correlation_id"`
	ReplyTo       string `json:"reply_to"`
	Op            string `json:"op,omitempty"`
	Identity      string `json:"identity,omitempty"`
	Caller        string `json:"caller,omitempty"`
	Paused        bool   `json:"paused,omitempty"`
}

type ResponsePayload struct {
	SchemaVersion int                 `json:"schema_version"`
	CorrelationID string              `json:"correlation_id"`
	Status        string              `json:"status"`
	ErrorCode     string              `json:"error_code,omitempty"`
	ErrorMessage  string              `json:"error_message,omitempty"`
	Record        *domain.ClaimRecord `json:"record,omitempty"`
	CanClaim      *bool               `json:"can_claim,omitempty"`
	Remaining     *int64              `json:"remaining,omitempty"`
	FaucetStatus  *domain.Status      `json:"faucet_status,omitempty"`
}
