package kafka

import (
	"github.com/azizikri/token-faucet/internal/domain"
	"github.com/cockroachdb/errors"
)

var codeErrors = []struct {
	code string
	err  error
}{
	{ErrCodePaused, domain.ErrPaused},
	{ErrCodeCooldownNotElapsed, domain.ErrCooldownNotElapsed},
	{ErrCodeLifetimeLimitReached, domain.ErrLifetimeLimitReached},
	{ErrCodeLedgerFailure, domain.ErrLedgerFailure},
	{ErrCodeNotAdmin, domain.ErrNotAdmin},
	{ErrCodeInvalidRequest, domain.ErrInvalidIdentity},
}

func errorCode(err error) string {
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return ErrCodeInternalError
}

// errorFromCode turns a reply back into the sentinel the service would have
// returned in-process.
func errorFromCode(code, message string) error {
	for _, ce := range codeErrors {
		if ce.code == code {
			return ce.err
		}
	}
	return errors.New(message)
}
