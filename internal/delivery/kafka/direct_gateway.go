package kafka

import (
	"context"

	"github.com/azizikri/token-faucet/internal/domain"
	"github.com/azizikri/token-faucet/internal/usecase"
)

// DirectGateway calls the service in-process, stamping requests with clock.
type DirectGateway struct {
	service *usecase.FaucetService
	clock   usecase.Clock
}

func NewDirectGateway(service *usecase.FaucetService, clock usecase.Clock) usecase.FaucetGateway {
	if clock == nil {
		clock = usecase.SystemClock{}
	}
	return &DirectGateway{service: service, clock: clock}
}

func (g *DirectGateway) RequestTokens(ctx context.Context, identity string) (domain.ClaimRecord, error) {
	return g.service.RequestTokens(ctx, identity, g.clock.Now())
}

func (g *DirectGateway) SetPaused(ctx context.Context, caller string, paused bool) error {
	return g.service.SetPaused(ctx, caller, paused)
}

func (g *DirectGateway) CanClaim(ctx context.Context, identity string) (bool, error) {
	return g.service.CanClaim(ctx, identity, g.clock.Now())
}

func (g *DirectGateway) RemainingAllowance(ctx context.Context, identity string) (int64, error) {
	return g.service.RemainingAllowance(ctx, identity)
}

func (g *DirectGateway) ClaimRecord(ctx context.Context, identity string) (domain.ClaimRecord, error) {
	return g.service.ClaimRecord(ctx, identity)
}

func (g *DirectGateway) Status(ctx context.Context) (domain.Status, error) {
	return g.service.Status(ctx)
}
