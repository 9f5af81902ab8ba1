package usecase

import (
	"sort"

	"github.com/azizikri/token-faucet/internal/domain"
)

// Authorizer decides whether caller may perform action.
type Authorizer interface {
	IsAuthorized(caller string, action domain.Action) bool
}

// AdminLister is implemented by authorizers that can enumerate their admins.
type AdminLister interface {
	Admins() []string
}

type AuthorizerFunc func(caller string, action domain.Action) bool

func (f AuthorizerFunc) IsAuthorized(caller string, action domain.Action) bool {
	return f(caller, action)
}

// AdminPolicy grants every action to a fixed set of admin identities.
type AdminPolicy struct {
	admins map[string]struct{}
}

func NewAdminPolicy(admins ...string) *AdminPolicy {
	p := &AdminPolicy{admins: make(map[string]struct{}, len(admins))}
	for _, admin := range admins {
		id, err := domain.NormalizeIdentity(admin)
		if err != nil {
			continue
		}
		p.admins[id] = struct{}{}
	}
	return p
}

func (p *AdminPolicy) IsAuthorized(caller string, _ domain.Action) bool {
	id, err := domain.NormalizeIdentity(caller)
	if err != nil {
		return false
	}
	_, ok := p.admins[id]
	return ok
}

// Admins returns the admin identities in sorted order.
func (p *AdminPolicy) Admins() []string {
	admins := make([]string, 0, len(p.admins))
	for id := range p.admins {
		admins = append(admins, id)
	}
	sort.Strings(admins)
	return admins
}
