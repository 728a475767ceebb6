package workflow

import (
	"context"

	"github.com/samber/lo"

	"github.com/filecoin-project/dealpipe/api"
)

// Authorizer decides whether a task may run before its handler is called.
type Authorizer interface {
	Authorize(ctx context.Context, t Task) error
}

type allowAll struct{}

func (allowAll) Authorize(context.Context, Task) error { return nil }

// AllowAll authorizes every task.
var AllowAll Authorizer = allowAll{}

// AnyIssuer in an IssuerPolicy entry admits every issuer.
const AnyIssuer = "*"

// IssuerPolicy maps abilities to the issuers allowed to invoke them.
// Abilities without an entry are denied.
type IssuerPolicy map[string][]string

func (p IssuerPolicy) Authorize(_ context.Context, t Task) error {
	allowed := p[t.Ability]
	if !lo.Contains(allowed, t.Issuer) && !lo.Contains(allowed, AnyIssuer) {
		return api.Errorf(api.Unauthorized, "%s may not invoke %s", t.Issuer, t.Ability)
	}
	return nil
}
