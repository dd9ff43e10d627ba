package actions

import (
	"github.com/cascadehq/cascade/internal/expressions"
	"github.com/cascadehq/cascade/internal/ledger"
)

// RegisterBuiltins registers all built-in actions in the given registry.
// The ledger is optional; entity actions are skipped when it is nil.
func RegisterBuiltins(reg *Registry, jq *expressions.GoJQEngine, l *ledger.Ledger, httpCfg HTTPConfig) error {
	all := make([]Action, 0, 8)

	all = append(all,
		NewHTTPRequestAction(httpCfg),
		NewJQAction(jq),
		NewEchoAction(),
	)

	if l != nil {
		all = append(all,
			NewClaimAction(l),
			NewMarkProcessedAction(l),
		)
	}

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}
