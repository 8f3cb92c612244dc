package keyresolver

import (
	"context"

	"workledger/internal/domain"
)

// AliasStore resolves external identifiers to canonical subject and work-item
// ids. Implementations return found=false, not an error, for unknown ids.
//
//go:generate mockgen -destination=mocks/mock_alias_store.go -source=interface.go AliasStore
type AliasStore interface {
	Lookup(ctx context.Context, kind domain.AliasKind, source domain.SourceSystem, externalID string) (string, bool, error)
}
