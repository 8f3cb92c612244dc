package usecase

import (
	"context"

	"workledger/internal/domain"
)

// RecordRepository defines the interface for fetching raw source records.
// The usecase layer depends on this interface, not on a concrete implementation.
//
//go:generate mockgen -destination=mocks/mock_repository.go -source=interface.go RecordRepository
type RecordRepository interface {
	GetRawRecords(ctx context.Context, input domain.SourceInput) ([]domain.RawRecord, error)
}
