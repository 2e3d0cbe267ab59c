package intake

import (
	"context"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/store"
)

// storeLookup adapts the store to the normalizer's correlation interface.
// With an instance hint the email lookup stays scoped to that instance;
// without one it falls back to the newest enrollment across instances.
type storeLookup struct {
	store *store.Store
}

func (l storeLookup) ByProviderRef(ctx context.Context, ref string) (*domain.Enrollment, error) {
	return l.store.FindEnrollmentByProviderRef(ctx, ref)
}

func (l storeLookup) ByEmail(ctx context.Context, instanceID, email string) (*domain.Enrollment, error) {
	if instanceID != "" {
		return l.store.GetEnrollmentByEmail(ctx, instanceID, email)
	}
	return l.store.FindEnrollmentByEmail(ctx, email)
}
