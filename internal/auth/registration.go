package auth

import (
	"context"
	"errors"
)

// EventRecorder receives audit events.
type EventRecorder func(ctx context.Context, event string, fields map[string]any) error

// RegistrationResult identifies the records created by a registration.
type RegistrationResult struct {
	TenantID    string
	AdminUserID string
}

// RegistrationFlow validates a tenant registration and creates the tenant with
// its first admin in one atomic store operation.
type RegistrationFlow struct {
	creds  *CredentialService
	record EventRecorder
}

// NewRegistrationFlow constructs RegistrationFlow. record may be nil.
func NewRegistrationFlow(creds *CredentialService, record EventRecorder) (*RegistrationFlow, error) {
	if creds == nil {
		return nil, errors.New("credential service is required")
	}
	return &RegistrationFlow{creds: creds, record: record}, nil
}

// Register runs the flow. Invalid input fails with ErrInvalidInput and a taken
// tenant name or admin username with ErrConflict; neither leaves partial state.
func (f *RegistrationFlow) Register(ctx context.Context, reg TenantRegistration) (RegistrationResult, error) {
	tenantID, adminID, err := f.creds.RegisterTenant(ctx, reg)
	if err != nil {
		return RegistrationResult{}, err
	}
	if f.record != nil {
		// audit failures never undo a committed registration
		_ = f.record(ctx, "tenant.registered", map[string]any{
			"tenant_id":     tenantID,
			"admin_user_id": adminID,
		})
	}
	return RegistrationResult{TenantID: tenantID, AdminUserID: adminID}, nil
}
