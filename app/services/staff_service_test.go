package services

import (
	"context"
	"testing"

	"KotApp/app/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStaffService(t *testing.T) *StaffService {
	t.Helper()
	db, err := database.OpenMemory(uuid.NewString())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewStaffService(db)
}

func TestStaffService_CreateAndAuthenticate(t *testing.T) {
	svc := newStaffService(t)
	ctx := context.Background()

	ravi, err := svc.Create(ctx, " Ravi ", "", "4321")
	require.NoError(t, err)
	assert.Equal(t, "Ravi", ravi.Name)
	assert.Equal(t, "waiter", ravi.Role)
	assert.NotEqual(t, "4321", ravi.PIN)

	_, err = svc.Create(ctx, "Asha", "cashier", "9876")
	require.NoError(t, err)

	who, err := svc.AuthenticateByPIN(ctx, "9876")
	require.NoError(t, err)
	assert.Equal(t, "Asha", who.Name)
	assert.NotNil(t, who.LastLoginAt)

	_, err = svc.AuthenticateByPIN(ctx, "0000")
	assert.ErrorIs(t, err, ErrInvalidPIN)
	_, err = svc.AuthenticateByPIN(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidPIN)

	staff, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, staff, 2)
	assert.Equal(t, "Asha", staff[0].Name)
}

func TestStaffService_Validation(t *testing.T) {
	svc := newStaffService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "", "waiter", "1234")
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "name", validation.Field)

	_, err = svc.Create(ctx, "Ravi", "waiter", "12")
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "pin", validation.Field)
}

func TestStaffService_DeactivatedStaffCannotSignIn(t *testing.T) {
	svc := newStaffService(t)
	ctx := context.Background()

	ravi, err := svc.Create(ctx, "Ravi", "waiter", "4321")
	require.NoError(t, err)
	require.NoError(t, svc.UpdatePIN(ctx, ravi.ID, "5555"))

	_, err = svc.AuthenticateByPIN(ctx, "4321")
	assert.ErrorIs(t, err, ErrInvalidPIN)
	_, err = svc.AuthenticateByPIN(ctx, "5555")
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(ctx, ravi.ID))
	_, err = svc.AuthenticateByPIN(ctx, "5555")
	assert.ErrorIs(t, err, ErrInvalidPIN)
}
