package account

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnidesk/omnidesk/internal/channel"
)

type stubRow struct {
	err error
}

func (r stubRow) Scan(...any) error { return r.err }

func TestScanAccountMapsNoRows(t *testing.T) {
	t.Parallel()

	_, err := scanAccount(stubRow{err: pgx.ErrNoRows})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScanAccountWrapsOtherFailures(t *testing.T) {
	t.Parallel()

	cause := errors.New("broken pipe")
	_, err := scanAccount(stubRow{err: cause})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestMapActivationError(t *testing.T) {
	t.Parallel()

	uniqueViolation := &pgconn.PgError{
		Code:           "23505",
		ConstraintName: "channel_accounts_active_identity",
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "identity already active elsewhere",
			err:  uniqueViolation,
			want: ErrIdentityInUse,
		},
		{
			// scanAccount wraps before SetActive inspects the error.
			name: "wrapped unique violation",
			err:  fmt.Errorf("scan channel account: %w", uniqueViolation),
			want: ErrIdentityInUse,
		},
		{
			name: "foreign key violation passes through",
			err:  &pgconn.PgError{Code: "23503"},
			want: &pgconn.PgError{Code: "23503"},
		},
		{
			name: "plain error passes through",
			err:  errors.New("connection refused"),
			want: errors.New("connection refused"),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := mapActivationError(tc.err)
			if errors.Is(tc.want, ErrIdentityInUse) {
				assert.ErrorIs(t, got, ErrIdentityInUse)
				return
			}
			assert.NotErrorIs(t, got, ErrIdentityInUse)
			assert.EqualError(t, got, tc.want.Error())
		})
	}
}

func TestAdapterAccount(t *testing.T) {
	t.Parallel()

	acc := ChannelAccount{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		ChannelType: channel.TypeWhatsApp,
		ExternalID:  "15551234567",
		AccessToken: "EAAB...",
		DisplayName: "Support line",
		Active:      true,
	}

	view := acc.AdapterAccount()
	assert.Equal(t, acc.ID.String(), view.ID)
	assert.Equal(t, acc.TenantID.String(), view.TenantID)
	assert.Equal(t, channel.TypeWhatsApp, view.ChannelType)
	assert.Equal(t, acc.ExternalID, view.ExternalID)
	assert.Equal(t, acc.AccessToken, view.AccessToken)
	assert.Equal(t, acc.DisplayName, view.DisplayName)
}
