package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/devicelink/pkg/devicelink"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

const postgresDSNEnv = "DEVICELINK_TEST_POSTGRES_DSN"

func TestIsBindingConflictMatchesOnlyMACConstraint(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "mac unique", err: &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintDeviceBindingMAC}, want: true},
		{name: "wrapped", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintDeviceBindingMAC}), want: true},
		{name: "other constraint", err: &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: "device_bindings_pkey"}, want: false},
		{name: "other code", err: &pgconn.PgError{Code: "23502", ConstraintName: constraintDeviceBindingMAC}, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			require.Equal(test, testCase.want, isBindingConflict(testCase.err))
		})
	}
}

func TestEncodeJSONDefaultsToEmptyObject(test *testing.T) {
	test.Parallel()
	encoded, err := encodeJSON(nil)
	require.NoError(test, err)
	require.Equal(test, defaultMetadataJSON, encoded)

	encoded, err = encodeJSON(map[string]any{"outcome": "linked"})
	require.NoError(test, err)
	require.JSONEq(test, `{"outcome":"linked"}`, encoded)
}

// TestStoreAgainstPostgres exercises the SQL against a live database when
// DEVICELINK_TEST_POSTGRES_DSN points at a schema created by the gorm models.
func TestStoreAgainstPostgres(test *testing.T) {
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		test.Skipf("%s not set", postgresDSNEnv)
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(test, err)
	test.Cleanup(pool.Close)
	store := New(pool)

	mac := fmt.Sprintf("02:00:00:%02X:%02X:%02X", time.Now().Nanosecond()%256, time.Now().Second(), os.Getpid()%256)
	userID, err := devicelink.NewUserID(1)
	require.NoError(test, err)

	err = store.WithTx(ctx, func(ctx context.Context, txStore devicelink.Store) error {
		return txStore.InsertBinding(ctx, devicelink.DeviceBinding{
			MAC:        mac,
			UserID:     userID,
			DeviceType: devicelink.DeviceTypeOther,
			LinkedVia:  devicelink.LinkedViaVoucherScan,
			CreatedAt:  time.Now().UTC(),
		})
	})
	require.NoError(test, err)

	binding, err := store.FindBinding(ctx, mac)
	require.NoError(test, err)
	require.Equal(test, userID, binding.UserID)

	err = store.InsertBinding(ctx, devicelink.DeviceBinding{MAC: mac, UserID: userID, LinkedVia: devicelink.LinkedViaVoucherScan, CreatedAt: time.Now().UTC()})
	require.ErrorIs(test, err, devicelink.ErrMacAlreadyClaimed)

	_, err = store.ListReviewers(ctx, 0)
	require.NoError(test, err)
}
