package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/plexrelay/internal/relay"
)

func TestRecordDeliveryInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDeliveryStoreWithPool(mock, "deliveries")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := relay.DeliveryRecord{
		ID:          "uuid-v7",
		Key:         "library.new|show:1000:1",
		Endpoint:    "main",
		Items:       3,
		Success:     false,
		Error:       "webhook replied with status 500",
		DeliveredAt: now,
		Duration:    1500 * time.Millisecond,
	}

	mock.ExpectExec("INSERT INTO deliveries").
		WithArgs(rec.ID, rec.Key, rec.Endpoint, rec.Items, rec.Success, &rec.Error, now, int64(1500)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordDelivery(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDeliveryGeneratesID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDeliveryStoreWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO deliveries").
		WithArgs(pgxmock.AnyArg(), "", "ep", 1, true, (*string)(nil), pgxmock.AnyArg(), int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordDelivery(context.Background(), relay.DeliveryRecord{Endpoint: "ep", Items: 1, Success: true}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDeliveryWrapsExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDeliveryStoreWithPool(mock, "deliveries")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO deliveries").WillReturnError(errors.New("connection reset"))
	err = store.RecordDelivery(context.Background(), relay.DeliveryRecord{ID: "x"})
	require.ErrorContains(t, err, "insert delivery")
}

func TestEnsureSchemaAndPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDeliveryStoreWithPool(mock, "relay_deliveries")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS relay_deliveries").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectPing()

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewDeliveryStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewDeliveryStoreWithPool(nil, "x")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewDeliveryStoreWithPool(mock, "bad-name; DROP")
	require.Error(t, err)

	_, err = NewDeliveryStore(context.Background(), Config{})
	require.Error(t, err)

	var nilStore *DeliveryStore
	require.Error(t, nilStore.RecordDelivery(context.Background(), relay.DeliveryRecord{}))
	nilStore.Close()
}
