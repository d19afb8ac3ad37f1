package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

func TestRecordStoreUpsert(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRecordStore(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := crawler.Record{
		Identity:    crawler.Identity{Source: "shop.example", ExternalID: "42"},
		URL:         "https://shop.example/p/42",
		Fields:      map[string]string{"title": "Bike"},
		ExtractedAt: now,
	}
	mock.ExpectExec("INSERT INTO listings").
		WithArgs(
			"shop.example",
			"42",
			"https://shop.example/p/42",
			[]byte(`{"title":"Bike"}`),
			pgxmock.AnyArg(),
			now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Upsert(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreUpsertErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRecordStore(mock, "listings")
	require.NoError(t, err)
	require.Error(t, s.Upsert(context.Background(), crawler.Record{}))

	mock.ExpectExec("INSERT INTO listings").WillReturnError(errors.New("connection refused"))
	err = s.Upsert(context.Background(), crawler.Record{Identity: crawler.Identity{Source: "s", ExternalID: "1"}})
	require.ErrorContains(t, err, "connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreExists(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRecordStore(mock, "listings")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("shop.example", "42").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("shop.example", "43").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("shop.example", "44").
		WillReturnError(errors.New("timeout"))

	ok, err := s.Exists(context.Background(), crawler.Identity{Source: "shop.example", ExternalID: "42"})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Exists(context.Background(), crawler.Identity{Source: "shop.example", ExternalID: "43"})
	require.NoError(t, err)
	require.False(t, ok)
	_, err = s.Exists(context.Background(), crawler.Identity{Source: "shop.example", ExternalID: "44"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreMigrate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRecordStore(mock, "listings")
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS listings").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewStoresRejectBadTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRecordStore(mock, "listings; DROP TABLE x")
	require.Error(t, err)
	_, err = NewRunStore(mock, "1runs")
	require.Error(t, err)
	_, err = NewRecordStore(nil, "")
	require.Error(t, err)
	_, err = NewRunStore(nil, "")
	require.Error(t, err)
}
