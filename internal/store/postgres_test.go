package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpflow/scanner/internal/model"
)

func newMockPostgres(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresWithDB(mock, zerolog.Nop()), mock
}

// anyArgs returns n pgxmock.AnyArg matchers; pgxmock requires the expected
// argument count to match even when argument values are not asserted.
func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func featureSnap(symbol string) *model.Snapshot {
	funding := 0.01
	manip := 15.0
	return &model.Snapshot{
		Symbol:        symbol,
		TS:            time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		ATRPct:        1.2,
		SpreadBps:     2.5,
		Top5DepthUSDT: 800_000,
		Ret1:          0.1,
		Ret15:         0.8,
		Funding8hPct:  &funding,
		ManipScore:    &manip,
		ManipFlags:    []string{"liquidity_wall"},
		Score:         42.1234,
	}
}

func TestEnsureSchema(t *testing.T) {
	pg, mock := newMockPostgres(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS bars_1m").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS rankings").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, pg.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistBar(t *testing.T) {
	pg, mock := newMockPostgres(t)

	mock.ExpectExec("INSERT INTO bars_1m").WithArgs(anyArgs(13)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, pg.PersistBar(context.Background(), featureSnap("BTCUSDT"), 50000))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistBarError(t *testing.T) {
	pg, mock := newMockPostgres(t)

	mock.ExpectExec("INSERT INTO bars_1m").WithArgs(anyArgs(13)...).
		WillReturnError(errors.New("connection lost"))

	err := pg.PersistBar(context.Background(), featureSnap("BTCUSDT"), 50000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BTCUSDT")
}

func TestPersistRankings(t *testing.T) {
	pg, mock := newMockPostgres(t)

	frame := model.RankingFrame{
		TS:      time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Profile: "scalp",
		Items: []model.RankedItem{
			{Rank: 1, Snapshot: *featureSnap("BTCUSDT"),
				ScoreComponents: map[string]float64{"liquidity": 10}},
			{Rank: 2, Snapshot: *featureSnap("ETHUSDT"),
				ScoreComponents: map[string]float64{"liquidity": 8}},
		},
	}

	mock.ExpectExec("INSERT INTO rankings").WithArgs(anyArgs(7)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO rankings").WithArgs(anyArgs(7)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, pg.PersistRankings(context.Background(), frame))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistRankingsStopsOnError(t *testing.T) {
	pg, mock := newMockPostgres(t)

	frame := model.RankingFrame{
		TS:      time.Now().UTC(),
		Profile: "scalp",
		Items: []model.RankedItem{
			{Rank: 1, Snapshot: *featureSnap("BTCUSDT")},
			{Rank: 2, Snapshot: *featureSnap("ETHUSDT")},
		},
	}

	mock.ExpectExec("INSERT INTO rankings").WithArgs(anyArgs(7)...).
		WillReturnError(errors.New("disk full"))

	err := pg.PersistRankings(context.Background(), frame)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BTCUSDT")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresHealth(t *testing.T) {
	pg, mock := newMockPostgres(t)

	mock.ExpectPing()
	assert.NoError(t, pg.Health(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
