package persistence

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"learnops/pkg/opserrors"
)

func TestOpenInMemoryIsIsolated(t *testing.T) {
	a, err := OpenInMemory()
	require.NoError(t, err)
	defer a.Close()

	b, err := OpenInMemory()
	require.NoError(t, err)
	defer b.Close()

	_, err = a.DB().Exec(`INSERT INTO runs (run_id, created_at) VALUES ('r1', ?)`, FormatTime(time.Now()))
	require.NoError(t, err)

	var n int
	require.NoError(t, b.DB().QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestSchemaVersionIsCurrent(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	v, err := GetSchemaVersion(s.DB())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)
}

func TestOpenFileReopensWithoutMigrating(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learnops.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.DB().Exec(`INSERT INTO runs (run_id, created_at) VALUES ('r1', ?)`, FormatTime(time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestMigrateFromVersion1(t *testing.T) {
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "v1.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE offline_replays (id TEXT PRIMARY KEY, status TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = GetSchemaVersion(db)
	require.NoError(t, err)
	require.NoError(t, setSchemaVersion(db, 1))

	require.NoError(t, initializeSchemaWithMigrations(db))

	v, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = db.Exec(`INSERT INTO offline_replays (id, status, seed_results, error) VALUES ('x', 'failed', '[]', 'boom')`)
	assert.NoError(t, err)
	_, err = db.Exec(`INSERT INTO crl_weight_overrides (scope, scope_id, weights, updated_at) VALUES ('run', 'r1', '{}', 'now')`)
	assert.NoError(t, err)
}

func TestUniquePolicyVersionIsConstraintViolation(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	insert := `INSERT INTO policies (id, doer, phase, version, prompts, hparams, router_rules, tools_allowlist, weights, provenance, created_at)
		VALUES (?, 'planner', 'spec', 'v1', '{}', '{}', '[]', '[]', '{}', '{}', ?)`
	_, err = s.DB().Exec(insert, "p1", FormatTime(time.Now()))
	require.NoError(t, err)
	_, err = s.DB().Exec(insert, "p2", FormatTime(time.Now()))
	require.Error(t, err)
	assert.True(t, IsConstraintViolation(err))
}

func TestWithTxRollsBack(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	boom := errors.New("boom")
	err = s.WithTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO runs (run_id, created_at) VALUES ('r1', 'x')`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestTimeRoundTripAndOrdering(t *testing.T) {
	early := time.Date(2025, 3, 1, 9, 0, 0, 5_000_000, time.UTC)
	late := early.Add(90 * time.Minute)

	assert.Less(t, FormatTime(early), FormatTime(late))

	parsed, err := ParseTime(FormatTime(early))
	require.NoError(t, err)
	assert.True(t, early.Equal(parsed))

	got, err := ScanTime(sql.NullString{})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Nil(t, NullableTime(nil))
}

func TestJSONColumns(t *testing.T) {
	encoded, err := EncodeJSON([]int{1, 2, 3})
	require.NoError(t, err)

	var seeds []int
	require.NoError(t, DecodeJSON(sql.NullString{String: encoded, Valid: true}, &seeds))
	assert.Equal(t, []int{1, 2, 3}, seeds)

	untouched := []int{9}
	require.NoError(t, DecodeJSON(sql.NullString{}, &untouched))
	assert.Equal(t, []int{9}, untouched)
}

func TestRetryPolicy(t *testing.T) {
	fast := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}

	t.Run("retries lock contention then succeeds", func(t *testing.T) {
		calls := 0
		err := NewRetryPolicy(fast, nil).Do(context.Background(), "crl.upsert", func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("database is locked (5) (SQLITE_BUSY)")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausted attempts become transient", func(t *testing.T) {
		calls := 0
		err := NewRetryPolicy(fast, nil).Do(context.Background(), "crl.upsert", func(context.Context) error {
			calls++
			return errors.New("database is locked")
		})
		require.Error(t, err)
		assert.True(t, opserrors.IsTransient(err))
		assert.Equal(t, 3, calls)
	})

	t.Run("validation is not retried", func(t *testing.T) {
		calls := 0
		err := NewRetryPolicy(fast, nil).Do(context.Background(), "policy.create", func(context.Context) error {
			calls++
			return opserrors.Validation("policy.create", "timeout too small")
		})
		require.Error(t, err)
		assert.True(t, opserrors.IsValidation(err))
		assert.Equal(t, 1, calls)
	})
}

func TestCalculateDelayCapsAtMax(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 10, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, BackoffFactor: 2}, nil)
	assert.Equal(t, time.Duration(0), p.CalculateDelay(1))
	assert.Equal(t, 10*time.Millisecond, p.CalculateDelay(2))
	assert.Equal(t, 20*time.Millisecond, p.CalculateDelay(3))
	assert.Equal(t, 50*time.Millisecond, p.CalculateDelay(9))
}
