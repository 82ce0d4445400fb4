package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dividend-screener/internal/market"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrSecurityNotFound indicates the requested security is absent.
	ErrSecurityNotFound = errors.New("storage: security not found")
	// ErrCorruptRecord indicates a stored observation that cannot be decoded.
	ErrCorruptRecord = errors.New("storage: corrupt observation record")
)

const (
	selectObservationForUpdateSQL = `SELECT fields, fetched_at
    FROM observations
    WHERE code = $1 AND year = $2 AND quarter = $3 AND kind = $4
    FOR UPDATE;`

	insertObservationSQL = `INSERT INTO observations (
        code, year, quarter, kind, fields, fetched_at
    ) VALUES ($1,$2,$3,$4,$5,$6)
    ON CONFLICT (code, year, quarter, kind) DO UPDATE
    SET fields = EXCLUDED.fields,
        fetched_at = EXCLUDED.fetched_at;`

	insertRestatementSQL = `INSERT INTO restatement_log (
        code, year, quarter, kind, field, old_value, new_value, fetched_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`

	listObservationsSQL = `SELECT code, year, quarter, kind, fields, fetched_at
    FROM observations
    WHERE code = $1
    ORDER BY year,
             CASE WHEN quarter = 0 THEN 5 ELSE quarter END,
             kind;`

	coverageSQL = `SELECT code, year, quarter, kind, fetched_at
    FROM observations
    WHERE code = ANY($1);`

	countObservationsSQL = `SELECT COUNT(*) FROM observations;`

	upsertSecuritySQL = `INSERT INTO securities (
        code, name, industry, market, latest_close, latest_close_date, updated_at
    ) VALUES ($1,$2,$3,$4,$5,$6,now())
    ON CONFLICT (code) DO UPDATE
    SET name              = EXCLUDED.name,
        industry          = EXCLUDED.industry,
        market            = EXCLUDED.market,
        latest_close      = EXCLUDED.latest_close,
        latest_close_date = EXCLUDED.latest_close_date,
        updated_at        = now();`

	listSecuritiesSQL = `SELECT code, name, industry, market, latest_close, latest_close_date
    FROM securities
    ORDER BY code;`

	getSecuritySQL = `SELECT code, name, industry, market, latest_close, latest_close_date
    FROM securities
    WHERE code = $1;`

	upsertFailureSQL = `INSERT INTO fetch_failures (
        code, year, quarter, kind, retryable, attempts, last_error, updated_at
    ) VALUES ($1,$2,$3,$4,$5,1,$6,now())
    ON CONFLICT (code, year, quarter, kind) DO UPDATE
    SET retryable  = EXCLUDED.retryable,
        attempts   = fetch_failures.attempts + 1,
        last_error = EXCLUDED.last_error,
        updated_at = now()
    RETURNING attempts;`

	listFailuresSQL = `SELECT code, year, quarter, kind, retryable, attempts, last_error, updated_at
    FROM fetch_failures
    ORDER BY code, year, quarter, kind;`

	deleteFailureSQL = `DELETE FROM fetch_failures
    WHERE code = $1 AND year = $2 AND quarter = $3 AND kind = $4;`

	listRestatementsSQL = `SELECT id, code, year, quarter, kind, field, old_value, new_value, fetched_at, created_at
    FROM restatement_log
    ORDER BY created_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// HistoryStore defines operations for raw observation persistence. Upserts
// are idempotent; an observation is covered only once its write committed.
type HistoryStore interface {
	UpsertObservation(ctx context.Context, obs market.Observation) error
	GetObservations(ctx context.Context, code string) ([]market.Observation, error)
	Coverage(ctx context.Context, units []market.FetchUnit) (map[string]time.Time, error)
}

// SecurityStore defines operations for the screening universe.
type SecurityStore interface {
	UpsertSecurity(ctx context.Context, sec market.Security) error
	ListSecurities(ctx context.Context) ([]market.Security, error)
	GetSecurity(ctx context.Context, code string) (market.Security, error)
}

// FailureStore persists per-unit fetch failure bookkeeping.
type FailureStore interface {
	RecordFailure(ctx context.Context, unit market.FetchUnit, retryable bool, msg string) (int, error)
	ListFailures(ctx context.Context) ([]FailureRecord, error)
	ClearFailure(ctx context.Context, unit market.FetchUnit) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to observations, securities, and failure records.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, logger: zerolog.Nop()}
}

// WithLogger attaches a logger for store-level diagnostics.
func (s *Store) WithLogger(logger zerolog.Logger) *Store {
	s.logger = logger.With().Str("component", "storage").Logger()
	return s
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// UpsertObservation persists an observation under last-write-wins by fetch
// timestamp. Overwrites of previously non-null differing fields are recorded
// in the restatement log inside the same transaction.
func (s *Store) UpsertObservation(ctx context.Context, obs market.Observation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if !obs.Kind.Valid() {
		return fmt.Errorf("storage: unknown report kind %q", obs.Kind)
	}
	if obs.FetchedAt.IsZero() {
		return fmt.Errorf("storage: observation fetched_at is required")
	}

	payload, err := json.Marshal(obs.Fields)
	if err != nil {
		return fmt.Errorf("marshal observation fields: %w", err)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var existingPayload []byte
	var existingFetchedAt time.Time
	row := tx.QueryRow(ctx, selectObservationForUpdateSQL,
		obs.Code, obs.Period.Year, obs.Period.Quarter, string(obs.Kind))
	scanErr := row.Scan(&existingPayload, &existingFetchedAt)
	switch {
	case scanErr == nil:
		// Never let an older fetch clobber a newer one.
		if obs.FetchedAt.Before(existingFetchedAt) {
			s.logger.Debug().
				Str("unit", obs.Unit().Key()).
				Time("existing_fetched_at", existingFetchedAt).
				Time("incoming_fetched_at", obs.FetchedAt).
				Msg("skip stale observation write")
			return tx.Commit(ctx)
		}
		restated, diffErr := diffNonNullFields(existingPayload, obs.Fields)
		if diffErr != nil {
			return diffErr
		}
		for _, r := range restated {
			if _, execErr := tx.Exec(ctx, insertRestatementSQL,
				obs.Code, obs.Period.Year, obs.Period.Quarter, string(obs.Kind),
				r.Field, r.OldValue, r.NewValue, obs.FetchedAt,
			); execErr != nil {
				return fmt.Errorf("record restatement: %w", execErr)
			}
		}
	case errors.Is(scanErr, pgx.ErrNoRows):
		// first write for this key
	default:
		return fmt.Errorf("read existing observation: %w", scanErr)
	}

	if _, execErr := tx.Exec(ctx, insertObservationSQL,
		obs.Code, obs.Period.Year, obs.Period.Quarter, string(obs.Kind),
		payload, obs.FetchedAt,
	); execErr != nil {
		return fmt.Errorf("upsert observation: %w", execErr)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// diffNonNullFields lists fields whose previously non-null values change.
func diffNonNullFields(existingPayload []byte, next map[string]decimal.NullDecimal) ([]RestatementRecord, error) {
	var existing map[string]decimal.NullDecimal
	if err := json.Unmarshal(existingPayload, &existing); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	var restated []RestatementRecord
	for name, oldVal := range existing {
		if !oldVal.Valid {
			continue
		}
		newVal, ok := next[name]
		oldStr := oldVal.Decimal.String()
		switch {
		case !ok || !newVal.Valid:
			restated = append(restated, RestatementRecord{Field: name, OldValue: &oldStr})
		case !newVal.Decimal.Equal(oldVal.Decimal):
			newStr := newVal.Decimal.String()
			restated = append(restated, RestatementRecord{Field: name, OldValue: &oldStr, NewValue: &newStr})
		}
	}
	return restated, nil
}

// GetObservations returns every stored observation for a security, ordered by
// period with annual after Q4.
func (s *Store) GetObservations(ctx context.Context, code string) ([]market.Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listObservationsSQL, code)
	if queryErr != nil {
		return nil, fmt.Errorf("list observations: %w", queryErr)
	}
	defer rows.Close()

	observations := make([]market.Observation, 0)
	for rows.Next() {
		obs, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		observations = append(observations, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return observations, nil
}

// Coverage answers which of the given units are already present, keyed by
// FetchUnit.Key with the fetch timestamp as value.
func (s *Store) Coverage(ctx context.Context, units []market.FetchUnit) (map[string]time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return map[string]time.Time{}, nil
	}

	wanted := make(map[string]struct{}, len(units))
	codeSet := make(map[string]struct{})
	for _, u := range units {
		wanted[u.Key()] = struct{}{}
		codeSet[u.Code] = struct{}{}
	}
	codes := make([]string, 0, len(codeSet))
	for code := range codeSet {
		codes = append(codes, code)
	}

	rows, queryErr := pool.Query(ctx, coverageSQL, codes)
	if queryErr != nil {
		return nil, fmt.Errorf("query coverage: %w", queryErr)
	}
	defer rows.Close()

	covered := make(map[string]time.Time)
	for rows.Next() {
		var (
			code      string
			year      int
			quarter   int
			kind      string
			fetchedAt time.Time
		)
		if err := rows.Scan(&code, &year, &quarter, &kind, &fetchedAt); err != nil {
			return nil, err
		}
		unit := market.FetchUnit{
			Code:   code,
			Period: market.Period{Year: year, Quarter: quarter},
			Kind:   market.ReportKind(kind),
		}
		if _, ok := wanted[unit.Key()]; ok {
			covered[unit.Key()] = fetchedAt
		}
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return covered, nil
}

// CountObservations counts stored observations.
func (s *Store) CountObservations(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countObservationsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count observations: %w", scanErr)
	}
	return count, nil
}

// UpsertSecurity refreshes a security from the daily price snapshot.
func (s *Store) UpsertSecurity(ctx context.Context, sec market.Security) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var closeDate interface{}
	if !sec.LatestCloseDate.IsZero() {
		closeDate = sec.LatestCloseDate
	}

	if _, execErr := pool.Exec(ctx, upsertSecuritySQL,
		sec.Code, sec.Name, sec.Industry, string(sec.Market),
		sec.LatestClose.String(), closeDate,
	); execErr != nil {
		return fmt.Errorf("upsert security: %w", execErr)
	}
	return nil
}

// ListSecurities returns all known securities ordered by code.
func (s *Store) ListSecurities(ctx context.Context) ([]market.Security, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSecuritiesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list securities: %w", queryErr)
	}
	defer rows.Close()

	securities := make([]market.Security, 0)
	for rows.Next() {
		sec, scanErr := scanSecurity(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		securities = append(securities, sec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return securities, nil
}

// GetSecurity fetches one security by code.
func (s *Store) GetSecurity(ctx context.Context, code string) (market.Security, error) {
	pool, err := s.getPool()
	if err != nil {
		return market.Security{}, err
	}

	rows, queryErr := pool.Query(ctx, getSecuritySQL, code)
	if queryErr != nil {
		return market.Security{}, fmt.Errorf("get security: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return market.Security{}, rows.Err()
		}
		return market.Security{}, ErrSecurityNotFound
	}
	return scanSecurity(rows)
}

// RecordFailure upserts a failure record and returns the attempt count so far.
func (s *Store) RecordFailure(ctx context.Context, unit market.FetchUnit, retryable bool, msg string) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var attempts int
	if scanErr := pool.QueryRow(ctx, upsertFailureSQL,
		unit.Code, unit.Period.Year, unit.Period.Quarter, string(unit.Kind),
		retryable, msg,
	).Scan(&attempts); scanErr != nil {
		return 0, fmt.Errorf("record failure: %w", scanErr)
	}
	return attempts, nil
}

// ListFailures returns all failure records.
func (s *Store) ListFailures(ctx context.Context) ([]FailureRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listFailuresSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list failures: %w", queryErr)
	}
	defer rows.Close()

	records := make([]FailureRecord, 0)
	for rows.Next() {
		var (
			rec     FailureRecord
			year    int
			quarter int
			kind    string
		)
		if err := rows.Scan(&rec.Unit.Code, &year, &quarter, &kind,
			&rec.Retryable, &rec.Attempts, &rec.LastError, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Unit.Period = market.Period{Year: year, Quarter: quarter}
		rec.Unit.Kind = market.ReportKind(kind)
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// ClearFailure removes the failure record once the unit fetches successfully.
func (s *Store) ClearFailure(ctx context.Context, unit market.FetchUnit) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteFailureSQL,
		unit.Code, unit.Period.Year, unit.Period.Quarter, string(unit.Kind),
	); execErr != nil {
		return fmt.Errorf("clear failure: %w", execErr)
	}
	return nil
}

// ListRestatements returns the most recent audited overwrites.
func (s *Store) ListRestatements(ctx context.Context, limit int) ([]RestatementRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRestatementsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list restatements: %w", queryErr)
	}
	defer rows.Close()

	records := make([]RestatementRecord, 0, limit)
	for rows.Next() {
		var (
			rec      RestatementRecord
			year     int
			quarter  int
			kind     string
			oldValue sql.NullString
			newValue sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Unit.Code, &year, &quarter, &kind,
			&rec.Field, &oldValue, &newValue, &rec.FetchedAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Unit.Period = market.Period{Year: year, Quarter: quarter}
		rec.Unit.Kind = market.ReportKind(kind)
		if oldValue.Valid {
			v := oldValue.String
			rec.OldValue = &v
		}
		if newValue.Valid {
			v := newValue.String
			rec.NewValue = &v
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanObservation(rows pgx.Rows) (market.Observation, error) {
	var (
		code      string
		year      int
		quarter   int
		kind      string
		payload   []byte
		fetchedAt time.Time
	)
	if err := rows.Scan(&code, &year, &quarter, &kind, &payload, &fetchedAt); err != nil {
		return market.Observation{}, err
	}

	fields := make(map[string]decimal.NullDecimal)
	if err := json.Unmarshal(payload, &fields); err != nil {
		return market.Observation{}, fmt.Errorf("%w: %s %d Q%d %s: %v", ErrCorruptRecord, code, year, quarter, kind, err)
	}

	return market.Observation{
		Code:      code,
		Period:    market.Period{Year: year, Quarter: quarter},
		Kind:      market.ReportKind(kind),
		Fields:    fields,
		FetchedAt: fetchedAt,
	}, nil
}

func scanSecurity(rows pgx.Rows) (market.Security, error) {
	var (
		sec       market.Security
		mkt       string
		closeStr  sql.NullString
		closeDate sql.NullTime
	)
	if err := rows.Scan(&sec.Code, &sec.Name, &sec.Industry, &mkt, &closeStr, &closeDate); err != nil {
		return market.Security{}, err
	}
	sec.Market = market.Market(mkt)

	if closeStr.Valid {
		parsed, err := decimal.NewFromString(closeStr.String)
		if err != nil {
			return market.Security{}, fmt.Errorf("parse latest close: %w", err)
		}
		sec.LatestClose = parsed
	}
	if closeDate.Valid {
		sec.LatestCloseDate = closeDate.Time
	}
	return sec, nil
}

var (
	_ HistoryStore   = (*Store)(nil)
	_ SecurityStore  = (*Store)(nil)
	_ FailureStore   = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
