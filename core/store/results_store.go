package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (s *serviceStore) AddCheckResult(ctx context.Context, result *CheckResult) (int64, error) {
	var errText *string
	if result.Error != "" {
		val := result.Error
		errText = &val
	}
	if s.driver == DriverPostgres {
		var id int64
		err := s.db.QueryRowContext(ctx, s.q(`
			INSERT INTO check_results(endpoint_id, url, ts, ok, status_code, latency_ms, error)
			VALUES(?,?,?,?,?,?,?) RETURNING id`),
			result.EndpointID, result.URL, result.Timestamp.UTC(), result.Active,
			result.StatusCode, result.ResponseTimeMs, errText).Scan(&id)
		return id, err
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO check_results(endpoint_id, url, ts, ok, status_code, latency_ms, error)
		VALUES(?,?,?,?,?,?,?)`),
		result.EndpointID, result.URL, result.Timestamp.UTC(), result.Active,
		result.StatusCode, result.ResponseTimeMs, errText)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// ListCheckResults returns history since the cutoff; an empty url matches
// every endpoint.
func (s *serviceStore) ListCheckResults(ctx context.Context, url string, since time.Time) ([]CheckResult, error) {
	query := `
		SELECT endpoint_id, url, ts, ok, status_code, latency_ms, error
		FROM check_results WHERE ts>=? ORDER BY ts ASC`
	args := []any{since.UTC()}
	if url != "" {
		query = `
		SELECT endpoint_id, url, ts, ok, status_code, latency_ms, error
		FROM check_results WHERE url=? AND ts>=? ORDER BY ts ASC`
		args = []any{url, since.UTC()}
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []CheckResult
	for rows.Next() {
		var item CheckResult
		var errText *string
		if err := rows.Scan(&item.EndpointID, &item.URL, &item.Timestamp, &item.Active,
			&item.StatusCode, &item.ResponseTimeMs, &errText); err != nil {
			return nil, err
		}
		if errText != nil {
			item.Error = *errText
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

func (s *serviceStore) DeleteCheckResultsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM check_results WHERE ts<?`), before.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *serviceStore) GetEndpointState(ctx context.Context, url string) (*EndpointState, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT url, endpoint_id, last_status, last_checked_at, last_status_code, last_latency_ms, last_error
		FROM endpoint_state WHERE url=?`), url)
	state := &EndpointState{}
	err := row.Scan(&state.URL, &state.EndpointID, &state.LastStatus, &state.LastCheckedAt,
		&state.LastStatusCode, &state.LastLatencyMs, &state.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *serviceStore) ListEndpointStates(ctx context.Context) ([]EndpointState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url, endpoint_id, last_status, last_checked_at, last_status_code, last_latency_ms, last_error
		FROM endpoint_state ORDER BY url ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []EndpointState
	for rows.Next() {
		var state EndpointState
		if err := rows.Scan(&state.URL, &state.EndpointID, &state.LastStatus, &state.LastCheckedAt,
			&state.LastStatusCode, &state.LastLatencyMs, &state.LastError); err != nil {
			return nil, err
		}
		res = append(res, state)
	}
	return res, rows.Err()
}

func (s *serviceStore) UpsertEndpointState(ctx context.Context, state *EndpointState) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO endpoint_state(url, endpoint_id, last_status, last_checked_at, last_status_code, last_latency_ms, last_error)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT (url)
		DO UPDATE SET
			endpoint_id=excluded.endpoint_id,
			last_status=excluded.last_status,
			last_checked_at=excluded.last_checked_at,
			last_status_code=excluded.last_status_code,
			last_latency_ms=excluded.last_latency_ms,
			last_error=excluded.last_error`),
		state.URL, state.EndpointID, state.LastStatus, state.LastCheckedAt,
		state.LastStatusCode, state.LastLatencyMs, state.LastError)
	return err
}

func (s *serviceStore) AddEvent(ctx context.Context, event *EndpointEvent) (int64, error) {
	if s.driver == DriverPostgres {
		var id int64
		err := s.db.QueryRowContext(ctx, s.q(`
			INSERT INTO endpoint_events(url, ts, event_type, message)
			VALUES(?,?,?,?) RETURNING id`),
			event.URL, event.TS.UTC(), event.EventType, event.Message).Scan(&id)
		return id, err
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO endpoint_events(url, ts, event_type, message)
		VALUES(?,?,?,?)`),
		event.URL, event.TS.UTC(), event.EventType, event.Message)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	return id, nil
}

func (s *serviceStore) ListEvents(ctx context.Context, since time.Time, limit int) ([]EndpointEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, url, ts, event_type, message
		FROM endpoint_events WHERE ts>=? ORDER BY ts DESC LIMIT ?`), since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []EndpointEvent
	for rows.Next() {
		var event EndpointEvent
		if err := rows.Scan(&event.ID, &event.URL, &event.TS, &event.EventType, &event.Message); err != nil {
			return nil, err
		}
		res = append(res, event)
	}
	return res, rows.Err()
}
