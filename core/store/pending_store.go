package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

func (s *serviceStore) EnqueuePendingReport(ctx context.Context, report *CycleReport, cap int) (int64, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	var id int64
	if s.driver == DriverPostgres {
		err = s.db.QueryRowContext(ctx, s.q(`
			INSERT INTO pending_reports(enqueued_at, attempt_count, payload)
			VALUES(?,?,?) RETURNING id`), now, 0, string(raw)).Scan(&id)
		if err != nil {
			return 0, err
		}
	} else {
		res, err := s.db.ExecContext(ctx, s.q(`
			INSERT INTO pending_reports(enqueued_at, attempt_count, payload)
			VALUES(?,?,?)`), now, 0, string(raw))
		if err != nil {
			return 0, err
		}
		id, _ = res.LastInsertId()
	}
	if cap > 0 {
		// Oldest rows beyond the cap are dropped.
		_, err = s.db.ExecContext(ctx, s.q(`
			DELETE FROM pending_reports
			WHERE id NOT IN (SELECT id FROM pending_reports ORDER BY id DESC LIMIT ?)`), cap)
		if err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (s *serviceStore) ListPendingReports(ctx context.Context) ([]PendingReport, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, enqueued_at, attempt_count, payload
		FROM pending_reports ORDER BY id ASC`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []PendingReport
	for rows.Next() {
		var item PendingReport
		var payload string
		if err := rows.Scan(&item.ID, &item.EnqueuedAt, &item.AttemptCount, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &item.Report); err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

func (s *serviceStore) DeletePendingReport(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM pending_reports WHERE id=?`), id)
	return err
}

func (s *serviceStore) BumpPendingAttempt(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE pending_reports SET attempt_count=attempt_count+1 WHERE id=?`), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.New("pending report not found")
	}
	return nil
}

func (s *serviceStore) CountPendingReports(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_reports`).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}
