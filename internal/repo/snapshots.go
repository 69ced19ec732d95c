package repo

import (
	"context"
	"database/sql"
	"fmt"

	"milestoneline/internal/domain"
)

const snapshotColumns = `initiative_id,date,milestone,type,status,captured_at`

func scanSnapshots(rows *sql.Rows) ([]domain.Snapshot, error) {
	defer rows.Close()
	var res []domain.Snapshot
	for rows.Next() {
		var s domain.Snapshot
		var milestone, typ string
		if err := rows.Scan(&s.InitiativeID, &s.Date, &milestone, &typ, &s.Status, &s.CapturedAt); err != nil {
			return nil, err
		}
		s.Milestone = domain.Milestone(milestone)
		s.Type = domain.InitiativeType(typ)
		res = append(res, s)
	}
	return res, rows.Err()
}

// AppendSnapshot stores one snapshot. It returns ErrDuplicateSnapshot when the
// (initiative, date) pair is already present; existing rows are never touched.
func (r Repo) AppendSnapshot(ctx context.Context, s domain.Snapshot) error {
	return r.appendSnapshot(ctx, r.DB, s)
}

// AppendSnapshotsTx stores a batch inside tx, stopping at the first duplicate.
func (r Repo) AppendSnapshotsTx(ctx context.Context, tx *sql.Tx, snaps []domain.Snapshot) error {
	for _, s := range snaps {
		if err := r.appendSnapshot(ctx, tx, s); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) appendSnapshot(ctx context.Context, ex execer, s domain.Snapshot) error {
	res, err := ex.ExecContext(ctx, `INSERT INTO snapshots(`+snapshotColumns+`) VALUES (?,?,?,?,?,?)
ON CONFLICT(initiative_id,date) DO NOTHING`,
		s.InitiativeID, s.Date, string(s.Milestone), string(s.Type), s.Status, s.CapturedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s on %s", ErrDuplicateSnapshot, s.InitiativeID, s.Date)
	}
	return nil
}

// SnapshotsByInitiative returns one initiative's history in ascending date order.
func (r Repo) SnapshotsByInitiative(ctx context.Context, initiativeID string) ([]domain.Snapshot, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE initiative_id=? ORDER BY date ASC`, initiativeID)
	if err != nil {
		return nil, err
	}
	return scanSnapshots(rows)
}

// AllSnapshots returns every snapshot ordered by date, then initiative id.
func (r Repo) AllSnapshots(ctx context.Context) ([]domain.Snapshot, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots ORDER BY date ASC, initiative_id ASC`)
	if err != nil {
		return nil, err
	}
	return scanSnapshots(rows)
}

// SnapshotExistsForDate reports whether any initiative was captured on date.
func (r Repo) SnapshotExistsForDate(ctx context.Context, date string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM snapshots WHERE date=? LIMIT 1`, date).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SnapshotDayCounts returns the number of snapshots per captured day, ascending.
func (r Repo) SnapshotDayCounts(ctx context.Context) ([]domain.DayCount, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT date, COUNT(*) FROM snapshots GROUP BY date ORDER BY date ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DayCount
	for rows.Next() {
		var dc domain.DayCount
		if err := rows.Scan(&dc.Date, &dc.Count); err != nil {
			return nil, err
		}
		res = append(res, dc)
	}
	return res, rows.Err()
}

// CountSnapshotsForDateTx counts the rows stored for date as seen by tx.
func (r Repo) CountSnapshotsForDateTx(ctx context.Context, tx *sql.Tx, date string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots WHERE date=?`, date).Scan(&n)
	return n, err
}
