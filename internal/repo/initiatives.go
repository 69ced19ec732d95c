package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"milestoneline/internal/domain"
)

const initiativeColumns = `id,type,title,milestone,status,created_at,COALESCE(start_date,'') AS start_date,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInitiative(row rowScanner) (domain.Initiative, error) {
	var i domain.Initiative
	var typ, milestone string
	if err := row.Scan(&i.ID, &typ, &i.Title, &milestone, &i.Status, &i.CreatedAt, &i.StartDate, &i.UpdatedAt); err != nil {
		return i, err
	}
	i.Type = domain.InitiativeType(typ)
	i.Milestone = domain.Milestone(milestone)
	return i, nil
}

// ListInitiatives returns every initiative, optionally restricted to one type,
// ordered by id.
func (r Repo) ListInitiatives(ctx context.Context, typ domain.InitiativeType) ([]domain.Initiative, error) {
	query := `SELECT ` + initiativeColumns + ` FROM initiatives`
	var args []any
	if typ != "" {
		query += ` WHERE type=?`
		args = append(args, string(typ))
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Initiative
	for rows.Next() {
		i, err := scanInitiative(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

func (r Repo) GetInitiative(ctx context.Context, id string) (domain.Initiative, error) {
	i, err := scanInitiative(r.DB.QueryRowContext(ctx, `SELECT `+initiativeColumns+` FROM initiatives WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	return i, err
}

func (r Repo) InsertInitiative(ctx context.Context, tx *sql.Tx, i domain.Initiative) error {
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO initiatives(id,type,title,milestone,status,created_at,start_date,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		i.ID, string(i.Type), i.Title, string(i.Milestone), i.Status, i.CreatedAt, nullable(i.StartDate), i.UpdatedAt)
	return err
}

// InitiativeUpdate carries the mutable fields of an initiative; nil fields are left unchanged.
type InitiativeUpdate struct {
	Title     *string
	Milestone *domain.Milestone
	Status    *string
	StartDate *string
	UpdatedAt string
}

func (r Repo) UpdateInitiative(ctx context.Context, tx *sql.Tx, id string, u InitiativeUpdate) error {
	var (
		fields []string
		args   []any
	)
	if u.Title != nil {
		fields = append(fields, "title=?")
		args = append(args, *u.Title)
	}
	if u.Milestone != nil {
		fields = append(fields, "milestone=?")
		args = append(args, string(*u.Milestone))
	}
	if u.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, *u.Status)
	}
	if u.StartDate != nil {
		fields = append(fields, "start_date=?")
		args = append(args, nullable(*u.StartDate))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, u.UpdatedAt, id)
	res, err := r.exec(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE initiatives SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
