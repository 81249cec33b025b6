package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	"prism-board/domain"
	"prism-board/permissions"
)

const schema = `
create table if not exists projects (
	id          text primary key,
	name        text not null,
	description text not null default '',
	creator_id  text not null,
	is_private  boolean not null default false,
	created_at  timestamptz not null,
	updated_at  timestamptz not null
);
create table if not exists tasks (
	project_id   text not null references projects(id) on delete cascade,
	id           text not null,
	title        text not null,
	description  text not null default '',
	status       text not null,
	priority     text not null,
	order_key    text not null,
	creator_id   text not null,
	assignee_id  text not null default '',
	created_at   timestamptz not null,
	updated_at   timestamptz not null,
	completed_at timestamptz,
	primary key (project_id, id)
);
create table if not exists members (
	project_id text not null references projects(id) on delete cascade,
	id         text not null,
	user_id    text not null,
	role       text not null,
	joined_at  timestamptz not null,
	updated_at timestamptz not null,
	primary key (project_id, id),
	unique (project_id, user_id)
);
`

// Postgres stores boards in PostgreSQL through the pgx database/sql driver.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with the pgx driver and pings the server.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Postgres{db: db}, nil
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (s *Postgres) Close() error { return s.db.Close() }

// EnsureSchema creates the board tables when missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// pgError maps driver failures onto domain errors.
func pgError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Errorf(domain.CodeNotFound, format, args...)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return domain.Wrap(domain.CodeConflict, err, "duplicate row")
		case "23503":
			return domain.Wrap(domain.CodeNotFound, err, "project not found")
		case "40001", "40P01":
			return domain.Wrap(domain.CodeTransient, err, "serialization failure")
		}
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

const projectColumns = `id, name, description, creator_id, is_private, created_at, updated_at`

func scanProject(row scanner) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.CreatorID, &p.IsPrivate, &p.CreatedAt, &p.UpdatedAt)
	p.CreatedAt, p.UpdatedAt = p.CreatedAt.UTC(), p.UpdatedAt.UTC()
	return p, err
}

const taskColumns = `id, project_id, title, description, status, priority, order_key, creator_id, assignee_id, created_at, updated_at, completed_at`

func scanTask(row scanner) (domain.Task, error) {
	var (
		t         domain.Task
		completed sql.NullTime
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&t.OrderKey, &t.CreatorID, &t.AssigneeID, &t.CreatedAt, &t.UpdatedAt, &completed)
	t.CreatedAt, t.UpdatedAt = t.CreatedAt.UTC(), t.UpdatedAt.UTC()
	if completed.Valid {
		t.CompletedAt = domain.Ref(completed.Time.UTC())
	}
	return t, err
}

const memberColumns = `id, project_id, user_id, role, joined_at, updated_at`

func scanMember(row scanner) (domain.Member, error) {
	var m domain.Member
	err := row.Scan(&m.ID, &m.ProjectID, &m.UserID, &m.Role, &m.JoinedAt, &m.UpdatedAt)
	m.JoinedAt, m.UpdatedAt = m.JoinedAt.UTC(), m.UpdatedAt.UTC()
	return m, err
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryMembers(ctx context.Context, q querier, query, projectID string) ([]domain.Member, error) {
	rows, err := q.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, pgError(err, "project %s not found", projectID)
	}
	defer rows.Close()
	out := make([]domain.Member, 0, 8)
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) Project(ctx context.Context, projectID string) (domain.Project, error) {
	row := s.db.QueryRowContext(ctx, `select `+projectColumns+` from projects where id = $1`, projectID)
	p, err := scanProject(row)
	return p, pgError(err, "project %s not found", projectID)
}

func (s *Postgres) Task(ctx context.Context, projectID, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `select `+taskColumns+` from tasks where project_id = $1 and id = $2`, projectID, id)
	t, err := scanTask(row)
	return t, pgError(err, "task %s not found", id)
}

func (s *Postgres) Member(ctx context.Context, projectID, id string) (domain.Member, error) {
	row := s.db.QueryRowContext(ctx, `select `+memberColumns+` from members where project_id = $1 and id = $2`, projectID, id)
	m, err := scanMember(row)
	return m, pgError(err, "member %s not found", id)
}

func (s *Postgres) Members(ctx context.Context, projectID string) ([]domain.Member, error) {
	return queryMembers(ctx, s.db, `select `+memberColumns+` from members where project_id = $1 order by joined_at, id`, projectID)
}

func (s *Postgres) tasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `select `+taskColumns+` from tasks where project_id = $1 order by order_key, id`, projectID)
	if err != nil {
		return nil, pgError(err, "project %s not found", projectID)
	}
	defer rows.Close()
	out := make([]domain.Task, 0, 32)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) Board(ctx context.Context, projectID string) (domain.Board, error) {
	var b domain.Board
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.Project(gctx, projectID)
		b.Project = p
		return err
	})
	g.Go(func() error {
		ts, err := s.tasks(gctx, projectID)
		b.Tasks = ts
		return err
	})
	g.Go(func() error {
		ms, err := s.Members(gctx, projectID)
		b.Members = ms
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.Board{}, err
	}
	return b, nil
}

func (s *Postgres) SaveProject(ctx context.Context, p domain.Project) error {
	_, err := s.db.ExecContext(ctx, `
insert into projects (`+projectColumns+`)
values ($1, $2, $3, $4, $5, $6, $7)
on conflict (id) do update set
	name = excluded.name,
	description = excluded.description,
	is_private = excluded.is_private,
	updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Description, p.CreatorID, p.IsPrivate, p.CreatedAt, p.UpdatedAt)
	return pgError(err, "project %s not found", p.ID)
}

func (s *Postgres) SaveTask(ctx context.Context, t domain.Task) error {
	var completed sql.NullTime
	if t.CompletedAt != nil {
		completed = sql.NullTime{Time: *t.CompletedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
insert into tasks (`+taskColumns+`)
values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
on conflict (project_id, id) do update set
	title = excluded.title,
	description = excluded.description,
	status = excluded.status,
	priority = excluded.priority,
	order_key = excluded.order_key,
	assignee_id = excluded.assignee_id,
	updated_at = excluded.updated_at,
	completed_at = excluded.completed_at`,
		t.ID, t.ProjectID, t.Title, t.Description, string(t.Status), string(t.Priority), t.OrderKey,
		t.CreatorID, t.AssigneeID, t.CreatedAt, t.UpdatedAt, completed)
	return pgError(err, "project %s not found", t.ProjectID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveMember(ctx context.Context, db execer, m domain.Member) error {
	_, err := db.ExecContext(ctx, `
insert into members (`+memberColumns+`)
values ($1, $2, $3, $4, $5, $6)
on conflict (project_id, id) do update set
	role = excluded.role,
	updated_at = excluded.updated_at`,
		m.ID, m.ProjectID, m.UserID, string(m.Role), m.JoinedAt, m.UpdatedAt)
	return pgError(err, "project %s not found", m.ProjectID)
}

func deleteRow(ctx context.Context, db execer, query, what, projectID, id string) error {
	res, err := db.ExecContext(ctx, query, projectID, id)
	if err != nil {
		return pgError(err, "%s %s not found", what, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.Errorf(domain.CodeNotFound, "%s %s not found", what, id)
	}
	return nil
}

func (s *Postgres) SaveMember(ctx context.Context, m domain.Member) error {
	return saveMember(ctx, s.db, m)
}

func (s *Postgres) DeleteTask(ctx context.Context, projectID, id string) error {
	return deleteRow(ctx, s.db, `delete from tasks where project_id = $1 and id = $2`, "task", projectID, id)
}

func (s *Postgres) DeleteMember(ctx context.Context, projectID, id string) error {
	return deleteRow(ctx, s.db, `delete from members where project_id = $1 and id = $2`, "member", projectID, id)
}

// SaveMemberGuarded locks the project's membership rows, checks that an
// OWNER or ADMIN survives and writes m in the same transaction.
func (s *Postgres) SaveMemberGuarded(ctx context.Context, m domain.Member) error {
	return s.guarded(ctx, m.ProjectID, m.ID, m.Role, func(tx *sql.Tx) error {
		return saveMember(ctx, tx, m)
	})
}

func (s *Postgres) DeleteMemberGuarded(ctx context.Context, projectID, id string) error {
	return s.guarded(ctx, projectID, id, domain.RoleNone, func(tx *sql.Tx) error {
		return deleteRow(ctx, tx, `delete from members where project_id = $1 and id = $2`, "member", projectID, id)
	})
}

func (s *Postgres) guarded(ctx context.Context, projectID, id string, newRole domain.Role, write func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pgError(err, "project %s not found", projectID)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	members, err := queryMembers(ctx, tx, `select `+memberColumns+` from members where project_id = $1 order by joined_at, id for update`, projectID)
	if err != nil {
		return err
	}
	if !permissions.KeepsAdmin(members, id, newRole) {
		return domain.ErrLastAdmin
	}
	if err = write(tx); err != nil {
		return err
	}
	return pgError(tx.Commit(), "project %s not found", projectID)
}
