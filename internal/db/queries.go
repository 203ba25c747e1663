package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/esnunes/forkline/internal/apperr"
	"github.com/esnunes/forkline/internal/models"
)

type Queries struct {
	db     *sql.DB
	driver string

	mu    sync.Mutex
	last  int64
	clock func() time.Time
}

func NewQueries(db *sql.DB, driver string) *Queries {
	return &Queries{db: db, driver: driver, clock: time.Now}
}

// now returns a strictly increasing timestamp so that created_at order always
// matches insertion order, even for rows written within the same nanosecond.
func (q *Queries) now() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.clock().UnixNano()
	if n <= q.last {
		n = q.last + 1
	}
	q.last = n
	return time.Unix(0, n).UTC()
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (q *Queries) rebind(query string) string {
	if q.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(what, id)
	}
	return fmt.Errorf("getting %s: %w", what, err)
}

// Projects

func (q *Queries) CreateProject(ctx context.Context, name string) (*models.Project, error) {
	p := &models.Project{ID: newID(), Name: name, CreatedAt: q.now()}
	_, err := q.db.ExecContext(ctx, q.rebind(
		`INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)`),
		p.ID, p.Name, p.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating project: %w", err)
	}
	return p, nil
}

func (q *Queries) GetProject(ctx context.Context, id string) (*models.Project, error) {
	p := &models.Project{}
	var createdAt int64
	err := q.db.QueryRowContext(ctx, q.rebind(
		`SELECT id, name, created_at FROM projects WHERE id = ?`), id,
	).Scan(&p.ID, &p.Name, &createdAt)
	if err != nil {
		return nil, notFound(err, "project", id)
	}
	p.CreatedAt = fromNanos(createdAt)
	return p, nil
}

// Collaborators

func (q *Queries) CreateCollaborator(ctx context.Context, projectID, name, avatarColor string) (*models.Collaborator, error) {
	c := &models.Collaborator{ID: newID(), ProjectID: projectID, Name: name, AvatarColor: avatarColor}
	_, err := q.db.ExecContext(ctx, q.rebind(
		`INSERT INTO collaborators (id, project_id, name, avatar_color) VALUES (?, ?, ?, ?)`),
		c.ID, c.ProjectID, c.Name, c.AvatarColor,
	)
	if err != nil {
		return nil, fmt.Errorf("creating collaborator: %w", err)
	}
	return c, nil
}

func (q *Queries) ListCollaborators(ctx context.Context, projectID string) ([]models.Collaborator, error) {
	rows, err := q.db.QueryContext(ctx, q.rebind(
		`SELECT id, project_id, name, avatar_color FROM collaborators WHERE project_id = ? ORDER BY name ASC`),
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing collaborators: %w", err)
	}
	defer rows.Close()

	var results []models.Collaborator
	for rows.Next() {
		var c models.Collaborator
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Name, &c.AvatarColor); err != nil {
			return nil, fmt.Errorf("scanning collaborator: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// Branches

const branchColumns = `id, project_id, parent_branch_id, branch_point_message_id, name, description, is_main, created_by, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanBranch(s scanner, b *models.Branch) error {
	var isMain int
	var createdAt int64
	if err := s.Scan(&b.ID, &b.ProjectID, &b.ParentBranchID, &b.BranchPointMessageID,
		&b.Name, &b.Description, &isMain, &b.CreatedBy, &createdAt); err != nil {
		return err
	}
	b.IsMain = isMain != 0
	b.CreatedAt = fromNanos(createdAt)
	return nil
}

// InsertMainBranchIfAbsent creates the main branch unless one already exists.
// Concurrent callers race on the idx_branches_main unique index; losers are no-ops.
func (q *Queries) InsertMainBranchIfAbsent(ctx context.Context, projectID string) error {
	_, err := q.db.ExecContext(ctx, q.rebind(
		`INSERT INTO branches (`+branchColumns+`)
		 VALUES (?, ?, NULL, NULL, 'main', '', 1, NULL, ?)
		 ON CONFLICT DO NOTHING`),
		newID(), projectID, q.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting main branch: %w", err)
	}
	return nil
}

func (q *Queries) GetMainBranch(ctx context.Context, projectID string) (*models.Branch, error) {
	b := &models.Branch{}
	row := q.db.QueryRowContext(ctx, q.rebind(
		`SELECT `+branchColumns+` FROM branches WHERE project_id = ? AND is_main = 1`), projectID)
	if err := scanBranch(row, b); err != nil {
		return nil, notFound(err, "main branch of project", projectID)
	}
	return b, nil
}

func (q *Queries) CreateBranch(ctx context.Context, b models.Branch) (*models.Branch, error) {
	b.ID = newID()
	b.IsMain = false
	b.CreatedAt = q.now()
	_, err := q.db.ExecContext(ctx, q.rebind(
		`INSERT INTO branches (`+branchColumns+`) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`),
		b.ID, b.ProjectID, b.ParentBranchID, b.BranchPointMessageID,
		b.Name, b.Description, b.CreatedBy, b.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating branch: %w", err)
	}
	return &b, nil
}

func (q *Queries) GetBranch(ctx context.Context, id string) (*models.Branch, error) {
	b := &models.Branch{}
	row := q.db.QueryRowContext(ctx, q.rebind(`SELECT `+branchColumns+` FROM branches WHERE id = ?`), id)
	if err := scanBranch(row, b); err != nil {
		return nil, notFound(err, "branch", id)
	}
	return b, nil
}

func (q *Queries) ListBranches(ctx context.Context, projectID string) ([]models.Branch, error) {
	rows, err := q.db.QueryContext(ctx, q.rebind(
		`SELECT `+branchColumns+` FROM branches WHERE project_id = ? ORDER BY created_at ASC`), projectID)
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	defer rows.Close()

	var results []models.Branch
	for rows.Next() {
		var b models.Branch
		if err := scanBranch(rows, &b); err != nil {
			return nil, fmt.Errorf("scanning branch: %w", err)
		}
		results = append(results, b)
	}
	return results, rows.Err()
}

func (q *Queries) UpdateBranchName(ctx context.Context, id, name string) error {
	res, err := q.db.ExecContext(ctx, q.rebind(
		`UPDATE branches SET name = ? WHERE id = ? AND is_main = 0`), name, id)
	if err != nil {
		return fmt.Errorf("renaming branch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("branch", id)
	}
	return nil
}

// DeleteBranch removes a non-main branch and moves its direct children under
// its parent. Messages attributed to the branch are left in place.
func (q *Queries) DeleteBranch(ctx context.Context, id string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var parent *string
	var isMain int
	err = tx.QueryRowContext(ctx, q.rebind(
		`SELECT parent_branch_id, is_main FROM branches WHERE id = ?`), id,
	).Scan(&parent, &isMain)
	if err != nil {
		return notFound(err, "branch", id)
	}
	if isMain != 0 {
		return fmt.Errorf("deleting main branch: %w", apperr.ErrPermission)
	}

	if _, err := tx.ExecContext(ctx, q.rebind(
		`UPDATE branches SET parent_branch_id = ? WHERE parent_branch_id = ?`), parent, id); err != nil {
		return fmt.Errorf("re-parenting child branches: %w", err)
	}
	if _, err := tx.ExecContext(ctx, q.rebind(`DELETE FROM branches WHERE id = ?`), id); err != nil {
		return fmt.Errorf("deleting branch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing branch deletion: %w", err)
	}
	return nil
}

// Messages

const messageColumns = `id, project_id, branch_id, role, content, agent_id, files, collaborator_id, created_at`

func scanMessage(s scanner, m *models.Message) error {
	var files sql.NullString
	var createdAt int64
	if err := s.Scan(&m.ID, &m.ProjectID, &m.BranchID, &m.Role, &m.Content, &m.AgentID,
		&files, &m.CollaboratorID, &createdAt); err != nil {
		return err
	}
	if files.Valid {
		m.Files = []byte(files.String)
	}
	m.CreatedAt = fromNanos(createdAt)
	return nil
}

func filesArg(m *models.Message) any {
	if len(m.Files) == 0 {
		return nil
	}
	return string(m.Files)
}

// CreateMessage stores m with a fresh id and timestamp and returns the stored copy.
func (q *Queries) CreateMessage(ctx context.Context, m models.Message) (*models.Message, error) {
	if _, err := q.insertMessage(ctx, &m, nil); err != nil {
		return nil, fmt.Errorf("creating message: %w", err)
	}
	return &m, nil
}

// InsertMessageOnce stores m unless a message with the same merge key already
// exists on m's branch. It reports whether a row was written.
func (q *Queries) InsertMessageOnce(ctx context.Context, m models.Message, mergeKey string) (bool, error) {
	inserted, err := q.insertMessage(ctx, &m, &mergeKey)
	if err != nil {
		return false, fmt.Errorf("inserting merged message: %w", err)
	}
	return inserted, nil
}

func (q *Queries) insertMessage(ctx context.Context, m *models.Message, mergeKey *string) (bool, error) {
	m.ID = newID()
	m.CreatedAt = q.now()
	res, err := q.db.ExecContext(ctx, q.rebind(
		`INSERT INTO messages (id, project_id, branch_id, role, content, agent_id, files, collaborator_id, merge_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`),
		m.ID, m.ProjectID, m.BranchID, m.Role, m.Content, m.AgentID, filesArg(m),
		m.CollaboratorID, mergeKey, m.CreatedAt.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (q *Queries) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m := &models.Message{}
	row := q.db.QueryRowContext(ctx, q.rebind(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), id)
	if err := scanMessage(row, m); err != nil {
		return nil, notFound(err, "message", id)
	}
	return m, nil
}

func (q *Queries) ListMessages(ctx context.Context, projectID string) ([]models.Message, error) {
	return q.listMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE project_id = ? ORDER BY created_at ASC, id ASC`, projectID)
}

// ListBranchMessages returns messages explicitly attributed to branchID.
func (q *Queries) ListBranchMessages(ctx context.Context, branchID string) ([]models.Message, error) {
	return q.listMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE branch_id = ? ORDER BY created_at ASC, id ASC`, branchID)
}

func (q *Queries) listMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := q.db.QueryContext(ctx, q.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var results []models.Message
	for rows.Next() {
		var m models.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

func (q *Queries) UpdateMessageContent(ctx context.Context, id, content string) error {
	res, err := q.db.ExecContext(ctx, q.rebind(`UPDATE messages SET content = ? WHERE id = ?`), content, id)
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("message", id)
	}
	return nil
}

// DeleteMessages removes every message in ids with a single statement.
func (q *Queries) DeleteMessages(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	res, err := q.db.ExecContext(ctx, q.rebind(`DELETE FROM messages WHERE id IN (`+placeholders+`)`), args...)
	if err != nil {
		return 0, fmt.Errorf("deleting messages: %w", err)
	}
	return res.RowsAffected()
}

// File assets

func (q *Queries) CreateFileAsset(ctx context.Context, a models.FileAsset) (*models.FileAsset, error) {
	a.ID = newID()
	a.CreatedAt = q.now()
	_, err := q.db.ExecContext(ctx, q.rebind(
		`INSERT INTO file_assets (id, project_id, branch_id, message_id, name, type, category, content, size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.ProjectID, a.BranchID, a.MessageID, a.Name, a.Type, a.Category, a.Content, a.Size, a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating file asset: %w", err)
	}
	return &a, nil
}

func (q *Queries) ListFileAssets(ctx context.Context, messageID string) ([]models.FileAsset, error) {
	rows, err := q.db.QueryContext(ctx, q.rebind(
		`SELECT id, project_id, branch_id, message_id, name, type, category, content, size, created_at
		 FROM file_assets WHERE message_id = ? ORDER BY created_at ASC`), messageID)
	if err != nil {
		return nil, fmt.Errorf("listing file assets: %w", err)
	}
	defer rows.Close()

	var results []models.FileAsset
	for rows.Next() {
		var a models.FileAsset
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.BranchID, &a.MessageID, &a.Name, &a.Type,
			&a.Category, &a.Content, &a.Size, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning file asset: %w", err)
		}
		a.CreatedAt = fromNanos(createdAt)
		results = append(results, a)
	}
	return results, rows.Err()
}
