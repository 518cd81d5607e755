package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Patch is a partial project update. Nil fields are left untouched; Tasks and Alerts
// replace the stored lists wholesale, preserving slice order.
type Patch struct {
	Name            *string
	Status          *string
	GrowthStage     *string
	PlantingDate    *time.Time
	SowingWindowEnd *time.Time
	Tasks           *[]domain.Task
	Alerts          *[]domain.Alert
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const projectColumns = `id,farmer_id,name,crop_name,status,lat,lon,COALESCE(growth_stage,''),planting_date,sowing_window_end,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var (
		p                    domain.Project
		planting, sowingEnd  sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.FarmerID, &p.Name, &p.CropName, &p.Status, &p.Location.Lat, &p.Location.Lon,
		&p.CropDetails.GrowthStage, &planting, &sowingEnd, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.CropDetails.PlantingDate = parseOptionalTime(planting)
	p.CropDetails.SowingWindowEnd = parseOptionalTime(sowingEnd)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.Workflows = domain.Workflows{Tasks: []domain.Task{}, Alerts: []domain.Alert{}}
	return p, nil
}

// EnsureFarmer records a farmer id if it is not known yet.
func (r Repo) EnsureFarmer(ctx context.Context, farmerID string) error {
	return ensureFarmer(ctx, r.DB, farmerID)
}

func ensureFarmer(ctx context.Context, ex execer, farmerID string) error {
	if strings.TrimSpace(farmerID) == "" {
		return errors.New("farmer_id required")
	}
	_, err := ex.ExecContext(ctx, `INSERT OR IGNORE INTO farmers(id, created_at) VALUES (?,?)`,
		farmerID, formatTime(time.Now()))
	return err
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := ensureFarmer(ctx, tx, p.FarmerID); err != nil {
		return fmt.Errorf("ensure farmer: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(id,farmer_id,name,crop_name,status,lat,lon,growth_stage,planting_date,sowing_window_end,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.FarmerID, p.Name, p.CropName, p.Status, p.Location.Lat, p.Location.Lon,
		nullable(p.CropDetails.GrowthStage), nullableTime(p.CropDetails.PlantingDate), nullableTime(p.CropDetails.SowingWindowEnd),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if err := replaceTasks(ctx, tx, p.ID, p.Workflows.Tasks); err != nil {
		return err
	}
	if err := replaceAlerts(ctx, tx, p.ID, p.Workflows.Alerts); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
	if err != nil {
		return p, err
	}
	if err := r.loadWorkflows(ctx, r.DB, &p); err != nil {
		return p, err
	}
	return p, nil
}

// ListProjects returns a farmer's projects in creation order. Archived projects are
// included only when includeArchived is set.
func (r Repo) ListProjects(ctx context.Context, farmerID string, includeArchived bool) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE farmer_id=?`
	args := []any{farmerID}
	if !includeArchived {
		query += ` AND status=?`
		args = append(args, domain.ProjectActive)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if err := r.loadWorkflows(ctx, r.DB, &res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ListActiveProjects returns the farmer's active projects with tasks and alerts loaded.
func (r Repo) ListActiveProjects(ctx context.Context, farmerID string) ([]domain.Project, error) {
	return r.ListProjects(ctx, farmerID, false)
}

// UpdateProject applies a patch atomically and returns the stored result.
func (r Repo) UpdateProject(ctx context.Context, id string, patch Patch) (domain.Project, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	var (
		fields []string
		args   []any
	)
	if patch.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *patch.Name)
	}
	if patch.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, *patch.Status)
	}
	if patch.GrowthStage != nil {
		fields = append(fields, "growth_stage=?")
		args = append(args, nullable(*patch.GrowthStage))
	}
	if patch.PlantingDate != nil {
		fields = append(fields, "planting_date=?")
		args = append(args, formatTime(*patch.PlantingDate))
	}
	if patch.SowingWindowEnd != nil {
		fields = append(fields, "sowing_window_end=?")
		args = append(args, formatTime(*patch.SowingWindowEnd))
	}
	fields = append(fields, "updated_at=?")
	args = append(args, formatTime(time.Now()), id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return domain.Project{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Project{}, ErrNotFound
	}
	if patch.Tasks != nil {
		if err := replaceTasks(ctx, tx, id, *patch.Tasks); err != nil {
			return domain.Project{}, err
		}
	}
	if patch.Alerts != nil {
		if err := replaceAlerts(ctx, tx, id, *patch.Alerts); err != nil {
			return domain.Project{}, err
		}
	}
	p, err := scanProject(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
	if err != nil {
		return domain.Project{}, err
	}
	if err := r.loadWorkflows(ctx, tx, &p); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// AppendTask adds a task at the end of a project's task list.
func (r Repo) AppendTask(ctx context.Context, projectID string, t domain.Task) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id=?`, projectID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position)+1,0) FROM tasks WHERE project_id=?`, projectID).Scan(&next); err != nil {
		return err
	}
	if err := insertTask(ctx, tx, projectID, next, t); err != nil {
		return err
	}
	return tx.Commit()
}

// SetTaskStatus updates one task's status within a project.
func (r Repo) SetTaskStatus(ctx context.Context, projectID, taskID, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=? WHERE project_id=? AND id=?`, status, projectID, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) loadWorkflows(ctx context.Context, ex execer, p *domain.Project) error {
	tasks, err := listTasks(ctx, ex, p.ID)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	alerts, err := listAlerts(ctx, ex, p.ID)
	if err != nil {
		return fmt.Errorf("load alerts: %w", err)
	}
	p.Workflows = domain.Workflows{Tasks: tasks, Alerts: alerts}
	return nil
}

func listTasks(ctx context.Context, ex execer, projectID string) ([]domain.Task, error) {
	rows, err := ex.QueryContext(ctx, `SELECT id,label,due_date,status FROM tasks WHERE project_id=? ORDER BY position ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks := []domain.Task{}
	for rows.Next() {
		var (
			t   domain.Task
			due sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Label, &due, &t.Status); err != nil {
			return nil, err
		}
		t.DueDate = parseOptionalTime(due)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func listAlerts(ctx context.Context, ex execer, projectID string) ([]domain.Alert, error) {
	rows, err := ex.QueryContext(ctx, `SELECT id,key,type,severity,message,COALESCE(ai_summary,''),created_at FROM alerts WHERE project_id=? ORDER BY position ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	alerts := []domain.Alert{}
	for rows.Next() {
		var (
			a         domain.Alert
			severity  string
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.Key, &a.Type, &severity, &a.Message, &a.AISummary, &createdAt); err != nil {
			return nil, err
		}
		a.Severity = domain.Severity(severity)
		a.CreatedAt = parseTime(createdAt)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func insertTask(ctx context.Context, ex execer, projectID string, position int, t domain.Task) error {
	if t.ID == "" || t.Label == "" {
		return errors.New("task id and label are required")
	}
	status := t.Status
	if status == "" {
		status = domain.TaskPending
	}
	_, err := ex.ExecContext(ctx, `INSERT INTO tasks(id,project_id,position,label,due_date,status) VALUES (?,?,?,?,?,?)`,
		t.ID, projectID, position, t.Label, nullableTime(t.DueDate), status)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func replaceTasks(ctx context.Context, ex execer, projectID string, tasks []domain.Task) error {
	if _, err := ex.ExecContext(ctx, `DELETE FROM tasks WHERE project_id=?`, projectID); err != nil {
		return err
	}
	for i, t := range tasks {
		if err := insertTask(ctx, ex, projectID, i, t); err != nil {
			return err
		}
	}
	return nil
}

func replaceAlerts(ctx context.Context, ex execer, projectID string, alerts []domain.Alert) error {
	if _, err := ex.ExecContext(ctx, `DELETE FROM alerts WHERE project_id=?`, projectID); err != nil {
		return err
	}
	for i, a := range alerts {
		_, err := ex.ExecContext(ctx, `INSERT INTO alerts(id,project_id,position,key,type,severity,message,ai_summary,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
			a.ID, projectID, i, a.Key, a.Type, string(a.Severity), a.Message, nullable(a.AISummary), formatTime(a.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert alert %s: %w", a.Key, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseOptionalTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
