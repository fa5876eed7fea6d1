package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/harlowe/matterflow/pkg/schema"
)

// LibSQL implements Store over an embedded libSQL database.
type LibSQL struct {
	db *sql.DB
}

// NewLibSQL opens a libSQL database at the given path, e.g.
// "file:/var/lib/matterflow/flow.db".
func NewLibSQL(dbPath string) (*LibSQL, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQL{db: db}, nil
}

// Migrate applies any pending schema migrations.
func (s *LibSQL) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func (s *LibSQL) Close() error { return s.db.Close() }

// --- Templates ---

func (s *LibSQL) PutTemplate(ctx context.Context, tpl *schema.Template) error {
	steps, err := json.Marshal(tpl.Steps)
	if err != nil {
		return fmt.Errorf("marshal template steps: %w", err)
	}
	deps, err := json.Marshal(tpl.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal template dependencies: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates (id, name, version, is_active, description, steps, dependencies, reminder_cron, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, version=excluded.version, is_active=excluded.is_active,
		   description=excluded.description, steps=excluded.steps, dependencies=excluded.dependencies,
		   reminder_cron=excluded.reminder_cron, updated_at=excluded.updated_at`,
		tpl.ID, tpl.Name, tpl.Version, boolInt(tpl.IsActive), tpl.Description,
		string(steps), string(deps), tpl.ReminderCron, tpl.CreatedAt, tpl.UpdatedAt,
	)
	return err
}

func (s *LibSQL) GetTemplate(ctx context.Context, id string) (*schema.Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, is_active, description, steps, dependencies, reminder_cron, created_at, updated_at
		 FROM templates WHERE id = ?`, id)
	tpl, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, notFound("template", id)
	}
	return tpl, err
}

func (s *LibSQL) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.Template, error) {
	query := `SELECT id, name, version, is_active, description, steps, dependencies, reminder_cron, created_at, updated_at
	          FROM templates`
	var conds []string
	var args []any
	if filter.Name != "" {
		conds = append(conds, "name LIKE ?")
		args = append(args, "%"+filter.Name+"%")
	}
	if filter.ActiveOnly {
		conds = append(conds, "is_active = 1")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY name, version"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*schema.Template, error) {
	tpl := &schema.Template{}
	var active int
	var description, steps, deps, cron sql.NullString
	err := row.Scan(&tpl.ID, &tpl.Name, &tpl.Version, &active, &description,
		&steps, &deps, &cron, &tpl.CreatedAt, &tpl.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tpl.IsActive = active != 0
	tpl.Description = description.String
	tpl.ReminderCron = cron.String
	if steps.Valid && steps.String != "" {
		if err := json.Unmarshal([]byte(steps.String), &tpl.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal template steps: %w", err)
		}
	}
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &tpl.Dependencies); err != nil {
			return nil, fmt.Errorf("unmarshal template dependencies: %w", err)
		}
	}
	return tpl, nil
}

// --- Instances ---

func (s *LibSQL) CreateInstance(ctx context.Context, in *schema.Instance, events []*schema.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO instances (id, template_id, template_version, matter_id, contact_id, status, revision, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		in.ID, in.TemplateID, in.TemplateVersion, in.MatterID, in.ContactID,
		string(in.Status), in.CreatedAt, in.UpdatedAt, nullTime(in.CompletedAt),
	)
	if err != nil {
		return err
	}
	if err := writeSnapshot(ctx, tx, in); err != nil {
		return err
	}
	if err := appendEvents(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQL) GetInstance(ctx context.Context, id string) (*schema.Instance, int64, error) {
	in := &schema.Instance{}
	var revision int64
	var matterID, contactID sql.NullString
	var status string
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, template_id, template_version, matter_id, contact_id, status, revision, created_at, updated_at, completed_at
		 FROM instances WHERE id = ?`, id,
	).Scan(&in.ID, &in.TemplateID, &in.TemplateVersion, &matterID, &contactID,
		&status, &revision, &in.CreatedAt, &in.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, 0, notFound("instance", id)
	}
	if err != nil {
		return nil, 0, err
	}
	in.MatterID = matterID.String
	in.ContactID = contactID.String
	in.Status = schema.InstanceStatus(status)
	if completedAt.Valid {
		in.CompletedAt = &completedAt.Time
	}

	if err := s.loadSteps(ctx, in); err != nil {
		return nil, 0, err
	}
	if err := s.loadDependencies(ctx, in); err != nil {
		return nil, 0, err
	}
	return in, revision, nil
}

func (s *LibSQL) UpdateInstance(ctx context.Context, in *schema.Instance, baseRevision int64, events []*schema.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE instances SET status = ?, revision = revision + 1, updated_at = ?, completed_at = ?
		 WHERE id = ? AND revision = ?`,
		string(in.Status), in.UpdatedAt, nullTime(in.CompletedAt), in.ID, baseRevision,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM instances WHERE id = ?`, in.ID).Scan(&exists); err == sql.ErrNoRows {
			return notFound("instance", in.ID)
		}
		return staleRevision(in.ID, baseRevision)
	}

	// Snapshot write: replace the step and edge sets wholesale.
	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE instance_id = ?`, in.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dependencies WHERE instance_id = ?`, in.ID); err != nil {
		return err
	}
	if err := writeSnapshot(ctx, tx, in); err != nil {
		return err
	}
	if err := appendEvents(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQL) ListInstances(ctx context.Context, filter InstanceFilter) ([]*schema.Instance, error) {
	query := `SELECT id FROM instances`
	var conds []string
	var args []any
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.MatterID != "" {
		conds = append(conds, "matter_id = ?")
		args = append(args, filter.MatterID)
	}
	if filter.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, *filter.Since)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*schema.Instance, 0, len(ids))
	for _, id := range ids {
		in, _, err := s.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

func (s *LibSQL) loadSteps(ctx context.Context, in *schema.Instance) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, template_step_id, title, action_type, action_state, action_data, role_scope,
		        required, step_order, assigned_to_id, due_date, priority, position_x, position_y,
		        started_at, completed_at
		 FROM steps WHERE instance_id = ? ORDER BY step_order`, in.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		step := &schema.Step{InstanceID: in.ID}
		var templateStepID, actionData, assignedTo, priority sql.NullString
		var actionType, actionState, roleScope string
		var required int
		var posX, posY sql.NullFloat64
		var dueDate, startedAt, completedAt sql.NullTime
		err := rows.Scan(&step.ID, &templateStepID, &step.Title, &actionType, &actionState,
			&actionData, &roleScope, &required, &step.Order, &assignedTo, &dueDate,
			&priority, &posX, &posY, &startedAt, &completedAt)
		if err != nil {
			return err
		}
		step.TemplateStepID = templateStepID.String
		step.ActionType = schema.ActionType(actionType)
		step.ActionState = schema.ActionState(actionState)
		step.RoleScope = schema.Role(roleScope)
		step.Required = required != 0
		step.AssignedToID = assignedTo.String
		step.Priority = schema.Priority(priority.String)
		step.PositionX = posX.Float64
		step.PositionY = posY.Float64
		if actionData.Valid && actionData.String != "" {
			if err := json.Unmarshal([]byte(actionData.String), &step.ActionData); err != nil {
				return fmt.Errorf("unmarshal step %s action_data: %w", step.ID, err)
			}
		}
		if dueDate.Valid {
			step.DueDate = &dueDate.Time
		}
		if startedAt.Valid {
			step.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			step.CompletedAt = &completedAt.Time
		}
		in.Steps = append(in.Steps, step)
	}
	return rows.Err()
}

func (s *LibSQL) loadDependencies(ctx context.Context, in *schema.Instance) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_step_id, target_step_id, dependency_type, dependency_logic, condition_type, condition_config
		 FROM dependencies WHERE instance_id = ?`, in.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		dep := &schema.Dependency{InstanceID: in.ID}
		var depType, depLogic, condType string
		var condConfig sql.NullString
		err := rows.Scan(&dep.ID, &dep.SourceStepID, &dep.TargetStepID, &depType, &depLogic, &condType, &condConfig)
		if err != nil {
			return err
		}
		dep.DependencyType = schema.DependencyType(depType)
		dep.DependencyLogic = schema.DependencyLogic(depLogic)
		dep.ConditionType = schema.ConditionType(condType)
		if condConfig.Valid && condConfig.String != "" {
			dep.ConditionConfig = json.RawMessage(condConfig.String)
		}
		in.Dependencies = append(in.Dependencies, dep)
	}
	return rows.Err()
}

func writeSnapshot(ctx context.Context, tx *sql.Tx, in *schema.Instance) error {
	for _, step := range in.Steps {
		actionData, err := json.Marshal(step.ActionData)
		if err != nil {
			return fmt.Errorf("marshal step %s action_data: %w", step.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO steps (id, instance_id, template_step_id, title, action_type, action_state, action_data,
			                    role_scope, required, step_order, assigned_to_id, due_date, priority,
			                    position_x, position_y, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			step.ID, in.ID, step.TemplateStepID, step.Title, string(step.ActionType),
			string(step.ActionState), string(actionData), string(step.RoleScope),
			boolInt(step.Required), step.Order, step.AssignedToID, nullTime(step.DueDate),
			string(step.Priority), step.PositionX, step.PositionY,
			nullTime(step.StartedAt), nullTime(step.CompletedAt),
		)
		if err != nil {
			return err
		}
	}
	for _, dep := range in.Dependencies {
		var condConfig any
		if len(dep.ConditionConfig) > 0 {
			condConfig = string(dep.ConditionConfig)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO dependencies (id, instance_id, source_step_id, target_step_id, dependency_type, dependency_logic, condition_type, condition_config)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			dep.ID, in.ID, dep.SourceStepID, dep.TargetStepID, string(dep.DependencyType),
			string(dep.DependencyLogic), string(dep.ConditionType), condConfig,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func appendEvents(ctx context.Context, tx *sql.Tx, events []*schema.Event) error {
	next := make(map[string]int64)
	for _, e := range events {
		seq, ok := next[e.InstanceID]
		if !ok {
			row := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(seq), 0) FROM events WHERE instance_id = ?`, e.InstanceID)
			if err := row.Scan(&seq); err != nil {
				return fmt.Errorf("read event seq: %w", err)
			}
		}
		seq++
		next[e.InstanceID] = seq
		e.Seq = seq

		var payload any
		if e.Payload != nil {
			raw, err := json.Marshal(e.Payload)
			if err != nil {
				return fmt.Errorf("marshal event payload: %w", err)
			}
			payload = string(raw)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO events (instance_id, seq, id, type, step_id, actor_id, payload, occurred_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.InstanceID, seq, e.ID, e.Type, e.StepID, e.ActorID, payload, e.OccurredAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *LibSQL) GetEvents(ctx context.Context, instanceID string, since int64) ([]*schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, type, step_id, actor_id, payload, occurred_at
		 FROM events WHERE instance_id = ? AND seq > ? ORDER BY seq`, instanceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Event
	for rows.Next() {
		e := &schema.Event{InstanceID: instanceID}
		var stepID, actorID, payload sql.NullString
		var occurredAt time.Time
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &stepID, &actorID, &payload, &occurredAt); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.ActorID = actorID.String
		e.OccurredAt = occurredAt
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
