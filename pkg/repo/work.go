package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	TaskOpen       = "open"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
)

// ValidTaskStatus reports whether s is a task status the schema accepts.
func ValidTaskStatus(s string) bool {
	switch s {
	case TaskOpen, TaskInProgress, TaskDone:
		return true
	}
	return false
}

type Task struct {
	ID                   string    `json:"id"`
	OrgID                string    `json:"orgId"`
	Title                string    `json:"title"`
	Details              string    `json:"details"`
	Status               string    `json:"status"`
	AssigneeMembershipID string    `json:"assigneeMembershipId,omitempty"`
	CreatedBy            string    `json:"createdBy,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// TaskPatch changes only the non-nil fields. An empty Assignee clears it.
type TaskPatch struct {
	Title    *string
	Details  *string
	Status   *string
	Assignee *string
}

const taskColumns = `id::text, org_id::text, title, details, status,
	COALESCE(assignee_membership_id::text, ''), COALESCE(created_by::text, ''), created_at, updated_at`

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.OrgID, &t.Title, &t.Details, &t.Status,
		&t.AssigneeMembershipID, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (r *Repo) ListTasks(ctx context.Context, orgID string, limit int) ([]Task, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks WHERE org_id=$1::uuid
		ORDER BY created_at DESC
		LIMIT $2`, orgID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	items := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return items, nil
}

func (r *Repo) CreateTask(ctx context.Context, t Task) (Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskOpen
	}
	out, err := scanTask(r.db.QueryRow(ctx, `
		INSERT INTO tasks(id, org_id, title, details, status, assignee_membership_id, created_by)
		VALUES($1::uuid, $2::uuid, $3, $4, $5, NULLIF($6, '')::uuid, NULLIF($7, '')::uuid)
		RETURNING `+taskColumns,
		t.ID, t.OrgID, t.Title, t.Details, t.Status, t.AssigneeMembershipID, t.CreatedBy))
	if err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	return out, nil
}

func (r *Repo) UpdateTask(ctx context.Context, orgID, taskID string, p TaskPatch) (Task, error) {
	out, err := scanTask(r.db.QueryRow(ctx, `
		UPDATE tasks SET
			title = COALESCE($3, title),
			details = COALESCE($4, details),
			status = COALESCE($5, status),
			assignee_membership_id = CASE WHEN $6::text IS NULL THEN assignee_membership_id ELSE NULLIF($6, '')::uuid END,
			updated_at = now()
		WHERE id=$2::uuid AND org_id=$1::uuid
		RETURNING `+taskColumns,
		orgID, taskID, p.Title, p.Details, p.Status, p.Assignee))
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	return out, nil
}

type Message struct {
	ID                 string    `json:"id"`
	OrgID              string    `json:"orgId"`
	TaskID             string    `json:"taskId,omitempty"`
	AuthorMembershipID string    `json:"authorMembershipId,omitempty"`
	Body               string    `json:"body"`
	AttachmentID       string    `json:"attachmentId,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

const messageColumns = `id::text, org_id::text, COALESCE(task_id::text, ''), COALESCE(author_membership_id::text, ''),
	body, COALESCE(attachment_id::text, ''), created_at`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.OrgID, &m.TaskID, &m.AuthorMembershipID, &m.Body, &m.AttachmentID, &m.CreatedAt)
	return m, err
}

// ListMessages returns the newest messages in orgID, optionally scoped to
// one task.
func (r *Repo) ListMessages(ctx context.Context, orgID, taskID string, limit int) ([]Message, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE org_id=$1::uuid AND ($2 = '' OR task_id = NULLIF($2, '')::uuid)
		ORDER BY created_at DESC
		LIMIT $3`, orgID, taskID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	items := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return items, nil
}

func (r *Repo) InsertMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	out, err := scanMessage(r.db.QueryRow(ctx, `
		INSERT INTO messages(id, org_id, task_id, author_membership_id, body, attachment_id)
		VALUES($1::uuid, $2::uuid, NULLIF($3, '')::uuid, NULLIF($4, '')::uuid, $5, NULLIF($6, '')::uuid)
		RETURNING `+messageColumns,
		m.ID, m.OrgID, m.TaskID, m.AuthorMembershipID, m.Body, m.AttachmentID))
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return out, nil
}

// SetMessageAttachment points a message at attachmentID and returns the
// attachment it referenced before.
func (r *Repo) SetMessageAttachment(ctx context.Context, orgID, messageID, attachmentID string) (string, error) {
	var previous string
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT COALESCE(attachment_id::text, '') FROM messages
			WHERE id=$2::uuid AND org_id=$1::uuid
			FOR UPDATE`, orgID, messageID).Scan(&previous)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE messages SET attachment_id=$3::uuid WHERE id=$2::uuid AND org_id=$1::uuid`,
			orgID, messageID, attachmentID)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("set message attachment: %w", err)
	}
	return previous, nil
}
