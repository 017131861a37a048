package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ogyrec-o/rune-companion/internal/relevance"
	"github.com/ogyrec-o/rune-companion/internal/storage"
	"github.com/ogyrec-o/rune-companion/pkg/types"
)

// TaskStore implements storage.TaskStore using PostgreSQL.
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore creates a task store over an opened database handle.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

const taskColumns = `id, status, created_at, updated_at, due_at, kind, description,
	from_user_id, to_user_id, reply_to_user_id, room_id, importance, meta,
	question_text, answer_text, claimed_by`

// AddTask creates a task in status pending (unless overridden).
func (s *TaskStore) AddTask(ctx context.Context, p storage.AddTaskParams) (int64, error) {
	kind := strings.TrimSpace(p.Kind)
	description := strings.TrimSpace(p.Description)
	if kind == "" {
		return 0, fmt.Errorf("%w: task kind is required", storage.ErrInvalidInput)
	}
	if description == "" {
		return 0, fmt.Errorf("%w: task description is required", storage.ErrInvalidInput)
	}

	status := p.Status
	if status == "" {
		status = types.TaskPending
	}
	importance := p.Importance
	if importance <= 0 {
		importance = 0.7
	}
	importance = relevance.Clamp01(importance)

	now := time.Now()
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (
			status, created_at, updated_at, due_at, kind, description,
			from_user_id, to_user_id, reply_to_user_id, room_id,
			importance, meta, question_text, answer_text, claimed_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, '')
		RETURNING id
	`, string(status), now, now, nullableTime(p.DueAt), kind, description,
		nullableString(p.FromUserID), nullableString(p.ToUserID),
		nullableString(p.ReplyToUserID), nullableString(p.RoomID),
		importance, metaToString(p.Meta),
		nullableString(p.QuestionText), nullableString(p.AnswerText)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert task: %w", err)
	}
	log.Printf("postgres: task added id=%d kind=%s status=%s", id, kind, status)
	return id, nil
}

// GetTask retrieves a task by id.
func (s *TaskStore) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListRunnableTasks returns pending/answer_received tasks whose due_at is
// null or <= now, FIFO among equally-due tasks.
func (s *TaskStore) ListRunnableTasks(ctx context.Context, now time.Time, limit int) ([]*types.Task, error) {
	if limit < 1 {
		limit = 32
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status IN ('pending','answer_received')
		  AND (due_at IS NULL OR due_at <= $1)
		ORDER BY COALESCE(due_at, created_at) ASC, created_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runnable tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// TryClaimTask atomically moves the task to in_progress when its current
// status is one of expected.
func (s *TaskStore) TryClaimTask(ctx context.Context, id int64, expected []types.TaskStatus, claimedBy string) (bool, error) {
	if len(expected) == 0 {
		return false, nil
	}
	placeholders := make([]string, len(expected))
	args := []interface{}{string(types.TaskInProgress), time.Now(), claimedBy, id}
	for i, st := range expected {
		args = append(args, string(st))
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE tasks
		SET status = $1, updated_at = $2, claimed_by = $3
		WHERE id = $4 AND status IN (%s)
	`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return n == 1, nil
}

// UpdateTaskStatus sets the status and refreshes updated_at.
func (s *TaskStore) UpdateTaskStatus(ctx context.Context, id int64, status types.TaskStatus) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3",
		string(status), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return nil
}

// UpdateTaskFields applies a partial update and refreshes updated_at.
func (s *TaskStore) UpdateTaskFields(ctx context.Context, id int64, p storage.UpdateTaskParams) error {
	fields := make([]string, 0, 5)
	args := make([]interface{}, 0, 6)

	if p.Status != nil {
		args = append(args, string(*p.Status))
		fields = append(fields, fmt.Sprintf("status = $%d", len(args)))
	}
	if p.DueAt != nil {
		args = append(args, *p.DueAt)
		fields = append(fields, fmt.Sprintf("due_at = $%d", len(args)))
	}
	if p.Meta != nil {
		args = append(args, metaToString(p.Meta))
		fields = append(fields, fmt.Sprintf("meta = $%d", len(args)))
	}
	if p.QuestionText != nil {
		args = append(args, nullableString(*p.QuestionText))
		fields = append(fields, fmt.Sprintf("question_text = $%d", len(args)))
	}
	if p.AnswerText != nil {
		args = append(args, nullableString(*p.AnswerText))
		fields = append(fields, fmt.Sprintf("answer_text = $%d", len(args)))
	}
	if len(fields) == 0 {
		return nil
	}

	args = append(args, time.Now())
	fields = append(fields, fmt.Sprintf("updated_at = $%d", len(args)))
	args = append(args, id)

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE tasks SET %s WHERE id = $%d", strings.Join(fields, ", "), len(args)), args...)
	if err != nil {
		return fmt.Errorf("failed to update task fields: %w", err)
	}
	return nil
}

// ListOpenTasksForUser returns non-terminal tasks involving the user.
func (s *TaskStore) ListOpenTasksForUser(ctx context.Context, userID string, limit int) ([]*types.Task, error) {
	if userID == "" {
		return nil, nil
	}
	if limit < 1 {
		limit = 16
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status NOT IN ('done','cancelled')
		  AND (to_user_id = $1 OR from_user_id = $1 OR reply_to_user_id = $1)
		ORDER BY COALESCE(due_at, created_at) ASC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// FindWaitingAskTask returns the oldest ask_user* task waiting for an answer
// from toUserID in roomID, or nil when none is waiting.
func (s *TaskStore) FindWaitingAskTask(ctx context.Context, toUserID, roomID string) (*types.Task, error) {
	if toUserID == "" || roomID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE kind LIKE 'ask_user%'
		  AND status = 'waiting_answer'
		  AND to_user_id = $1
		  AND room_id = $2
		ORDER BY created_at ASC
		LIMIT 1
	`, toUserID, roomID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find waiting ask task: %w", err)
	}
	return task, nil
}

// SaveAnswerAndMarkReceived records the answer and makes the task
// immediately runnable again.
func (s *TaskStore) SaveAnswerAndMarkReceived(ctx context.Context, id int64, answerText string, now time.Time) error {
	if now.IsZero() {
		now = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET answer_text = $1, status = 'answer_received', due_at = $2, updated_at = $2
		WHERE id = $3
	`, answerText, now, id)
	if err != nil {
		return fmt.Errorf("failed to save answer: %w", err)
	}
	return nil
}

// ReleaseStuckClaims reverts in_progress tasks whose claim is older than
// olderThan back to pending.
func (s *TaskStore) ReleaseStuckClaims(ctx context.Context, olderThan time.Duration, now time.Time) (int, error) {
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := now.Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending', claimed_by = '', updated_at = $1
		WHERE status = 'in_progress' AND updated_at <= $2
	`, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to release stuck claims: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("postgres: released %d stuck task claims older than %s", n, olderThan)
	}
	return int(n), nil
}

// CountTasks returns the total number of stored tasks.
func (s *TaskStore) CountTasks(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

// Close is a no-op; the shared database handle is owned by the caller.
func (s *TaskStore) Close() error { return nil }

func collectTasks(rows *sql.Rows) ([]*types.Task, error) {
	var out []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return out, nil
}

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		task         types.Task
		status       string
		dueAt        sql.NullTime
		fromUser     sql.NullString
		toUser       sql.NullString
		replyToUser  sql.NullString
		roomID       sql.NullString
		meta         string
		questionText sql.NullString
		answerText   sql.NullString
	)
	err := row.Scan(
		&task.ID, &status, &task.CreatedAt, &task.UpdatedAt, &dueAt,
		&task.Kind, &task.Description, &fromUser, &toUser, &replyToUser,
		&roomID, &task.Importance, &meta, &questionText, &answerText,
		&task.ClaimedBy,
	)
	if err != nil {
		return nil, err
	}
	task.Status = types.TaskStatusFromDB(status)
	task.DueAt = timeOrNil(dueAt)
	task.FromUserID = stringOrEmpty(fromUser)
	task.ToUserID = stringOrEmpty(toUser)
	task.ReplyToUserID = stringOrEmpty(replyToUser)
	task.RoomID = stringOrEmpty(roomID)
	task.Meta = stringToMeta(meta)
	task.QuestionText = stringOrEmpty(questionText)
	task.AnswerText = stringOrEmpty(answerText)
	return &task, nil
}
