package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/ogyrec-o/rune-companion/internal/relevance"
	"github.com/ogyrec-o/rune-companion/internal/storage"
	"github.com/ogyrec-o/rune-companion/pkg/types"
)

// MemoryStore implements storage.MemoryStore using PostgreSQL. Semantics
// match the SQLite implementation; only the SQL dialect differs.
type MemoryStore struct {
	db     *sql.DB
	params relevance.Params
	floor  float64
}

// MemoryStoreOptions tune the relevance policy of a MemoryStore.
type MemoryStoreOptions struct {
	Relevance     relevance.Params
	EvictionFloor float64
}

// NewMemoryStore creates a memory store over an opened database handle.
func NewMemoryStore(db *sql.DB, opts MemoryStoreOptions) *MemoryStore {
	if opts.EvictionFloor <= 0 {
		opts.EvictionFloor = 0.03
	}
	if opts.Relevance == (relevance.Params{}) {
		opts.Relevance = relevance.DefaultParams()
	}
	return &MemoryStore{db: db, params: opts.Relevance, floor: opts.EvictionFloor}
}

const memoryColumns = `id, subject_type, subject_id, text, tags, importance,
	decay_days, last_updated, last_accessed, n_reinforced, pinned, source, person_ref`

// AddMemory inserts a note or merges into the row already holding the same
// (subject, text).
func (s *MemoryStore) AddMemory(ctx context.Context, p storage.AddMemoryParams) (int64, error) {
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return 0, fmt.Errorf("%w: memory text is required", storage.ErrInvalidInput)
	}
	if !p.Subject.Valid() {
		return 0, fmt.Errorf("%w: memory subject is required", storage.ErrInvalidInput)
	}

	source := p.Source
	if source == "" {
		source = types.SourceAuto
	}

	importance := relevance.Clamp01(p.Importance)
	pinned := p.Pinned || relevance.IsPinnedBy(source, p.Tags)
	decayDays := p.DecayDays
	if decayDays <= 0 {
		decayDays = s.params.MemoryDecayDays(importance, p.Tags, source)
	}
	decayDays = relevance.ClampDecayDays(decayDays)

	now := time.Now()
	tagStr := tagsToString(p.Tags)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin add-memory transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		id            int64
		oldTags       string
		oldImportance float64
		oldDecay      float64
		oldSource     string
		oldPinned     bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, tags, importance, decay_days, source, pinned
		FROM memories
		WHERE subject_type = $1 AND subject_id = $2 AND text = $3
		FOR UPDATE
	`, string(p.Subject.Type), p.Subject.ID, text).Scan(
		&id, &oldTags, &oldImportance, &oldDecay, &oldSource, &oldPinned,
	)

	switch {
	case err == sql.ErrNoRows:
		err = tx.QueryRowContext(ctx, `
			INSERT INTO memories (
				subject_type, subject_id, text, tags, importance,
				decay_days, last_updated, n_reinforced, pinned, source, person_ref
			) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)
			RETURNING id
		`, string(p.Subject.Type), p.Subject.ID, text, tagStr, importance,
			decayDays, now, pinned, source, nullableString(p.PersonRef)).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to insert memory: %w", err)
		}

	case err != nil:
		return 0, fmt.Errorf("failed to look up memory for merge: %w", err)

	default:
		mergedTags := unionTags(oldTags, tagStr)
		mergedImportance := importance
		if oldImportance > mergedImportance {
			mergedImportance = oldImportance
		}
		mergedDecay := decayDays
		if oldDecay > mergedDecay {
			mergedDecay = oldDecay
		}
		mergedSource := types.HigherPrioritySource(oldSource, source)
		mergedPinned := oldPinned || pinned

		_, err := tx.ExecContext(ctx, `
			UPDATE memories
			SET tags = $1, importance = $2, decay_days = $3, source = $4, pinned = $5,
			    n_reinforced = n_reinforced + 1, last_updated = $6,
			    person_ref = COALESCE($7, person_ref)
			WHERE id = $8
		`, mergedTags, mergedImportance, mergedDecay, mergedSource,
			mergedPinned, now, nullableString(p.PersonRef), id)
		if err != nil {
			return 0, fmt.Errorf("failed to merge memory: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit add-memory: %w", err)
	}
	return id, nil
}

// UpdateMemory applies a partial update and refreshes last_updated.
func (s *MemoryStore) UpdateMemory(ctx context.Context, id int64, p storage.UpdateMemoryParams) error {
	if id <= 0 {
		return fmt.Errorf("%w: memory id must be positive", storage.ErrInvalidInput)
	}

	fields := make([]string, 0, 6)
	args := make([]interface{}, 0, 7)
	next := func() int { return len(args) + 1 }

	if p.Text != nil {
		text := strings.TrimSpace(*p.Text)
		if text == "" {
			return fmt.Errorf("%w: memory text cannot be empty", storage.ErrInvalidInput)
		}
		fields = append(fields, fmt.Sprintf("text = $%d", next()))
		args = append(args, text)
	}
	if p.Tags != nil {
		fields = append(fields, fmt.Sprintf("tags = $%d", next()))
		args = append(args, tagsToString(p.Tags))
	}
	if p.Importance != nil {
		fields = append(fields, fmt.Sprintf("importance = $%d", next()))
		args = append(args, relevance.Clamp01(*p.Importance))
	}
	if p.Pinned != nil {
		fields = append(fields, fmt.Sprintf("pinned = $%d", next()))
		args = append(args, *p.Pinned)
	}
	if p.DecayDays != nil {
		fields = append(fields, fmt.Sprintf("decay_days = $%d", next()))
		args = append(args, relevance.ClampDecayDays(*p.DecayDays))
	}
	if p.PersonRef != nil {
		fields = append(fields, fmt.Sprintf("person_ref = $%d", next()))
		args = append(args, nullableString(*p.PersonRef))
	}
	if len(fields) == 0 {
		return nil
	}

	fields = append(fields, fmt.Sprintf("last_updated = $%d", next()))
	args = append(args, time.Now())
	idPos := next()
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE memories SET %s WHERE id = $%d", strings.Join(fields, ", "), idPos), args...)
	if err != nil {
		return fmt.Errorf("failed to update memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteMemory removes a row by id. Deleting an absent row is a no-op.
func (s *MemoryStore) DeleteMemory(ctx context.Context, id int64) error {
	if id <= 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	return nil
}

// GetMemory retrieves a single row by id.
func (s *MemoryStore) GetMemory(ctx context.Context, id int64) (*types.MemoryItem, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+memoryColumns+" FROM memories WHERE id = $1", id)
	item, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory: %w", err)
	}
	return item, nil
}

// QueryMemories returns the top rows by effective score.
func (s *MemoryStore) QueryMemories(ctx context.Context, q storage.MemoryQuery) ([]types.ScoredMemory, error) {
	q.Normalize()

	sb := strings.Builder{}
	sb.WriteString("SELECT " + memoryColumns + " FROM memories WHERE TRUE")
	args := make([]interface{}, 0, 5)

	if q.SubjectType != "" {
		args = append(args, string(q.SubjectType))
		fmt.Fprintf(&sb, " AND subject_type = $%d", len(args))
	}
	if q.SubjectID != "" {
		args = append(args, q.SubjectID)
		fmt.Fprintf(&sb, " AND subject_id = $%d", len(args))
	}
	if q.Tag != "" {
		args = append(args, "%,"+q.Tag+",%")
		fmt.Fprintf(&sb, " AND (',' || tags || ',') LIKE $%d", len(args))
	}
	if q.PersonRef != "" {
		args = append(args, q.PersonRef)
		fmt.Fprintf(&sb, " AND person_ref = $%d", len(args))
	}
	args = append(args, q.CandidateLimit())
	fmt.Fprintf(&sb, " ORDER BY importance DESC, last_updated DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	scored := make([]types.ScoredMemory, 0, q.Limit)
	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		score := relevance.EffectiveScore(item.Importance, q.Now, item.LastUpdated, item.DecayDays, item.Pinned)
		if !item.Pinned && score < s.floor {
			continue
		}
		scored = append(scored, types.ScoredMemory{MemoryItem: *item, EffectiveScore: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate memories: %w", err)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].EffectiveScore != scored[j].EffectiveScore {
			return scored[i].EffectiveScore > scored[j].EffectiveScore
		}
		return scored[i].LastUpdated.After(scored[j].LastUpdated)
	})
	if len(scored) > q.Limit {
		scored = scored[:q.Limit]
	}

	if q.Touch && len(scored) > 0 {
		ids := make([]int64, len(scored))
		for i, it := range scored {
			ids[i] = it.ID
		}
		if _, err := s.db.ExecContext(ctx, `
			UPDATE memories SET last_accessed = $1, n_reinforced = n_reinforced + 1
			WHERE id = ANY($2)
		`, q.Now, int64Array(ids)); err != nil {
			log.Printf("postgres: memory touch failed: %v", err)
		}
	}
	return scored, nil
}

// PruneSubject enforces a per-subject cap the same way the SQLite store does.
func (s *MemoryStore) PruneSubject(ctx context.Context, subject types.Subject, maxItems int) (int, error) {
	if maxItems <= 0 || !subject.Valid() {
		return 0, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+memoryColumns+" FROM memories WHERE subject_type = $1 AND subject_id = $2",
		string(subject.Type), subject.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to load subject for prune: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var pinnedCount int
	var candidates []types.ScoredMemory
	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return 0, fmt.Errorf("failed to scan memory for prune: %w", err)
		}
		if item.Pinned {
			pinnedCount++
			continue
		}
		score := relevance.EffectiveScore(item.Importance, now, item.LastUpdated, item.DecayDays, false)
		candidates = append(candidates, types.ScoredMemory{MemoryItem: *item, EffectiveScore: score})
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate subject for prune: %w", err)
	}

	keep := maxItems - pinnedCount
	if keep < 0 {
		keep = 0
	}
	if len(candidates) <= keep {
		return 0, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].EffectiveScore != candidates[j].EffectiveScore {
			return candidates[i].EffectiveScore > candidates[j].EffectiveScore
		}
		return candidates[i].LastUpdated.After(candidates[j].LastUpdated)
	})

	doomed := make([]int64, 0, len(candidates)-keep)
	for _, c := range candidates[keep:] {
		doomed = append(doomed, c.ID)
	}
	removed, err := s.deleteByID(ctx, doomed)
	if err != nil {
		return removed, err
	}
	log.Printf("postgres: pruned %d memories for %s/%s (cap %d, pinned %d)",
		removed, subject.Type, subject.ID, maxItems, pinnedCount)
	return removed, nil
}

// SweepExpired deletes non-pinned rows whose effective score has decayed
// below the eviction floor.
func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, importance, decay_days, last_updated
		FROM memories WHERE pinned = FALSE
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to load memories for sweep: %w", err)
	}
	defer rows.Close()

	var doomed []int64
	for rows.Next() {
		var (
			id          int64
			importance  float64
			decayDays   float64
			lastUpdated time.Time
		)
		if err := rows.Scan(&id, &importance, &decayDays, &lastUpdated); err != nil {
			return 0, fmt.Errorf("failed to scan memory for sweep: %w", err)
		}
		if relevance.EffectiveScore(importance, now, lastUpdated, decayDays, false) < s.floor {
			doomed = append(doomed, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate memories for sweep: %w", err)
	}

	removed, err := s.deleteByID(ctx, doomed)
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		log.Printf("postgres: swept %d expired memories", removed)
	}
	return removed, nil
}

func (s *MemoryStore) deleteByID(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM memories WHERE id = ANY($1)", int64Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete memories: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountMemories returns the total number of stored rows.
func (s *MemoryStore) CountMemories(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	return n, nil
}

// Close is a no-op; the shared database handle is owned by the caller.
func (s *MemoryStore) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*types.MemoryItem, error) {
	var (
		item         types.MemoryItem
		subjectType  string
		tags         string
		lastAccessed sql.NullTime
		personRef    sql.NullString
	)
	err := row.Scan(
		&item.ID, &subjectType, &item.Subject.ID, &item.Text, &tags,
		&item.Importance, &item.DecayDays, &item.LastUpdated, &lastAccessed,
		&item.NReinforced, &item.Pinned, &item.Source, &personRef,
	)
	if err != nil {
		return nil, err
	}
	item.Subject.Type = types.SubjectType(subjectType)
	item.Tags = stringToTags(tags)
	item.LastAccessed = timeOrNil(lastAccessed)
	item.PersonRef = stringOrEmpty(personRef)
	return &item, nil
}
