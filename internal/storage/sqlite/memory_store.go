package sqlite

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

// MemoryStore implements storage.MemoryStore using SQLite.
type MemoryStore struct {
	db     *sql.DB
	params relevance.Params

	// floor is the effective-score threshold below which SweepExpired
	// evicts non-pinned rows.
	floor float64
}

// MemoryStoreOptions tune the relevance policy of a MemoryStore.
type MemoryStoreOptions struct {
	Relevance     relevance.Params
	EvictionFloor float64
}

// DefaultMemoryStoreOptions returns the stock policy: default half-life
// mapping and a 0.03 eviction floor.
func DefaultMemoryStoreOptions() MemoryStoreOptions {
	return MemoryStoreOptions{Relevance: relevance.DefaultParams(), EvictionFloor: 0.03}
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
// (subject, text). The lookup and write run inside one transaction so
// concurrent adds of the same text cannot duplicate the row.
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
		oldPinned     int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, tags, importance, decay_days, source, pinned
		FROM memories
		WHERE subject_type = ? AND subject_id = ? AND text = ?
	`, string(p.Subject.Type), p.Subject.ID, text).Scan(
		&id, &oldTags, &oldImportance, &oldDecay, &oldSource, &oldPinned,
	)

	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx, `
			INSERT INTO memories (
				subject_type, subject_id, text, tags, importance,
				decay_days, last_updated, n_reinforced, pinned, source, person_ref
			) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		`, string(p.Subject.Type), p.Subject.ID, text, tagStr, importance,
			decayDays, now, boolToInt(pinned), source, nullableString(p.PersonRef))
		if err != nil {
			return 0, fmt.Errorf("failed to insert memory: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to read memory insert id: %w", err)
		}

	case err != nil:
		return 0, fmt.Errorf("failed to look up memory for merge: %w", err)

	default:
		// Merge: union tags, keep the stronger importance and slower decay,
		// let the higher-priority source win (ties keep the new one), and
		// count the reinforcement.
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
		mergedPinned := oldPinned == 1 || pinned

		_, err := tx.ExecContext(ctx, `
			UPDATE memories
			SET tags = ?, importance = ?, decay_days = ?, source = ?, pinned = ?,
			    n_reinforced = n_reinforced + 1, last_updated = ?,
			    person_ref = COALESCE(?, person_ref)
			WHERE id = ?
		`, mergedTags, mergedImportance, mergedDecay, mergedSource,
			boolToInt(mergedPinned), now, nullableString(p.PersonRef), id)
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

	if p.Text != nil {
		text := strings.TrimSpace(*p.Text)
		if text == "" {
			return fmt.Errorf("%w: memory text cannot be empty", storage.ErrInvalidInput)
		}
		fields = append(fields, "text = ?")
		args = append(args, text)
	}
	if p.Tags != nil {
		fields = append(fields, "tags = ?")
		args = append(args, tagsToString(p.Tags))
	}
	if p.Importance != nil {
		fields = append(fields, "importance = ?")
		args = append(args, relevance.Clamp01(*p.Importance))
	}
	if p.Pinned != nil {
		fields = append(fields, "pinned = ?")
		args = append(args, boolToInt(*p.Pinned))
	}
	if p.DecayDays != nil {
		fields = append(fields, "decay_days = ?")
		args = append(args, relevance.ClampDecayDays(*p.DecayDays))
	}
	if p.PersonRef != nil {
		fields = append(fields, "person_ref = ?")
		args = append(args, nullableString(*p.PersonRef))
	}

	if len(fields) == 0 {
		return nil
	}

	fields = append(fields, "last_updated = ?")
	args = append(args, time.Now(), id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE memories SET "+strings.Join(fields, ", ")+" WHERE id = ?", args...)
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
	if _, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	return nil
}

// GetMemory retrieves a single row by id.
func (s *MemoryStore) GetMemory(ctx context.Context, id int64) (*types.MemoryItem, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+memoryColumns+" FROM memories WHERE id = ?", id)
	item, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory: %w", err)
	}
	return item, nil
}

// QueryMemories returns the top rows by effective score. Candidates are
// over-fetched by raw importance, re-ranked with decay applied, and rows
// below the eviction floor are filtered out (deletion is SweepExpired's job).
func (s *MemoryStore) QueryMemories(ctx context.Context, q storage.MemoryQuery) ([]types.ScoredMemory, error) {
	q.Normalize()

	sb := strings.Builder{}
	sb.WriteString("SELECT " + memoryColumns + " FROM memories WHERE 1=1")
	args := make([]interface{}, 0, 5)

	if q.SubjectType != "" {
		sb.WriteString(" AND subject_type = ?")
		args = append(args, string(q.SubjectType))
	}
	if q.SubjectID != "" {
		sb.WriteString(" AND subject_id = ?")
		args = append(args, q.SubjectID)
	}
	if q.Tag != "" {
		sb.WriteString(" AND (',' || tags || ',') LIKE ?")
		args = append(args, "%,"+q.Tag+",%")
	}
	if q.PersonRef != "" {
		sb.WriteString(" AND person_ref = ?")
		args = append(args, q.PersonRef)
	}
	sb.WriteString(" ORDER BY importance DESC, last_updated DESC LIMIT ?")
	args = append(args, q.CandidateLimit())

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
		if err := s.touch(ctx, scored, q.Now); err != nil {
			// Reinforcement bookkeeping must not fail the read.
			log.Printf("sqlite: memory touch failed: %v", err)
		}
	}
	return scored, nil
}

// touch bumps last_accessed and n_reinforced on the returned rows.
func (s *MemoryStore) touch(ctx context.Context, items []types.ScoredMemory, now time.Time) error {
	ids := make([]string, len(items))
	args := make([]interface{}, 0, len(items)+1)
	args = append(args, now)
	for i, it := range items {
		ids[i] = "?"
		args = append(args, it.ID)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE memories SET last_accessed = ?, n_reinforced = n_reinforced + 1 WHERE id IN (%s)",
		strings.Join(ids, ",")), args...)
	return err
}

// PruneSubject enforces a per-subject cap. Pinned rows never count against
// the cap and are never deleted; the best non-pinned rows by effective score
// (ties by last_updated) survive.
func (s *MemoryStore) PruneSubject(ctx context.Context, subject types.Subject, maxItems int) (int, error) {
	if maxItems <= 0 || !subject.Valid() {
		return 0, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+memoryColumns+" FROM memories WHERE subject_type = ? AND subject_id = ?",
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

	doomed := candidates[keep:]
	removed, err := s.deleteByID(ctx, doomed)
	if err != nil {
		return removed, err
	}
	log.Printf("sqlite: pruned %d memories for %s/%s (cap %d, pinned %d)",
		removed, subject.Type, subject.ID, maxItems, pinnedCount)
	return removed, nil
}

// SweepExpired deletes non-pinned rows whose effective score has decayed
// below the eviction floor. This is the explicit garbage-collection pass that
// keeps the read path free of mutating side effects.
func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, importance, decay_days, last_updated
		FROM memories WHERE pinned = 0
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to load memories for sweep: %w", err)
	}
	defer rows.Close()

	var doomed []types.ScoredMemory
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
			doomed = append(doomed, types.ScoredMemory{MemoryItem: types.MemoryItem{ID: id}})
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
		log.Printf("sqlite: swept %d expired memories", removed)
	}
	return removed, nil
}

func (s *MemoryStore) deleteByID(ctx context.Context, items []types.ScoredMemory) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(items))
	args := make([]interface{}, len(items))
	for i, it := range items {
		placeholders[i] = "?"
		args[i] = it.ID
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM memories WHERE id IN (%s)", strings.Join(placeholders, ",")), args...)
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
		pinned       int
		personRef    sql.NullString
	)
	err := row.Scan(
		&item.ID, &subjectType, &item.Subject.ID, &item.Text, &tags,
		&item.Importance, &item.DecayDays, &item.LastUpdated, &lastAccessed,
		&item.NReinforced, &pinned, &item.Source, &personRef,
	)
	if err != nil {
		return nil, err
	}
	item.Subject.Type = types.SubjectType(subjectType)
	item.Tags = stringToTags(tags)
	item.LastAccessed = timeOrNil(lastAccessed)
	item.Pinned = pinned == 1
	item.PersonRef = stringOrEmpty(personRef)
	return &item, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
