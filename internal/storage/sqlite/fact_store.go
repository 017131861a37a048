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

// FactStore implements storage.FactStore using SQLite.
//
// The (subject, key) uniqueness invariant is enforced twice: by upsert
// semantics inside a transaction and by a unique index as a backstop.
type FactStore struct {
	db     *sql.DB
	params relevance.Params
	floor  float64
}

// FactStoreOptions tune the relevance policy of a FactStore.
type FactStoreOptions struct {
	Relevance     relevance.Params
	EvictionFloor float64
}

// DefaultFactStoreOptions returns the stock policy: default half-life mapping
// and a 0.05 eviction floor.
func DefaultFactStoreOptions() FactStoreOptions {
	return FactStoreOptions{Relevance: relevance.DefaultParams(), EvictionFloor: 0.05}
}

// NewFactStore creates a fact store over an opened database handle.
func NewFactStore(db *sql.DB, opts FactStoreOptions) *FactStore {
	if opts.EvictionFloor <= 0 {
		opts.EvictionFloor = 0.05
	}
	if opts.Relevance == (relevance.Params{}) {
		opts.Relevance = relevance.DefaultParams()
	}
	return &FactStore{db: db, params: opts.Relevance, floor: opts.EvictionFloor}
}

const factColumns = `id, subject_type, subject_id, key, value, tags, confidence,
	decay_days, last_updated, last_accessed, n_reinforced, pinned, source, evidence, person_ref`

// normalizeKey lowercases and trims a fact key.
func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// factRow is the subset of columns the conflict policy needs.
type factRow struct {
	id         int64
	value      string
	tags       string
	confidence float64
	decayDays  float64
	source     string
	pinned     int
}

func (s *FactStore) loadForWrite(ctx context.Context, tx *sql.Tx, subject types.Subject, key string) (*factRow, error) {
	var row factRow
	err := tx.QueryRowContext(ctx, `
		SELECT id, value, tags, confidence, decay_days, source, pinned
		FROM facts
		WHERE subject_type = ? AND subject_id = ? AND key = ?
	`, string(subject.Type), subject.ID, key).Scan(
		&row.id, &row.value, &row.tags, &row.confidence, &row.decayDays, &row.source, &row.pinned,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *FactStore) validateWrite(p *storage.UpsertFactParams) error {
	p.Key = normalizeKey(p.Key)
	if p.Key == "" {
		return fmt.Errorf("%w: fact key is required", storage.ErrInvalidInput)
	}
	if !p.Subject.Valid() {
		return fmt.Errorf("%w: fact subject is required", storage.ErrInvalidInput)
	}
	if p.Source == "" {
		p.Source = types.SourceAuto
	}
	p.Confidence = relevance.Clamp01(p.Confidence)
	return nil
}

func (s *FactStore) insertFact(ctx context.Context, tx *sql.Tx, p storage.UpsertFactParams, now time.Time) error {
	pinned := p.Pinned || relevance.IsPinnedBy(p.Source, p.Tags)
	decayDays := p.DecayDays
	if decayDays <= 0 {
		decayDays = s.params.FactDecayDays(p.Confidence, p.Tags, p.Source)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO facts (
			subject_type, subject_id, key, value, tags, confidence,
			decay_days, last_updated, n_reinforced, pinned, source, evidence, person_ref
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, string(p.Subject.Type), p.Subject.ID, p.Key, p.Value.Encode(), tagsToString(p.Tags),
		p.Confidence, relevance.ClampDecayDays(decayDays), now,
		boolToInt(pinned), p.Source, p.Evidence, nullableString(p.PersonRef))
	return err
}

// mergeMetadata folds the incoming metadata into an existing row without
// touching the stored value: tags union, confidence max, decay max, source by
// priority, reinforcement +1, timestamp refresh. Evidence is replaced only
// when the incoming op carries one.
func (s *FactStore) mergeMetadata(ctx context.Context, tx *sql.Tx, existing *factRow, p storage.UpsertFactParams, now time.Time, newValue string) error {
	mergedTags := unionTags(existing.tags, tagsToString(p.Tags))
	mergedConfidence := p.Confidence
	if existing.confidence > mergedConfidence {
		mergedConfidence = existing.confidence
	}
	incomingDecay := p.DecayDays
	if incomingDecay <= 0 {
		incomingDecay = s.params.FactDecayDays(p.Confidence, p.Tags, p.Source)
	}
	mergedDecay := relevance.ClampDecayDays(incomingDecay)
	if existing.decayDays > mergedDecay {
		mergedDecay = existing.decayDays
	}
	mergedSource := types.HigherPrioritySource(existing.source, p.Source)
	mergedPinned := existing.pinned == 1 || p.Pinned || relevance.IsPinnedBy(p.Source, p.Tags)

	value := existing.value
	if newValue != "" {
		value = newValue
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE facts
		SET value = ?, tags = ?, confidence = ?, decay_days = ?, source = ?, pinned = ?,
		    n_reinforced = n_reinforced + 1, last_updated = ?,
		    evidence = CASE WHEN ? != '' THEN ? ELSE evidence END,
		    person_ref = COALESCE(?, person_ref)
		WHERE id = ?
	`, value, mergedTags, mergedConfidence, mergedDecay, mergedSource, boolToInt(mergedPinned),
		now, p.Evidence, p.Evidence, nullableString(p.PersonRef), existing.id)
	return err
}

// UpsertFact enforces the per-(subject, key) uniqueness invariant with the
// source-priority conflict policy described in the package docs.
func (s *FactStore) UpsertFact(ctx context.Context, p storage.UpsertFactParams) (storage.FactWriteOutcome, error) {
	if err := s.validateWrite(&p); err != nil {
		return storage.FactUnchanged, err
	}

	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.FactUnchanged, fmt.Errorf("failed to begin upsert transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.loadForWrite(ctx, tx, p.Subject, p.Key)
	if err != nil {
		return storage.FactUnchanged, fmt.Errorf("failed to look up fact: %w", err)
	}

	outcome := storage.FactInserted
	switch {
	case existing == nil:
		if err := s.insertFact(ctx, tx, p, now); err != nil {
			return storage.FactUnchanged, fmt.Errorf("failed to insert fact: %w", err)
		}

	case existing.value == p.Value.Encode():
		// Same value restated: pure reinforcement.
		if err := s.mergeMetadata(ctx, tx, existing, p, now, ""); err != nil {
			return storage.FactUnchanged, fmt.Errorf("failed to merge fact: %w", err)
		}
		outcome = storage.FactMerged

	case types.SourcePriority(p.Source) >= types.SourcePriority(existing.source):
		if err := s.mergeMetadata(ctx, tx, existing, p, now, p.Value.Encode()); err != nil {
			return storage.FactUnchanged, fmt.Errorf("failed to overwrite fact: %w", err)
		}
		outcome = storage.FactOverwritten

	default:
		// A lower-trust source must not clobber the stored value, but its
		// metadata still reinforces the slot.
		if err := s.mergeMetadata(ctx, tx, existing, p, now, ""); err != nil {
			return storage.FactUnchanged, fmt.Errorf("failed to merge rejected fact: %w", err)
		}
		outcome = storage.FactConflictRejected
		log.Printf("sqlite: fact write rejected by source priority key=%s subject=%s/%s new=%s existing=%s",
			p.Key, p.Subject.Type, p.Subject.ID, p.Source, existing.source)
	}

	if err := tx.Commit(); err != nil {
		return storage.FactUnchanged, fmt.Errorf("failed to commit fact upsert: %w", err)
	}
	return outcome, nil
}

// AddFactValue appends p.Value (which must be scalar: the element to add) to
// a multi-valued slot, creating the slot when missing.
func (s *FactStore) AddFactValue(ctx context.Context, p storage.UpsertFactParams) (storage.FactWriteOutcome, error) {
	if err := s.validateWrite(&p); err != nil {
		return storage.FactUnchanged, err
	}
	if p.Value.IsList() {
		return storage.FactUnchanged, fmt.Errorf("%w: add-value expects a scalar element", storage.ErrInvalidInput)
	}
	elem := p.Value.Scalar()
	if elem == "" {
		return storage.FactUnchanged, fmt.Errorf("%w: add-value element is required", storage.ErrInvalidInput)
	}

	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.FactUnchanged, fmt.Errorf("failed to begin add-value transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.loadForWrite(ctx, tx, p.Subject, p.Key)
	if err != nil {
		return storage.FactUnchanged, fmt.Errorf("failed to look up fact: %w", err)
	}

	var outcome storage.FactWriteOutcome
	switch {
	case existing == nil:
		p.Value = types.ListValue(elem)
		if err := s.insertFact(ctx, tx, p, now); err != nil {
			return storage.FactUnchanged, fmt.Errorf("failed to insert fact list: %w", err)
		}
		outcome = storage.FactInserted

	default:
		current, err := types.DecodeFactValue(existing.value)
		if err != nil {
			return storage.FactUnchanged, fmt.Errorf("failed to decode fact value: %w", err)
		}
		next := current.WithValue(elem)
		sameValue := next.Encode() == existing.value

		if !sameValue && types.SourcePriority(p.Source) < types.SourcePriority(existing.source) {
			if err := s.mergeMetadata(ctx, tx, existing, p, now, ""); err != nil {
				return storage.FactUnchanged, fmt.Errorf("failed to merge rejected add-value: %w", err)
			}
			outcome = storage.FactConflictRejected
			break
		}

		newValue := ""
		outcome = storage.FactMerged
		if !sameValue {
			newValue = next.Encode()
			outcome = storage.FactOverwritten
		}
		if err := s.mergeMetadata(ctx, tx, existing, p, now, newValue); err != nil {
			return storage.FactUnchanged, fmt.Errorf("failed to apply add-value: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.FactUnchanged, fmt.Errorf("failed to commit add-value: %w", err)
	}
	return outcome, nil
}

// RemoveFactValue removes one element from a multi-valued slot. The fact is
// deleted outright when the removal empties the list.
func (s *FactStore) RemoveFactValue(ctx context.Context, subject types.Subject, key, value, source string) (storage.FactWriteOutcome, error) {
	key = normalizeKey(key)
	if key == "" || !subject.Valid() {
		return storage.FactUnchanged, fmt.Errorf("%w: fact subject and key are required", storage.ErrInvalidInput)
	}
	if source == "" {
		source = types.SourceAuto
	}

	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.FactUnchanged, fmt.Errorf("failed to begin remove-value transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.loadForWrite(ctx, tx, subject, key)
	if err != nil {
		return storage.FactUnchanged, fmt.Errorf("failed to look up fact: %w", err)
	}
	if existing == nil {
		return storage.FactUnchanged, nil
	}

	if types.SourcePriority(source) < types.SourcePriority(existing.source) {
		log.Printf("sqlite: remove-value rejected by source priority key=%s new=%s existing=%s",
			key, source, existing.source)
		return storage.FactConflictRejected, nil
	}

	current, err := types.DecodeFactValue(existing.value)
	if err != nil {
		return storage.FactUnchanged, fmt.Errorf("failed to decode fact value: %w", err)
	}
	next, nonEmpty := current.WithoutValue(value)

	outcome := storage.FactOverwritten
	if nonEmpty {
		if next.Encode() == existing.value {
			return storage.FactUnchanged, nil
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE facts SET value = ?, last_updated = ? WHERE id = ?",
			next.Encode(), now, existing.id)
	} else {
		outcome = storage.FactDeleted
		_, err = tx.ExecContext(ctx, "DELETE FROM facts WHERE id = ?", existing.id)
	}
	if err != nil {
		return storage.FactUnchanged, fmt.Errorf("failed to apply remove-value: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.FactUnchanged, fmt.Errorf("failed to commit remove-value: %w", err)
	}
	return outcome, nil
}

// DeleteFact removes a slot unconditionally.
func (s *FactStore) DeleteFact(ctx context.Context, subject types.Subject, key string) error {
	key = normalizeKey(key)
	if key == "" || !subject.Valid() {
		return fmt.Errorf("%w: fact subject and key are required", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM facts WHERE subject_type = ? AND subject_id = ? AND key = ?",
		string(subject.Type), subject.ID, key)
	if err != nil {
		return fmt.Errorf("failed to delete fact: %w", err)
	}
	return nil
}

// GetFact retrieves a single slot.
func (s *FactStore) GetFact(ctx context.Context, subject types.Subject, key string) (*types.FactItem, error) {
	key = normalizeKey(key)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+factColumns+" FROM facts WHERE subject_type = ? AND subject_id = ? AND key = ?",
		string(subject.Type), subject.ID, key)
	item, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fact: %w", err)
	}
	return item, nil
}

// QueryFacts mirrors QueryMemories with confidence in place of importance.
func (s *FactStore) QueryFacts(ctx context.Context, q storage.FactQuery) ([]types.ScoredFact, error) {
	q.Normalize()

	sb := strings.Builder{}
	sb.WriteString("SELECT " + factColumns + " FROM facts WHERE 1=1")
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
	sb.WriteString(" ORDER BY confidence DESC, last_updated DESC LIMIT ?")
	args = append(args, q.CandidateLimit())

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()

	scored := make([]types.ScoredFact, 0, q.Limit)
	for rows.Next() {
		item, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		score := relevance.EffectiveScore(item.Confidence, q.Now, item.LastUpdated, item.DecayDays, item.Pinned)
		if !item.Pinned && score < s.floor {
			continue
		}
		scored = append(scored, types.ScoredFact{FactItem: *item, EffectiveScore: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate facts: %w", err)
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
		ids := make([]string, len(scored))
		args := make([]interface{}, 0, len(scored)+1)
		args = append(args, q.Now)
		for i, it := range scored {
			ids[i] = "?"
			args = append(args, it.ID)
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
			"UPDATE facts SET last_accessed = ?, n_reinforced = n_reinforced + 1 WHERE id IN (%s)",
			strings.Join(ids, ",")), args...); err != nil {
			log.Printf("sqlite: fact touch failed: %v", err)
		}
	}
	return scored, nil
}

// SweepExpired deletes non-pinned slots below the eviction floor.
func (s *FactStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, confidence, decay_days, last_updated
		FROM facts WHERE pinned = 0
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to load facts for sweep: %w", err)
	}
	defer rows.Close()

	var doomed []int64
	for rows.Next() {
		var (
			id          int64
			confidence  float64
			decayDays   float64
			lastUpdated time.Time
		)
		if err := rows.Scan(&id, &confidence, &decayDays, &lastUpdated); err != nil {
			return 0, fmt.Errorf("failed to scan fact for sweep: %w", err)
		}
		if relevance.EffectiveScore(confidence, now, lastUpdated, decayDays, false) < s.floor {
			doomed = append(doomed, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate facts for sweep: %w", err)
	}

	if len(doomed) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(doomed))
	args := make([]interface{}, len(doomed))
	for i, id := range doomed {
		placeholders[i] = "?"
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM facts WHERE id IN (%s)", strings.Join(placeholders, ",")), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired facts: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("sqlite: swept %d expired facts", n)
	}
	return int(n), nil
}

// CountFacts returns the total number of stored slots.
func (s *FactStore) CountFacts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM facts").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count facts: %w", err)
	}
	return n, nil
}

// Close is a no-op; the shared database handle is owned by the caller.
func (s *FactStore) Close() error { return nil }

func scanFact(row rowScanner) (*types.FactItem, error) {
	var (
		item         types.FactItem
		subjectType  string
		rawValue     string
		tags         string
		lastAccessed sql.NullTime
		pinned       int
		personRef    sql.NullString
	)
	err := row.Scan(
		&item.ID, &subjectType, &item.Subject.ID, &item.Key, &rawValue, &tags,
		&item.Confidence, &item.DecayDays, &item.LastUpdated, &lastAccessed,
		&item.NReinforced, &pinned, &item.Source, &item.Evidence, &personRef,
	)
	if err != nil {
		return nil, err
	}
	value, err := types.DecodeFactValue(rawValue)
	if err != nil {
		return nil, fmt.Errorf("decode fact value: %w", err)
	}
	item.Subject.Type = types.SubjectType(subjectType)
	item.Value = value
	item.Tags = stringToTags(tags)
	item.LastAccessed = timeOrNil(lastAccessed)
	item.Pinned = pinned == 1
	item.PersonRef = stringOrEmpty(personRef)
	return &item, nil
}
