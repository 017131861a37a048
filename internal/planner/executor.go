package planner

import (
	"context"
	"log"
	"strings"

	"github.com/ogyrec-o/rune-companion/internal/storage"
	"github.com/ogyrec-o/rune-companion/pkg/types"
)

// DialogContext carries the identity of the conversation a plan was produced
// for. Transcript is the dialog text evidence quotes must come from.
type DialogContext struct {
	UserID     string
	RoomID     string
	Transcript string
}

// secretKeywords blocks credential-shaped fact values regardless of what the
// planning model claims about them.
var secretKeywords = []string{
	"password",
	"пароль",
	"api key",
	"apikey",
	"secret",
	"token",
	"ключ",
	"private key",
	"seed phrase",
	"mnemonic",
}

func looksLikeSecret(text string) bool {
	t := strings.ToLower(text)
	for _, kw := range secretKeywords {
		if strings.Contains(t, kw) {
			return true
		}
	}
	return false
}

// normalizeForMatch lowercases and collapses whitespace so evidence matching
// survives casing and formatting drift.
func normalizeForMatch(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// evidenceMatches reports whether evidence is a direct quote from the
// transcript.
func evidenceMatches(evidence, transcript string) bool {
	ev := normalizeForMatch(evidence)
	if ev == "" || transcript == "" {
		return false
	}
	return strings.Contains(normalizeForMatch(transcript), ev)
}

// Report summarises one plan application.
type Report struct {
	Applied int
	Skipped int
	Failed  int
}

// Options tune an Executor.
type Options struct {
	// FactKeyAllowlist restricts which fact keys plans may touch. Empty
	// means any key is allowed.
	FactKeyAllowlist []string
}

// Executor applies parsed plans against the stores. Every op is independent:
// a failing op is logged and counted, never propagated.
type Executor struct {
	recall    *storage.Recall
	memories  storage.MemoryStore
	facts     storage.FactStore
	tasks     storage.TaskStore
	allowlist map[string]struct{}
}

// NewExecutor wires an executor to the stores. tasks may be nil, in which
// case task_add ops are skipped.
func NewExecutor(recall *storage.Recall, memories storage.MemoryStore, facts storage.FactStore, tasks storage.TaskStore, opts Options) *Executor {
	e := &Executor{
		recall:   recall,
		memories: memories,
		facts:    facts,
		tasks:    tasks,
	}
	if len(opts.FactKeyAllowlist) > 0 {
		e.allowlist = make(map[string]struct{}, len(opts.FactKeyAllowlist))
		for _, k := range opts.FactKeyAllowlist {
			k = strings.ToLower(strings.TrimSpace(k))
			if k != "" {
				e.allowlist[k] = struct{}{}
			}
		}
	}
	return e
}

func (e *Executor) factKeyAllowed(key string) bool {
	if e.allowlist == nil {
		return true
	}
	_, ok := e.allowlist[key]
	return ok
}

// resolveSubject fills a missing subject id from the dialog context:
// user/relationship ops default to the speaking user, room ops to the
// current room, global ops to the shared sentinel.
func resolveSubject(subject types.Subject, dctx DialogContext) (types.Subject, bool) {
	if subject.ID != "" {
		return subject, true
	}
	switch subject.Type {
	case types.SubjectUser, types.SubjectRelationship:
		subject.ID = dctx.UserID
	case types.SubjectRoom:
		subject.ID = dctx.RoomID
	default:
		subject.ID = types.GlobalSubjectID
	}
	return subject, subject.ID != ""
}

func personRefFor(subject types.Subject) string {
	if subject.Type == types.SubjectUser || subject.Type == types.SubjectRelationship {
		return "user:" + subject.ID
	}
	return ""
}

// Apply runs every op in the plan. Ops dropped at parse time are carried
// into the report's Skipped count.
func (e *Executor) Apply(ctx context.Context, plan *Plan, dctx DialogContext) Report {
	report := Report{Skipped: plan.Skipped}

	for _, op := range plan.Ops {
		switch o := op.(type) {
		case AddMemoryOp:
			e.applyAddMemory(ctx, o, dctx, &report)
		case UpdateMemoryOp:
			e.applyUpdateMemory(ctx, o, dctx, &report)
		case DeleteMemoryOp:
			if err := e.memories.DeleteMemory(ctx, o.ID); err != nil {
				log.Printf("planner: delete memory id=%d failed: %v", o.ID, err)
				report.Failed++
				continue
			}
			report.Applied++
		case SetFactOp:
			e.applySetFact(ctx, o, dctx, &report)
		case AddFactValueOp:
			e.applyAddFactValue(ctx, o, dctx, &report)
		case RemoveFactValueOp:
			e.applyRemoveFactValue(ctx, o, dctx, &report)
		case DeleteFactOp:
			e.applyDeleteFact(ctx, o, dctx, &report)
		case AddTaskOp:
			e.applyAddTask(ctx, o, &report)
		default:
			report.Skipped++
		}
	}
	return report
}

func (e *Executor) applyAddMemory(ctx context.Context, op AddMemoryOp, dctx DialogContext, report *Report) {
	if !evidenceMatches(op.Evidence, dctx.Transcript) {
		log.Printf("planner: skipping add, evidence not found in transcript")
		report.Skipped++
		return
	}
	if looksLikeSecret(op.Text) {
		log.Printf("planner: skipping add, note text looks like a secret")
		report.Skipped++
		return
	}
	subject, ok := resolveSubject(op.Subject, dctx)
	if !ok {
		log.Printf("planner: skipping add, no subject id for type %s", op.Subject.Type)
		report.Skipped++
		return
	}

	importance := op.Importance
	note := storage.Note{Importance: &importance, Tags: op.Tags, Source: op.Source}

	var err error
	switch subject.Type {
	case types.SubjectUser:
		_, err = e.recall.RememberUserFact(ctx, subject.ID, op.Text, note)
	case types.SubjectRoom:
		_, err = e.recall.RememberRoomFact(ctx, subject.ID, op.Text, note)
	case types.SubjectRelationship:
		_, err = e.recall.RememberRelationshipFact(ctx, subject.ID, op.Text, note)
	default:
		_, err = e.recall.RememberGlobalFact(ctx, op.Text, note)
	}
	if err != nil {
		log.Printf("planner: add memory failed subject=%s/%s: %v", subject.Type, subject.ID, err)
		report.Failed++
		return
	}
	report.Applied++
}

func (e *Executor) applyUpdateMemory(ctx context.Context, op UpdateMemoryOp, dctx DialogContext, report *Report) {
	// A text change rewrites a remembered statement, so it faces the same
	// gates a fresh add would.
	if op.Text != nil {
		if !evidenceMatches(op.Evidence, dctx.Transcript) {
			log.Printf("planner: skipping update id=%d, text change without evidence", op.ID)
			report.Skipped++
			return
		}
		if looksLikeSecret(*op.Text) {
			log.Printf("planner: skipping update id=%d, note text looks like a secret", op.ID)
			report.Skipped++
			return
		}
	}

	params := storage.UpdateMemoryParams{
		Text:       op.Text,
		Tags:       op.Tags,
		Importance: op.Importance,
		PersonRef:  op.PersonRef,
	}
	if params.Text == nil && params.Tags == nil && params.Importance == nil && params.PersonRef == nil {
		report.Skipped++
		return
	}
	if err := e.memories.UpdateMemory(ctx, op.ID, params); err != nil {
		log.Printf("planner: update memory id=%d failed: %v", op.ID, err)
		report.Failed++
		return
	}
	report.Applied++
}

func (e *Executor) applySetFact(ctx context.Context, op SetFactOp, dctx DialogContext, report *Report) {
	if !e.factKeyAllowed(op.Key) {
		log.Printf("planner: skipping fact_set, key %q not allowed", op.Key)
		report.Skipped++
		return
	}
	if !evidenceMatches(op.Evidence, dctx.Transcript) {
		log.Printf("planner: skipping fact_set key=%s, evidence not found", op.Key)
		report.Skipped++
		return
	}
	if looksLikeSecret(op.Value.String()) {
		log.Printf("planner: skipping fact_set key=%s, value looks like a secret", op.Key)
		report.Skipped++
		return
	}
	subject, ok := resolveSubject(op.Subject, dctx)
	if !ok {
		report.Skipped++
		return
	}

	outcome, err := e.facts.UpsertFact(ctx, storage.UpsertFactParams{
		Subject:    subject,
		Key:        op.Key,
		Value:      op.Value,
		Tags:       op.Tags,
		Confidence: op.Confidence,
		Source:     op.Source,
		Evidence:   op.Evidence,
		PersonRef:  personRefFor(subject),
	})
	if err != nil {
		log.Printf("planner: fact_set key=%s failed: %v", op.Key, err)
		report.Failed++
		return
	}
	log.Printf("planner: fact_set key=%s subject=%s/%s outcome=%s", op.Key, subject.Type, subject.ID, outcome)
	report.Applied++
}

func (e *Executor) applyAddFactValue(ctx context.Context, op AddFactValueOp, dctx DialogContext, report *Report) {
	if !e.factKeyAllowed(op.Key) {
		log.Printf("planner: skipping fact_add_value, key %q not allowed", op.Key)
		report.Skipped++
		return
	}
	if !evidenceMatches(op.Evidence, dctx.Transcript) {
		log.Printf("planner: skipping fact_add_value key=%s, evidence not found", op.Key)
		report.Skipped++
		return
	}
	if looksLikeSecret(op.Value) {
		log.Printf("planner: skipping fact_add_value key=%s, value looks like a secret", op.Key)
		report.Skipped++
		return
	}
	subject, ok := resolveSubject(op.Subject, dctx)
	if !ok {
		report.Skipped++
		return
	}

	_, err := e.facts.AddFactValue(ctx, storage.UpsertFactParams{
		Subject:    subject,
		Key:        op.Key,
		Value:      types.ScalarValue(op.Value),
		Tags:       op.Tags,
		Confidence: op.Confidence,
		Source:     op.Source,
		Evidence:   op.Evidence,
		PersonRef:  personRefFor(subject),
	})
	if err != nil {
		log.Printf("planner: fact_add_value key=%s failed: %v", op.Key, err)
		report.Failed++
		return
	}
	report.Applied++
}

func (e *Executor) applyRemoveFactValue(ctx context.Context, op RemoveFactValueOp, dctx DialogContext, report *Report) {
	if !e.factKeyAllowed(op.Key) {
		log.Printf("planner: skipping fact_remove_value, key %q not allowed", op.Key)
		report.Skipped++
		return
	}
	if !evidenceMatches(op.Evidence, dctx.Transcript) {
		log.Printf("planner: skipping fact_remove_value key=%s, evidence not found", op.Key)
		report.Skipped++
		return
	}
	if looksLikeSecret(op.Value) {
		log.Printf("planner: skipping fact_remove_value key=%s, value looks like a secret", op.Key)
		report.Skipped++
		return
	}
	subject, ok := resolveSubject(op.Subject, dctx)
	if !ok {
		report.Skipped++
		return
	}

	if _, err := e.facts.RemoveFactValue(ctx, subject, op.Key, op.Value, op.Source); err != nil {
		log.Printf("planner: fact_remove_value key=%s failed: %v", op.Key, err)
		report.Failed++
		return
	}
	report.Applied++
}

func (e *Executor) applyDeleteFact(ctx context.Context, op DeleteFactOp, dctx DialogContext, report *Report) {
	if !e.factKeyAllowed(op.Key) {
		log.Printf("planner: skipping fact_delete, key %q not allowed", op.Key)
		report.Skipped++
		return
	}
	subject, ok := resolveSubject(op.Subject, dctx)
	if !ok {
		report.Skipped++
		return
	}

	if err := e.facts.DeleteFact(ctx, subject, op.Key); err != nil {
		log.Printf("planner: fact_delete key=%s failed: %v", op.Key, err)
		report.Failed++
		return
	}
	report.Applied++
}

func (e *Executor) applyAddTask(ctx context.Context, op AddTaskOp, report *Report) {
	if e.tasks == nil {
		report.Skipped++
		return
	}
	_, err := e.tasks.AddTask(ctx, storage.AddTaskParams{
		Kind:          op.Kind,
		Description:   op.Description,
		FromUserID:    op.FromUserID,
		ToUserID:      op.ToUserID,
		ReplyToUserID: op.ReplyToUserID,
		RoomID:        op.RoomID,
		DueAt:         op.DueAt,
		Importance:    op.Importance,
		Meta:          op.Meta,
		QuestionText:  op.QuestionText,
	})
	if err != nil {
		log.Printf("planner: task_add kind=%s failed: %v", op.Kind, err)
		report.Failed++
		return
	}
	report.Applied++
}
