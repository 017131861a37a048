// Package planner applies memory and task plans produced by an upstream
// planning model. A plan is untrusted input: it is parsed once at the
// boundary into typed ops, and every write is gated on evidence quoted from
// the dialog transcript.
package planner

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ogyrec-o/rune-companion/pkg/types"
)

// Op is one validated plan operation. The concrete type identifies the
// action; all field coercion happens during parsing so executors never see
// raw JSON.
type Op interface {
	opName() string
}

// AddMemoryOp stores an unstructured note.
type AddMemoryOp struct {
	Subject    types.Subject // ID may be empty; the executor fills the default
	Text       string
	Evidence   string
	Importance float64
	Tags       []string
	Source     string
}

// UpdateMemoryOp partially updates a note by id. A text change requires
// evidence; metadata-only changes do not.
type UpdateMemoryOp struct {
	ID         int64
	Text       *string
	Evidence   string
	Tags       []string // nil means unchanged
	Importance *float64
	PersonRef  *string
}

// DeleteMemoryOp removes a note by id.
type DeleteMemoryOp struct {
	ID int64
}

// SetFactOp writes a structured slot.
type SetFactOp struct {
	Subject    types.Subject
	Key        string
	Value      types.FactValue
	Evidence   string
	Confidence float64
	Tags       []string
	Source     string
}

// AddFactValueOp appends one element to a multi-valued slot.
type AddFactValueOp struct {
	Subject    types.Subject
	Key        string
	Value      string
	Evidence   string
	Confidence float64
	Tags       []string
	Source     string
}

// RemoveFactValueOp removes one element from a multi-valued slot.
type RemoveFactValueOp struct {
	Subject  types.Subject
	Key      string
	Value    string
	Evidence string
	Source   string
}

// DeleteFactOp removes a slot. Evidence is optional for deletions.
type DeleteFactOp struct {
	Subject types.Subject
	Key     string
}

// AddTaskOp creates a scheduler task.
type AddTaskOp struct {
	Kind          string
	Description   string
	FromUserID    string
	ToUserID      string
	ReplyToUserID string
	RoomID        string
	Importance    float64
	DueAt         *time.Time
	Meta          map[string]string
	QuestionText  string
}

func (AddMemoryOp) opName() string       { return "add" }
func (UpdateMemoryOp) opName() string    { return "update" }
func (DeleteMemoryOp) opName() string    { return "delete" }
func (SetFactOp) opName() string         { return "fact_set" }
func (AddFactValueOp) opName() string    { return "fact_add_value" }
func (RemoveFactValueOp) opName() string { return "fact_remove_value" }
func (DeleteFactOp) opName() string      { return "fact_delete" }
func (AddTaskOp) opName() string         { return "task_add" }

// Plan is the parsed form of one raw plan. Skipped counts ops dropped during
// parsing (unknown kind, malformed JSON, missing required fields).
type Plan struct {
	Ops     []Op
	Skipped int
}

// opAliases maps the kind spellings planning models actually emit onto the
// canonical set.
var opAliases = map[string]string{
	"add_memory":    "add",
	"memory_add":    "add",
	"remember":      "add",
	"update_memory": "update",
	"memory_update": "update",
	"delete_memory": "delete",
	"memory_delete": "delete",
	"forget":        "delete",
	"add_task":      "task_add",
	"task_create":   "task_add",
	"task":          "task_add",
	"slot_set":      "fact_set",
	"fact_add":      "fact_add_value",
	"slot_add":      "fact_add_value",
	"slot_remove":   "fact_remove_value",
	"fact_remove":   "fact_remove_value",
}

func normalizeOpKind(kind string) string {
	s := strings.ToLower(strings.TrimSpace(kind))
	if canonical, ok := opAliases[s]; ok {
		return canonical
	}
	return s
}

// rawOp is the loosely typed wire form of one op. Interface-typed fields
// absorb the type drift planning models produce.
type rawOp struct {
	Op            string        `json:"op"`
	ID            json.Number   `json:"id"`
	SubjectType   string        `json:"subject_type"`
	SubjectID     string        `json:"subject_id"`
	Text          *string       `json:"text"`
	Key           string        `json:"key"`
	Value         interface{}   `json:"value"`
	Evidence      string        `json:"evidence"`
	Importance    *float64      `json:"importance"`
	Confidence    *float64      `json:"confidence"`
	Tags          []interface{} `json:"tags"`
	Source        string        `json:"source"`
	PersonRef     *string       `json:"person_ref"`
	Kind          string        `json:"kind"`
	Description   string        `json:"description"`
	FromUserID    string        `json:"from_user_id"`
	ToUserID      string        `json:"to_user_id"`
	ReplyToUserID string        `json:"reply_to_user_id"`
	RoomID        string        `json:"room_id"`
	DueAt         string        `json:"due_at"`
	Meta          map[string]string `json:"meta"`
	QuestionText  string        `json:"question_text"`
}

func (r *rawOp) subject() types.Subject {
	return types.Subject{
		Type: types.NormalizeSubjectType(r.SubjectType),
		ID:   strings.TrimSpace(r.SubjectID),
	}
}

func (r *rawOp) tags() []string {
	if r.Tags == nil {
		return nil
	}
	out := make([]string, 0, len(r.Tags))
	for _, t := range r.Tags {
		s := strings.TrimSpace(fmt.Sprint(t))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (r *rawOp) source() string {
	s := strings.TrimSpace(r.Source)
	if s == "" {
		return types.SourceAuto
	}
	return s
}

func (r *rawOp) confidence() float64 {
	if r.Confidence == nil {
		return 0.85
	}
	return *r.Confidence
}

func (r *rawOp) memoryID() (int64, bool) {
	id, err := r.ID.Int64()
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// valueToFact coerces a JSON value into a FactValue. Arrays become lists,
// everything else a scalar string.
func valueToFact(v interface{}) (types.FactValue, bool) {
	switch val := v.(type) {
	case nil:
		return types.FactValue{}, false
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return types.FactValue{}, false
		}
		return types.ScalarValue(s), true
	case []interface{}:
		elems := make([]string, 0, len(val))
		for _, e := range val {
			s := strings.TrimSpace(fmt.Sprint(e))
			if s != "" {
				elems = append(elems, s)
			}
		}
		if len(elems) == 0 {
			return types.FactValue{}, false
		}
		return types.ListValue(elems...), true
	default:
		return types.ScalarValue(fmt.Sprint(val)), true
	}
}

// scalarValueString coerces a JSON value into the single element add/remove
// ops operate on.
func scalarValueString(v interface{}) (string, bool) {
	if v == nil {
		return "", false
	}
	if _, isList := v.([]interface{}); isList {
		return "", false
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	return s, s != ""
}

// ExtractJSONObject trims a raw model reply down to its outermost JSON
// object, tolerating stray prose around it.
func ExtractJSONObject(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}") {
		return raw
	}
	first := strings.Index(raw, "{")
	last := strings.LastIndex(raw, "}")
	if first != -1 && last > first {
		return raw[first : last+1]
	}
	return raw
}

// ParsePlan decodes a raw plan into typed ops. The plan envelope must be a
// JSON object with an "ops" array; a malformed envelope is an error, while a
// malformed individual op is skipped so one bad op never sinks the plan.
func ParsePlan(raw []byte) (*Plan, error) {
	var envelope struct {
		Ops []json.RawMessage `json:"ops"`
	}
	if err := json.Unmarshal([]byte(ExtractJSONObject(string(raw))), &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse plan envelope: %w", err)
	}

	plan := &Plan{}
	for _, rawMsg := range envelope.Ops {
		op, ok := parseOp(rawMsg)
		if !ok {
			plan.Skipped++
			continue
		}
		plan.Ops = append(plan.Ops, op)
	}
	return plan, nil
}

func parseOp(raw json.RawMessage) (Op, bool) {
	var r rawOp
	if err := json.Unmarshal(raw, &r); err != nil {
		log.Printf("planner: skipping malformed op: %v", err)
		return nil, false
	}

	kind := normalizeOpKind(r.Op)
	switch kind {
	case "add":
		if r.Text == nil || strings.TrimSpace(*r.Text) == "" {
			log.Printf("planner: skipping add without text")
			return nil, false
		}
		importance := 0.7
		if r.Importance != nil {
			importance = *r.Importance
		}
		return AddMemoryOp{
			Subject:    r.subject(),
			Text:       strings.TrimSpace(*r.Text),
			Evidence:   strings.TrimSpace(r.Evidence),
			Importance: importance,
			Tags:       r.tags(),
			Source:     r.source(),
		}, true

	case "update":
		id, ok := r.memoryID()
		if !ok {
			log.Printf("planner: skipping update without valid id")
			return nil, false
		}
		op := UpdateMemoryOp{
			ID:         id,
			Evidence:   strings.TrimSpace(r.Evidence),
			Tags:       r.tags(),
			Importance: r.Importance,
			PersonRef:  r.PersonRef,
		}
		if r.Text != nil {
			text := strings.TrimSpace(*r.Text)
			if text == "" {
				log.Printf("planner: skipping update with empty text")
				return nil, false
			}
			op.Text = &text
		}
		return op, true

	case "delete":
		id, ok := r.memoryID()
		if !ok {
			log.Printf("planner: skipping delete without valid id")
			return nil, false
		}
		return DeleteMemoryOp{ID: id}, true

	case "fact_set":
		key := strings.ToLower(strings.TrimSpace(r.Key))
		value, ok := valueToFact(r.Value)
		if key == "" || !ok {
			log.Printf("planner: skipping fact_set without key or value")
			return nil, false
		}
		return SetFactOp{
			Subject:    r.subject(),
			Key:        key,
			Value:      value,
			Evidence:   strings.TrimSpace(r.Evidence),
			Confidence: r.confidence(),
			Tags:       r.tags(),
			Source:     r.source(),
		}, true

	case "fact_add_value", "fact_remove_value":
		key := strings.ToLower(strings.TrimSpace(r.Key))
		value, ok := scalarValueString(r.Value)
		if key == "" || !ok {
			log.Printf("planner: skipping %s without key or scalar value", kind)
			return nil, false
		}
		if kind == "fact_add_value" {
			return AddFactValueOp{
				Subject:    r.subject(),
				Key:        key,
				Value:      value,
				Evidence:   strings.TrimSpace(r.Evidence),
				Confidence: r.confidence(),
				Tags:       r.tags(),
				Source:     r.source(),
			}, true
		}
		return RemoveFactValueOp{
			Subject:  r.subject(),
			Key:      key,
			Value:    value,
			Evidence: strings.TrimSpace(r.Evidence),
			Source:   r.source(),
		}, true

	case "fact_delete":
		key := strings.ToLower(strings.TrimSpace(r.Key))
		if key == "" {
			log.Printf("planner: skipping fact_delete without key")
			return nil, false
		}
		return DeleteFactOp{Subject: r.subject(), Key: key}, true

	case "task_add":
		taskKind := strings.TrimSpace(r.Kind)
		description := strings.TrimSpace(r.Description)
		if taskKind == "" || description == "" {
			log.Printf("planner: skipping task_add without kind or description")
			return nil, false
		}
		op := AddTaskOp{
			Kind:          taskKind,
			Description:   description,
			FromUserID:    strings.TrimSpace(r.FromUserID),
			ToUserID:      strings.TrimSpace(r.ToUserID),
			ReplyToUserID: strings.TrimSpace(r.ReplyToUserID),
			RoomID:        strings.TrimSpace(r.RoomID),
			Meta:          r.Meta,
			QuestionText:  strings.TrimSpace(r.QuestionText),
		}
		if r.Importance != nil {
			op.Importance = *r.Importance
		}
		if due := strings.TrimSpace(r.DueAt); due != "" {
			if t, err := time.Parse(time.RFC3339, due); err == nil {
				op.DueAt = &t
			}
		}
		return op, true

	default:
		log.Printf("planner: ignoring unknown op kind %q", r.Op)
		return nil, false
	}
}
