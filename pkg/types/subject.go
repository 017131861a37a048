// Package types holds the domain model shared by the stores, the planner and
// the scheduler: subjects, memory items, fact slots and tasks.
package types

// SubjectType partitions memories and facts by what they describe.
type SubjectType string

const (
	// SubjectUser scopes an item to one user.
	SubjectUser SubjectType = "user"
	// SubjectRoom scopes an item to one room or conversation.
	SubjectRoom SubjectType = "room"
	// SubjectRelationship holds the companion's rapport with one user, kept
	// apart from plain facts about them.
	SubjectRelationship SubjectType = "relationship"
	// SubjectGlobal holds items not tied to any user or room.
	SubjectGlobal SubjectType = "global"
)

// GlobalSubjectID is the fixed id of the single global subject.
const GlobalSubjectID = "__GLOBAL__"

// Subject identifies what an item is about.
type Subject struct {
	Type SubjectType `json:"type"`
	ID   string      `json:"id"`
}

// Global returns the global subject.
func Global() Subject {
	return Subject{Type: SubjectGlobal, ID: GlobalSubjectID}
}

// NormalizeSubjectType maps loose subject-type labels from plans onto a
// SubjectType. Unknown or empty labels fall back to global.
func NormalizeSubjectType(raw string) SubjectType {
	switch SubjectType(raw) {
	case SubjectUser, SubjectRoom, SubjectRelationship, SubjectGlobal:
		return SubjectType(raw)
	}
	switch raw {
	case "chat", "channel":
		return SubjectRoom
	case "person", "speaker":
		return SubjectUser
	default:
		return SubjectGlobal
	}
}

// Valid reports whether the subject names a known type and a non-empty id.
func (s Subject) Valid() bool {
	switch s.Type {
	case SubjectUser, SubjectRoom, SubjectRelationship, SubjectGlobal:
		return s.ID != ""
	default:
		return false
	}
}
