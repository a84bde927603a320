package types

import "time"

// TagCategory buckets a tag for display and filtering purposes.
type TagCategory string

const (
	TagCatLanguage TagCategory = "language"
	TagCatDomain   TagCategory = "domain"
	TagCatCategory TagCategory = "category"
	TagCatMeta     TagCategory = "meta"
	TagCatCustom   TagCategory = "custom"
)

// Tag is a globally unique label that can be attached to any entry.
type Tag struct {
	ID           string
	Name         string
	Category     TagCategory
	IsPredefined bool
}

// EntryTag is a single (entry, tag) attachment.
type EntryTag struct {
	EntryType EntryKind
	EntryID   string
	TagID     string
}

// RelationType is the typed label on a directed edge between two entries.
type RelationType string

const (
	RelAppliesTo  RelationType = "applies_to"
	RelDependsOn  RelationType = "depends_on"
	RelConflicts  RelationType = "conflicts_with"
	RelRelatedTo  RelationType = "related_to"
	RelParentTask RelationType = "parent_task"
	RelSubtaskOf  RelationType = "subtask_of"
)

// IsValid reports whether t is one of the six known relation types.
func (t RelationType) IsValid() bool {
	switch t {
	case RelAppliesTo, RelDependsOn, RelConflicts, RelRelatedTo, RelParentTask, RelSubtaskOf:
		return true
	}
	return false
}

// ForbidsSelfLoop reports whether a relation of this type from an entry to
// itself is invalid, per §4.B.
func (t RelationType) ForbidsSelfLoop() bool {
	switch t {
	case RelDependsOn, RelParentTask, RelSubtaskOf:
		return true
	}
	return false
}

// ParticipatesInHierarchy reports whether this relation type is one of the
// two task-hierarchy types. The cycle check in CreateRelation applies to
// every ForbidsSelfLoop type, depends_on included.
func (t RelationType) ParticipatesInHierarchy() bool {
	return t == RelParentTask || t == RelSubtaskOf
}

// EntryRelation is a directed, typed edge between two entries.
type EntryRelation struct {
	ID           string
	SourceType   EntryKind
	SourceID     string
	TargetType   EntryKind
	TargetID     string
	RelationType RelationType
	CreatedAt    time.Time
}

// TagFilter expresses the three-set tag predicate from §4.B: entries must
// carry at least one of Include (if non-empty), all of Require, and none
// of Exclude.
type TagFilter struct {
	Include []string
	Require []string
	Exclude []string
}

// IsEmpty reports whether the filter constrains nothing.
func (f TagFilter) IsEmpty() bool {
	return len(f.Include) == 0 && len(f.Require) == 0 && len(f.Exclude) == 0
}
