// Package types defines the core data model of the memory engine: scopes,
// entries, versions, tags, relations, embeddings and the query/result
// contracts that the storage and query layers pass around.
package types

import "time"

// ScopeType identifies where in the scope tree a resource lives.
type ScopeType string

const (
	ScopeGlobal  ScopeType = "global"
	ScopeOrg     ScopeType = "org"
	ScopeProject ScopeType = "project"
	ScopeSession ScopeType = "session"
)

// IsValid reports whether s is one of the four known scope types.
func (s ScopeType) IsValid() bool {
	switch s {
	case ScopeGlobal, ScopeOrg, ScopeProject, ScopeSession:
		return true
	}
	return false
}

// Scope identifies a single node in the scope tree: a type plus, for every
// type except global, the id of the resource at that level.
type Scope struct {
	Type ScopeType
	ID   string // empty iff Type == ScopeGlobal
}

// Global is the well-known root scope.
var Global = Scope{Type: ScopeGlobal}

// String returns a stable key for s, used as a cache-invalidation index
// key (§4.H) and in error messages.
func (s Scope) String() string {
	if s.Type == ScopeGlobal {
		return "global"
	}
	return string(s.Type) + ":" + s.ID
}

// Organization groups projects under a single tenant.
type Organization struct {
	ID        string
	Name      string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Project is a unit of work, optionally owned by an organization.
type Project struct {
	ID          string
	OrgID       *string
	Name        string
	Description string
	RootPath    string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionDiscarded SessionStatus = "discarded"
)

// IsValid reports whether s is a recognized session status.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionActive, SessionPaused, SessionCompleted, SessionDiscarded:
		return true
	}
	return false
}

// Session is a bounded unit of agent activity, nested under a project.
type Session struct {
	ID        string
	ProjectID *string
	Name      string
	Purpose   string
	AgentID   string
	Status    SessionStatus
	StartedAt time.Time
	EndedAt   *time.Time
}

// ParentResolver looks up the parent scope of a session or project for
// ExpandChain's scope-inheritance walk in §4.A:
// session -> project -> org -> global. An org's parent is always global,
// so it needs no lookup. Levels whose parent link is absent cause the
// chain to collapse straight to global.
type ParentResolver interface {
	// ProjectOrg returns the org scope that owns projectID, or Global if
	// the project has no org.
	ProjectOrg(projectID string) (Scope, error)
	// SessionProject returns the project scope that owns sessionID, or
	// Global if the session has no project.
	SessionProject(sessionID string) (Scope, error)
}

// ExpandChain computes the ordered inheritance chain for s, per §4.A
// algorithm 1-2. The returned slice always ends in Global and is ordered
// from most specific to least specific.
func ExpandChain(s Scope, resolve ParentResolver) ([]Scope, error) {
	chain := []Scope{s}
	cur := s
	for cur.Type != ScopeGlobal {
		var parent Scope
		var err error
		switch cur.Type {
		case ScopeSession:
			parent, err = resolve.SessionProject(cur.ID)
		case ScopeProject:
			parent, err = resolve.ProjectOrg(cur.ID)
		case ScopeOrg:
			parent = Global
		default:
			parent = Global
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, parent)
		cur = parent
	}
	return chain, nil
}

// SpecificityRank orders scope types from most specific (0) to least
// specific (3), used as the primary tie-breaker in §4.F stage 6.
func SpecificityRank(t ScopeType) int {
	switch t {
	case ScopeSession:
		return 0
	case ScopeProject:
		return 1
	case ScopeOrg:
		return 2
	default:
		return 3
	}
}
