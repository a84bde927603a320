package types

import "testing"

func TestEntryValidate(t *testing.T) {
	tests := []struct {
		name    string
		entry   Entry
		wantErr bool
	}{
		{
			name: "valid global guideline",
			entry: Entry{
				Kind:      KindGuideline,
				ScopeType: ScopeGlobal,
				Name:      "use-tls",
			},
			wantErr: false,
		},
		{
			name: "global scope with scopeId is invalid",
			entry: Entry{
				Kind:      KindKnowledge,
				ScopeType: ScopeGlobal,
				ScopeID:   "org-1",
				Name:      "k",
			},
			wantErr: true,
		},
		{
			name: "project scope without scopeId is invalid",
			entry: Entry{
				Kind:      KindTool,
				ScopeType: ScopeProject,
				Name:      "t",
			},
			wantErr: true,
		},
		{
			name: "empty string scopeId is invalid, not treated as global",
			entry: Entry{
				Kind:      KindTool,
				ScopeType: ScopeSession,
				ScopeID:   "",
				Name:      "t",
			},
			wantErr: true,
		},
		{
			name: "priority on non-guideline is invalid",
			entry: Entry{
				Kind:      KindTool,
				ScopeType: ScopeGlobal,
				Name:      "t",
				Priority:  intPtr(1),
			},
			wantErr: true,
		},
		{
			name: "missing name is invalid",
			entry: Entry{
				Kind:      KindTool,
				ScopeType: ScopeGlobal,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if tt.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func intPtr(i int) *int { return &i }
