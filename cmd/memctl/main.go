// Command memctl is the CLI front-end over the Handler Surface (§4.I):
// cobra commands for a subset of the operation contracts in §6, a shared
// --config flag, and a --json output mode for scripting.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memtree/memengine/internal/cache"
	"github.com/memtree/memengine/internal/capability"
	"github.com/memtree/memengine/internal/config"
	"github.com/memtree/memengine/internal/embedqueue"
	"github.com/memtree/memengine/internal/handler"
	"github.com/memtree/memengine/internal/querypipeline"
	"github.com/memtree/memengine/internal/storage"
	"github.com/memtree/memengine/internal/storage/sqlite"
	"github.com/memtree/memengine/internal/types"
)

var (
	configPath string
	jsonOutput bool
	agentID    string
	asAdmin    bool
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "memctl",
		Short: "memctl operates a scoped, versioned memory engine for autonomous agents",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a memctl.toml config file")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON output")
	root.PersistentFlags().StringVar(&agentID, "agent", "cli", "acting agent id for permission checks")
	root.PersistentFlags().BoolVar(&asAdmin, "admin", false, "present the admin credential for administrative operations")

	root.AddCommand(newQueryCmd())
	root.AddCommand(newEntryCmd())
	root.AddCommand(newTagCmd())
	root.AddCommand(newResolveCmd())
	root.AddCommand(newExportCmd())
	root.AddCommand(newImportCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newResetCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newServeCmd())
	return root
}

// app bundles a fully-wired Handler plus the resources that need
// closing, built fresh per invocation from --config (the same "open the
// store, run one command, close it" style cmd/bd uses).
type app struct {
	h     *handler.Handler
	queue *embedqueue.Queue
	close func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	store, err := sqlite.New(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	c, err := cache.New(cfg.CacheMaxEntries, cfg.CacheMaxBytes)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init cache: %w", err)
	}
	cursors := cache.NewCursorSigner(cfg.CursorSecret, cfg.CursorTTL)

	// No Classifier/Summarizer/Reranker/Embedder is wired by default: per
	// §1 these are injected capabilities, and the CLI ships without a
	// concrete LLM credential configured. Queries degrade to lexical-only
	// search (§7 CapabilityUnavailable) until a binary embeds
	// internal/capability/anthropicadapter or another provider.
	var embedder capability.Embedder = noopEmbedder{}
	queue := embedqueue.New(embedder, &versionReader{store}, &embeddingPersister{store}, cfg.EmbeddingConcurrency, cfg.EmbeddingQueueDepth, uint64(cfg.EmbeddingMaxRetries))

	closeFns := []func() error{store.Close}
	if cfg.NotifyNATSURL != "" {
		notifier, err := embedqueue.NewNATSNotifier(cfg.NotifyNATSURL, cfg.NotifyNATSSubject)
		if err != nil {
			// Per SPEC_FULL §3 the NATS transport is optional and must
			// never block correctness: log and continue without it.
			fmt.Fprintf(os.Stderr, "notify: %v (continuing without publish-on-complete)\n", err)
		} else {
			queue.SetNotifier(notifier)
			closeFns = append(closeFns, func() error { notifier.Close(); return nil })
		}
	}

	pipeline := querypipeline.New(store, c, cursors, nil, nil, cfg)
	h := handler.New(store, pipeline, queue, c, cfg)

	return &app{h: h, queue: queue, close: func() error {
		var firstErr error
		for _, fn := range closeFns {
			if err := fn(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}}, nil
}

// noopEmbedder keeps the embedding queue draining without a configured
// LLM credential; it never produces a usable vector, so query() always
// runs lexical-only until a real capability.Embedder is wired in.
type noopEmbedder struct{}

func (noopEmbedder) Embed(ctx context.Context, text string) ([]float32, string, error) {
	return nil, "", fmt.Errorf("no embedder configured")
}
func (noopEmbedder) Dimension() int { return 0 }

type versionReader struct{ store *sqlite.Store }

func (v *versionReader) CurrentVersionID(ctx context.Context, entryType types.EntryKind, entryID string) (string, error) {
	version, err := v.store.GetCurrentVersion(ctx, entryID)
	if err != nil {
		return "", err
	}
	return version.ID, nil
}

type embeddingPersister struct{ store *sqlite.Store }

func (p *embeddingPersister) PersistEmbedding(ctx context.Context, entryType types.EntryKind, entryID, versionID string, vector []float32, model string) error {
	return p.store.UpsertEmbedding(ctx, &types.Embedding{
		EntryType: entryType,
		EntryID:   entryID,
		VersionID: versionID,
		Vector:    vector,
		Model:     model,
	})
}

func (a *app) principal() handler.Principal {
	return handler.Principal{AgentID: agentID, IsAdmin: asAdmin}
}

func emit(v any) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return
	}
	fmt.Printf("%+v\n", v)
}

func newQueryCmd() *cobra.Command {
	var (
		scopeType string
		scopeID   string
		search    string
		inherit   bool
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "run a hybrid lexical+semantic query (§4.F)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.h.Query(cmd.Context(), a.principal(), types.QuerySpec{
				Scope:   types.Scope{Type: types.ScopeType(scopeType), ID: scopeID},
				Inherit: inherit,
				Search:  search,
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			emit(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&scopeType, "scope-type", "global", "scope type: global, org, project, session")
	cmd.Flags().StringVar(&scopeID, "scope-id", "", "scope id (empty for global)")
	cmd.Flags().StringVar(&search, "search", "", "free-text search or a field filter expression")
	cmd.Flags().BoolVar(&inherit, "inherit", true, "include ancestor scopes in the chain")
	cmd.Flags().IntVar(&limit, "limit", 20, "max results to return")
	return cmd
}

func newEntryCmd() *cobra.Command {
	entry := &cobra.Command{Use: "entry", Short: "manage tool/guideline/knowledge/experience entries (§6 Entries)"}
	entry.AddCommand(newEntryAddCmd())
	entry.AddCommand(newEntryGetCmd())
	entry.AddCommand(newEntryDeactivateCmd())
	entry.AddCommand(newEntryListCmd())
	return entry
}

func newEntryListCmd() *cobra.Command {
	var (
		kind            string
		category        string
		includeInactive bool
		limit           int
		offset          int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list entries matching a plain filter (§4.A listEntries)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			filter := storage.EntryFilter{Category: category, IncludeInactive: includeInactive}
			if kind != "" {
				filter.Kinds = []types.EntryKind{types.EntryKind(kind)}
			}
			entries, total, err := a.h.ListEntries(cmd.Context(), a.principal(), filter, storage.Pagination{Limit: limit, Offset: offset})
			if err != nil {
				return err
			}
			emit(struct {
				Entries []*types.Entry
				Total   int
			}{entries, total})
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "tool, guideline, knowledge, or experience (empty for all)")
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	cmd.Flags().BoolVar(&includeInactive, "include-inactive", false, "include deactivated entries")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func newTagCmd() *cobra.Command {
	tag := &cobra.Command{Use: "tag", Short: "manage entry tags (§6 Tags & Relations)"}
	tag.AddCommand(newTagCreateCmd())
	return tag
}

func newTagCreateCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "pre-register a tag independently of attaching it to an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			tag, err := a.h.CreateTag(cmd.Context(), a.principal(), args[0], types.TagCategory(category))
			if err != nil {
				return err
			}
			emit(tag)
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", string(types.TagCatCustom), "tag category")
	return cmd
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id-prefix>",
		Short: "resolve a short/partial entry id to its full entry (§4 resolve-by-prefix)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			entry, err := a.h.ResolveByPrefix(cmd.Context(), a.principal(), args[0])
			if err != nil {
				return err
			}
			emit(entry)
			return nil
		},
	}
}

func newExportCmd() *cobra.Command {
	var (
		kind string
		out  string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "export matching entries to a YAML document (§6 Formats)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			filter := storage.EntryFilter{}
			if kind != "" {
				filter.Kinds = []types.EntryKind{types.EntryKind(kind)}
			}
			doc, err := a.h.ExportEntries(cmd.Context(), a.principal(), filter)
			if err != nil {
				return err
			}
			data, err := config.MarshalDocument(doc)
			if err != nil {
				return fmt.Errorf("marshal export document: %w", err)
			}
			if out == "" {
				_, err = os.Stdout.Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only export this entry kind (empty for all)")
	cmd.Flags().StringVar(&out, "out", "", "write to this path instead of stdout")
	return cmd
}

func newImportCmd() *cobra.Command {
	var (
		in       string
		strategy string
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "import entries from a YAML document (§6 Formats)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			data, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("reading import document: %w", err)
			}
			doc, err := config.UnmarshalDocument(data)
			if err != nil {
				return fmt.Errorf("parsing import document: %w", err)
			}
			result, err := a.h.ImportDocument(cmd.Context(), a.principal(), doc, config.ConflictStrategy(strategy), nil)
			if err != nil {
				return err
			}
			a.queue.Wait()
			emit(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "path to the YAML document to import")
	cmd.Flags().StringVar(&strategy, "strategy", string(config.ConflictSkip), "conflict strategy: skip, update, replace, or error")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func newResetCmd() *cobra.Command {
	var (
		adminKey string
		confirm  bool
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "truncate every table and purge the cache/embedding queue (admin-only, destructive)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			return a.h.Reset(cmd.Context(), a.principal(), adminKey, confirm)
		},
	}
	cmd.Flags().StringVar(&adminKey, "admin-key", "", "the configured admin key")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "required to actually perform the reset")
	return cmd
}

func newEntryAddCmd() *cobra.Command {
	var (
		kind      string
		scopeType string
		scopeID   string
		name      string
		content   string
		category  string
		priority  int
		hasPrio   bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "add a new entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			req := handler.AddEntryRequest{
				Kind:      types.EntryKind(kind),
				ScopeType: types.ScopeType(scopeType),
				ScopeID:   scopeID,
				Name:      name,
				Category:  category,
				Content:   content,
				CreatedBy: agentID,
			}
			if hasPrio {
				req.Priority = &priority
			}

			created, err := a.h.AddEntry(cmd.Context(), a.principal(), req)
			if err != nil {
				return err
			}
			emit(created)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "tool, guideline, knowledge, or experience")
	cmd.Flags().StringVar(&scopeType, "scope-type", "global", "scope type")
	cmd.Flags().StringVar(&scopeID, "scope-id", "", "scope id")
	cmd.Flags().StringVar(&name, "name", "", "entry name/title")
	cmd.Flags().StringVar(&content, "content", "", "entry content")
	cmd.Flags().StringVar(&category, "category", "", "entry category")
	cmd.Flags().IntVar(&priority, "priority", 0, "guideline priority")
	cmd.Flags().BoolVar(&hasPrio, "has-priority", false, "set when --priority should be applied (guideline only)")
	return cmd
}

func newEntryGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <entry-id>",
		Short: "fetch an entry and its current version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			entry, version, err := a.h.GetEntry(cmd.Context(), a.principal(), args[0])
			if err != nil {
				return err
			}
			emit(struct {
				Entry   any
				Version any
			}{entry, version})
			return nil
		},
	}
	return cmd
}

func newEntryDeactivateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "deactivate <entry-id>",
		Short: "deactivate an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			return a.h.Deactivate(cmd.Context(), a.principal(), args[0], reason)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason for deactivation")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "report queue depth, cache size, and schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			status, err := a.h.Status(cmd.Context())
			if err != nil {
				return err
			}
			emit(status)
			return nil
		},
	}
}

func newInitCmd() *cobra.Command {
	var adminKey string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "initialize the database at the configured path",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			store, err := sqlite.New(cmd.Context(), cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("initializing storage: %w", err)
			}
			defer store.Close()
			if adminKey != "" {
				if err := store.SetConfig(cmd.Context(), "admin_key_set", "true"); err != nil {
					return err
				}
			}
			fmt.Printf("initialized %s\n", cfg.DatabasePath)
			return nil
		},
	}
	cmd.Flags().StringVar(&adminKey, "admin-key", "", "when non-empty, record admin_key_set=true in the store (the key itself is not stored)")
	return cmd
}
