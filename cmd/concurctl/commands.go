package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/c360/concur/conflict"
	"github.com/c360/concur/errors"
	"github.com/c360/concur/resource"
	"github.com/c360/concur/updater"
)

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func newGetCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <resource> <id>",
		Short: "Print one entity with its version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := g.resource(args[0])
			if err != nil {
				return err
			}
			ent, err := res.Fetch(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			return printJSON(g, ent)
		},
	}
}

func newListCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list <resource>",
		Short: "Print every entity of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := g.resource(args[0])
			if err != nil {
				return err
			}
			items, err := res.List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(g, items)
		},
	}
}

func newCreateCommand(g *globals) *cobra.Command {
	var sets []string
	var raw string

	cmd := &cobra.Command{
		Use:   "create <resource>",
		Short: "Create an entity at version 1",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseEdits(raw, sets)
			if err != nil {
				return err
			}
			res, err := g.resource(args[0])
			if err != nil {
				return err
			}
			ent, err := res.Create(cmd.Context(), fields)
			if err != nil {
				return err
			}
			return printJSON(g, ent)
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Field assignment key=value, repeatable. Values are JSON when they parse as JSON")
	cmd.Flags().StringVar(&raw, "json", "", "Fields as a JSON object, applied before --set")
	return cmd
}

func newDeleteCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <resource> <id>",
		Short: "Delete an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := g.resource(args[0])
			if err != nil {
				return err
			}
			if err := res.Delete(cmd.Context(), args[1]); err != nil {
				return err
			}
			fmt.Fprintf(g.out, "deleted %s/%s\n", args[0], args[1])
			return nil
		},
	}
}

type updateFlags struct {
	sets        []string
	raw         string
	maxRetries  int
	concurrency int
	baseVersion int64
	rate        float64
	quiet       bool
}

func newUpdateCommand(g *globals) *cobra.Command {
	f := &updateFlags{}

	cmd := &cobra.Command{
		Use:   "update <resource> <id>...",
		Short: "Apply edits, retrying on version conflicts",
		Long: strings.TrimSpace(`
Fetches each entity, overlays the edits and writes it back with the fetched
version. When someone else saved in between, the latest version is fetched
and the same edits are reapplied, up to --max-retries times.
`),
		Example: strings.TrimSpace(`
  concurctl update companies 42 --set name='"Acme Corp"' --set employees=120
  concurctl update companies 1 2 3 --json '{"region": "EU"}' --concurrency 3
`),
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(cmd, g, f, args[0], args[1:])
		},
	}

	fl := cmd.Flags()
	fl.StringArrayVar(&f.sets, "set", nil, "Field assignment key=value, repeatable. Values are JSON when they parse as JSON")
	fl.StringVar(&f.raw, "json", "", "Edits as a JSON object, applied before --set")
	fl.IntVar(&f.maxRetries, "max-retries", updater.DefaultMaxRetries, "Conflict retries per entity, overrides the config file")
	fl.IntVar(&f.concurrency, "concurrency", 4, "Entities updated in parallel when several ids are given")
	fl.Float64Var(&f.rate, "rate", 0, "Maximum update requests per second across all ids, 0 for no limit")
	fl.Int64Var(&f.baseVersion, "base-version", 0, "Send this version on the first attempt instead of the fetched one (single id only)")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "Do not print retry progress")
	return cmd
}

func runUpdate(cmd *cobra.Command, g *globals, f *updateFlags, name string, ids []string) error {
	ctx := cmd.Context()

	edits, err := parseEdits(f.raw, f.sets)
	if err != nil {
		return err
	}
	if len(edits) == 0 {
		return fmt.Errorf("nothing to update: pass --set or --json")
	}
	if f.baseVersion != 0 && len(ids) != 1 {
		return fmt.Errorf("--base-version requires exactly one id")
	}
	if f.rate < 0 {
		return fmt.Errorf("--rate cannot be negative")
	}

	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	rules, err := cfg.Classifier.Rules()
	if err != nil {
		return err
	}
	maxRetries := cfg.Update.MaxRetries
	if cmd.Flags().Changed("max-retries") {
		maxRetries = f.maxRetries
	}

	res, err := g.resource(name)
	if err != nil {
		return err
	}

	opts := []updater.Option{
		updater.WithMaxRetries(maxRetries),
		updater.WithPolicy(cfg.Update.Policy),
		updater.WithClassifier(conflict.New(rules)),
		updater.WithLogger(g.logger()),
		updater.WithName("concurctl"),
	}
	if f.rate > 0 {
		opts = append(opts, updater.WithRateLimiter(rate.NewLimiter(rate.Limit(f.rate), 1)))
	}
	if !f.quiet {
		opts = append(opts, updater.WithProgress(func(attempt, maxRetries int, message string) {
			fmt.Fprintf(g.errOut, "retry %d/%d: %s\n", attempt, maxRetries, message)
		}))
	}
	orch := updater.New(res, opts...)

	concurrency := max(1, f.concurrency)

	intents := make([]updater.Intent, len(ids))
	fetches, fetchCtx := errgroup.WithContext(ctx)
	fetches.SetLimit(concurrency)
	for i, id := range ids {
		fetches.Go(func() error {
			snapshot, err := res.Fetch(fetchCtx, id)
			if err != nil {
				return fmt.Errorf("fetch %s/%s: %w", name, id, err)
			}
			intents[i] = updater.IntentFor(snapshot, edits)
			if f.baseVersion != 0 {
				intents[i].BaseVersion = f.baseVersion
			}
			return nil
		})
	}
	if err := fetches.Wait(); err != nil {
		return err
	}

	if len(intents) == 1 {
		ent, sess, err := orch.RunSession(ctx, intents[0])
		if err != nil {
			return describeFailure(err)
		}
		g.logger().Debug("update applied", "id", ent.ID, "version", ent.Version, "attempts", sess.Updates)
		return printJSON(g, ent)
	}

	batcher := updater.NewBatcher(orch, concurrency, nil)
	if err := batcher.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = batcher.Stop(5 * time.Second) }()

	results, err := batcher.Run(ctx, intents)
	if err != nil {
		return err
	}

	var failed error
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(g.errOut, "%s/%s: %v\n", name, r.Intent.TargetID, describeFailure(r.Err))
			if failed == nil {
				failed = r.Err
			}
			continue
		}
		fmt.Fprintf(g.out, "%s/%s: version %d (%d attempt(s))\n", name, r.Entity.ID, r.Entity.Version, r.Session.Updates)
	}
	if failed != nil {
		return fmt.Errorf("%d of %d updates failed: %w", countFailed(results), len(results), failed)
	}
	return nil
}

func newWatchCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <resource> <id>",
		Short: "Stream changes to an entity until it is deleted or interrupted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := g.resource(args[0])
			if err != nil {
				return err
			}
			events, err := res.Watch(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			for ev := range events {
				if err := printJSON(g, ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// parseEdits merges a JSON object with key=value assignments. An assignment
// value that is valid JSON is decoded, anything else is kept as a string.
func parseEdits(raw string, sets []string) (resource.Payload, error) {
	edits := resource.Payload{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &edits); err != nil {
			return nil, fmt.Errorf("--json: %w", err)
		}
	}
	for _, s := range sets {
		key, value, ok := strings.Cut(s, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--set %q: want key=value", s)
		}
		if key == resource.FieldID || key == resource.FieldVersion {
			return nil, fmt.Errorf("--set %q: %s is managed by the server", s, key)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			edits[key] = decoded
		} else {
			edits[key] = value
		}
	}
	return edits, nil
}

func describeFailure(err error) error {
	var ue *updater.UpdateError
	if errors.As(err, &ue) {
		return fmt.Errorf("%s: %w", ue.UserMessage(), err)
	}
	return err
}

func countFailed(results []updater.Result) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

func printJSON(g *globals, v any) error {
	enc := json.NewEncoder(g.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
