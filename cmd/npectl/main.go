// npectl is the operator CLI for the notification prioritization engine.
//
// Usage:
//
//	npectl migrate
//	npectl seed
//	npectl rules list --active
//	npectl rules toggle <rule-id>
//	npectl audit <event-id> -o json
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gyaneshwarpardhi/npe/internal/config"
	"github.com/gyaneshwarpardhi/npe/internal/store"
)

var version = "dev"

type options struct {
	dbPath    string
	outputFmt string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "npectl",
		Short: "Operate the notification prioritization engine",
		Long: `npectl works directly on the engine's SQLite store: apply migrations,
seed sample rules and users, inspect and toggle rules, and print the
audit record of a decision.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultDB := os.Getenv(config.EnvDBPath)
	if defaultDB == "" {
		defaultDB = "npe.db"
	}
	root.PersistentFlags().StringVar(&opts.dbPath, "db", defaultDB, "Path to the SQLite database (env "+config.EnvDBPath+")")
	root.PersistentFlags().StringVarP(&opts.outputFmt, "output", "o", "table", "Output format: table, json, yaml")

	root.AddCommand(migrateCmd(opts))
	root.AddCommand(seedCmd(opts))
	root.AddCommand(rulesCmd(opts))
	root.AddCommand(auditCmd(opts))
	return root
}

// withStore opens the store for the duration of fn.
func withStore(ctx context.Context, opts *options, fn func(*store.Store) error) error {
	st, err := store.Open(ctx, opts.dbPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", opts.dbPath, err)
	}
	defer st.Close()
	return fn(st)
}

// printStructured writes v as JSON or YAML. It reports false for the
// table format so the caller can render its own table.
func printStructured(w io.Writer, format string, v interface{}) (bool, error) {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so YAML keys follow the json tags.
		raw, err := json.Marshal(v)
		if err != nil {
			return true, err
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return true, err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return true, err
		}
		_, err = w.Write(out)
		return true, err
	case "table", "":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q", format)
	}
}

func migrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), opts, func(st *store.Store) error {
				// Open already migrated; run again to report errors explicitly.
				if err := st.Migrate(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema up to date: %s\n", opts.dbPath)
				return nil
			})
		},
	}
}
