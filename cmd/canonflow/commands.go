package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/agentstation/canonflow"
	"github.com/agentstation/canonflow/internal/config"
	"github.com/agentstation/canonflow/internal/store/sqlite"
	"github.com/agentstation/canonflow/pkg/entities"
	"github.com/agentstation/canonflow/pkg/logging"
	"github.com/agentstation/canonflow/pkg/orchestrator"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "canonflow",
		Short: "Multi-source entity resolution and materialization pipeline",
		Long: `Canonflow ingests entity updates from independent source systems,
accumulates their values in an append-only canonical ledger, and
materializes one record per entity under configurable conflict policies.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("db", "", "path to the sqlite database (default canonflow.db)")

	root.AddCommand(
		newRunCmd(),
		newResolveCmd(),
		newDeadLettersCmd(),
		newFaultsCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig merges flags over env and config file settings.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DatabasePath = db
	}
	return cfg, nil
}

// newClient assembles a sqlite-backed client from the configuration. The
// CLI resolver promotes the "canonical_id" identity hint when a later
// source supplies one.
func newClient(cfg *config.Config) (canonflow.Client, *sqlite.Store, error) {
	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}

	client, err := canonflow.New(
		canonflow.WithLedger(store),
		canonflow.WithParkingQueue(store),
		canonflow.WithDeadLetterSink(store),
		canonflow.WithFaultSink(store),
		canonflow.WithHandler("*", orchestrator.DefaultHandler),
		canonflow.WithResolver(identityHintResolver),
		canonflow.WithResolutionInterval(cfg.ResolutionInterval),
		canonflow.WithResolutionBatchSize(cfg.ResolutionBatchSize),
		canonflow.WithAttemptCeiling(cfg.AttemptCeiling),
		canonflow.WithResolveOnStart(cfg.ResolveOnStart),
		canonflow.WithInitialDelay(cfg.InitialDelay),
		canonflow.WithWorkers(cfg.Workers),
	)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return client, store, nil
}

// identityHintResolver resolves updates whose identity hints carry an
// explicit canonical_id. Domain-specific resolvers replace this when
// canonflow is embedded as a library.
func identityHintResolver(_ context.Context, update entities.EntityUpdate) (entities.EntityUpdate, error) {
	resolved := update.Copy()
	if id, ok := update.Identity["canonical_id"]; ok {
		resolved.CanonicalID = id
	}
	return resolved, nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Consume a stream of entity updates from stdin",
		Long: `Reads one JSON-encoded entity update per line from stdin, runs each
through the decision protocol, and keeps the background resolution
service running until the stream ends or the process is interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client, store, err := newClient(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if err := client.Start(ctx); err != nil {
				return err
			}
			defer client.Stop()

			return consume(ctx, client, cmd.InOrStdin())
		},
	}
}

// consume submits one update per input line until EOF or cancellation.
func consume(ctx context.Context, client canonflow.Client, in io.Reader) error {
	logger := logging.Default()
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var line int
	for scanner.Scan() {
		line++
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var update entities.EntityUpdate
		if err := json.Unmarshal(raw, &update); err != nil {
			logger.Warn().Err(err).Int("line", line).Msg("Skipping malformed update")
			continue
		}
		if update.ReceivedAt.IsZero() {
			update.ReceivedAt = time.Now().UTC()
		}

		decision, err := client.Submit(ctx, update)
		if err != nil {
			logger.Error().Err(err).Int("line", line).Msg("Update failed")
			continue
		}
		logger.Info().
			Int("line", line).
			Str("entity_type", update.EntityType).
			Str("action", string(decision.Action)).
			Str("reason", decision.Reason).
			Msg("Update processed")
	}
	return scanner.Err()
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Run one resolution pass over the parking queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client, store, err := newClient(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			result, err := client.ResolveNow(cmd.Context())
			if err != nil {
				return err
			}

			out, err := yaml.Marshal(result)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newDeadLettersCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dl"},
		Short:   "List dead-lettered entries for manual review",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := sqlite.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer store.Close()

			letters, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(letters) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no dead letters")
				return nil
			}

			out, err := yaml.Marshal(letters)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newFaultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "faults",
		Short: "List abandoned materialization cycles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := sqlite.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer store.Close()

			faults, err := store.Faults(cmd.Context())
			if err != nil {
				return err
			}
			if len(faults) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no materialization faults")
				return nil
			}

			out, err := yaml.Marshal(faults)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "canonflow %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
