package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/buffquant/buffrun/internal/config"
	"github.com/buffquant/buffrun/internal/experiment"
	"github.com/buffquant/buffrun/internal/httpapi"
	"github.com/buffquant/buffrun/internal/ids"
	"github.com/buffquant/buffrun/internal/registry"
	"github.com/buffquant/buffrun/internal/runbuilder"
	"github.com/buffquant/buffrun/internal/version"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	var configPath string

	rootCmd := &cobra.Command{
		Use:     "buffrun",
		Short:   "Deterministic backtest run manager",
		Version: version.App,
		Long: `buffrun manages offline, deterministic simulation runs: it executes
backtests against local CSV data, writes canonical artifact bundles under
RUNS_ROOT, and serves a read-only HTTP API over them.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML server config")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			srv := httpapi.NewServer(cfg, log.Logger)
			httpSrv := &http.Server{
				Addr:         cfg.Server.Addr,
				Handler:      srv.Router(),
				ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
				WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
			}
			log.Info().Str("addr", cfg.Server.Addr).Str("runs_root", cfg.RunsRoot).Msg("serving")
			return httpSrv.ListenAndServe()
		},
	}

	var runUser string
	runCmd := &cobra.Command{
		Use:   "run <request.json>",
		Short: "Execute one run from a request file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.ValidateRunsRoot(); err != nil {
				return err
			}
			var req runbuilder.Request
			if err := readJSONFile(args[0], &req); err != nil {
				return err
			}
			builder := runbuilder.New(ids.NewLayout(cfg.RunsRoot), cfg.RepoRoot)
			res, err := builder.Build(userOr(runUser, cfg), req)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"run_id": res.RunID, "status": res.Status,
				"inputs_hash": res.InputsHash, "created": res.Created,
			})
		},
	}
	runCmd.Flags().StringVar(&runUser, "user", "", "Acting user id (default BUFF_DEFAULT_USER)")

	var expUser string
	experimentCmd := &cobra.Command{
		Use:   "experiment <request.json>",
		Short: "Execute an experiment from a request file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.ValidateRunsRoot(); err != nil {
				return err
			}
			var req experiment.Request
			if err := readJSONFile(args[0], &req); err != nil {
				return err
			}
			layout := ids.NewLayout(cfg.RunsRoot)
			orch := experiment.New(layout, runbuilder.New(layout, cfg.RepoRoot))
			res, err := orch.Run(userOr(expUser, cfg), req)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"experiment_id": res.ExperimentID, "status": res.Status,
				"experiment_digest": res.Digest, "created": res.Created,
			})
		},
	}
	experimentCmd.Flags().StringVar(&expUser, "user", "", "Acting user id (default BUFF_DEFAULT_USER)")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move legacy top-level runs under the default user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.ValidateRunsRoot(); err != nil {
				return err
			}
			if cfg.DefaultUser == "" {
				return fmt.Errorf("migration requires %s to be set", config.EnvDefaultUser)
			}
			report, err := registry.MigrateLegacy(ids.NewLayout(cfg.RunsRoot), cfg.DefaultUser)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}

	rootCmd.AddCommand(serveCmd, runCmd, experimentCmd, migrateCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func userOr(flag string, cfg *config.Config) string {
	if flag != "" {
		return flag
	}
	return cfg.DefaultUser
}

func readJSONFile(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
