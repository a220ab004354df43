package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/qradle/pkg/bootstrap"
	"github.com/Mindburn-Labs/qradle/pkg/config"
)

type globalFlags struct {
	configPath string
	logFormat  string
	jsonOut    bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "qradle",
		Short:         "Operate a deterministic ledger deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", os.Getenv("QRADLE_CONFIG"), "YAML config file (env QRADLE_CONFIG)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "text", "log format: text or json")
	root.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		newVerifyCmd(g),
		newProofCmd(g),
		newCheckpointsCmd(g),
		newRollbackCmd(g),
		newStateCmd(g),
		newLockdownCmd(g),
		newExportCmd(g),
		newVerifyBundleCmd(g),
	)
	return root
}

// newLogger writes to stderr: colourised when it is a terminal, JSON on
// request.
func newLogger(format string, level slog.Level, w io.Writer) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}))
}

// runtime loads config and assembles the deployment for one command.
func (g *globalFlags) runtime(cmd *cobra.Command) (*bootstrap.Runtime, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(g.logFormat, level, cmd.ErrOrStderr())
	slog.SetDefault(logger)
	return bootstrap.Build(cmd.Context(), cfg, bootstrap.WithLogger(logger))
}

// emit prints v as indented JSON when --json is set, otherwise calls text.
func (g *globalFlags) emit(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if g.jsonOut {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	text(w)
	return nil
}
