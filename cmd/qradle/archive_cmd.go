package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/qradle/pkg/archive"
	"github.com/Mindburn-Labs/qradle/pkg/bootstrap"
	"github.com/Mindburn-Labs/qradle/pkg/config"
)

func newExportCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Write an audit bundle of the chain and checkpoints to the archive sink",
		Args:  cobra.NoArgs,
		RunE: withRuntime(g, func(cmd *cobra.Command, _ []string, rt *bootstrap.Runtime) error {
			x, err := rt.Exporter(cmd.Context())
			if err != nil {
				return err
			}
			receipt, err := x.Export(cmd.Context(), rt.Chain, rt.Checkpoints)
			if err != nil {
				return err
			}
			return g.emit(cmd, receipt, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "exported %s\nroot=%s length=%d\n", receipt.Key, receipt.Root, receipt.Length)
			})
		}),
	}
}

// verify-bundle runs offline: it needs the archive settings but never opens
// the deployment's stores.
func newVerifyBundleCmd(g *globalFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "verify-bundle [key]",
		Short: "Verify an exported audit bundle",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var b *archive.Bundle
			switch {
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if b, err = archive.Decode(data); err != nil {
					return err
				}
			case len(args) == 1:
				cfg, err := config.Load(g.configPath)
				if err != nil {
					return err
				}
				rt := &bootstrap.Runtime{Config: cfg, Logger: newLogger(g.logFormat, config.LevelWarn, cmd.ErrOrStderr())}
				x, err := rt.Exporter(ctx)
				if err != nil {
					return err
				}
				if b, err = x.Fetch(ctx, args[0]); err != nil {
					return err
				}
			default:
				return fmt.Errorf("give a bundle key or --file")
			}

			summary, err := archive.Verify(ctx, b)
			if err != nil {
				return fmt.Errorf("%w: %w", errVerificationFailed, err)
			}
			return g.emit(cmd, summary, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "OK root=%s length=%d checkpoints=%d executions=%d rejections=%d rollbacks=%d\n",
					summary.Root, summary.Length, summary.Checkpoints, summary.Executions, summary.Rejections, summary.Rollbacks)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the bundle from a local file")
	return cmd
}
