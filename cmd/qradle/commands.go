package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/qradle/pkg/bootstrap"
	"github.com/Mindburn-Labs/qradle/pkg/checkpoint"
	"github.com/Mindburn-Labs/qradle/pkg/hashchain"
)

// withRuntime runs fn against a freshly built runtime and closes it after.
func withRuntime(g *globalFlags, fn func(cmd *cobra.Command, args []string, rt *bootstrap.Runtime) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := g.runtime(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close(context.WithoutCancel(cmd.Context())) }()
		return fn(cmd, args, rt)
	}
}

type verifyReport struct {
	ChainIntact        bool     `json:"chain_intact"`
	ChainLength        uint64   `json:"chain_length"`
	Root               string   `json:"root"`
	FailedIndex        *uint64  `json:"failed_index,omitempty"`
	Reason             string   `json:"reason,omitempty"`
	CorruptCheckpoints []string `json:"corrupt_checkpoints,omitempty"`
}

func newVerifyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Re-verify the hash chain and every checkpoint",
		Args:  cobra.NoArgs,
		RunE: withRuntime(g, func(cmd *cobra.Command, _ []string, rt *bootstrap.Runtime) error {
			ctx := cmd.Context()
			ok, err := rt.Engine.VerifyIntegrity(ctx)
			r := verifyReport{ChainIntact: ok, ChainLength: rt.Chain.Len(), Root: rt.Chain.Root().String()}
			if err != nil {
				r.Reason = err.Error()
			}
			if idx, failed := rt.Chain.FailedIndex(); failed {
				r.FailedIndex = &idx
			}
			corrupt, err := rt.Checkpoints.VerifyAll(ctx)
			if err != nil {
				return err
			}
			for _, id := range corrupt {
				r.CorruptCheckpoints = append(r.CorruptCheckpoints, string(id))
			}

			if err := g.emit(cmd, r, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "chain: length=%d root=%s intact=%t\n", r.ChainLength, r.Root, r.ChainIntact)
				if r.FailedIndex != nil {
					_, _ = fmt.Fprintf(w, "first failing index: %d (%s)\n", *r.FailedIndex, r.Reason)
				}
				_, _ = fmt.Fprintf(w, "corrupt checkpoints: %d\n", len(r.CorruptCheckpoints))
			}); err != nil {
				return err
			}
			if !r.ChainIntact || len(r.CorruptCheckpoints) > 0 {
				return errVerificationFailed
			}
			return nil
		}),
	}
}

func newProofCmd(g *globalFlags) *cobra.Command {
	var expectDigest string
	cmd := &cobra.Command{
		Use:   "proof <contract-id>",
		Short: "Print the chain proof for a contract's latest execution",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(g, func(cmd *cobra.Command, args []string, rt *bootstrap.Runtime) error {
			ctx := cmd.Context()
			proof, err := rt.Engine.GetExecutionProof(ctx, args[0])
			if err != nil {
				return err
			}
			valid := hashchain.VerifyProof(*proof, rt.Chain.Root().String())
			if expectDigest != "" {
				ok, err := rt.Engine.VerifyExecution(ctx, args[0], expectDigest)
				var ie *hashchain.IntegrityError
				if err != nil && !errors.As(err, &ie) {
					return err
				}
				valid = valid && ok && ie == nil
			}
			if err := g.emit(cmd, proof, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "index=%d node=%s\nroot=%s length=%d steps=%d valid=%t\n",
					proof.Index, proof.NodeDigest, proof.Root, proof.Length, len(proof.Steps), valid)
			}); err != nil {
				return err
			}
			if !valid {
				return fmt.Errorf("%w: proof for %s", errVerificationFailed, args[0])
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&expectDigest, "expect-digest", "", "also check the recorded output digest")
	return cmd
}

type checkpointRow struct {
	ID          string `json:"id"`
	Sequence    uint64 `json:"sequence"`
	StateDigest string `json:"state_digest"`
	CreatedAt   string `json:"created_at"`
	Current     bool   `json:"current"`
}

func newCheckpointsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints",
		Short: "List checkpoints in sequence order",
		Args:  cobra.NoArgs,
		RunE: withRuntime(g, func(cmd *cobra.Command, _ []string, rt *bootstrap.Runtime) error {
			ctx := cmd.Context()
			ids, err := rt.Checkpoints.List(ctx)
			if err != nil {
				return err
			}
			current := rt.Engine.CurrentCheckpoint()
			rows := make([]checkpointRow, 0, len(ids))
			for _, id := range ids {
				cp, err := rt.Checkpoints.Get(ctx, id)
				if err != nil {
					return err
				}
				rows = append(rows, checkpointRow{
					ID:          string(cp.ID),
					Sequence:    cp.Sequence,
					StateDigest: cp.StateDigest,
					CreatedAt:   cp.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
					Current:     cp.ID == current,
				})
			}
			return g.emit(cmd, rows, func(w io.Writer) {
				for _, r := range rows {
					mark := " "
					if r.Current {
						mark = "*"
					}
					_, _ = fmt.Fprintf(w, "%s %4d  %s  %s\n", mark, r.Sequence, r.ID, r.CreatedAt)
				}
			})
		}),
	}
}

func newRollbackCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <checkpoint-id>",
		Short: "Restore live state to an earlier checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(g, func(cmd *cobra.Command, args []string, rt *bootstrap.Runtime) error {
			if err := rt.Engine.RollbackToCheckpoint(cmd.Context(), checkpoint.ID(args[0])); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "rolled back to %s (chain length %d)\n", args[0], rt.Chain.Len())
			return err
		}),
	}
}

func newStateCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect live state",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the live state",
		Args:  cobra.NoArgs,
		RunE: withRuntime(g, func(cmd *cobra.Command, _ []string, rt *bootstrap.Runtime) error {
			state := rt.Engine.State()
			return g.emit(cmd, state, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "checkpoint %s, %d keys\n", rt.Engine.CurrentCheckpoint(), len(state))
			})
		}),
	}, &cobra.Command{
		Use:   "prove <key>",
		Short: "Print a Merkle inclusion proof for one state key",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(g, func(cmd *cobra.Command, args []string, rt *bootstrap.Runtime) error {
			proof, id, err := rt.Engine.ProveState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return g.emit(cmd, proof, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "checkpoint=%s key=%s leaf=%s root=%s steps=%d\n",
					id, proof.LeafPath, proof.LeafHash, proof.MerkleRoot, len(proof.ProofPath))
			})
		}),
	})
	return cmd
}

func newLockdownCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lockdown",
		Short: "Inspect or clear the write lockdown",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report whether writes are refused",
		Args:  cobra.NoArgs,
		RunE: withRuntime(g, func(cmd *cobra.Command, _ []string, rt *bootstrap.Runtime) error {
			locked, s, err := rt.Engine.Locked(cmd.Context())
			if err != nil {
				return err
			}
			return g.emit(cmd, s, func(w io.Writer) {
				if !locked {
					_, _ = fmt.Fprintln(w, "unlocked")
					return
				}
				_, _ = fmt.Fprintf(w, "LOCKED kind=%s index=%d since=%s\nreason: %s\n", s.Kind, s.Index, s.Since, s.Reason)
			})
		}),
	}, &cobra.Command{
		Use:   "clear",
		Short: "Re-verify and, if clean, lift the lockdown",
		Args:  cobra.NoArgs,
		RunE: withRuntime(g, func(cmd *cobra.Command, _ []string, rt *bootstrap.Runtime) error {
			if err := rt.Engine.ClearLockdown(cmd.Context()); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "lockdown cleared")
			return err
		}),
	})
	return cmd
}
