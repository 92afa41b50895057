package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arachmani/ovirt-hosted-engine-ha/client"
	"github.com/arachmani/ovirt-hosted-engine-ha/metadata"
)

func newScoreCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "score",
		Short: "Print this host's score (0 when the broker considers it dead)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, closeFn, err := env.haClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()
			score, err := cli.LocalHostScore(cmd.Context(), env.timeout())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), score)
			return err
		},
	}
}

func newHostIDCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "host-id",
		Short: "Print this host's id from the local configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, closeFn, err := env.haClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()
			id, err := cli.LocalHostID()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
}

func newMaintenanceCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance <global|local|local_manual> <true|false>",
		Short: "Enter or leave a maintenance mode",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := client.ParseMaintenanceMode(args[0])
			if err != nil {
				return err
			}
			value, err := metadata.ParseBool(args[1])
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			cli, closeFn, err := env.haClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := cli.SetMaintenanceMode(cmd.Context(), mode, value, env.timeout()); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s maintenance %s\n", mode, metadata.FormatBool(value))
			return err
		},
	}
}

func newSetFlagCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "set-flag <flag> <value>",
		Short: "Set one flag of the shared global record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, closeFn, err := env.haClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()
			return cli.SetGlobalMDFlag(cmd.Context(), args[0], args[1], env.timeout())
		},
	}
}

func newResetLockspaceCommand(env *cliEnv) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset-lockspace",
		Short: "Reinitialise the shared lockspace (requires global maintenance and stopped agents)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, closeFn, err := env.haClient(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeFn()
			return cli.ResetLockspace(cmd.Context(), force, env.timeout())
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the maintenance and stopped-agent checks")
	return cmd
}
