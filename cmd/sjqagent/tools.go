package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sjq4/agent/internal/coordinator"
	"github.com/sjq4/agent/internal/service"
)

// toolsCmd exposes Tools to task processes which are not JavaScript, like
// shell scripts run by a configured interpreter.
var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "tools talk to the coordinator on behalf of a running task",
}

func init() {
	toolsCmd.AddCommand(&cobra.Command{
		Use:   "set-exe-args <args>",
		Short: "replace the arguments of the main phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tools, err := taskTools(cmd)
			if err != nil {
				return err
			}
			return ok(tools.SetExeArgs(args[0]))
		},
	})
	toolsCmd.AddCommand(&cobra.Command{
		Use:   "get-exe-args",
		Short: "print the arguments of the main phase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tools, err := taskTools(cmd)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tools.GetExeArgs())
			return err
		},
	})
	toolsCmd.AddCommand(&cobra.Command{
		Use:   "set-resources <used>",
		Short: "report resources actually used by the task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			used, err := strconv.Atoi(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("parsing resources: %w", err)
			}
			tools, err := taskTools(cmd)
			if err != nil {
				return err
			}
			return ok(tools.SetTaskResources(used))
		},
	})
	toolsCmd.AddCommand(&cobra.Command{
		Use:   "map-dir <path>",
		Short: "print path translated by the map_dir of the agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tools, err := taskTools(cmd)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tools.MapDir(args[0]))
			return err
		},
	})
}

func taskTools(cmd *cobra.Command) (*service.Tools, error) {
	qt, mapDir, err := service.TaskFromEnv(nil)
	if err != nil {
		return nil, fmt.Errorf("not running as a task: %w", err)
	}
	return service.NewTools(cmd.Context(), qt, coordinator.ForTask(qt, 0), mapDir), nil
}

// ok turns a false result of Tools into exit code 1, the failure itself
// was already logged.
func ok(success bool) error {
	if success {
		return nil
	}
	return exitCode(1)
}
