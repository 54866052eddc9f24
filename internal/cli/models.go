// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCmd(ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List downloaded models",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applySettingsDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, logger, err := newClient(ro)
			if err != nil {
				return err
			}
			defer logger.Sync()

			models, err := client.List()
			if err != nil {
				return err
			}

			if ro.JSONOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(models)
			}

			if len(models) == 0 {
				fmt.Println("No models downloaded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL ID\tNAME\tVERSION\tSIZE\tDOWNLOADED")
			for _, m := range models {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					m.Metadata.ModelID,
					m.Metadata.ModelName,
					m.Metadata.Version,
					m.SizeBytes,
					m.Metadata.DownloadDate.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func newStatusCmd(ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status MODEL_ID",
		Short: "Show download and resume state for a model",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applySettingsDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, logger, err := newClient(ro)
			if err != nil {
				return err
			}
			defer logger.Sync()

			id := args[0]
			existing, err := client.Exists(id)
			if err != nil {
				return err
			}
			status, err := client.Status(id)
			if err != nil {
				return err
			}

			if ro.JSONOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"modelId":  id,
					"exists":   existing.Exists,
					"artifact": existing.ArtifactPath,
					"resume":   status,
				})
			}

			if existing.Exists {
				fmt.Printf("%s: downloaded\n", id)
				fmt.Printf("  artifact: %s\n", existing.ArtifactPath)
				if existing.Metadata != nil {
					fmt.Printf("  name:     %s (%s)\n", existing.Metadata.ModelName, existing.Metadata.Version)
				}
				return nil
			}
			if status.HasProgress {
				fmt.Printf("%s: partial (%d/%d chunks on disk)\n",
					id, len(status.ExistingChunks), status.Journal.TotalChunks)
				return nil
			}
			fmt.Printf("%s: not downloaded\n", id)
			return nil
		},
	}
}

func newDeleteCmd(ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "delete MODEL_ID",
		Short: "Delete a downloaded model and any partial state",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applySettingsDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, logger, err := newClient(ro)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if err := client.Delete(args[0]); err != nil {
				return err
			}
			if !ro.Quiet {
				fmt.Printf("deleted %s\n", args[0])
			}
			return nil
		},
	}
}

func newCleanupCmd(ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale partial-download files",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applySettingsDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, logger, err := newClient(ro)
			if err != nil {
				return err
			}
			defer logger.Sync()

			removed, err := client.Cleanup()
			if err != nil {
				return err
			}
			if !ro.Quiet {
				fmt.Printf("removed %d stale files\n", removed)
			}
			return nil
		},
	}
}
