package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/nhle/incidentwatch/internal/ingest"
	"github.com/nhle/incidentwatch/internal/model"
)

var uploadCmd = &cobra.Command{
	Use:   "upload FILE",
	Short: "Upload a .log or .txt file for analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := ingest.FileFromPath(args[0])
		if err != nil {
			return err
		}

		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		job, err := rt.Pipeline.Submit(cmd.Context(), f, nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Uploading %s...\n", f.Name)

		result, err := job.Wait(cmd.Context())
		rt.RecordJob(cmd.Context(), job.Snapshot(), model.UploadSourceCLI)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

var uploadsCmd = &cobra.Command{
	Use:   "uploads",
	Short: "Show recent uploads",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		records, err := rt.Store.GetUploads(cmd.Context(), limit)
		if err != nil {
			return fmt.Errorf("reading upload history: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("No uploads yet.")
			return nil
		}

		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("FILE", "SOURCE", "STATE", "FINISHED", "ERROR")
		for _, r := range records {
			t.Row(r.File, r.Source, r.State, r.FinishedAt.Local().Format("2006-01-02 15:04"), r.Error)
		}
		fmt.Println(t.Render())
		return nil
	},
}

func init() {
	uploadsCmd.Flags().Int("limit", 20, "number of entries")

	rootCmd.AddCommand(uploadCmd, uploadsCmd)
}
