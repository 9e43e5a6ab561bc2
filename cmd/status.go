package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"driftsync/internal/model"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "View aggregate daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(daemonURL("/stats"))
		if err != nil {
			return fmt.Errorf("daemon not running: %w", err)
		}

		defer func(Body io.ReadCloser) {
			_ = Body.Close()
		}(resp.Body)

		var stats model.Stats
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			return fmt.Errorf("failed to decode stats response: %w", err)
		}

		fmt.Printf("active jobs: %d\n", stats.ActiveJobs)
		fmt.Printf("speed:       %s/s\n", humanize.Bytes(uint64(stats.Speed)))
		fmt.Printf("bytes:       %s\n", humanize.Bytes(uint64(stats.Bytes)))
		fmt.Printf("files:       %d\n", stats.Files)

		if !stats.Quota.CheckedAt.IsZero() {
			fmt.Printf("storage:     %s / %s used (%.1f%%), checked %s\n",
				humanize.Bytes(uint64(stats.Quota.Used)),
				humanize.Bytes(uint64(stats.Quota.Total)),
				stats.Quota.UsedPercent,
				stats.Quota.CheckedAt.Format("15:04:05"))
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
