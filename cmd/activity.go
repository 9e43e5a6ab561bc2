package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"driftsync/internal/model"

	"github.com/spf13/cobra"
)

var activityN int

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "View the activity log",
	RunE: func(cmd *cobra.Command, args []string) error {
		url := fmt.Sprintf("%s?limit=%d", daemonURL("/activity"), activityN)
		resp, err := http.Get(url)
		if err != nil {
			return fmt.Errorf("daemon not running: %w", err)
		}

		defer func(Body io.ReadCloser) {
			_ = Body.Close()
		}(resp.Body)

		var entries []model.ActivityEntry
		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("no activity yet")
			return nil
		}

		for _, e := range entries {
			name := e.JobName
			if name == "" {
				name = "-"
			}
			fmt.Printf("[%s] %-8s %-20s %s\n",
				e.Timestamp.Format("2006-01-02 15:04:05"),
				e.Type, name, e.Message)
		}

		return nil
	},
}

var activityClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the activity log",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, _ := http.NewRequest(http.MethodDelete, daemonURL("/activity"), nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("daemon not running: %w", err)
		}

		defer func(Body io.ReadCloser) {
			_ = Body.Close()
		}(resp.Body)

		fmt.Println("activity log cleared")
		return nil
	},
}

func init() {
	activityCmd.Flags().IntVar(&activityN, "n", 50, "number of entries to show")
	activityCmd.AddCommand(activityClearCmd)
	rootCmd.AddCommand(activityCmd)
}
