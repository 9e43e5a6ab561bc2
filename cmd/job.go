package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"driftsync/internal/model"

	"github.com/spf13/cobra"
)

var (
	jobName     string
	jobInterval int
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage sync jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(daemonURL("/jobs"))
		if err != nil {
			return fmt.Errorf("daemon not running: %w", err)
		}

		defer func(Body io.ReadCloser) {
			_ = Body.Close()
		}(resp.Body)

		var result struct {
			Jobs []model.JobView `json:"jobs"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return err
		}

		if len(result.Jobs) == 0 {
			fmt.Println("no jobs configured")
			return nil
		}

		fmt.Printf("%-36s %-8s %-25s %-25s %-9s %s\n",
			"ID", "STATUS", "SOURCE", "DESTINATION", "INTERVAL", "NEXT RUN")
		for _, j := range result.Jobs {
			nextRun := "-"
			if j.NextRun != nil {
				nextRun = j.NextRun.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-36s %-8s %-25s %-25s %-9s %s\n",
				j.ID, j.Status, j.Source, j.Destination,
				fmt.Sprintf("%dm", j.IntervalMinutes), nextRun)
		}

		return nil
	},
}

var jobAddCmd = &cobra.Command{
	Use:   "add [source] [destination]",
	Short: "Add a new job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, _ := json.Marshal(map[string]any{
			"source":          args[0],
			"destination":     args[1],
			"name":            jobName,
			"intervalMinutes": jobInterval,
		})

		resp, err := http.Post(daemonURL("/jobs"), "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("daemon not running: %w", err)
		}

		defer func(Body io.ReadCloser) {
			_ = Body.Close()
		}(resp.Body)

		var view model.JobView
		if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
			return err
		}

		fmt.Printf("job added: id=%s source=%s destination=%s\n", view.ID, args[0], args[1])
		return nil
	},
}

var jobRemoveCmd = &cobra.Command{
	Use:   "remove [id]",
	Short: "Remove a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, _ := http.NewRequest(http.MethodDelete, daemonURL("/jobs/"+args[0]), nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("daemon not running: %w", err)
		}

		defer func(Body io.ReadCloser) {
			_ = Body.Close()
		}(resp.Body)

		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("job %s not found", args[0])
		}

		fmt.Printf("job %s removed\n", args[0])
		return nil
	},
}

var jobRunCmd = &cobra.Command{
	Use:   "run [id]",
	Short: "Start a job immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postControl(args[0], "run", "started")
	},
}

var jobStopCmd = &cobra.Command{
	Use:   "stop [id]",
	Short: "Stop a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postControl(args[0], "stop", "stopping")
	},
}

var jobCheckCmd = &cobra.Command{
	Use:   "check [id]",
	Short: "Check whether a sync would change anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postControl(args[0], "check", "checking")
	},
}

func postControl(id, action, verb string) error {
	resp, err := http.Post(daemonURL("/jobs/"+id+"/"+action), "application/json", nil)
	if err != nil {
		return fmt.Errorf("daemon not running: %w", err)
	}

	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		var result map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&result)
		return fmt.Errorf("job %s: %s", id, result["error"])
	}

	fmt.Printf("job %s %s\n", id, verb)
	return nil
}

func init() {
	jobAddCmd.Flags().StringVar(&jobName, "name", "", "job name")
	jobAddCmd.Flags().IntVar(&jobInterval, "interval", 0, "run interval in minutes")

	jobCmd.AddCommand(jobListCmd, jobAddCmd, jobRemoveCmd, jobRunCmd, jobStopCmd, jobCheckCmd)
	rootCmd.AddCommand(jobCmd)
}
