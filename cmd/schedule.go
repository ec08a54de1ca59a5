package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steiger/concierge/internal/scheduler"
)

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect scheduled jobs",
	}
	cmd.AddCommand(scheduleListCmd(), scheduleRemoveCmd())
	return cmd
}

func openScheduler() *scheduler.Scheduler {
	sched, err := scheduler.New(resolveConfigDir(), nil, nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load schedules: %v\n", err)
		os.Exit(1)
	}
	return sched
}

func scheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			jobs := openScheduler().ListJobs()
			if len(jobs) == 0 {
				fmt.Println("no scheduled jobs")
				return
			}
			for _, j := range jobs {
				line := fmt.Sprintf("%s  %-16s  %s", j.ID, j.Schedule, j.Prompt)
				if j.Once {
					line += "  (once)"
				}
				fmt.Println(line)
			}
		},
	}
}

func scheduleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove ID",
		Short: "Remove a scheduled job by ID or unique prefix",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if !openScheduler().RemoveJob(args[0]) {
				fmt.Fprintf(os.Stderr, "no job matching %q\n", args[0])
				os.Exit(1)
			}
			fmt.Printf("removed %s\n", args[0])
		},
	}
}
