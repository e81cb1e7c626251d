package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jholhewres/openclaw/pkg/openclaw/scheduler"
)

// newCronCmd creates the `openclaw cron` job-management command group.
// The commands edit the job store directly; the running daemon picks up
// externally added jobs on its next restart.
func newCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(
		newCronListCmd(),
		newCronAddCmd(),
		newCronRemoveCmd(),
		newCronToggleCmd("enable", true),
		newCronToggleCmd("disable", false),
	)
	return cmd
}

func newCronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			jobs, err := scheduler.NewStore(cfg.Scheduler.StorePath).Load()
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tENABLED\tNEXT RUN\tLAST STATUS")
			for _, job := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n",
					job.ID, job.Name, describeSchedule(job.Schedule),
					job.IsEnabled(), formatMs(job.State.NextRunAtMs), job.State.LastStatus)
			}
			return w.Flush()
		},
	}
}

func newCronAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled job",
		Long: `Add a job with exactly one schedule (--at, --every or --cron) and
one payload (--message for an agent turn, --event for a system event).

Examples:
  openclaw cron add --name standup --cron "0 9 * * 1-5" --message "post the standup summary"
  openclaw cron add --name reminder --at 2026-09-01T10:00:00Z --event "renew the certificate"`,
		RunE: runCronAdd,
	}
	cmd.Flags().String("name", "", "job name")
	cmd.Flags().String("at", "", "one-shot fire time (RFC3339)")
	cmd.Flags().Duration("every", 0, "periodic interval (e.g. 30m)")
	cmd.Flags().String("cron", "", "cron expression (5 or 6 fields)")
	cmd.Flags().String("tz", "", "timezone for --cron (default UTC)")
	cmd.Flags().String("message", "", "agent-turn prompt")
	cmd.Flags().String("event", "", "system-event text for the main session")
	cmd.Flags().Bool("main", false, "run the agent turn in the main session instead of isolated")
	cmd.Flags().String("announce-channel", "", "deliver the result to this channel")
	cmd.Flags().String("announce-to", "", "deliver the result to this recipient")
	return cmd
}

func runCronAdd(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()

	at, _ := flags.GetString("at")
	every, _ := flags.GetDuration("every")
	cronExpr, _ := flags.GetString("cron")
	tz, _ := flags.GetString("tz")

	var schedule scheduler.Schedule
	switch {
	case at != "" && every == 0 && cronExpr == "":
		schedule = scheduler.Schedule{Kind: scheduler.ScheduleAt, At: at}
	case every > 0 && at == "" && cronExpr == "":
		schedule = scheduler.Schedule{Kind: scheduler.ScheduleEvery, EveryMs: every.Milliseconds()}
	case cronExpr != "" && at == "" && every == 0:
		schedule = scheduler.Schedule{Kind: scheduler.ScheduleCron, Expr: cronExpr, TZ: tz}
	default:
		return fmt.Errorf("exactly one of --at, --every, --cron is required")
	}

	message, _ := flags.GetString("message")
	event, _ := flags.GetString("event")
	var payload scheduler.Payload
	sessionTarget := scheduler.TargetIsolated
	switch {
	case message != "" && event == "":
		payload = scheduler.Payload{Kind: "agentTurn", Message: message}
		if main, _ := flags.GetBool("main"); main {
			sessionTarget = scheduler.TargetMain
		}
	case event != "" && message == "":
		payload = scheduler.Payload{Kind: "systemEvent", Text: event}
		sessionTarget = scheduler.TargetMain
	default:
		return fmt.Errorf("exactly one of --message, --event is required")
	}

	name, _ := flags.GetString("name")
	now := time.Now()
	job := &scheduler.Job{
		ID:            uuid.NewString(),
		Name:          name,
		CreatedAtMs:   now.UnixMilli(),
		UpdatedAtMs:   now.UnixMilli(),
		Schedule:      schedule,
		SessionTarget: sessionTarget,
		WakeMode:      "now",
		Payload:       payload,
		DeleteAfterRun: schedule.Kind == scheduler.ScheduleAt,
	}
	if ch, _ := flags.GetString("announce-channel"); ch != "" {
		to, _ := flags.GetString("announce-to")
		job.Delivery = &scheduler.Delivery{Mode: scheduler.DeliverAnnounce, Channel: ch, To: to}
	}

	next, err := job.Schedule.NextRun(job.ID, now)
	if err != nil {
		return err
	}
	if next.IsZero() {
		return fmt.Errorf("schedule never fires (is --at in the past?)")
	}
	job.State.NextRunAtMs = next.UnixMilli()

	store := scheduler.NewStore(cfg.Scheduler.StorePath)
	jobs, err := store.Load()
	if err != nil {
		return err
	}
	jobs = append(jobs, job)
	if err := store.Save(jobs); err != nil {
		return err
	}

	fmt.Printf("Added job %s, next run %s.\n", job.ID, next.Format(time.RFC3339))
	return nil
}

func newCronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <job-id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateJobs(cmd, args[0], func(jobs []*scheduler.Job, i int) []*scheduler.Job {
				return append(jobs[:i], jobs[i+1:]...)
			})
		},
	}
}

func newCronToggleCmd(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <job-id>",
		Short: verb + " a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateJobs(cmd, args[0], func(jobs []*scheduler.Job, i int) []*scheduler.Job {
				v := enabled
				jobs[i].Enabled = &v
				jobs[i].UpdatedAtMs = time.Now().UnixMilli()
				return jobs
			})
		},
	}
}

// mutateJobs applies one edit to the job named by id and saves the store.
func mutateJobs(cmd *cobra.Command, id string, apply func([]*scheduler.Job, int) []*scheduler.Job) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	store := scheduler.NewStore(cfg.Scheduler.StorePath)
	jobs, err := store.Load()
	if err != nil {
		return err
	}
	for i, job := range jobs {
		if job.ID == id {
			return store.Save(apply(jobs, i))
		}
	}
	return fmt.Errorf("job %q not found", id)
}

func describeSchedule(s scheduler.Schedule) string {
	switch s.Kind {
	case scheduler.ScheduleAt:
		return "at " + s.At
	case scheduler.ScheduleEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case scheduler.ScheduleCron:
		if s.TZ != "" {
			return fmt.Sprintf("cron %q (%s)", s.Expr, s.TZ)
		}
		return fmt.Sprintf("cron %q", s.Expr)
	}
	return s.Kind
}

func formatMs(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format(time.RFC3339)
}
