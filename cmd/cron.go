package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/msggate/internal/agent"
	"github.com/nextlevelbuilder/msggate/internal/bus"
	"github.com/nextlevelbuilder/msggate/internal/config"
	"github.com/nextlevelbuilder/msggate/internal/cron"
	"github.com/nextlevelbuilder/msggate/internal/sessions"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronRunCmd())
	cmd.AddCommand(cronSetEnabledCmd("enable", true))
	cmd.AddCommand(cronSetEnabledCmd("disable", false))
	cmd.AddCommand(cronRemoveCmd())
	return cmd
}

// openCronStore loads the job store from the configured path.
func openCronStore() (*cron.Store, *config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, err
	}
	st := cron.NewStore(config.ExpandHome(cfg.Cron.StorePath))
	st.Lock()
	err = st.Load()
	st.Unlock()
	if err != nil {
		return nil, nil, fmt.Errorf("load cron store: %w", err)
	}
	return st, cfg, nil
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openCronStore()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tENABLED\tSCHEDULE\tNEXT RUN\tLAST STATUS")
			st.Lock()
			for _, j := range st.Jobs() {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
					j.ID, j.Name, j.Enabled, describeSchedule(j.Schedule),
					formatMs(j.State.NextRunAtMs), j.State.LastStatus)
			}
			st.Unlock()
			return w.Flush()
		},
	}
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case cron.ScheduleAt:
		return "at " + s.At
	case cron.ScheduleEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case cron.ScheduleCron:
		if s.TZ != "" {
			return s.Expr + " (" + s.TZ + ")"
		}
		return s.Expr
	}
	return s.Kind
}

func formatMs(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format(time.RFC3339)
}

func cronAddCmd() *cobra.Command {
	var (
		name           string
		at             string
		every          string
		cronExpr       string
		tz             string
		message        string
		model          string
		systemEvent    string
		agentID        string
		announce       string
		bestEffort     bool
		deleteAfterRun bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a job",
		Long: "Add a job. Exactly one of --at/--every/--cron selects the schedule;\n" +
			"--message creates an isolated agent-turn job, --system-event queues\n" +
			"text into the main session instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			j := &cron.Job{
				ID:             uuid.NewString(),
				Name:           name,
				AgentID:        agentID,
				Enabled:        true,
				DeleteAfterRun: deleteAfterRun,
				CreatedAtMs:    time.Now().UnixMilli(),
				UpdatedAtMs:    time.Now().UnixMilli(),
			}

			switch {
			case at != "":
				j.Schedule = cron.Schedule{Kind: cron.ScheduleAt, At: at}
			case every != "":
				d, err := time.ParseDuration(every)
				if err != nil {
					return fmt.Errorf("invalid --every: %w", err)
				}
				j.Schedule = cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: d.Milliseconds()}
			case cronExpr != "":
				j.Schedule = cron.Schedule{Kind: cron.ScheduleCron, Expr: cronExpr, TZ: tz}
			default:
				return fmt.Errorf("one of --at, --every or --cron is required")
			}

			switch {
			case message != "":
				j.SessionTarget = cron.TargetIsolated
				j.Payload = cron.Payload{Kind: cron.PayloadAgentTurn, Message: message, Model: model}
			case systemEvent != "":
				j.SessionTarget = cron.TargetMain
				j.Payload = cron.Payload{Kind: cron.PayloadSystemEvent, Text: systemEvent}
			default:
				return fmt.Errorf("one of --message or --system-event is required")
			}

			if announce != "" {
				channel, to, ok := strings.Cut(announce, ":")
				if !ok || channel == "" || to == "" {
					return fmt.Errorf("--announce wants channel:to")
				}
				j.Delivery = &cron.Delivery{Mode: cron.DeliveryAnnounce, Channel: channel, To: to, BestEffort: bestEffort}
			}

			st, cfg, err := openCronStore()
			if err != nil {
				return err
			}
			sched := cron.NewScheduler(st, cfg.ResolveDefaultAgentID(), cron.Deps{})
			if err := sched.Add(j); err != nil {
				return err
			}
			fmt.Printf("added job %s (%s), next run %s\n", j.ID, j.Name, formatMs(j.State.NextRunAtMs))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name (required)")
	cmd.Flags().StringVar(&at, "at", "", "run once at an RFC3339 time")
	cmd.Flags().StringVar(&every, "every", "", "run on a fixed interval, e.g. 30m")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "run on a cron expression")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone for --cron")
	cmd.Flags().StringVar(&message, "message", "", "agent-turn prompt (isolated session)")
	cmd.Flags().StringVar(&model, "model", "", "model override for --message")
	cmd.Flags().StringVar(&systemEvent, "system-event", "", "system event text (main session)")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (default: configured default agent)")
	cmd.Flags().StringVar(&announce, "announce", "", "deliver isolated output to channel:to")
	cmd.Flags().BoolVar(&bestEffort, "best-effort", false, "ignore delivery failures for --announce")
	cmd.Flags().BoolVar(&deleteAfterRun, "delete-after-run", false, "remove the job after one successful run")
	cmd.MarkFlagRequired("name")
	return cmd
}

func cronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Run a job now",
		Long: "Run a job immediately, outside its schedule. The turn executes in\n" +
			"this process; channel delivery needs the gateway and is recorded as\n" +
			"undeliverable here.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := openCronStore()
			if err != nil {
				return err
			}

			agentID := cfg.ResolveDefaultAgentID()
			agentCfg := cfg.ResolveAgent(agentID)
			var turn agent.TurnFunc = agent.EchoTurn
			if len(agentCfg.TurnCommand) > 0 {
				turn = agent.CommandTurn(agentCfg.TurnCommand)
			}
			store := sessions.NewStore(config.ExpandHome(cfg.Sessions.Storage))
			runner := agent.NewRunner(turn, store, agentID, agentCfg.Model, config.ExpandHome(agentCfg.Workspace), nil)

			sched := cron.NewScheduler(st, agentID, cron.Deps{
				System: bus.New(),
				Turns:  cronTurns{runner},
			})
			res, err := sched.Run(context.Background(), args[0], cron.RunModeForce)
			if err != nil {
				return err
			}
			fmt.Printf("status=%s", res.Status)
			if res.Err != "" {
				fmt.Printf(" error=%q", res.Err)
			}
			if res.DeliveryStatus != "" {
				fmt.Printf(" delivery=%s", res.DeliveryStatus)
			}
			fmt.Println()
			return nil
		},
	}
}

func cronSetEnabledCmd(use string, enabled bool) *cobra.Command {
	short := "Disable a job"
	if enabled {
		short = "Enable a job"
	}
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openCronStore()
			if err != nil {
				return err
			}
			st.Lock()
			defer st.Unlock()
			j := st.Get(args[0])
			if j == nil {
				return fmt.Errorf("job %s not found", args[0])
			}
			j.Enabled = enabled
			if enabled {
				// A manual enable resets the auto-disable counter.
				j.State.ScheduleErrorCount = 0
			}
			st.Touch(j)
			return st.Save()
		},
	}
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openCronStore()
			if err != nil {
				return err
			}
			st.Lock()
			defer st.Unlock()
			if !st.Remove(args[0]) {
				return fmt.Errorf("job %s not found", args[0])
			}
			return st.Save()
		},
	}
}
