package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/oriys/triage/internal/client"
	"github.com/spf13/cobra"
)

// runCmd 分诊运行管理的父命令
var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"runs"},
	Short:   "Manage triage runs",
}

var runStartCmd = &cobra.Command{
	Use:   "start [log]",
	Short: "Start a triage run",
	Long: `Start a triage run on the gateway. The run stops at awaiting_selection
once remediation options are ranked.

Examples:
  triage run start "ERROR [payments] ThrottlingException: Rate exceeded"
  triage run start --file error.log --source jenkins`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readLogInput(cmd, args, startFile)
		if err != nil {
			return err
		}
		run, err := newClient().StartRun(cmd.Context(), raw, startSource)
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintRun(run)
	},
}

var runGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := newClient().GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintRun(run)
	},
}

var runListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := newClient().ListRuns(cmd.Context(), client.ListRunsOptions{
			State:  listState,
			Offset: listOffset,
			Limit:  listLimit,
		})
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintRuns(list)
	},
}

var runHistoryCmd = &cobra.Command{
	Use:   "history <run-id>",
	Short: "Show the state transitions of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := newClient().History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintHistory(h)
	},
}

var runSelectCmd = &cobra.Command{
	Use:   "select <run-id> <option-id>",
	Short: "Select a remediation option and dispatch actions",
	Long: `Select one of the ranked options of a run awaiting selection.
Use --notify and --ticket to send a Slack notification and open a Jira issue.

Examples:
  triage run select 7f3c... iam-grant-missing-action --notify --channel "#sre"
  triage run select 7f3c... throttling-backoff --ticket`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := newClient().Select(cmd.Context(), args[0], client.SelectRequest{
			OptionID:     args[1],
			Notify:       selectNotify,
			CreateTicket: selectTicket,
			ChannelHint:  selectChannel,
		})
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintRun(run)
	},
}

var runDeclineCmd = &cobra.Command{
	Use:   "decline <run-id>",
	Short: "Decline all options and complete the run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := newClient().Decline(cmd.Context(), args[0], finishReason)
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintRun(run)
	},
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Abandon a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := newClient().Cancel(cmd.Context(), args[0], finishReason)
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintRun(run)
	},
}

var runRetryCmd = &cobra.Command{
	Use:   "retry-dispatch <run-id>",
	Short: "Retry the failed actions of a partially dispatched run",
	Long: `Create a new run that re-dispatches only the failed actions of a run
that ended with partial_dispatch. The original run is left unchanged.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := newClient().RetryDispatch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintRun(run)
	},
}

var runWatchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Stream state changes of a run until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		printer := NewPrinter(cmd.OutOrStdout())
		err := newClient().Watch(ctx, args[0], printer.PrintWatch)
		if err != nil && ctx.Err() != nil {
			return nil
		}
		return err
	},
}

var (
	startFile   string
	startSource string

	listState  string
	listOffset int
	listLimit  int

	selectNotify  bool
	selectTicket  bool
	selectChannel string

	finishReason string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.AddCommand(runStartCmd, runGetCmd, runListCmd, runHistoryCmd,
		runSelectCmd, runDeclineCmd, runCancelCmd, runRetryCmd, runWatchCmd)

	runStartCmd.Flags().StringVarP(&startFile, "file", "f", "", "read log from file (\"-\" for stdin)")
	runStartCmd.Flags().StringVar(&startSource, "source", "cli", "source label recorded on the run")

	runListCmd.Flags().StringVar(&listState, "state", "", "filter by state (e.g. awaiting_selection, failed)")
	runListCmd.Flags().IntVar(&listOffset, "offset", 0, "number of runs to skip")
	runListCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of runs")

	runSelectCmd.Flags().BoolVar(&selectNotify, "notify", false, "send a Slack notification")
	runSelectCmd.Flags().BoolVar(&selectTicket, "ticket", false, "create a Jira issue")
	runSelectCmd.Flags().StringVar(&selectChannel, "channel", "", "notification channel hint")

	for _, c := range []*cobra.Command{runDeclineCmd, runCancelCmd} {
		c.Flags().StringVar(&finishReason, "reason", "", "reason recorded in the run history")
	}
}
