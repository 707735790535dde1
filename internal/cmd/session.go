package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"vcli/internal/protocol"
	"vcli/internal/session"
)

var createCmd = &cobra.Command{
	Use:     "create",
	GroupID: GroupSession,
	Short:   "Reserve a new session id",
	Long: `Print a fresh session id. The session's shell starts with its first
command.`,
	Args: cobra.NoArgs,
	RunE: runCreate,
}

var addCmd = &cobra.Command{
	Use:     "add <session-id> <command>...",
	GroupID: GroupSession,
	Short:   "Queue a command on a session",
	Long: `Queue a command on a session, creating the session if needed, and
print the command id.

Without --wait the command runs until it finishes. --wait takes a number of
seconds or a text pattern to wait for in the output. --timeout bounds every
wait. A command starting with ## is a comment: "##title X" and "##caption X"
label the session.

Examples:
  vcli add build make all
  vcli add db psql --wait 'postgres=#' --timeout 10
  vcli add db '\q' --wait 1
  vcli add remote ssh host --eol '\r\n' --wait 'password:'`,
	Args: cobra.MinimumNArgs(2),
	RunE: runAdd,
}

var resultsCmd = &cobra.Command{
	Use:     "results <session-id>",
	GroupID: GroupSession,
	Short:   "Wait for a session's queue to drain and print its output",
	Args:    cobra.ExactArgs(1),
	RunE:    runResults,
}

var statusCmd = &cobra.Command{
	Use:     "status <session-id>",
	GroupID: GroupSession,
	Short:   "Show a session's state and progress as JSON",
	Args:    cobra.ExactArgs(1),
	RunE:    runStatus,
}

var idsCmd = &cobra.Command{
	Use:     "ids",
	GroupID: GroupSession,
	Short:   "List live session ids",
	Args:    cobra.NoArgs,
	RunE:    runIDs,
}

var pauseCmd = &cobra.Command{
	Use:     "pause <session-id>",
	GroupID: GroupSession,
	Short:   "Stop ticking a session until resumed",
	Args:    cobra.ExactArgs(1),
	RunE:    runPause,
}

var resumeCmd = &cobra.Command{
	Use:     "resume <session-id>",
	GroupID: GroupSession,
	Short:   "Resume a paused session",
	Args:    cobra.ExactArgs(1),
	RunE:    runResume,
}

var closeCmd = &cobra.Command{
	Use:     "close <session-id>",
	GroupID: GroupSession,
	Short:   "Terminate a session's shell",
	Args:    cobra.ExactArgs(1),
	RunE:    runClose,
}

var closeAllCmd = &cobra.Command{
	Use:     "close-all",
	GroupID: GroupSession,
	Short:   "Terminate every session",
	Args:    cobra.NoArgs,
	RunE:    runCloseAll,
}

var watchCmd = &cobra.Command{
	Use:     "watch <session-id>",
	GroupID: GroupSession,
	Short:   "Stream a session's output",
	Long: `Print a session's recent output, then follow it until the session
closes or the command is interrupted. Title and caption changes go to stderr.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var quitCmd = &cobra.Command{
	Use:     "quit",
	GroupID: GroupService,
	Short:   "Close every session and stop the service",
	Args:    cobra.NoArgs,
	RunE:    runQuit,
}

var (
	addWait     string
	addEOL      string
	addTimeout  int
	addPriority int
	addTitle    string
)

func init() {
	addCmd.Flags().StringVar(&addWait, "wait", "", "seconds to wait, or a text pattern to wait for")
	addCmd.Flags().StringVar(&addEOL, "eol", "", `line ending sent after the command, e.g. '\r\n'`)
	addCmd.Flags().IntVar(&addTimeout, "timeout", 0, "seconds before the wait gives up (default from config)")
	addCmd.Flags().IntVar(&addPriority, "priority", 0, "scheduling tier 0-20, lower runs first (default from config)")
	addCmd.Flags().StringVar(&addTitle, "title", "", "session title")

	rootCmd.AddCommand(createCmd, addCmd, resultsCmd, statusCmd, idsCmd,
		pauseCmd, resumeCmd, closeCmd, closeAllCmd, watchCmd, quitCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	id, err := newClient().Create(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	wait, err := session.ParseWait(addWait)
	if err != nil {
		return err
	}
	p := protocol.CommandAddPayload{
		SessionID: args[0],
		Text:      strings.Join(args[1:], " "),
		Wait:      protocol.NewWaitPayload(wait),
		Title:     addTitle,
	}
	flags := cmd.Flags()
	if flags.Changed("eol") {
		eol, err := unescape(addEOL)
		if err != nil {
			return err
		}
		p.EOL = &eol
	}
	if flags.Changed("timeout") {
		p.Timeout = &addTimeout
	}
	if flags.Changed("priority") {
		p.Priority = &addPriority
	}

	id, err := newClient().AddCommand(cmd.Context(), p)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runResults(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	text, err := newClient().Results(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), text)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := newClient().Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func runIDs(cmd *cobra.Command, args []string) error {
	ids, err := newClient().IDs(cmd.Context())
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

func runPause(cmd *cobra.Command, args []string) error {
	return newClient().Pause(cmd.Context(), args[0])
}

func runResume(cmd *cobra.Command, args []string) error {
	return newClient().Resume(cmd.Context(), args[0])
}

func runClose(cmd *cobra.Command, args []string) error {
	return newClient().Close(cmd.Context(), args[0])
}

func runCloseAll(cmd *cobra.Command, args []string) error {
	return newClient().CloseAll(cmd.Context())
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	err := newClient().Watch(ctx, args[0], func(ev session.Event) bool {
		switch ev.Type {
		case session.EventOutput:
			fmt.Fprint(out, ev.Data)
		case session.EventTitle, session.EventCaption, session.EventState:
			fmt.Fprintf(errOut, "[%s] %s\n", ev.Type, ev.Data)
		}
		return true
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func runQuit(cmd *cobra.Command, args []string) error {
	return newClient().Quit(cmd.Context())
}
