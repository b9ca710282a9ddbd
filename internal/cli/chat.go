package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Zenin797/SunoTherapist/app"
	"github.com/Zenin797/SunoTherapist/core"
	"github.com/Zenin797/SunoTherapist/engine"
)

func init() {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in the terminal",
		Long: "Start an interactive session. Commands inside the session:\n" +
			"  /history  show the conversation so far\n" +
			"  /reset    forget this conversation (memories are kept)\n" +
			"  /exit     quit",
		Run: runChat,
	}

	cmd.Flags().StringP("user", "u", "", "User id (prompted when empty)")
	cmd.Flags().StringP("thread", "t", "", "Thread id (prompted when empty)")
	cmd.Flags().Bool("quiet", false, "Do not print intermediate steps")

	RootCmd.AddCommand(cmd)
}

func runChat(cmd *cobra.Command, args []string) {
	userID, _ := cmd.Flags().GetString("user")
	threadID, _ := cmd.Flags().GetString("thread")
	quiet, _ := cmd.Flags().GetBool("quiet")

	out := cmd.OutOrStdout()
	var opts []app.Option
	if !quiet {
		opts = append(opts, app.WithObserver(printStep(out)))
	}

	a, err := openApp(cmd.Context(), opts...)
	if err != nil {
		exitErr("start agent", err)
	}
	defer a.Close()

	in := bufio.NewScanner(cmd.InOrStdin())
	s := &chatSession{engine: a.Engine, in: in, out: out}

	if userID == "" {
		userID, _ = s.prompt("User id (empty for a new one): ")
		if userID == "" {
			userID = app.NewUserID()
		}
	}
	if threadID == "" {
		threadID = s.chooseThread(cmd.Context(), userID)
	}
	s.rc = core.RunContext{UserID: userID, ThreadID: threadID}

	fmt.Fprintf(out, "Model %s. Chatting as %s on thread %s. Type /exit to quit.\n", a.ModelName, userID, threadID)
	if err := s.loop(cmd.Context()); err != nil {
		exitErr("chat", err)
	}
}

type chatSession struct {
	engine *engine.Engine
	rc     core.RunContext
	in     *bufio.Scanner
	out    io.Writer
}

// prompt reads one line. It returns false at end of input.
func (s *chatSession) prompt(label string) (string, bool) {
	fmt.Fprint(s.out, label)
	if !s.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(s.in.Text()), true
}

// chooseThread lists the user's threads and lets them pick one or start a
// new one.
func (s *chatSession) chooseThread(ctx context.Context, userID string) string {
	threads, err := s.engine.Threads(ctx, userID)
	if err != nil || len(threads) == 0 {
		return app.NewThreadID()
	}

	fmt.Fprintln(s.out, "Existing conversations:")
	for i, t := range threads {
		fmt.Fprintf(s.out, "  %d) %s\n", i+1, t)
	}
	choice, _ := s.prompt("Pick a number, or press enter for a new conversation: ")
	n, err := strconv.Atoi(choice)
	if err != nil || n < 1 || n > len(threads) {
		return app.NewThreadID()
	}
	return threads[n-1]
}

func (s *chatSession) loop(ctx context.Context) error {
	// A previous session may have been interrupted mid-turn.
	if out, err := s.engine.Resume(ctx, s.rc); err == nil {
		s.printAnswer(out)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, ok := s.prompt("\nyou> ")
		if !ok {
			return s.in.Err()
		}
		if line == "" {
			continue
		}

		switch line {
		case "/exit", "/quit":
			return nil
		case "/reset":
			if err := s.engine.Reset(ctx, s.rc); err != nil {
				fmt.Fprintf(s.out, "reset failed: %v\n", err)
			} else {
				fmt.Fprintln(s.out, "Conversation cleared.")
			}
			continue
		case "/history":
			s.printHistory(ctx)
			continue
		}

		out, err := s.send(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(s.out, "error: %v\n", err)
			continue
		}
		s.printAnswer(out)
	}
}

// send runs a turn for line. An interrupted earlier turn is finished first
// and its answer printed, then line gets its own turn.
func (s *chatSession) send(ctx context.Context, line string) (*engine.Output, error) {
	out, err := s.engine.Run(ctx, &engine.Input{RunContext: s.rc, UserMessage: line})
	if !errors.Is(err, core.ErrTurnInProgress) {
		return out, err
	}

	fmt.Fprintln(s.out, "Finishing the previous turn first.")
	prev, err := s.engine.Resume(ctx, s.rc)
	if err != nil {
		return nil, fmt.Errorf("resume previous turn: %w", err)
	}
	s.printAnswer(prev)
	return s.engine.Run(ctx, &engine.Input{RunContext: s.rc, UserMessage: line})
}

func (s *chatSession) printAnswer(out *engine.Output) {
	if out == nil {
		return
	}
	fmt.Fprintf(s.out, "\nagent> %s\n", out.Text)
	if out.Type == engine.OutputError && out.Error != nil {
		fmt.Fprintf(s.out, "(stopped: %v)\n", out.Error)
	}
}

func (s *chatSession) printHistory(ctx context.Context) {
	msgs, err := s.engine.History(ctx, s.rc)
	if err != nil {
		fmt.Fprintf(s.out, "history failed: %v\n", err)
		return
	}
	for _, m := range msgs {
		printMessage(s.out, m)
	}
}

func printStep(w io.Writer) engine.Observer {
	return func(rc core.RunContext, step core.Step, added []core.Message) {
		if step == core.StepDone {
			return
		}
		fmt.Fprintf(w, "  [%s]\n", step)
		for _, m := range added {
			// The final answer is printed once the turn ends.
			if m.Role == core.RoleUser || (m.Role == core.RoleAssistant && len(m.ToolCalls) == 0) {
				continue
			}
			printMessage(w, m)
		}
	}
}

func printMessage(w io.Writer, m core.Message) {
	switch {
	case len(m.ToolCalls) > 0:
		for _, c := range m.ToolCalls {
			fmt.Fprintf(w, "    call %s %s\n", c.Name, string(c.Arguments))
		}
	case m.Role == core.RoleTool:
		status := "ok"
		if m.IsError {
			status = "error"
		}
		fmt.Fprintf(w, "    result (%s) %s\n", status, truncate(m.Content, 200))
	default:
		fmt.Fprintf(w, "    %s: %s\n", m.Role, m.Content)
	}
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
