package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/draftwatch/dw/internal/api"
	"github.com/draftwatch/dw/internal/config"
	"github.com/draftwatch/dw/internal/doctor"
	"github.com/draftwatch/dw/internal/engine"
	"github.com/draftwatch/dw/internal/events"
	"github.com/draftwatch/dw/internal/review"
)

const defaultWatchTimeout = 15 * time.Minute

func newSessionCommand(cfg *config.Config, deps *deps, logger *log.Logger) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Create, select, and list drafting sessions",
	}

	var mode string
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Create a new session and make it active",
		RunE: func(cmd *cobra.Command, _ []string) error {
			selected := api.SessionMode(strings.ToLower(strings.TrimSpace(mode)))
			if mode == "" {
				selected = cfg.DefaultMode
			}
			if !selected.Valid() {
				return fmt.Errorf("mode %q is not one of human_optional, human_required, auto", mode)
			}

			sessionID, err := deps.controller.Create(cmd.Context(), selected)
			if err != nil {
				return err
			}
			defer deps.controller.Clear()
			if err := saveActiveSession(sessionID); err != nil {
				return err
			}
			logger.Info("session created", "session_id", sessionID, "mode", string(selected))
			fmt.Fprintf(cmd.OutOrStdout(), "session %s (%s) is now active\n", sessionID, selected)
			return nil
		},
	}
	newCmd.Flags().StringVar(&mode, "mode", "", "approval mode: human_optional, human_required, or auto")

	useCmd := &cobra.Command{
		Use:   "use <session-id>",
		Short: "Make an existing session active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := strings.TrimSpace(args[0])
			if sessionID == "" {
				return errors.New("session id is required")
			}
			if err := saveActiveSession(sessionID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s is now active\n", sessionID)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget the active session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := clearActiveSession(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "active session cleared")
			return nil
		},
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessions, err := deps.controller.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
				return nil
			}
			active, _ := loadActiveSession()
			for _, summary := range sessions {
				marker := " "
				if summary.ThreadID == active {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %-14s %s\n", marker, summary.ThreadID, summary.Mode, summary.CreatedAt)
			}
			return nil
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")

	sessionCmd.AddCommand(newCmd, useCmd, clearCmd, listCmd)
	return sessionCmd
}

func newRunCommand(cfg *config.Config, deps *deps, logger *log.Logger) *cobra.Command {
	var requireApproval bool
	var watch bool
	var watchTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "run <input text>",
		Short: "Launch a drafting run on the active session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputText := strings.TrimSpace(strings.Join(args, " "))
			if inputText == "" {
				return errors.New("input text is required")
			}

			require := requireApproval
			if !cmd.Flags().Changed("require-approval") {
				require = cfg.DefaultMode == api.ModeHumanRequired
			}

			if err := withActiveSession(cmd.Context(), deps, func(ctx context.Context) error {
				if err := deps.controller.LaunchRun(ctx, inputText, require); err != nil {
					return err
				}
				logger.Info("run launched", "session_id", deps.controller.SessionID())
				if watch {
					return watchUntilSettled(ctx, deps, cmd.OutOrStdout(), watchTimeout)
				}
				return nil
			}); err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), renderView(deps.controller.View()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&requireApproval, "require-approval", false, "halt at the approval gate before finalizing")
	cmd.Flags().BoolVar(&watch, "watch", false, "stay attached until the run halts or finishes")
	cmd.Flags().DurationVar(&watchTimeout, "watch-timeout", defaultWatchTimeout, "give up watching after this long")
	return cmd
}

func newApproveCommand(deps *deps, logger *log.Logger) *cobra.Command {
	var editFile string
	var watch bool
	var watchTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve the draft waiting at the gate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			editedText := ""
			if editFile != "" {
				data, err := os.ReadFile(editFile) // #nosec G304 -- user-supplied path by design.
				if err != nil {
					return fmt.Errorf("read edited draft: %w", err)
				}
				editedText = string(data)
			}

			if err := withActiveSession(cmd.Context(), deps, func(ctx context.Context) error {
				if err := deps.controller.Approve(ctx, editedText); err != nil {
					return err
				}
				logger.Info("approval submitted", "session_id", deps.controller.SessionID())
				if watch {
					return watchUntilSettled(ctx, deps, cmd.OutOrStdout(), watchTimeout)
				}
				return nil
			}); err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), renderView(deps.controller.View()))
			return nil
		},
	}
	cmd.Flags().StringVar(&editFile, "edit", "", "file with an edited draft to approve instead of the original")
	cmd.Flags().BoolVar(&watch, "watch", false, "stay attached until the resumed run finishes")
	cmd.Flags().DurationVar(&watchTimeout, "watch-timeout", defaultWatchTimeout, "give up watching after this long")
	return cmd
}

func newRejectCommand(deps *deps, logger *log.Logger) *cobra.Command {
	var feedback string
	var watch bool
	var watchTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "reject",
		Short: "Send the halted draft back for revision",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := withActiveSession(cmd.Context(), deps, func(ctx context.Context) error {
				if err := deps.controller.Reject(ctx, feedback); err != nil {
					return err
				}
				logger.Info("rejection submitted", "session_id", deps.controller.SessionID())
				if watch {
					return watchUntilSettled(ctx, deps, cmd.OutOrStdout(), watchTimeout)
				}
				return nil
			}); err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), renderView(deps.controller.View()))
			return nil
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "reviewer feedback for the revision")
	cmd.Flags().BoolVar(&watch, "watch", false, "stay attached until the revised run halts or finishes")
	cmd.Flags().DurationVar(&watchTimeout, "watch-timeout", defaultWatchTimeout, "give up watching after this long")
	return cmd
}

func newReviewCommand(deps *deps, logger *log.Logger) *cobra.Command {
	var watch bool
	var watchTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "review",
		Short: "Interactively review the draft waiting at the gate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := withActiveSession(cmd.Context(), deps, func(ctx context.Context) error {
				sessionID := deps.controller.SessionID()
				pending, err := deps.client.FetchPending(ctx, sessionID)
				if err != nil {
					return err
				}
				if pending == nil || pending.Status != api.RunStatusHalted {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing is waiting for approval")
					return nil
				}

				request, err := review.BuildRequest(sessionID, pending)
				if err != nil {
					return err
				}
				decision := review.Prompt(cmd.InOrStdin(), cmd.OutOrStdout(), request)
				switch decision.Verdict {
				case review.VerdictApprove:
					if err := deps.controller.Approve(ctx, decision.EditedText); err != nil {
						return err
					}
					logger.Info("approval submitted", "session_id", sessionID, "run_id", pending.RunID)
				case review.VerdictReject:
					if err := deps.controller.Reject(ctx, decision.Feedback); err != nil {
						return err
					}
					logger.Info("rejection submitted", "session_id", sessionID, "run_id", pending.RunID)
				default:
					fmt.Fprintln(cmd.OutOrStdout(), "draft left waiting at the gate")
					return nil
				}

				if watch {
					return watchUntilSettled(ctx, deps, cmd.OutOrStdout(), watchTimeout)
				}
				return nil
			}); err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), renderView(deps.controller.View()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "stay attached until the resumed run halts or finishes")
	cmd.Flags().DurationVar(&watchTimeout, "watch-timeout", defaultWatchTimeout, "give up watching after this long")
	return cmd
}

func newStatusCommand(deps *deps, _ *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active session's derived view",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := withActiveSession(cmd.Context(), deps, func(context.Context) error {
				return nil
			}); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderView(deps.controller.View()))
			return nil
		},
	}
}

func newWatchCommand(deps *deps, _ *log.Logger) *cobra.Command {
	var watchTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Attach to the active session and stream progress",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := withActiveSession(cmd.Context(), deps, func(ctx context.Context) error {
				return watchUntilSettled(ctx, deps, cmd.OutOrStdout(), watchTimeout)
			}); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderView(deps.controller.View()))
			return nil
		},
	}
	cmd.Flags().DurationVar(&watchTimeout, "timeout", defaultWatchTimeout, "give up watching after this long")
	return cmd
}

func newDoctorCommand(cfg *config.Config, deps *deps, _ *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run preflight checks against the collaborator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, err := doctor.NewManager(cfg, deps.client, deps.bus)
			if err != nil {
				return err
			}
			report, err := manager.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), doctor.Format(report))
			if !report.Healthy() {
				return errors.New("preflight failed")
			}
			return nil
		},
	}
}

// withActiveSession resolves the stored session id, activates it for the
// duration of fn, and tears the subscription down afterwards.
func withActiveSession(ctx context.Context, deps *deps, fn func(context.Context) error) error {
	sessionID, err := loadActiveSession()
	if err != nil {
		return err
	}
	if sessionID == "" {
		return errors.New("no active session; run `dw session new` or `dw session use <id>` first")
	}
	if err := deps.controller.Activate(ctx, sessionID); err != nil {
		return err
	}
	defer deps.controller.Clear()
	return fn(ctx)
}

// watchUntilSettled prints activity as it happens and returns once the
// view reaches halted, completed, or failed.
func watchUntilSettled(ctx context.Context, deps *deps, out io.Writer, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultWatchTimeout
	}

	updates := make(chan engine.View, 16)
	deps.bus.Subscribe(events.EventTypeViewUpdated, func(event events.Event) {
		if view, ok := event.Payload.(engine.View); ok {
			select {
			case updates <- view:
			default:
			}
		}
	})

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	lastLine := ""
	if view := deps.controller.View(); settled(view.Status) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("run did not settle within %s", timeout)
		case view := <-updates:
			if line := view.HistoryHead(); line != "" && line != lastLine {
				fmt.Fprintf(out, "%s  %s\n", view.UpdatedAt.Format("15:04:05"), line)
				lastLine = line
			}
			if settled(view.Status) {
				return nil
			}
		}
	}
}

func settled(status engine.Status) bool {
	return status == engine.StatusHalted || status.Terminal()
}

func activeSessionPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, ".dw", "active-session"), nil
}

func saveActiveSession(sessionID string) error {
	path, err := activeSessionPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strings.TrimSpace(sessionID)+"\n"), 0o600); err != nil {
		return fmt.Errorf("save active session: %w", err)
	}
	return nil
}

func loadActiveSession() (string, error) {
	path, err := activeSessionPath()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- deterministic path under ~/.dw.
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("load active session: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func clearActiveSession() error {
	path, err := activeSessionPath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear active session: %w", err)
	}
	return nil
}
