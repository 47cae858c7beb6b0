package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/draftwatch/dw/internal/api"
	"github.com/draftwatch/dw/internal/channel"
	"github.com/draftwatch/dw/internal/config"
	"github.com/draftwatch/dw/internal/engine"
	"github.com/draftwatch/dw/internal/events"
	"github.com/draftwatch/dw/internal/logging"
	"github.com/draftwatch/dw/internal/session"
	"github.com/draftwatch/dw/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(ctx)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	shutdownTelemetry, err := telemetry.Init(ctx)
	if err != nil {
		logger.Logger.Warn("telemetry disabled", "error", err)
	} else {
		defer shutdownTelemetry()
	}

	deps, err := buildDeps(cfg, logger.Logger)
	if err != nil {
		return err
	}

	cmd := newRootCommand(cfg, deps, logger.Logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// deps bundles the wired runtime the commands share.
type deps struct {
	client     *api.Client
	controller *session.Controller
	bus        *events.InMemoryBus
}

func buildDeps(cfg *config.Config, logger *log.Logger) (*deps, error) {
	client, err := api.NewClient(cfg.APIBaseURL, api.WithTimeout(cfg.RequestTimeout))
	if err != nil {
		return nil, fmt.Errorf("build collaborator client: %w", err)
	}

	adapter, err := channel.New(cfg.WSBaseURL,
		channel.WithProbeInterval(cfg.PingInterval),
		channel.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("build push channel adapter: %w", err)
	}

	bus := events.New()
	eng := engine.New(
		engine.WithBus(bus),
		engine.WithHistoryLimit(cfg.HistoryLimit),
	)
	controller := session.New(client, session.AdapterConnector(adapter), eng,
		session.WithBus(bus),
		session.WithLogger(logger),
	)

	return &deps{client: client, controller: controller, bus: bus}, nil
}

func newRootCommand(cfg *config.Config, deps *deps, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "dw",
		Short:         "Draftwatch drafting session monitor",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newSessionCommand(cfg, deps, logger),
		newRunCommand(cfg, deps, logger),
		newApproveCommand(deps, logger),
		newRejectCommand(deps, logger),
		newReviewCommand(deps, logger),
		newStatusCommand(deps, logger),
		newWatchCommand(deps, logger),
		newDoctorCommand(cfg, deps, logger),
		newBugreportCommand(logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	return root
}
