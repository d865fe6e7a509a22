// Command rlm runs the RLM engine from the terminal: execute a task with
// streamed output, serve the observer API, or poke the key-value store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"rlm/internal/browser"
	"rlm/internal/config"
	"rlm/internal/engine"
	"rlm/internal/events"
	"rlm/internal/llm"
	"rlm/internal/logging"
	"rlm/internal/metrics"
	"rlm/internal/server"
	"rlm/internal/store"
	"rlm/internal/trace"
	"rlm/pkg/types"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rlm",
		Short:         "Recursive Language Model execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newServeCmd(), newStoreCmd(), newConfigCmd())
	return root
}

// buildEngine assembles an engine from persisted config. The in-memory
// driver stands in until a browser shell connects over the server API.
func buildEngine(cfg config.Config, logger logging.Logger) (*engine.Engine, *metrics.Metrics, error) {
	primary, err := llm.NewClient(cfg, cfg.PrimaryModel)
	if err != nil {
		return nil, nil, err
	}
	sub, err := llm.NewClient(cfg, cfg.SubModel)
	if err != nil {
		return nil, nil, err
	}
	// Both loops share one resilience policy: transient provider errors
	// back off and retry inside the client, permanent ones fail fast.
	primary = llm.WrapWithRetry(primary, logger)
	sub = llm.WrapWithRetry(sub, logger)

	m := metrics.New()
	eng := engine.New(engine.Options{
		Config:  cfg,
		Primary: primary,
		Sub:     sub,
		Driver:  browser.NewMemDriver(),
		Bus:     events.NewBus(logger),
		Metrics: m,
		Logger:  logger,
	})
	return eng, m, nil
}

func newRunCmd() *cobra.Command {
	var traceFlag bool

	cmd := &cobra.Command{
		Use:   "run \"task message\"",
		Short: "Run one task and stream its events to the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := logging.NewComponentLogger("cli")
			eng, _, err := buildEngine(cfg, logger)
			if err != nil {
				return err
			}

			done := make(chan struct{})
			eng.Bus().Subscribe(renderEvent(done))

			if traceFlag || cfg.TraceEnabled {
				dir, err := config.Dir()
				if err == nil {
					if w, err := trace.NewWriter(filepath.Join(dir, "traces"), "cli", logger); err == nil {
						eng.Bus().Subscribe(w.Handler())
						defer func() { _ = w.Close() }()
					}
				}
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				eng.Cancel()
			}()

			if err := eng.SubmitTask(args[0]); err != nil {
				return err
			}
			<-done
			return nil
		},
	}
	cmd.Flags().BoolVar(&traceFlag, "trace", false, "write a JSONL event trace for this run")
	return cmd
}

// renderEvent prints the observer feed with the same shapes the UI shows.
func renderEvent(done chan struct{}) func(types.Event) {
	dim := color.New(color.Faint)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)
	green := color.New(color.FgGreen, color.Bold)

	return func(event types.Event) {
		switch ev := event.(type) {
		case types.IterationStartEvent:
			cyan.Printf("\n── iteration %d ──\n", ev.Iteration)
		case types.StreamTokenEvent:
			fmt.Print(ev.Token)
		case types.CodeGeneratedEvent:
			yellow.Printf("\n[block %d]\n%s\n", ev.BlockIndex, ev.Code)
		case types.CodeResultEvent:
			if ev.Error != "" {
				red.Printf("[result %d] %s\n", ev.BlockIndex, ev.Metadata)
			} else {
				dim.Printf("[result %d] %s\n", ev.BlockIndex, ev.Metadata)
			}
		case types.SubLLMStartEvent:
			dim.Printf("[sub %d] %s\n", ev.SubCallIndex, ev.Prompt)
		case types.SubLLMCompleteEvent:
			dim.Printf("[sub %d done] %s\n", ev.SubCallIndex, ev.ResultMeta)
		case types.PageChangesEvent:
			for _, change := range ev.Changes {
				dim.Printf("[page] tab %s %s: %q -> %q\n", change.TabID, change.Field, change.Old, change.New)
			}
		case types.LogEvent:
			dim.Printf("[log] %s\n", ev.Message)
		case types.ErrorEvent:
			red.Printf("\n[error] %s\n", ev.Error)
		case types.CompleteEvent:
			if ev.Final != nil {
				green.Printf("\n=> %v\n", ev.Final)
			} else {
				red.Println("\n=> task failed")
			}
			select {
			case <-done:
			default:
				close(done)
			}
		}
	}
}

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the observer HTTP API and websocket event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := logging.NewComponentLogger("server")
			eng, m, err := buildEngine(cfg, logger)
			if err != nil {
				return err
			}

			srv := server.New(eng, m, logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Printf("listening on %s\n", addr)
			return srv.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8931", "listen address")
	return cmd
}

func newStoreCmd() *cobra.Command {
	storeCmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect the persistent key-value store",
	}

	openStore := func() (*store.Store, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		dir := cfg.StoreDir
		if dir == "" {
			base, err := config.Dir()
			if err != nil {
				return nil, err
			}
			dir = filepath.Join(base, "store")
		}
		return store.New(dir, logging.NewComponentLogger("store"))
	}

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a stored value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			value, ok := s.Retrieve(args[0])
			if !ok {
				return fmt.Errorf("no value for key %q", args[0])
			}
			fmt.Printf("%v\n", value)
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a string value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			return s.Store(args[0], args[1])
		},
	}

	storeCmd.AddCommand(getCmd, setCmd)
	return storeCmd
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage engine configuration",
	}

	setKeyCmd := &cobra.Command{
		Use:   "set-key <api-key>",
		Short: "Store the provider API key (encrypted at rest)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cfg.APIKey = args[0]
			return config.Save(cfg)
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			fmt.Printf("provider:       %s\n", cfg.Provider)
			fmt.Printf("primary model:  %s\n", cfg.PrimaryModel)
			fmt.Printf("sub model:      %s\n", cfg.SubModel)
			fmt.Printf("max iterations: %d\n", cfg.MaxIterations)
			fmt.Printf("max sub-calls:  %d\n", cfg.MaxSubCalls)
			fmt.Printf("api key set:    %v\n", cfg.APIKey != "")
			return nil
		},
	}

	configCmd.AddCommand(setKeyCmd, showCmd)
	return configCmd
}
