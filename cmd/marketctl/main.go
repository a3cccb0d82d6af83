// Command marketctl drives the marketplace API client from a terminal:
// sign in, read dashboards, check backend health and run recovery.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"marketflow/apiclient"
	"marketflow/config"
	"marketflow/logging"
	"marketflow/recovery"
	"marketflow/supervisor"
)

var Version = "dev"

type loader func(path string) (*config.Config, error)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, closeApp := newRootCmd(loadConfig)
	err := root.ExecuteContext(ctx)
	if cerr := closeApp(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

// newRootCmd builds the command tree. The returned func releases the client
// stack opened by whichever command ran.
func newRootCmd(load loader) (*cobra.Command, func() error) {
	var (
		configPath string
		a          *app
	)

	root := &cobra.Command{
		Use:           "marketctl",
		Short:         "Marketplace client: sessions, dashboards, health and recovery",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(configPath)
			if err != nil {
				return err
			}
			logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Caller: cfg.Logging.Caller})
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.RequireClient(); err != nil {
				return err
			}
			a, err = newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
			return err
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: CONFIG_PATH or ./config.yaml)")

	get := func() *app { return a }
	root.AddCommand(
		loginCmd(get),
		logoutCmd(get),
		dashboardCmd(get),
		healthCmd(get),
		recoverCmd(get),
		watchCmd(get),
	)
	closeApp := func() error {
		if a == nil {
			return nil
		}
		err := a.Close()
		a = nil
		return err
	}
	return root, closeApp
}

func loginCmd(get func() *app) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("MARKETFLOW_PASSWORD")
			}
			if email == "" || password == "" {
				return errors.New("login: --email and --password (or MARKETFLOW_PASSWORD) are required")
			}
			sess, err := get().sessions.SignIn(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (token valid until %s)\n",
				sess.Email, sess.ExpiresAt.Local().Format("2006-01-02 15:04"))
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	return cmd
}

func logoutCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the local session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			a.cache.InvalidateAll()
			if err := a.sessions.SignOut(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func dashboardCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:       "dashboard seller|buyer",
		Short:     "Print the seller or buyer dashboard",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"seller", "buyer"},
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			var (
				out any
				err error
			)
			switch args[0] {
			case "seller":
				out, err = a.client.SellerDashboard(cmd.Context())
			default:
				out, err = a.client.BuyerDashboard(cmd.Context())
			}
			if err != nil {
				if apiclient.IsReconnecting(err) {
					return fmt.Errorf("backend is reconnecting, try again shortly: %w", err)
				}
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func healthCmd(get func() *app) *cobra.Command {
	var entries int
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Ping the backend and show the health state and recent log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			res := a.monitor.Ping(cmd.Context())
			log := a.monitor.Log()
			if entries >= 0 && len(log) > entries {
				log = log[len(log)-entries:]
			}
			if err := printJSON(cmd, map[string]any{
				"ok":    res.OK,
				"code":  res.Code,
				"state": a.monitor.State(),
				"log":   log,
			}); err != nil {
				return err
			}
			if !res.OK {
				return fmt.Errorf("health check failed: %v", res.Err)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&entries, "entries", "n", 10, "log entries to show")
	return cmd
}

func recoverCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run a backend recovery pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res := get().recovery.Recover(cmd.Context(), "manual")
			fmt.Fprintf(cmd.OutOrStdout(), "%s", res.Outcome)
			if res.Message != "" {
				fmt.Fprintf(cmd.OutOrStdout(), ": %s", res.Message)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			if res.Outcome == recovery.Failed {
				return errors.New("recovery failed")
			}
			return nil
		},
	}
}

func watchCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the health monitor until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			tree := supervisor.NewTree("marketctl", logging.NewSlogLogger(), supervisor.TreeConfig{})
			tree.AddBackgroundService(supervisor.NewLoopService("health-monitor", a.monitor))
			err := tree.Serve(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
