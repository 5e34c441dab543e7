package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petervdpas/tandem/internal/app"
	"github.com/petervdpas/tandem/internal/config"
	"github.com/petervdpas/tandem/internal/invite"
	"github.com/petervdpas/tandem/internal/logger"
	"github.com/petervdpas/tandem/internal/syncerr"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const configFile = "tandem.json"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, syncerr.Format(err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tandem",
		Short:         "Listen to the same music together",
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serverCmd(), hostCmd(), joinCmd(), inviteCmd(), configCmd())
	return root
}

func serverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server <dir>",
		Short: "Run the sync server with rendezvous and optional relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := loadInstance(args[0])
			if err != nil {
				return err
			}
			printBanner(o, "Sync server")
			return app.RunServer(signalContext(), o)
		},
	}
}

func hostCmd() *cobra.Command {
	var room string
	cmd := &cobra.Command{
		Use:   "host <dir>",
		Short: "Host a session and share what this machine plays",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := loadInstance(args[0])
			if err != nil {
				return err
			}
			if room == "" {
				room = o.Cfg.Server.Room
			}
			printBanner(o, "Host")
			return app.RunHost(signalContext(), o, app.HostOptions{
				SessionID: room,
				OnInvite: func(link string) {
					fmt.Println("Invite link (share it with your listeners):")
					fmt.Println()
					fmt.Println("  " + link)
					fmt.Println()
				},
			})
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "resume hosting this session id (default: server.room / SYNC_ROOM)")
	return cmd
}

func joinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <dir> <link>",
		Short: "Follow a session from an invite link or address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			link, err := invite.Parse(args[1])
			if err != nil {
				return err
			}
			o, err := loadInstance(args[0])
			if err != nil {
				return err
			}
			printBanner(o, "Follower of "+link.SessionID)
			return app.RunFollower(signalContext(), o, link)
		},
	}
}

func inviteCmd() *cobra.Command {
	var web bool
	cmd := &cobra.Command{
		Use:   "invite <endpoint> <session>",
		Short: "Print the invite link for a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			l := invite.Link{SessionID: args[1], Endpoint: args[0]}
			if _, err := invite.Parse(invite.Encode(l)); err != nil {
				return err
			}
			if web {
				fmt.Fprintln(cmd.OutOrStdout(), invite.WebURL(l))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), invite.Encode(l))
			return nil
		},
	}
	cmd.Flags().BoolVar(&web, "web", false, "print the http address instead of the tandem:// link")
	return cmd
}

func configCmd() *cobra.Command {
	var interactive bool
	cmd := &cobra.Command{
		Use:   "config <dir>",
		Short: "Create the config file if needed and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := instanceDir(args[0], true)
			if err != nil {
				return err
			}
			path := filepath.Join(dir, configFile)
			cfg, created, err := config.Ensure(path)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.ErrOrStderr(), "Created %s\n", path)
			}
			if interactive {
				// Edit the file's values, not the environment overrides.
				file, err := config.LoadPartial(path)
				if err != nil {
					return err
				}
				cfg = app.PromptInteractive(cmd.InOrStdin(), cmd.OutOrStdout(), dir, path, file)
				if err := config.Save(path, cfg); err != nil {
					return err
				}
			}
			b, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "answer a few questions to edit the config")
	return cmd
}

// loadInstance reads <dir>/.env and <dir>/tandem.json and sets up logging.
func loadInstance(arg string) (app.Options, error) {
	dir, err := instanceDir(arg, true)
	if err != nil {
		return app.Options{}, err
	}
	if err := config.LoadDotEnv(dir); err != nil {
		return app.Options{}, fmt.Errorf("read .env: %w", err)
	}
	cfgPath := filepath.Join(dir, configFile)
	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		return app.Options{}, fmt.Errorf("load config: %w", err)
	}
	o := app.Options{
		Dir:     dir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Progress: func(step, total int, label string) {
			fmt.Printf("[%d/%d] %s\n", step, total, label)
		},
	}
	if err := app.SetupLogging(o); err != nil {
		return app.Options{}, err
	}
	return o, nil
}

func instanceDir(arg string, create bool) (string, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("invalid directory: %w", err)
	}
	st, err := os.Stat(abs)
	switch {
	case err == nil && !st.IsDir():
		return "", fmt.Errorf("%s is not a directory", abs)
	case errors.Is(err, os.ErrNotExist) && create:
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	}
	return abs, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully...")
		cancel()
		logger.Sync()
	}()
	return ctx
}

func printBanner(o app.Options, mode string) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                        tandem                          ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Mode:           %s\n", mode)
	fmt.Printf("Instance:       %s\n", o.Dir)
	fmt.Printf("Config File:    %s\n", o.CfgPath)
	if p := logger.Path(); p != "" {
		fmt.Printf("Log File:       %s\n", p)
	}
	if o.Cfg.Identity.Label != "" {
		fmt.Printf("Label:          %s\n", o.Cfg.Identity.Label)
	}
	fmt.Printf("Sync Server:    %s\n", o.Cfg.CoordinatorURL())
	fmt.Println()
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
