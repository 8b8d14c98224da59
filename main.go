package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/netbulls/ternity-desktop/internal/auth"
	"github.com/netbulls/ternity-desktop/internal/config"
	"github.com/netbulls/ternity-desktop/internal/oauth"
	"github.com/netbulls/ternity-desktop/internal/securestore"
	"github.com/netbulls/ternity-desktop/internal/settings"
)

// Version information (set during build)
var (
	Version = "dev"
	Commit  = "none"
)

// parseLogLevel parses the LOG_LEVEL environment variable.
// Defaults to WarnLevel if not set or invalid.
func parseLogLevel() logrus.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.WarnLevel
	}
}

func newOrchestrator(logger *logrus.Logger) (*auth.Orchestrator, error) {
	envPath, err := config.EnvironmentsPath()
	if err != nil {
		return nil, err
	}
	environments, err := config.LoadEnvironments(envPath)
	if err != nil {
		return nil, err
	}

	settingsPath, err := config.SettingsPath()
	if err != nil {
		return nil, err
	}

	settingsFile := settings.NewFile(settingsPath, logger)
	codec := securestore.NewCodec(logger)
	store := auth.NewStore(settingsFile, codec, logger)

	return auth.NewOrchestrator(auth.Options{
		Environments: environments,
		Store:        store,
		Discovery:    oauth.NewDiscovery(nil, logger),
		Engine:       oauth.NewEngine(nil, logger),
		Browser:      oauth.NewBrowserLauncher(),
		Logger:       logger,
	}), nil
}

func newApp(logger *logrus.Logger) *cli.App {
	envFlag := &cli.StringFlag{
		Name:    "env",
		Aliases: []string{"e"},
		Value:   "prod",
		Usage:   "environment to operate on (local, dev, prod, or an override)",
	}

	return &cli.App{
		Name:    "ternity-auth",
		Usage:   "Ternity Desktop authentication core",
		Version: fmt.Sprintf("%s (%s)", Version, Commit),
		Commands: []*cli.Command{
			{
				Name:  "sign-in",
				Usage: "Sign in to an environment through the system browser",
				Flags: []cli.Flag{envFlag},
				Action: func(c *cli.Context) error {
					orch, err := newOrchestrator(logger)
					if err != nil {
						return err
					}
					fmt.Println("Complete the sign-in in your browser...")
					result := orch.SignIn(c.Context, c.String("env"))
					if !result.Success {
						return cli.Exit(color.RedString("Sign-in failed: %s", result.Error), 1)
					}
					color.Green("Signed in as %s", describeUser(result.User))
					return nil
				},
			},
			{
				Name:  "sign-out",
				Usage: "Sign out of an environment",
				Flags: []cli.Flag{envFlag},
				Action: func(c *cli.Context) error {
					orch, err := newOrchestrator(logger)
					if err != nil {
						return err
					}
					result, err := orch.SignOut(c.Context, c.String("env"))
					if err != nil {
						return cli.Exit(color.RedString("Sign-out failed: %v", err), 1)
					}
					color.Green("Signed out locally.")
					fmt.Printf("Open %s to finish signing out of the browser.\n", result.SignOutPageURL)
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "Show the authentication state for an environment",
				Flags: []cli.Flag{envFlag},
				Action: func(c *cli.Context) error {
					orch, err := newOrchestrator(logger)
					if err != nil {
						return err
					}
					state := orch.GetAuthState(c.String("env"))
					if !state.IsAuthenticated {
						fmt.Println("Not signed in.")
						return nil
					}
					color.Green("Signed in as %s", describeUser(state.User))
					return nil
				},
			},
			{
				Name:  "cancel",
				Usage: "Cancel a pending sign-in attempt",
				Action: func(c *cli.Context) error {
					// Each CLI invocation runs its own process, so this only
					// ever finds an attempt when embedded in the app itself.
					orch, err := newOrchestrator(logger)
					if err != nil {
						return err
					}
					orch.CancelSignIn()
					fmt.Println("No pending sign-in in this process.")
					return nil
				},
			},
			{
				Name:  "token",
				Usage: "Print a valid access token, refreshing if needed",
				Flags: []cli.Flag{envFlag},
				Action: func(c *cli.Context) error {
					orch, err := newOrchestrator(logger)
					if err != nil {
						return err
					}
					token, ok := orch.GetAccessToken(c.Context, c.String("env"))
					if !ok {
						return cli.Exit("No valid session; run sign-in.", 1)
					}
					fmt.Println(token)
					return nil
				},
			},
		},
	}
}

func main() {
	// A .env next to the binary is a developer convenience; absence is fine.
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetLevel(parseLogLevel())
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := newApp(logger).Run(os.Args); err != nil {
		logger.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func describeUser(u *auth.User) string {
	if u == nil {
		return "an unknown user"
	}
	switch {
	case u.Name != "" && u.Email != "":
		return fmt.Sprintf("%s <%s>", u.Name, u.Email)
	case u.Email != "":
		return u.Email
	case u.Name != "":
		return u.Name
	default:
		return u.Subject
	}
}
