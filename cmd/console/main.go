package main

import (
	"fmt"
	"os"

	"github.com/jrsteele09/school-console/console"
	"github.com/jrsteele09/school-console/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type cli struct {
	config func() config.Config
	newApp func(cfg config.Config) (*console.App, error)
}

func main() {
	c := &cli{
		config: config.New,
		newApp: func(cfg config.Config) (*console.App, error) { return console.NewApp(cfg) },
	}
	if err := newRootCmd(c).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd(c *cli) *cobra.Command {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "school-console",
		Short: "School administration console",
		Long: `School administration console.

Serves the staff, admin and superuser dashboards and manages the
signed-in session shared by the web console and this command line.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cmd, verbose)
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output")

	rootCmd.AddCommand(
		serveCmd(c),
		loginCmd(c),
		superuserLoginCmd(c),
		logoutCmd(c),
		whoamiCmd(c),
		hashPasswordCmd(),
	)
	return rootCmd
}

func setupLogging(cmd *cobra.Command, verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()})
}

func (c *cli) app() (*console.App, error) {
	return c.newApp(c.config())
}
