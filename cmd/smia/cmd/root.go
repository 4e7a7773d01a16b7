package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	apiclient "github.com/TNLegend/SMIA/pkg/api/client"
)

var buildVersion = "dev"

// cli carries the configuration shared by every subcommand.
type cli struct {
	v       *viper.Viper
	cfgFile string
}

// Execute runs the root command against os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the full command tree with its own configuration scope.
func NewRootCommand() *cobra.Command {
	app := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:   "smia",
		Short: "Submit and follow training and evaluation runs",
		Long: `smia talks to the orchestration API to submit training and evaluation runs,
follow their live output, and download the artifacts they produce.

Configuration:
  SMIA_API_URL    API endpoint (default: http://localhost:8000)
  SMIA_PROJECT    Default project ID

Values may also be read from $HOME/.smia.yaml or the file given by --config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.initConfig()
		},
	}

	root.PersistentFlags().StringVar(&app.cfgFile, "config", "", "config file (default is $HOME/.smia.yaml)")
	root.PersistentFlags().String("api-url", "http://localhost:8000", "orchestration API URL")
	root.PersistentFlags().StringP("project", "p", "", "project ID")
	_ = app.v.BindPFlag("api_url", root.PersistentFlags().Lookup("api-url"))
	_ = app.v.BindPFlag("project", root.PersistentFlags().Lookup("project"))

	root.AddCommand(
		app.newSubmitCommand(),
		app.newRunsCommand(),
		app.newLogsCommand(),
		app.newArtifactsCommand(),
		newVersionCommand(),
	)
	return root
}

func (a *cli) initConfig() error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		a.v.AddConfigPath(home)
		a.v.SetConfigName(".smia")
		a.v.SetConfigType("yaml")
	}

	a.v.SetEnvPrefix("SMIA")
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func (a *cli) client() (*apiclient.Client, error) {
	return apiclient.New(a.v.GetString("api_url"))
}

func (a *cli) project() (string, error) {
	id := strings.TrimSpace(a.v.GetString("project"))
	if id == "" {
		return "", errors.New("project is required: pass --project or set SMIA_PROJECT")
	}
	return id, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "smia %s\n", buildVersion)
		},
	}
}
