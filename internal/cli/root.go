package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/codebuildervaibhav/meeting-recorder/internal/client"
	"github.com/codebuildervaibhav/meeting-recorder/internal/config"
)

// Version is stamped at build time
var Version = "dev"

// Dependencies is shared by every command
type Dependencies struct {
	Client     *client.Client
	ConfigPath string
	Out        io.Writer
	In         io.Reader
}

// NewRootCmd builds the recorderctl command tree
func NewRootCmd(deps *Dependencies) *cobra.Command {
	var (
		baseURL string
		timeout time.Duration
	)

	rootCmd := &cobra.Command{
		Use:           "recorderctl",
		Short:         "Control the meeting recorder daemon",
		Long:          "Start and stop recordings, follow the live transcript and browse recorded sessions of a running meeting recorder daemon.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if deps.Out == nil {
				deps.Out = cmd.OutOrStdout()
			}
			if deps.In == nil {
				deps.In = cmd.InOrStdin()
			}
			if deps.Client == nil {
				deps.Client = client.New(baseURL, timeout)
			}
			return nil
		},
	}

	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", defaultURL(), "Daemon base URL (env RECORDER_URL)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	rootCmd.PersistentFlags().StringVar(&deps.ConfigPath, "config", "config/config.yaml", "Daemon config file, used by drive-auth")

	rootCmd.AddCommand(NewStartCmd(deps))
	rootCmd.AddCommand(NewStopCmd(deps))
	rootCmd.AddCommand(NewStatusCmd(deps))
	rootCmd.AddCommand(NewDevicesCmd(deps))
	rootCmd.AddCommand(NewSessionsCmd(deps))
	rootCmd.AddCommand(NewTailCmd(deps))
	rootCmd.AddCommand(NewDriveAuthCmd(deps))

	return rootCmd
}

func defaultURL() string {
	if v := os.Getenv("RECORDER_URL"); v != "" {
		return v
	}
	return fmt.Sprintf("http://127.0.0.1:%d", config.DefaultPort)
}
