package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codebuildervaibhav/meeting-recorder/internal/config"
	"github.com/codebuildervaibhav/meeting-recorder/internal/storage"
)

func NewDriveAuthCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "drive-auth",
		Short: "Authorize Google Drive archiving",
		Long:  "Run the OAuth flow with the daemon's credentials file and cache the token the daemon uses to upload finished sessions.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(deps.ConfigPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			drive := cfg.GoogleDrive
			if err := storage.Authorize(cmd.Context(), drive.CredentialsFile, drive.TokenFile, deps.In, deps.Out); err != nil {
				return err
			}

			fmt.Fprintf(deps.Out, "Token saved to %s. Restart the daemon to enable uploads.\n", drive.TokenFile)
			return nil
		},
	}
}
