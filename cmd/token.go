package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"chatsync/auth"
	"chatsync/config"
	"chatsync/network"

	"github.com/spf13/cobra"
)

func init() {
	tokenCmd.Flags().Bool("save", false, "store the user id and token in the client config")
	tokenCmd.Flags().Bool("local", false, "sign locally with CHATSYNC_SECRET instead of asking the backend")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a bearer token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := strings.TrimSpace(args[0])
		cfg, cfgPath, err := loadClientConfig(cmd)
		if err != nil {
			return err
		}

		local, _ := cmd.Flags().GetBool("local")
		var token string
		if local {
			signer, err := auth.NewSigner(os.Getenv("CHATSYNC_SECRET"))
			if err != nil {
				return err
			}
			if token, err = signer.Issue(userID); err != nil {
				return err
			}
		} else {
			api := network.NewAPIClient(cfg.APIURL, "", time.Duration(cfg.RequestTimeoutSeconds)*time.Second)
			session, err := api.CreateSession(cmd.Context(), userID)
			if err != nil {
				return fmt.Errorf("request token from %s: %w", cfg.APIURL, err)
			}
			token = session.Token
		}

		save, _ := cmd.Flags().GetBool("save")
		if save {
			// persist only identity fields; overlay and env values stay out of the file
			stored, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			stored.UserID = userID
			stored.Token = token
			if err := config.Save(cfgPath, stored); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "saved identity %q to %s\n", userID, cfgPath)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
