package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steiger/concierge/internal/auth"
)

func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage authorized chat users",
	}
	cmd.AddCommand(authListCmd(), authCodeCmd(), authAddCmd())
	return cmd
}

func authListCmd() *cobra.Command {
	var platform string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List authorized users",
		Run: func(cmd *cobra.Command, args []string) {
			store := auth.NewStore(resolveConfigDir())
			users := store.ListAuthorized(platform)
			if len(users) == 0 {
				fmt.Println("no authorized users")
				return
			}
			for _, u := range users {
				fmt.Println(u)
			}
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "filter by platform (matrix, discord)")
	return cmd
}

func authCodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "code CODE",
		Short: "Redeem an auth code shown to a pending chat user",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := auth.NewStore(resolveConfigDir())
			platform, userID, ok := store.ConsumeCode(args[0])
			if !ok {
				fmt.Println("invalid or expired code")
				os.Exit(1)
			}
			fmt.Printf("authorized %s user %s\n", platform, userID)
		},
	}
}

func authAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add PLATFORM USER_ID",
		Short: "Authorize a user directly, without a code",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			store := auth.NewStore(resolveConfigDir())
			store.Authorize(args[0], args[1])
			fmt.Printf("authorized %s user %s\n", args[0], args[1])
		},
	}
}
