package main

import (
	"os"

	"github.com/spf13/cobra"
)

const defaultServer = "http://127.0.0.1:8484"

type commandContext struct {
	server string
	token  string
}

func (c *commandContext) client() *client {
	return newClient(c.server, c.token)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "grabctl",
		Short:         "Control a grabber daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	server := os.Getenv("GRABBER_SERVER")
	if server == "" {
		server = defaultServer
	}
	rootCmd.PersistentFlags().StringVar(&ctx.server, "server", server, "Base URL of the grabber daemon (env GRABBER_SERVER)")
	rootCmd.PersistentFlags().StringVar(&ctx.token, "token", os.Getenv("GRABBER_TOKEN"), "Bearer token (env GRABBER_TOKEN)")

	rootCmd.AddCommand(newSubmitCommand(ctx))
	rootCmd.AddCommand(newCancelCommand(ctx))
	rootCmd.AddCommand(newPauseCommand(ctx))
	rootCmd.AddCommand(newResumeCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))
	rootCmd.AddCommand(newShowCommand(ctx))
	rootCmd.AddCommand(newQueueCommand(ctx))
	rootCmd.AddCommand(newTokenCommand(ctx))

	return rootCmd
}
