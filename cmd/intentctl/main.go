// intentctl — инструменты клиента модуля: токены аккаунтов, install data и подписанные конверты.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "intentctl",
	Short: "Client tooling for the intent revalidation policy",
	Long: `Client tooling for the intent revalidation policy.

Available subcommands:
  token         - Issue an RS256 access token for a smart account
  install-data  - Build instanceId || initData for onInstall
  sign-envelope - Build and sign a revalidation envelope`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(tokenCmd, installDataCmd, signEnvelopeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
