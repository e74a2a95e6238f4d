package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is the build version, overridden at link time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "oakpki",
	Short: "oakpki is a multi-tenant certificate authority",
	Long: `A multi-tenant certificate authority managing CSR intake, issuance,
revocation and CRL distribution with per-tenant signing keys.
Complete documentation is available at https://github.com/oakpki/oakpki`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
