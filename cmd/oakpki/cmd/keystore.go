package cmd

import (
	"crypto/x509/pkix"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oakpki/oakpki/keystore"
)

var keystoreCmd = &cobra.Command{
	Use:   "keystore",
	Short: "Key store management tools",
	Long:  `Commands for creating key stores, generating CA key pairs and binding tenants to signing keys.`,
}

func openKeystores(dir string) (*keystore.Software, error) {
	passphrase := os.Getenv(ksEnvVar)
	if passphrase == "" {
		return nil, fmt.Errorf("%s must be set", ksEnvVar)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}
	return keystore.NewSoftware(dir, passphrase)
}

var ksCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an empty key store file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		ks, err := openKeystores(dir)
		if err != nil {
			return err
		}
		if err := ks.CreateKeyStore(args[0]); err != nil {
			return err
		}
		fmt.Printf("Created key store %q in %s\n", args[0], dir)
		return nil
	},
}

var ksGenCACmd = &cobra.Command{
	Use:   "gen-ca",
	Short: "Generate a CA key pair under an alias",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		name, _ := cmd.Flags().GetString("keystore")
		alias, _ := cmd.Flags().GetString("alias")
		cn, _ := cmd.Flags().GetString("cn")
		org, _ := cmd.Flags().GetString("org")
		years, _ := cmd.Flags().GetInt("years")

		ks, err := openKeystores(dir)
		if err != nil {
			return err
		}

		subject := pkix.Name{CommonName: cn}
		if org != "" {
			subject.Organization = []string{org}
		}
		if err := ks.GenerateCA(name, alias, subject, years); err != nil {
			return err
		}
		fmt.Printf("Generated CA %q as %s/%s (valid %d years)\n", cn, name, alias, years)
		return nil
	},
}

var ksAssignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Bind a tenant to a key store alias",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		tenantID, _ := cmd.Flags().GetInt("tenant")
		name, _ := cmd.Flags().GetString("keystore")
		alias, _ := cmd.Flags().GetString("alias")

		ks, err := openKeystores(dir)
		if err != nil {
			return err
		}
		if err := ks.SetKeyAndAlias(tenantID, name, alias); err != nil {
			return err
		}
		fmt.Printf("Tenant %d now signs with %s/%s\n", tenantID, name, alias)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keystoreCmd)
	keystoreCmd.PersistentFlags().String("dir", "./data/keystores", "Directory for key store files")

	keystoreCmd.AddCommand(ksCreateCmd)

	ksGenCACmd.Flags().String("keystore", "", "Key store name")
	ksGenCACmd.Flags().String("alias", "", "Alias for the new key pair")
	ksGenCACmd.Flags().String("cn", "", "CA subject common name")
	ksGenCACmd.Flags().String("org", "", "CA subject organization")
	ksGenCACmd.Flags().Int("years", 10, "CA certificate validity in years")
	ksGenCACmd.MarkFlagRequired("keystore")
	ksGenCACmd.MarkFlagRequired("alias")
	ksGenCACmd.MarkFlagRequired("cn")
	keystoreCmd.AddCommand(ksGenCACmd)

	ksAssignCmd.Flags().Int("tenant", 0, "Tenant ID")
	ksAssignCmd.Flags().String("keystore", "", "Key store name")
	ksAssignCmd.Flags().String("alias", "", "Alias of the signing pair")
	ksAssignCmd.MarkFlagRequired("tenant")
	ksAssignCmd.MarkFlagRequired("keystore")
	ksAssignCmd.MarkFlagRequired("alias")
	keystoreCmd.AddCommand(ksAssignCmd)
}
