package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"learnops/pkg/config"
)

func (a *app) secretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted provider credentials file",
		Long: `Manage provider credentials stored in .learnops/secrets.json.enc.

The file is encrypted with a password-derived key. Set LEARNOPS_SECRETS_PASSWORD
to unlock it without a prompt. Credentials in the file take precedence over
environment variables such as ANTHROPIC_API_KEY.`,
	}

	set := &cobra.Command{
		Use:   "set <name>",
		Short: "Add or replace a secret; the value is read from the terminal or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			password, err := a.secretsPassword()
			if err != nil {
				return err
			}
			secrets := map[string]string{}
			if config.SecretsFileExists(a.secretsDir) {
				if secrets, err = config.DecryptSecretsFile(a.secretsDir, password); err != nil {
					return err
				}
			}
			value, err := a.readSecretValue(args[0])
			if err != nil {
				return err
			}
			secrets[args[0]] = value
			if err := config.EncryptSecretsFile(a.secretsDir, password, secrets); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "stored %s in %s\n", args[0], config.SecretsFilePath(a.secretsDir))
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored secret names",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if !config.SecretsFileExists(a.secretsDir) {
				return fmt.Errorf("no secrets file at %s", config.SecretsFilePath(a.secretsDir))
			}
			password, err := a.secretsPassword()
			if err != nil {
				return err
			}
			if err := config.LoadSecretsFile(a.secretsDir, password); err != nil {
				return err
			}
			for _, name := range config.SecretNames() {
				fmt.Fprintln(a.stdout, name)
			}
			return nil
		},
	}

	cmd.AddCommand(set, list)
	return cmd
}

func (a *app) secretsPassword() (string, error) {
	if password := os.Getenv(EnvSecretsPassword); password != "" {
		return password, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no terminal to prompt for the secrets password; set %s", EnvSecretsPassword)
	}
	return readPassword("Secrets password: ")
}

func (a *app) readSecretValue(name string) (string, error) {
	if f, ok := a.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return readPassword(name + ": ")
	}
	line, err := bufio.NewReader(a.stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read %s from stdin: %w", name, err)
	}
	value := strings.TrimSpace(line)
	if value == "" {
		return "", fmt.Errorf("empty value for %s", name)
	}
	return value, nil
}
