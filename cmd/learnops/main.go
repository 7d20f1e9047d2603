// Command learnops is the Learning-Ops CLI: CRL scoring, policy lifecycle,
// experiments, offline replay, shadow/canary rollout, skill cards and curation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"learnops/internal/kernel"
	"learnops/pkg/config"
	"learnops/pkg/version"
)

// Output formats.
const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

// EnvSecretsPassword unlocks the secrets file without a prompt.
const EnvSecretsPassword = "LEARNOPS_SECRETS_PASSWORD"

type app struct {
	cfgFile    string
	secretsDir string
	output     string
	stdout     io.Writer
	stdin      io.Reader

	// newKernel is replaced in tests.
	newKernel func(ctx context.Context, cfg *config.Config) (*kernel.Kernel, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stdin: os.Stdin, newKernel: kernel.NewKernel}

	root := &cobra.Command{
		Use:   "learnops",
		Short: "Learning-Ops: measure, version and safely roll out agent policies",
		Long: `learnops scores runs with the Composite Run Loss (CRL), versions policies,
tracks experiments, replays curated datasets offline and rolls candidate
policies out through shadow and canary deployments.

Examples:
  learnops crl compute run-42
  learnops policy create --file policy.json
  learnops replay start --dataset ds-1 --policy p-2 --seeds 1,2,3
  learnops deploy canary --doer coder --candidate p-2 --control p-1 --allocation 10
  learnops serve`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.unlockSecrets,
	}
	root.SetOut(stdout)

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "Config file (JSON); defaults plus LEARNOPS_* overrides when empty")
	flags.StringVar(&a.secretsDir, "project-dir", ".", "Directory whose .learnops/ holds the encrypted secrets file")
	flags.StringVarP(&a.output, "output", "o", "", "Output format: table, json or yaml (default: table on a terminal, json otherwise)")

	root.AddCommand(
		a.crlCmd(),
		a.policyCmd(),
		a.experimentCmd(),
		a.replayCmd(),
		a.deployCmd(),
		a.skillsCmd(),
		a.curateCmd(),
		a.secretsCmd(),
		a.serveCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(a.stdout, "learnops %s\n", version.String())
			},
		},
	)
	return root
}

// unlockSecrets decrypts the secrets file when one exists and a password is available.
func (a *app) unlockSecrets(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "secrets" || (cmd.Parent() != nil && cmd.Parent().Name() == "secrets") {
		return nil
	}
	if !config.SecretsFileExists(a.secretsDir) {
		return nil
	}
	password := os.Getenv(EnvSecretsPassword)
	if password == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return nil
		}
		var err error
		if password, err = readPassword("Secrets password: "); err != nil {
			return err
		}
	}
	if err := config.LoadSecretsFile(a.secretsDir, password); err != nil {
		return fmt.Errorf("failed to unlock secrets: %w", err)
	}
	return nil
}

func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(raw), nil
}

// withKernel loads config, builds a kernel, runs fn and stops the kernel.
// Background loops are not started; only serve runs them.
func (a *app) withKernel(cmd *cobra.Command, fn func(ctx context.Context, k *kernel.Kernel) error) error {
	cfg, err := config.LoadConfig(a.cfgFile)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	k, err := a.newKernel(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(ctx, k)
	if err := k.Stop(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (a *app) format() string {
	if a.output != "" {
		return a.output
	}
	if f, ok := a.stdout.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return outputTable
	}
	return outputJSON
}

// print renders v in the selected format. table may be nil, in which case
// tables fall back to JSON.
func (a *app) print(v any, table func(w *tabwriter.Writer)) error {
	switch format := a.format(); format {
	case outputTable:
		if table == nil {
			return a.printJSON(v)
		}
		w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
		table(w)
		return w.Flush()
	case outputJSON:
		return a.printJSON(v)
	case outputYAML:
		return a.printYAML(v)
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// printYAML goes through JSON so field names follow the json tags.
func (a *app) printYAML(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	blockStyle(&node)
	enc := yaml.NewEncoder(a.stdout)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	return enc.Close()
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
