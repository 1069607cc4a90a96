package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/sym"
)

// AmCmd shows agentpulse configuration
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show agentpulse configuration",
	Long: sym.AM + ` am — Show agentpulse configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (AGENTPULSE_* prefix, e.g. AGENTPULSE_CATALOG_BASE_URL)
2. Project config (nearest am.toml walking up from the working directory)
3. User config (~/.agentpulse/am.toml)
4. System config (/etc/agentpulse/am.toml)
5. Default values

Examples:
  agentpulse am show                  # Effective configuration as TOML
  agentpulse am show --format json
  agentpulse am validate
  agentpulse am where`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration (secrets redacted)",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which config files were merged",
	RunE:  runAmWhere,
}

var configFormat string

// sensitiveKeys are redacted by am show
var sensitiveKeys = [][2]string{
	{"catalog", "token"},
	{"dispatch", "callback_token"},
}

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	settings := am.GetViper().AllSettings()
	redact(settings)

	out := cmd.OutOrStdout()
	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(out, string(data))
	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(out, "# agentpulse configuration\n%s", data)
	case "toml":
		fmt.Fprintln(out, "# agentpulse configuration")
		if err := toml.NewEncoder(out).Encode(settings); err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
	default:
		return errors.Validationf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func redact(settings map[string]interface{}) {
	for _, key := range sensitiveKeys {
		section, ok := settings[key[0]].(map[string]interface{})
		if !ok {
			continue
		}
		if v, ok := section[key[1]].(string); ok && v != "" {
			section[key[1]] = "********"
		}
	}
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "configuration is invalid")
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	// Load merges the files as a side effect
	if _, err := am.Load(); err != nil {
		pterm.Warning.Printf("Configuration does not validate: %v\n", err)
	}

	files := am.LoadedFiles()
	if len(files) == 0 {
		pterm.Info.Println("No am.toml found, using defaults and AGENTPULSE_* environment variables")
		return nil
	}
	pterm.Info.Println("Merged config files (lowest precedence first):")
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			pterm.Printf("  %s\n", f)
		}
	}
	return nil
}
