package commands

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-json"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/herald/am"
	"github.com/teranos/herald/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: glyphAM + " Show and validate configuration",
	Long: glyphAM + ` am: herald configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (HERALD_* prefix, e.g. HERALD_LINKEDIN_ACCESS_TOKEN)
2. Project config (am.toml, searched upwards from the working directory)
3. User config (~/.herald/am.toml)
4. System config (/etc/herald/config.toml)
5. Default values

Examples:
  herald am show                 # effective configuration as TOML
  herald am show --format json
  herald am show --sources       # where each value came from
  herald am validate`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration (secrets masked)",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE:  runAmValidate,
}

var (
	amFormat  string
	amSources bool
)

func init() {
	amShowCmd.Flags().StringVar(&amFormat, "format", "toml", "output format: toml or json")
	amShowCmd.Flags().BoolVar(&amSources, "sources", false, "show where each setting came from")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	if amSources {
		settings, err := am.Introspect()
		if err != nil {
			return err
		}
		data := pterm.TableData{{"KEY", "VALUE", "SOURCE", "FROM"}}
		for _, s := range settings {
			data = append(data, []string{s.Key, fmt.Sprint(s.Value), string(s.Source), s.SourcePath})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	}

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	out, err := am.ToTOML(cfg)
	if err != nil {
		return err
	}

	switch strings.ToLower(amFormat) {
	case "toml":
		fmt.Fprintf(cmd.OutOrStdout(), "# herald configuration\n%s", out)
	case "json":
		// round-trip through the masked TOML so secrets stay hidden
		var masked am.Config
		if _, err := toml.Decode(out, &masked); err != nil {
			return errors.Wrap(err, "failed to decode masked config")
		}
		data, err := json.MarshalIndent(masked, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
	default:
		return errors.NewInvalidArgumentError("unsupported format %q (supported: toml, json)", amFormat)
	}
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}

	pterm.Success.Println("Configuration is valid")
	configured := 0
	for _, name := range cfg.PlatformNames() {
		if cfg.Platforms[name].HasCredentials() {
			configured++
		}
	}
	if configured == 0 {
		pterm.Warning.Println("No platform has credentials; set e.g. HERALD_X_ACCESS_TOKEN")
	}
	return nil
}
