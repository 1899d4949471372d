package output

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// HelpInfo is the structured help for one command, suitable for agents
// that introspect the CLI instead of parsing help text.
type HelpInfo struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Usage       string        `json:"usage"`
	Flags       []FlagInfo    `json:"flags,omitempty"`
	Commands    []CommandInfo `json:"commands,omitempty"`
}

// CommandInfo describes one subcommand.
type CommandInfo struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	Usage          string `json:"usage"`
	HasSubcommands bool   `json:"has_subcommands,omitempty"`
}

// FlagInfo describes one flag.
type FlagInfo struct {
	Name        string `json:"name"`
	Shorthand   string `json:"shorthand,omitempty"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Default     string `json:"default,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ExtractHelpInfo builds a HelpInfo from a cobra command.
func ExtractHelpInfo(cmd *cobra.Command) HelpInfo {
	info := HelpInfo{
		Name:        cmd.Name(),
		Description: cmd.Short,
		Usage:       cmd.UseLine(),
		Flags:       extractFlags(cmd),
	}

	for _, sub := range cmd.Commands() {
		if sub.Hidden || !sub.IsAvailableCommand() {
			continue
		}
		info.Commands = append(info.Commands, CommandInfo{
			Name:           sub.Name(),
			Description:    sub.Short,
			Usage:          sub.UseLine(),
			HasSubcommands: len(sub.Commands()) > 0,
		})
	}
	return info
}

func extractFlags(cmd *cobra.Command) []FlagInfo {
	var flags []FlagInfo

	collect := func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		_, required := f.Annotations[cobra.BashCompOneRequiredFlag]
		flags = append(flags, FlagInfo{
			Name:        f.Name,
			Shorthand:   f.Shorthand,
			Description: f.Usage,
			Type:        f.Value.Type(),
			Default:     f.DefValue,
			Required:    required,
		})
	}

	cmd.LocalFlags().VisitAll(collect)
	cmd.InheritedFlags().VisitAll(collect)
	return flags
}

// SetupHelpJSON adds a --help-json flag to the whole command tree. When
// set, the command prints its structured help as JSON and exits instead
// of running.
func SetupHelpJSON(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().Bool("help-json", false, "Output help information as JSON")

	originalPersistentPreRunE := rootCmd.PersistentPreRunE
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if helpJSON, _ := cmd.Flags().GetBool("help-json"); helpJSON {
			if err := printHelpJSON(cmd); err != nil {
				return err
			}
			os.Exit(0)
		}
		if originalPersistentPreRunE != nil {
			return originalPersistentPreRunE(cmd, args)
		}
		return nil
	}

	addHelpJSONToTree(rootCmd)
}

// addHelpJSONToTree gives group commands without a Run a handler that
// honors --help-json and otherwise shows normal help.
func addHelpJSONToTree(cmd *cobra.Command) {
	if cmd.Run == nil && cmd.RunE == nil {
		cmd.RunE = func(c *cobra.Command, _ []string) error {
			if helpJSON, _ := c.Flags().GetBool("help-json"); helpJSON {
				return printHelpJSON(c)
			}
			return c.Help()
		}
	}
	for _, sub := range cmd.Commands() {
		addHelpJSONToTree(sub)
	}
}

func printHelpJSON(cmd *cobra.Command) error {
	info := ExtractHelpInfo(cmd)
	out, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal help info: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
