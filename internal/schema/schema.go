package schema

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
)

// Annotation keys commands set to describe their side effects to callers
// that drive the CLI programmatically.
const (
	AnnotationIdentity = "swapvault/identity"
	AnnotationMutates  = "swapvault/mutates"
	AnnotationPasscode = "swapvault/passcode"
)

type CommandSchema struct {
	Path             string          `json:"path"`
	Use              string          `json:"use"`
	Short            string          `json:"short"`
	Aliases          []string        `json:"aliases,omitempty"`
	RequiresIdentity bool            `json:"requires_identity,omitempty"`
	Mutates          bool            `json:"mutates,omitempty"`
	ReadsPasscode    bool            `json:"reads_passcode,omitempty"`
	Flags            []FlagSchema    `json:"flags,omitempty"`
	Subcommands      []CommandSchema `json:"subcommands,omitempty"`
}

type FlagSchema struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Type      string `json:"type"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
	Required  bool   `json:"required,omitempty"`
}

// Mark sets a boolean annotation on cmd.
func Mark(cmd *cobra.Command, keys ...string) *cobra.Command {
	if cmd.Annotations == nil {
		cmd.Annotations = map[string]string{}
	}
	for _, k := range keys {
		cmd.Annotations[k] = "true"
	}
	return cmd
}

func Build(root *cobra.Command, commandPath string) (CommandSchema, error) {
	cmd := root
	for _, p := range strings.Fields(commandPath) {
		next := findChild(cmd, p)
		if next == nil {
			return CommandSchema{}, clierr.New(clierr.CodeUsage, "command not found: "+commandPath)
		}
		cmd = next
	}
	return serialize(cmd), nil
}

func findChild(cmd *cobra.Command, name string) *cobra.Command {
	for _, c := range cmd.Commands() {
		if c.Name() == name || contains(c.Aliases, name) {
			return c
		}
	}
	return nil
}

func serialize(cmd *cobra.Command) CommandSchema {
	s := CommandSchema{
		Path:             strings.TrimSpace(cmd.CommandPath()),
		Use:              cmd.Use,
		Short:            cmd.Short,
		Aliases:          cmd.Aliases,
		RequiresIdentity: cmd.Annotations[AnnotationIdentity] == "true",
		Mutates:          cmd.Annotations[AnnotationMutates] == "true",
		ReadsPasscode:    cmd.Annotations[AnnotationPasscode] == "true",
		Flags:            collectFlags(cmd),
	}
	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		s.Subcommands = append(s.Subcommands, serialize(sub))
	}
	return s
}

func collectFlags(cmd *cobra.Command) []FlagSchema {
	items := []FlagSchema{}
	cmd.NonInheritedFlags().VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		_, required := f.Annotations[cobra.BashCompOneRequiredFlag]
		items = append(items, FlagSchema{
			Name:      f.Name,
			Shorthand: f.Shorthand,
			Type:      f.Value.Type(),
			Usage:     f.Usage,
			Default:   f.DefValue,
			Required:  required,
		})
	})
	return items
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
