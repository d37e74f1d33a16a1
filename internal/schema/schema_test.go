package schema

import (
	"testing"

	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
)

func TestBuildSchema(t *testing.T) {
	root := &cobra.Command{Use: "swapvault"}
	trade := &cobra.Command{Use: "trade", Short: "trade runs"}
	resume := &cobra.Command{Use: "resume <run-id>", Short: "supply passcode", Run: func(*cobra.Command, []string) {}}
	resume.Flags().Bool("passcode-stdin", false, "read passcode from stdin")
	resume.Flags().String("run", "", "run id")
	_ = resume.MarkFlagRequired("run")
	Mark(resume, AnnotationIdentity, AnnotationMutates, AnnotationPasscode)
	trade.AddCommand(resume)
	root.AddCommand(trade)

	s, err := Build(root, "trade resume")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "swapvault trade resume" {
		t.Fatalf("unexpected path: %s", s.Path)
	}
	if !s.RequiresIdentity || !s.Mutates || !s.ReadsPasscode {
		t.Fatalf("annotations not surfaced: %+v", s)
	}
	if len(s.Flags) != 2 {
		t.Fatalf("unexpected flags: %+v", s.Flags)
	}
	for _, f := range s.Flags {
		if f.Name == "run" && !f.Required {
			t.Fatalf("expected run flag to be required: %+v", f)
		}
	}

	whole, err := Build(root, "")
	if err != nil || len(whole.Subcommands) != 1 {
		t.Fatalf("unexpected root schema: %+v %v", whole, err)
	}
}

func TestBuildSchemaUnknownCommand(t *testing.T) {
	root := &cobra.Command{Use: "swapvault"}
	if _, err := Build(root, "wallet nuke"); !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}
