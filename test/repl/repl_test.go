package repl_test

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"hashdb/pkg/repl"
)

func echoCommand(payload string, replConfig *repl.REPLConfig) (string, error) {
	return payload, nil
}

func TestReplAddCommand(t *testing.T) {
	r := repl.NewRepl()
	r.AddCommand("echo", echoCommand, "Echo the payload. usage: echo <anything>")
	if _, ok := r.GetCommands()["echo"]; !ok {
		t.Error("Added command is missing from the command map")
	}
	if !strings.Contains(r.HelpString(), "echo") {
		t.Error("Added command is missing from the help string")
	}
	// The help metacommand's trigger can't be taken.
	r.AddCommand(repl.TriggerHelpMetacommand, echoCommand, "nope")
	if _, ok := r.GetCommands()[repl.TriggerHelpMetacommand]; ok {
		t.Error("The help metacommand's trigger was overridden")
	}
}

func TestReplCombine(t *testing.T) {
	r1 := repl.NewRepl()
	r1.AddCommand("one", echoCommand, "one")
	r2 := repl.NewRepl()
	r2.AddCommand("two", echoCommand, "two")

	combined, err := repl.CombineRepls([]*repl.REPL{r1, r2})
	if err != nil {
		t.Fatal("Failed to combine disjoint REPLs:", err)
	}
	commands := combined.GetCommands()
	if _, ok := commands["one"]; !ok {
		t.Error("Combined REPL lost a command from the first REPL")
	}
	if _, ok := commands["two"]; !ok {
		t.Error("Combined REPL lost a command from the second REPL")
	}

	// Overlapping triggers refuse to combine.
	r3 := repl.NewRepl()
	r3.AddCommand("one", echoCommand, "also one")
	if _, err := repl.CombineRepls([]*repl.REPL{r1, r3}); err == nil {
		t.Error("Expected an error combining overlapping REPLs")
	}

	// No REPLs combine into an empty one.
	empty, err := repl.CombineRepls(nil)
	if err != nil {
		t.Fatal("Failed to combine zero REPLs:", err)
	}
	if len(empty.GetCommands()) != 0 {
		t.Error("Combining zero REPLs produced commands")
	}
}

func TestReplRun(t *testing.T) {
	r := repl.NewRepl()
	r.AddCommand("echo", echoCommand, "Echo the payload. usage: echo <anything>")

	input := strings.NewReader("echo hello\nbogus\n.help\n")
	var output strings.Builder
	r.Run(uuid.New(), "> ", input, &output)

	got := output.String()
	if !strings.Contains(got, "echo hello") {
		t.Error("Command output missing from the transcript")
	}
	if !strings.Contains(got, repl.ErrorPrependStr) {
		t.Error("Unknown command did not produce an error line")
	}
	if !strings.Contains(got, "usage: echo") {
		t.Error("Help metacommand did not print the help string")
	}
}
