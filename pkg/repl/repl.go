// Package repl implements the line-oriented command loop the database
// exposes on stdin and on client connections.
package repl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ReplCommand handles one command line. It receives the whole payload,
// trigger word included.
type ReplCommand func(payload string, replConfig *REPLConfig) (output string, err error)

const (
	// Trigger for the help meta-command that prints out all help strings
	TriggerHelpMetacommand = ".help"

	// String that should be prepended to any error before being sent to the output writer
	ErrorPrependStr = "ERROR: "
)

var (
	// Error for combining REPLs that share a trigger
	ErrOverlappingCommands = errors.New("found overlapping commands")

	// Error for when a sent trigger is not associated with any known commands
	ErrCommandNotFound = errors.New("command not found")
)

// REPL maps trigger words to their commands and help strings.
type REPL struct {
	commands map[string]ReplCommand
	help     map[string]string
}

// REPLConfig carries per-client state into command handlers.
type REPLConfig struct {
	clientId uuid.UUID
}

// GetAddr returns the id of the client this loop serves.
func (replConfig *REPLConfig) GetAddr() uuid.UUID {
	return replConfig.clientId
}

// NewRepl constructs an empty REPL.
func NewRepl() *REPL {
	return &REPL{
		commands: make(map[string]ReplCommand),
		help:     make(map[string]string),
	}
}

// CombineRepls merges a slice of REPLs into one, erroring if any two share
// a trigger. With no REPLs given, returns a new empty REPL.
func CombineRepls(repls []*REPL) (*REPL, error) {
	combined := NewRepl()
	for _, r := range repls {
		for trigger, action := range r.commands {
			if _, exists := combined.commands[trigger]; exists {
				return nil, fmt.Errorf("%w: %q", ErrOverlappingCommands, trigger)
			}
			combined.AddCommand(trigger, action, r.help[trigger])
		}
	}
	return combined, nil
}

// GetCommands returns the trigger-to-command map.
func (r *REPL) GetCommands() map[string]ReplCommand {
	return r.commands
}

// GetHelp returns the trigger-to-help map.
func (r *REPL) GetHelp() map[string]string {
	return r.help
}

// AddCommand registers a command and its help string, overwriting any
// previous command with the same trigger.
func (r *REPL) AddCommand(trigger string, action ReplCommand, help string) {
	if trigger == TriggerHelpMetacommand {
		return
	}
	r.commands[trigger] = action
	r.help[trigger] = help
}

// HelpString returns all commands' help strings as one sorted block.
func (r *REPL) HelpString() string {
	triggers := make([]string, 0, len(r.help))
	for k := range r.help {
		triggers = append(triggers, k)
	}
	sort.Strings(triggers)
	var sb strings.Builder
	for _, k := range triggers {
		fmt.Fprintf(&sb, "%s: %s\n", k, r.help[k])
	}
	return sb.String()
}

// Run writes the welcome string and then runs the command loop until the
// input is exhausted. Input and output default to stdin and stdout.
func (r *REPL) Run(clientId uuid.UUID, prompt string, input io.Reader, output io.Writer) {
	if input == nil {
		input = os.Stdin
	}
	if output == nil {
		output = os.Stdout
	}

	scanner := bufio.NewScanner(input)
	replConfig := &REPLConfig{clientId: clientId}
	fmt.Fprintln(output, "Welcome to the hashdb REPL! Please type '.help' to see the list of available commands.")
	io.WriteString(output, prompt)

	for scanner.Scan() {
		payload := scanner.Text()
		fields := strings.Fields(payload)
		if len(fields) == 0 {
			io.WriteString(output, prompt)
			continue
		}
		trigger := fields[0]

		if trigger == TriggerHelpMetacommand {
			io.WriteString(output, r.HelpString())
			io.WriteString(output, prompt)
			continue
		}

		if command, exists := r.commands[trigger]; exists {
			result, err := command(payload, replConfig)
			if err != nil {
				fmt.Fprintf(output, "%s%s\n", ErrorPrependStr, err)
			} else {
				if len(result) != 0 && !strings.HasSuffix(result, "\n") {
					result += "\n"
				}
				io.WriteString(output, result)
			}
		} else {
			fmt.Fprintf(output, "%s%s\n", ErrorPrependStr, ErrCommandNotFound)
		}
		io.WriteString(output, prompt)
	}
	// Print an additional line if we encountered an EOF character.
	io.WriteString(output, "\n")
}

// RunChan runs the command loop over a channel of payload lines, echoing
// each one. Used by the stress driver, which multiplexes many goroutines
// onto one loop.
func (r *REPL) RunChan(c chan string, clientId uuid.UUID, prompt string) {
	writer := os.Stdout
	replConfig := &REPLConfig{clientId: clientId}
	io.WriteString(writer, prompt)
	for payload := range c {
		io.WriteString(writer, payload+"\n")
		fields := strings.Fields(payload)
		if len(fields) == 0 {
			io.WriteString(writer, prompt)
			continue
		}
		trigger := fields[0]
		if trigger == TriggerHelpMetacommand {
			io.WriteString(writer, r.HelpString())
			io.WriteString(writer, prompt)
			continue
		}
		if command, exists := r.commands[trigger]; exists {
			result, err := command(payload, replConfig)
			if err != nil {
				fmt.Fprintf(writer, "%s%s\n", ErrorPrependStr, err)
			} else if len(result) != 0 {
				fmt.Fprintln(writer, result)
			}
		} else {
			fmt.Fprintf(writer, "%s%s\n", ErrorPrependStr, ErrCommandNotFound)
		}
		io.WriteString(writer, prompt)
	}
	io.WriteString(writer, "\n")
}
