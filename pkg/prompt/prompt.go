package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/tacticz/pve-k3s-cluster-management/pkg/log"
)

// Confirmer answers the operator-confirmation points of an operation. The
// orchestrator never reads stdin itself; every decision goes through here so
// unattended runs behave deterministically.
type Confirmer interface {
	Confirm(question string) bool
}

// Terminal asks on the controlling terminal and reads a y/N answer.
type Terminal struct {
	in  *bufio.Reader
	out io.Writer
}

// NewTerminal builds an interactive confirmer over stdin/stderr.
func NewTerminal() *Terminal {
	return &Terminal{in: bufio.NewReader(os.Stdin), out: os.Stderr}
}

func (t *Terminal) Confirm(question string) bool {
	fmt.Fprintf(t.out, "%s [y/N]: ", question)
	line, err := t.in.ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// Static answers every question the same way and logs the decision, for
// unattended runs.
type Static struct {
	Answer bool
}

func (s Static) Confirm(question string) bool {
	log.Logger.Info().Str("question", question).Bool("answer", s.Answer).
		Msg("unattended confirmation")
	return s.Answer
}

// ForMode picks the confirmer for the run: interactive when stdin is a
// terminal and interactivity is allowed, otherwise a static answer equal to
// the force flag.
func ForMode(nonInteractive, force bool) Confirmer {
	if !nonInteractive && term.IsTerminal(int(os.Stdin.Fd())) {
		return NewTerminal()
	}
	return Static{Answer: force}
}
