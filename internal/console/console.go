// ABOUTME: Line-oriented terminal front end for the verification gate and chat session
// ABOUTME: Reads contact fields, the one-time code and chat turns from any io.Reader

package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/fatih/color"

	"github.com/danielforeroj/alwaysonduty/internal/chat"
	"github.com/danielforeroj/alwaysonduty/internal/gate"
)

// Commands recognized at any prompt.
const (
	CmdQuit = "/quit"
	CmdBack = "/back"
)

// errQuit unwinds the prompt loops when the user quits or input ends.
var errQuit = errors.New("quit")

// Options configures a Console.
type Options struct {
	Session  *chat.Session
	Verifier gate.Verifier
	// Title is shown in the banner, usually the agent's display name.
	Title string

	In     io.Reader
	Out    io.Writer
	Logger *slog.Logger
}

// Console drives one chat session interactively.
type Console struct {
	opts    Options
	scanner *bufio.Scanner
	out     io.Writer
	logger  *slog.Logger

	green  *color.Color
	cyan   *color.Color
	yellow *color.Color
	red    *color.Color
}

// New creates a console reading from opts.In and writing to opts.Out.
func New(opts Options) *Console {
	scanner := bufio.NewScanner(opts.In)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), 1024*1024) // 1MB max input

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		opts:    opts,
		scanner: scanner,
		out:     opts.Out,
		logger:  logger.With("component", "console"),
		green:   color.New(color.FgGreen),
		cyan:    color.New(color.FgCyan),
		yellow:  color.New(color.FgYellow),
		red:     color.New(color.FgRed),
	}
}

// Run verifies the end user if needed, then loops over chat turns until the
// user quits or input ends. Reaching end of input is not an error.
func (c *Console) Run(ctx context.Context) error {
	title := c.opts.Title
	if title == "" {
		title = c.opts.Session.ContextKey()
	}
	c.cyan.Fprintf(c.out, "Chat with %s (%s to exit)\n\n", title, CmdQuit)

	for {
		if err := c.verify(ctx); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			return err
		}

		err := c.chatLoop(ctx)
		switch {
		case errors.Is(err, errQuit):
			return nil
		case errors.Is(err, chat.ErrLocked):
			c.yellow.Fprintln(c.out, "Your access has expired. Please verify again.")
			continue
		default:
			return err
		}
	}
}

// verify runs the gate until the end user is verified.
func (c *Console) verify(ctx context.Context) error {
	g := c.opts.Session.Gate(gate.Options{Verifier: c.opts.Verifier})

	ok, err := g.Mount(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	c.cyan.Fprintln(c.out, "Verify your details to start chatting.")
	for {
		switch g.Step() {
		case gate.StepVerified:
			c.green.Fprintln(c.out, "Verified. You can start chatting.")
			fmt.Fprintln(c.out)
			return nil

		case gate.StepCollect:
			p, err := c.readContact(g.Contact())
			if err != nil {
				return err
			}
			if err := g.SubmitContact(ctx, p); err != nil {
				c.reportGate(g, err)
				continue
			}
			c.cyan.Fprintf(c.out, "We sent a %d-digit code to %s. (%s to edit your details)\n", gate.CodeLength, p.Trimmed().Email, CmdBack)

		case gate.StepCode:
			line, err := c.prompt("Code: ")
			if err != nil {
				return err
			}
			if line == CmdBack {
				if err := g.Back(); err != nil {
					c.reportGate(g, err)
				}
				continue
			}
			if err := g.SubmitCode(ctx, line); err != nil {
				c.reportGate(g, err)
			}
		}
	}
}

// readContact prompts for each contact field. An empty answer keeps the
// previously entered value.
func (c *Console) readContact(prev gate.ContactProfile) (gate.ContactProfile, error) {
	fields := []struct {
		label string
		dst   *string
	}{
		{"First name", &prev.FirstName},
		{"Last name", &prev.LastName},
		{"Email", &prev.Email},
		{"Phone", &prev.Phone},
	}
	for _, f := range fields {
		label := f.label + ": "
		if *f.dst != "" {
			label = fmt.Sprintf("%s [%s]: ", f.label, *f.dst)
		}
		line, err := c.prompt(label)
		if err != nil {
			return gate.ContactProfile{}, err
		}
		if line != "" {
			*f.dst = line
		}
	}
	return prev, nil
}

func (c *Console) reportGate(g *gate.Gate, err error) {
	c.logger.Debug("gate action failed", "error", err)
	if msg := g.ErrorMessage(); msg != "" {
		c.red.Fprintln(c.out, msg)
	}
}

// chatLoop sends one turn per input line.
func (c *Console) chatLoop(ctx context.Context) error {
	s := c.opts.Session
	for {
		line, err := c.prompt("> ")
		if err != nil {
			return err
		}

		reply, err := s.SendTurn(ctx, line)
		switch {
		case err == nil:
			fmt.Fprintln(c.out, reply.Text)
			fmt.Fprintln(c.out)
		case errors.Is(err, chat.ErrLocked):
			return err
		case chat.Rejected(err):
			continue
		default:
			c.red.Fprintln(c.out, s.LastError())
		}
	}
}

// prompt prints label and returns the next trimmed line. /quit and end of
// input both return errQuit.
func (c *Console) prompt(label string) (string, error) {
	c.green.Fprint(c.out, label)
	if !c.scanner.Scan() {
		fmt.Fprintln(c.out)
		if err := c.scanner.Err(); err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}
		return "", errQuit
	}
	line := strings.TrimSpace(c.scanner.Text())
	if line == CmdQuit {
		return "", errQuit
	}
	return line, nil
}
