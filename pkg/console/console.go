// Package console binds the command router to a terminal, so the bot can be
// operated locally without a chat platform. Each line is dispatched as a
// message from one community; image replies are written to a directory.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/entrhq/emocchi/pkg/command"
	"github.com/entrhq/emocchi/pkg/filestore"
	"github.com/entrhq/emocchi/pkg/logging"
)

// Dispatcher is the router as seen by the console.
type Dispatcher interface {
	Dispatch(ctx context.Context, req command.Request) (command.Response, bool)
}

// Directory reports what the registry holds, for the /communities command.
type Directory interface {
	Communities() []string
	Len(community string) int
}

// LineReader yields input lines. *readline.Instance satisfies it.
type LineReader interface {
	Readline() (string, error)
	Close() error
}

// Options configures a Console.
type Options struct {
	Community string
	Author    string
	Directory Directory
	Output    *filestore.Store
	Log       *logging.Logger
}

// Console is a read-dispatch-print loop over a LineReader.
type Console struct {
	dispatcher Dispatcher
	directory  Directory
	output     *filestore.Store
	log        *logging.Logger

	community string
	author    string
}

// New creates a console dispatching to d.
func New(d Dispatcher, opts Options) *Console {
	if opts.Author == "" {
		opts.Author = "console"
	}
	return &Console{
		dispatcher: d,
		directory:  opts.Directory,
		output:     opts.Output,
		log:        opts.Log,
		community:  opts.Community,
		author:     opts.Author,
	}
}

// NewReadline opens an interactive terminal reader with history.
func NewReadline(historyFile string) (*readline.Instance, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		UniqueEditLine:    true,

		Stdin:  readline.NewCancelableStdin(os.Stdin),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize readline: %w", err)
	}
	return rl, nil
}

// Run reads lines from in until EOF, an exit command or ctx is done, writing
// replies to out. It closes in before returning.
func (c *Console) Run(ctx context.Context, in LineReader, out io.Writer) error {
	var closeOnce sync.Once
	closeInput := func() {
		closeOnce.Do(func() { in.Close() })
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeInput()
		case <-done:
		}
	}()
	defer closeInput()

	fmt.Fprintf(out, "Talking in %q. Type /help for console commands.\n", c.community)

	for {
		line, err := in.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("console: read input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := c.meta(line, out); quit {
				return nil
			}
			continue
		}

		c.handle(ctx, line, out)
	}
}

func (c *Console) handle(ctx context.Context, line string, out io.Writer) {
	resp, handled := c.dispatcher.Dispatch(ctx, command.Request{
		MessageID: uuid.NewString(),
		Community: c.community,
		Author:    c.author,
		Text:      line,
	})
	if !handled {
		return
	}

	if resp.Text != "" {
		fmt.Fprintln(out, resp.Text)
	}
	if resp.File == nil {
		return
	}
	if c.output == nil {
		fmt.Fprintf(out, "[image %s, %d bytes]\n", resp.File.Name, len(resp.File.Data))
		return
	}
	if err := c.output.Write("", resp.File.Name, resp.File.Data); err != nil {
		c.log.Errorf("write attachment %s: %v", resp.File.Name, err)
		fmt.Fprintf(out, "[image %s could not be saved: %v]\n", resp.File.Name, err)
		return
	}
	path, _ := c.output.Path("", resp.File.Name)
	fmt.Fprintf(out, "[image saved to %s]\n", path)
}

// meta runs a console command and reports whether the loop should stop.
func (c *Console) meta(line string, out io.Writer) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/exit", "/quit":
		return true
	case "/use":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: /use <community>")
			return false
		}
		c.community = fields[1]
		fmt.Fprintf(out, "Talking in %q.\n", c.community)
	case "/communities":
		if c.directory == nil {
			fmt.Fprintln(out, "no registry attached")
			return false
		}
		communities := c.directory.Communities()
		if len(communities) == 0 {
			fmt.Fprintln(out, "no communities yet")
			return false
		}
		for _, name := range communities {
			fmt.Fprintf(out, "%s (%d)\n", name, c.directory.Len(name))
		}
	case "/help":
		fmt.Fprintln(out, "/use <community>  switch community")
		fmt.Fprintln(out, "/communities      list communities with taught triggers")
		fmt.Fprintln(out, "/exit             leave")
	default:
		fmt.Fprintf(out, "unknown console command %s\n", fields[0])
	}
	return false
}
