package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotm/core/manager"
	"github.com/sushant-115/gojotm/core/script"
	"github.com/sushant-115/gojotm/core/sequencer"
	"github.com/sushant-115/gojotm/internal/config"
)

const shellHelp = `Operations (run in the background, one outstanding per transaction):
  BeginTx <tid> <R|W>
  Read <tid> <obj> [delay]
  Write <tid> <obj> [delay]
  Commit <tid>
  Abort <tid>
Shell commands:
  dump           print transactions and locks
  value <obj>    print the value of an object
  help
  exit / quit
`

func newShellCmd(flags *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Submit operations interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			applyOverrides(&cfg, cmd.Flags(), flags)
			if err := cfg.Validate(); err != nil {
				return err
			}
			sess, err := openSession(cfg, cfg.AuditLog)
			if err != nil {
				return err
			}
			defer sess.Close()

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "gojotm> ",
				HistoryFile:     filepath.Join(os.TempDir(), ".gojotm_history"),
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
				Stdout:          cmd.OutOrStdout(),
				Stderr:          cmd.ErrOrStderr(),
			})
			if err != nil {
				return errors.Wrap(err, "failed to start line editor")
			}
			defer rl.Close()

			fmt.Fprintf(rl.Stdout(), "gojotm shell, transaction log %s. Type 'help' for commands.\n", sess.auditPath)
			sh := newShell(cmd.Context(), sess.manager, rl.Stdout(), sess.logger)
			defer sh.stop()
			return sh.loop(rl)
		},
	}
	addRunFlags(cmd.Flags(), flags)
	return cmd
}

// lineReader is the part of *readline.Instance the shell loop uses.
type lineReader interface {
	Readline() (string, error)
}

// shell runs each submitted operation on its own goroutine, so that an
// operation waiting for a lock does not block the prompt.
type shell struct {
	m      *manager.Manager
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	outMu sync.Mutex
	out   io.Writer
	wg    sync.WaitGroup
}

func newShell(ctx context.Context, m *manager.Manager, out io.Writer, logger *zap.Logger) *shell {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &shell{m: m, logger: logger.Named("shell"), ctx: ctx, cancel: cancel, out: out}
}

func (sh *shell) printf(format string, args ...any) {
	sh.outMu.Lock()
	defer sh.outMu.Unlock()
	fmt.Fprintf(sh.out, format, args...)
}

// loop reads lines until exit, end of input or an interrupt on an empty line.
func (sh *shell) loop(r lineReader) error {
	for {
		line, err := r.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}
		if sh.handle(line) {
			return nil
		}
	}
}

// handle runs one input line and reports whether the shell should exit.
func (sh *shell) handle(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "//") || strings.HasPrefix(line, "#") {
		return false
	}
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "exit", "quit":
		return true
	case "help":
		sh.printf("%s", shellHelp)
	case "dump":
		sh.outMu.Lock()
		_, err := sh.m.Snapshot().WriteTo(sh.out)
		sh.outMu.Unlock()
		if err != nil {
			sh.logger.Warn("Failed to print manager state", zap.Error(err))
		}
	case "value":
		if len(fields) != 2 {
			sh.printf("Error: value requires an object number\n")
			return false
		}
		obj, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			sh.printf("Error: bad object number %q\n", fields[1])
			return false
		}
		v, err := sh.m.Value(obj)
		if err != nil {
			sh.printf("Error: %v\n", err)
			return false
		}
		sh.printf("%d = %d\n", obj, v)
	default:
		sh.submit(line)
	}
	return false
}

func (sh *shell) submit(line string) {
	op, err := script.ParseOp(line)
	if err != nil {
		sh.printf("Error: %v\n", err)
		return
	}
	if err := sh.m.Prepare(op.TxnID, 1); err != nil {
		if errors.Is(err, sequencer.ErrBarrierBusy) {
			sh.printf("Error: T%d still has an operation pending\n", op.TxnID)
			return
		}
		sh.printf("Error: %v\n", err)
		return
	}
	op.Seq = 1

	sh.wg.Add(1)
	go func() {
		defer sh.wg.Done()
		if err := sh.m.Execute(sh.ctx, op); err != nil {
			sh.printf("%s T%d: %v\n", op.Kind, op.TxnID, err)
		}
	}()
}

// stop cancels operations still waiting for locks and waits for them.
func (sh *shell) stop() {
	sh.cancel()
	sh.wg.Wait()
}
