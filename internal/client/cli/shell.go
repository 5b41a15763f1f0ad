package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/atinyakov/modelsync/internal/client/storage"
	"github.com/atinyakov/modelsync/internal/client/tablock"
	"github.com/atinyakov/modelsync/internal/kv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	viewRecords   = "records"
	viewLibraries = "shared-libraries"

	shellHelp = `Available commands:
  help                     show this list
  status                   session, sync and lock state
  list                     list records
  get <id>                 show a record
  add                      create a record
  edit <id>                change a record (empty answers keep the value)
  delete <id>              delete a record
  sync                     pull, then push now
  libraries                list libraries shared with you
  share <email> [name]     share your records
  unshare <email>          stop sharing
  takeover                 take the edit lock from another instance
  exit                     leave the shell`
)

// NewShellCommand starts an interactive session. The shell takes part in
// the edit lock election and syncs in the background while it holds the
// lock.
func NewShellCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive session with background sync",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, app *App, _ []string) error {
			return newShell(app, cmd.InOrStdin(), cmd.OutOrStdout()).run(cmd.Context())
		}),
	}
}

type shell struct {
	app *App
	in  *bufio.Scanner
	out io.Writer
	// tabs outlives coordinator restarts, like a browser tab's session
	// storage outlives a reload.
	tabs kv.Store

	coord   *tablock.Coordinator
	cleanup func()

	mu       sync.Mutex
	closing  bool
	stopSync context.CancelFunc
	syncDone chan struct{}
}

func newShell(app *App, in io.Reader, out io.Writer) *shell {
	return &shell{app: app, in: bufio.NewScanner(in), out: &lockedWriter{w: out}, tabs: kv.NewMemory()}
}

func (s *shell) start(ctx context.Context) error {
	coord, cleanup := s.app.Coordinator(ctx, s.tabs, func() { s.restart(ctx) })
	coord.OnChange(func(m tablock.Mode) { s.onMode(ctx, m) })
	s.coord, s.cleanup = coord, cleanup
	coord.SetView(viewRecords)
	return coord.Start(ctx)
}

// restart replaces the coordinator after a takeover. The new one adopts
// the takeover ticket as its identity.
func (s *shell) restart(ctx context.Context) {
	old, cleanup := s.coord, s.cleanup
	if err := old.Close(ctx); err != nil {
		s.app.Log.Warn("failed to stop coordinator", zap.Error(err))
	}
	cleanup()
	if err := s.start(ctx); err != nil {
		fmt.Fprintf(s.out, "restart failed: %v\n", err)
	}
}

func (s *shell) onMode(ctx context.Context, m tablock.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	fmt.Fprintf(s.out, "\n[%s]\n", m)
	if m == tablock.ModePrimary {
		s.startSyncLocked(ctx)
	} else {
		s.stopSyncLocked()
	}
}

func (s *shell) startSyncLocked(ctx context.Context) {
	if s.stopSync != nil {
		return
	}
	// The previous lock holder may have changed the durable state.
	if err := s.app.Reload(ctx); err != nil {
		s.app.Log.Warn("failed to reload state", zap.Error(err))
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.stopSync, s.syncDone = cancel, done
	go func() {
		defer close(done)
		s.app.Engine.SetLocalReady(runCtx)
		s.app.Engine.Run(runCtx)
	}()
}

func (s *shell) stopSyncLocked() {
	if s.stopSync == nil {
		return
	}
	s.stopSync()
	<-s.syncDone
	s.stopSync, s.syncDone = nil, nil
}

func (s *shell) shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closing = true
	s.stopSyncLocked()
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	if s.coord.IsPrimary() && s.app.Engine.PendingCount() > 0 {
		pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if res := s.app.Engine.Push(pushCtx); !res.Success {
			fmt.Fprintf(s.out, "Final push failed: %s\n", res.Error)
		}
		cancel()
	}
	if err := s.coord.Close(ctx); err != nil {
		s.app.Log.Warn("failed to release tab lock", zap.Error(err))
	}
	s.cleanup()
}

func (s *shell) run(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		return err
	}
	defer s.shutdown(ctx)

	fmt.Fprintln(s.out, "Type 'help' for a list of commands.")
	for {
		fmt.Fprint(s.out, "modelsync> ")
		if !s.in.Scan() {
			break
		}
		args := strings.Fields(s.in.Text())
		if len(args) == 0 {
			continue
		}
		if quit := s.exec(ctx, args); quit {
			return nil
		}
	}
	return s.in.Err()
}

// exec runs one command line and reports whether the shell should exit.
func (s *shell) exec(ctx context.Context, args []string) bool {
	switch args[0] {
	case "help":
		fmt.Fprintln(s.out, shellHelp)
	case "exit", "quit":
		fmt.Fprintln(s.out, "Bye")
		return true
	case "status":
		s.status()
	case "takeover":
		s.takeover(ctx)
	case "libraries":
		s.coord.SetView(viewLibraries)
		if !s.coord.IsPrimary() {
			if err := s.app.Records.Load(); err != nil {
				fmt.Fprintf(s.out, "Error: %v\n", err)
			}
		}
		printLibraries(s.out, s.app)
	default:
		s.coord.SetView(viewRecords)
		if !s.coord.IsPrimary() {
			fmt.Fprintln(s.out, "Another instance is editing records. Type 'takeover' to continue here, or 'libraries' to browse shared libraries.")
			return false
		}
		if err := s.records(ctx, args); err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
		}
	}
	return false
}

// records runs the commands that need the edit lock.
func (s *shell) records(ctx context.Context, args []string) error {
	arg := func() (string, error) {
		if len(args) < 2 {
			return "", fmt.Errorf("usage: %s <id>", args[0])
		}
		return args[1], nil
	}

	switch args[0] {
	case "list":
		printRecords(s.out, s.app, s.app.Records.List())
	case "get":
		id, err := arg()
		if err != nil {
			return err
		}
		rec, ok := s.app.Records.Get(id)
		if !ok {
			return storage.ErrNotFound
		}
		b, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, string(b))
	case "add":
		in, err := storage.PromptForRecord(&scannerReader{s: s.in}, s.out, os.ReadFile)
		if err != nil {
			return err
		}
		if in.Title == "" {
			return errors.New("a title is required")
		}
		rec, err := addRecord(ctx, s.app, in)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Record %s added\n", rec.ID)
	case "edit":
		id, err := arg()
		if err != nil {
			return err
		}
		if _, ok := s.app.Records.Get(id); !ok {
			return storage.ErrNotFound
		}
		in, err := storage.PromptForRecord(&scannerReader{s: s.in}, s.out, os.ReadFile)
		if err != nil {
			return err
		}
		if _, err := editRecord(ctx, s.app, id, in); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "Record updated")
	case "delete":
		id, err := arg()
		if err != nil {
			return err
		}
		if err := deleteRecord(ctx, s.app, id); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "Record deleted")
	case "sync":
		if err := requireSession(s.app); err != nil {
			return err
		}
		res := s.app.Engine.Sync(ctx)
		if res == nil {
			return errors.Join(errors.New("sync did not run"), stateErr(s.app.Engine))
		}
		if res.Pull != nil {
			printPull(s.out, res.Pull)
		}
		if !res.Push.Success {
			return fmt.Errorf("push failed: %s", res.Push.Error)
		}
		printPush(s.out, res.Push, s.app.Engine.PendingCount())
	case "share", "unshare":
		if len(args) < 2 {
			return fmt.Errorf("usage: %s <email>", args[0])
		}
		if err := requireSession(s.app); err != nil {
			return err
		}
		var err error
		if args[0] == "share" {
			err = s.app.API.ShareLibrary(ctx, args[1], strings.Join(args[2:], " "))
		} else {
			err = s.app.API.UnshareLibrary(ctx, args[1])
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, "Done")
	default:
		fmt.Fprintln(s.out, "Unknown command. Type 'help' for a list of commands.")
	}
	return nil
}

func (s *shell) status() {
	st := s.app.Engine.State()
	fmt.Fprintf(s.out, "Mode:       %s (%s)\n", s.coord.Mode(), s.coord.TabID())
	if sess, ok := s.app.Session.Current(); ok {
		fmt.Fprintf(s.out, "Signed in:  %s\n", sess.User.Email)
	} else {
		fmt.Fprintln(s.out, "Signed in:  no")
	}
	fmt.Fprintf(s.out, "Sync:       %s", st.Status)
	if st.SyncError != "" {
		fmt.Fprintf(s.out, " (%s)", st.SyncError)
	}
	fmt.Fprintln(s.out)
	fmt.Fprintf(s.out, "Pending:    %d\n", s.app.Engine.PendingCount())
}

func (s *shell) takeover(ctx context.Context) {
	if _, err := s.coord.Takeover(ctx); err != nil {
		if errors.Is(err, tablock.ErrAlreadyPrimary) {
			fmt.Fprintln(s.out, "This instance already holds the edit lock.")
			return
		}
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, "Took over the edit lock.")
}

// scannerReader feeds prompts from the shell's scanner one line per Read,
// so a prompt never consumes input meant for the next command.
type scannerReader struct {
	s   *bufio.Scanner
	buf []byte
}

func (r *scannerReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		if !r.s.Scan() {
			if err := r.s.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		r.buf = append(append([]byte(nil), r.s.Bytes()...), '\n')
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// lockedWriter serializes writes from the prompt loop and from mode change
// notifications.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
