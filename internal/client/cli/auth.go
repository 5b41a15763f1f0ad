package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/atinyakov/modelsync/internal/client/syncer"
	"github.com/atinyakov/modelsync/internal/client/tablock"
	"github.com/atinyakov/modelsync/internal/kv"
	"github.com/spf13/cobra"
)

var errNotSignedIn = errors.New("not signed in, run 'modelsync login <email>' first")

// withApp opens the App around fn.
func (o *RootOptions) withApp(fn func(cmd *cobra.Command, app *App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := o.openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()
		return fn(cmd, app, args)
	}
}

func requireSession(app *App) error {
	if !app.Session.Authenticated() {
		return errNotSignedIn
	}
	return nil
}

// stateErr turns a failed engine state into an error.
func stateErr(e *syncer.Engine) error {
	st := e.State()
	switch st.Status {
	case syncer.StatusError:
		return fmt.Errorf("sync failed: %s", st.SyncError)
	case syncer.StatusOffline:
		return errors.New("offline")
	}
	return nil
}

// NewLoginCommand requests a magic link.
func NewLoginCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login <email>",
		Short: "Email a sign-in link",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, app *App, args []string) error {
			if err := app.Engine.RequestMagicLink(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sign-in link sent to %s.\nRun 'modelsync verify <token>' with the token from the link.\n", args[0])
			return nil
		}),
	}
}

// NewVerifyCommand exchanges a magic-link token for a session and runs the
// initial pull.
func NewVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <token>",
		Short: "Complete sign-in with the token from the emailed link",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, app *App, args []string) error {
			ctx := cmd.Context()
			return app.WithLock(ctx, func() error {
				app.Engine.SetLocalReady(ctx)
				user, err := app.Engine.VerifyMagicLink(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Signed in as %s.\n", user.Email)
				if err := stateErr(app.Engine); err != nil {
					fmt.Fprintf(out, "Initial sync did not complete: %v\n", err)
					return nil
				}
				fmt.Fprintf(out, "%d records available locally.\n", len(app.Records.List()))
				return nil
			})
		}),
	}
}

// NewLogoutCommand ends the session and forgets the signed-out user's
// local data.
func NewLogoutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear local records and pending changes",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, app *App, _ []string) error {
			ctx := cmd.Context()
			return app.WithLock(ctx, func() error {
				dropped := app.Engine.PendingCount()
				err := errors.Join(app.Engine.Logout(ctx), app.Records.Reset())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
				if dropped > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%d unsynced changes were discarded.\n", dropped)
				}
				return nil
			})
		}),
	}
}

// NewStatusCommand prints the session, sync and lock state.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session, sync and lock state",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, app *App, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server:       %s\n", app.Options.ServerURL)
			if sess, ok := app.Session.Current(); ok {
				fmt.Fprintf(out, "Signed in:    %s\n", sess.User.Email)
			} else {
				fmt.Fprintln(out, "Signed in:    no")
			}

			last := "never"
			if t := app.Engine.LastSyncAt(); !t.IsZero() {
				last = t.Local().Format(time.RFC3339)
			}
			fmt.Fprintf(out, "Last sync:    %s\n", last)
			fmt.Fprintf(out, "Pending:      %d\n", app.Engine.PendingCount())
			fmt.Fprintf(out, "Records:      %d owned, %d shared\n",
				app.Records.OwnedModelCount(), len(app.Records.List())-app.Records.OwnedModelCount())

			coord := tablock.New(app.Durable, kv.NewMemory(), nil, nil, tablock.Config{}, app.Log)
			lock, ok, err := coord.ReadLock(cmd.Context())
			if err != nil {
				return err
			}
			switch {
			case !ok:
				fmt.Fprintln(out, "Edit lock:    free")
			case lock.Expired(time.Now(), tablock.DefaultLockTTL):
				fmt.Fprintf(out, "Edit lock:    expired (%s)\n", lock.TabID)
			default:
				fmt.Fprintf(out, "Edit lock:    held by %s\n", lock.TabID)
			}
			return nil
		}),
	}
}
