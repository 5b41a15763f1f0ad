package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/atinyakov/modelsync/internal/client/syncer"
	"github.com/spf13/cobra"
)

func printPull(w io.Writer, res *syncer.PullResult) {
	kind := "incremental"
	if res.Full {
		kind = "full"
	}
	fmt.Fprintf(w, "Pulled %d records (%s), %d shared libraries.\n", len(res.Records), kind, len(res.SharedLibraries))
}

func printPush(w io.Writer, res syncer.PushResult, pending int) {
	fmt.Fprintf(w, "Pushed %d changes, %d pending.\n", res.Count, pending)
}

// syncCommand runs fn under the edit lock with a session.
func (o *RootOptions) syncCommand(use, short string, fn func(cmd *cobra.Command, app *App) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: o.withApp(func(cmd *cobra.Command, app *App, _ []string) error {
			if err := requireSession(app); err != nil {
				return err
			}
			return app.WithLock(cmd.Context(), func() error { return fn(cmd, app) })
		}),
	}
}

// NewPullCommand fetches remote changes.
func NewPullCommand(opts *RootOptions) *cobra.Command {
	return opts.syncCommand("pull", "Fetch remote changes into the local store", func(cmd *cobra.Command, app *App) error {
		res := app.Engine.Pull(cmd.Context())
		if res == nil {
			return errors.Join(errors.New("pull did not run"), stateErr(app.Engine))
		}
		printPull(cmd.OutOrStdout(), res)
		return nil
	})
}

// NewPushCommand sends the pending changes.
func NewPushCommand(opts *RootOptions) *cobra.Command {
	return opts.syncCommand("push", "Send pending local changes", func(cmd *cobra.Command, app *App) error {
		res := app.Engine.Push(cmd.Context())
		if !res.Success {
			return fmt.Errorf("push failed: %s", res.Error)
		}
		printPush(cmd.OutOrStdout(), res, app.Engine.PendingCount())
		return nil
	})
}

// NewSyncCommand pulls, then pushes.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return opts.syncCommand("sync", "Pull remote changes, then push local ones", func(cmd *cobra.Command, app *App) error {
		out := cmd.OutOrStdout()
		res := app.Engine.Sync(cmd.Context())
		if res == nil {
			return errors.Join(errors.New("sync did not run"), stateErr(app.Engine))
		}
		if res.Pull != nil {
			printPull(out, res.Pull)
		} else {
			fmt.Fprintln(out, "Pull failed, pushing anyway.")
		}
		if !res.Push.Success {
			return fmt.Errorf("push failed: %s", res.Push.Error)
		}
		printPush(out, res.Push, app.Engine.PendingCount())
		return nil
	})
}

// NewPushAllCommand uploads every owned record, for a store that was never
// synced.
func NewPushAllCommand(opts *RootOptions) *cobra.Command {
	return opts.syncCommand("push-all", "Upload every local record as new", func(cmd *cobra.Command, app *App) error {
		res := app.Engine.PushAllModels(cmd.Context(), app.Records.Owned())
		if !res.Success {
			if res.Error != "" {
				return fmt.Errorf("upload failed (%s): %s", res.Reason, res.Error)
			}
			return fmt.Errorf("upload skipped: %s", res.Reason)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Uploaded %d records.\n", res.Count)
		for _, c := range res.Conflicts {
			fmt.Fprintf(out, "  %s: %s\n", c.ID, c.Reason)
		}
		return nil
	})
}
