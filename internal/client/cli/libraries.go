package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func printLibraries(w io.Writer, app *App) {
	libs := app.Records.SharedLibraries()
	if len(libs) == 0 {
		fmt.Fprintln(w, "No libraries are shared with you.")
		return
	}
	for _, l := range libs {
		fmt.Fprintf(w, "%s\t%s\t%d records\n", l.ID, l.Name, l.RecordCount)
	}
}

// NewLibrariesCommand lists the libraries shared with the user, as of the
// last pull.
func NewLibrariesCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "libraries",
		Short: "List libraries shared with you",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, app *App, _ []string) error {
			printLibraries(cmd.OutOrStdout(), app)
			return nil
		}),
	}
}

// NewShareCommand shares the user's records with another user.
func NewShareCommand(opts *RootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "share <email>",
		Short: "Give another user read access to your records",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, app *App, args []string) error {
			if err := requireSession(app); err != nil {
				return err
			}
			if err := app.API.ShareLibrary(cmd.Context(), args[0], name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Shared your library with %s.\n", args[0])
			return nil
		}),
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "library name shown to the recipient")
	return cmd
}

// NewUnshareCommand revokes a share.
func NewUnshareCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unshare <email>",
		Short: "Revoke another user's read access",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, app *App, args []string) error {
			if err := requireSession(app); err != nil {
				return err
			}
			if err := app.API.UnshareLibrary(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stopped sharing with %s.\n", args[0])
			return nil
		}),
	}
}
