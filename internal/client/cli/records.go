package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/atinyakov/modelsync/internal/client/storage"
	"github.com/atinyakov/modelsync/internal/models"
	"github.com/spf13/cobra"
)

// recordFlags are the field flags shared by add and edit.
type recordFlags struct {
	title, content, category string
}

func (f *recordFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.title, "title", "t", "", "record title")
	cmd.Flags().StringVarP(&f.content, "content", "b", "", "record content, or @file to read it from a file")
	cmd.Flags().StringVarP(&f.category, "category", "k", "", "record category")
}

func (f *recordFlags) empty() bool {
	return f.title == "" && f.content == "" && f.category == ""
}

func (f *recordFlags) input() (storage.RecordInput, error) {
	content := f.content
	if path, ok := strings.CutPrefix(content, "@"); ok && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return storage.RecordInput{}, fmt.Errorf("read %q: %w", path, err)
		}
		content = string(data)
	}
	return storage.RecordInput{Title: f.title, Content: content, Category: f.category}, nil
}

// addRecord stores a new record and queues it for the next push.
func addRecord(ctx context.Context, app *App, in storage.RecordInput) (models.Record, error) {
	rec := app.Records.Add(in.Title, in.Content, in.Category)
	if err := app.Records.Save(); err != nil {
		return rec, fmt.Errorf("save records: %w", err)
	}
	return rec, app.Engine.TrackChange(ctx, models.OpCreate, rec)
}

func editRecord(ctx context.Context, app *App, id string, in storage.RecordInput) (models.Record, error) {
	rec, err := app.Records.Edit(id, in.Title, in.Content, in.Category)
	if err != nil {
		return rec, err
	}
	if err := app.Records.Save(); err != nil {
		return rec, fmt.Errorf("save records: %w", err)
	}
	return rec, app.Engine.TrackChange(ctx, models.OpUpdate, rec)
}

func deleteRecord(ctx context.Context, app *App, id string) error {
	rec, err := app.Records.Delete(id)
	if err != nil {
		return err
	}
	if err := app.Records.Save(); err != nil {
		return fmt.Errorf("save records: %w", err)
	}
	return app.Engine.TrackChange(ctx, models.OpDelete, rec)
}

// NewAddCommand creates a record. Without field flags it prompts for them.
func NewAddCommand(opts *RootOptions) *cobra.Command {
	var f recordFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a record",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, app *App, _ []string) error {
			var (
				in  storage.RecordInput
				err error
			)
			if f.empty() {
				in, err = storage.PromptForRecord(cmd.InOrStdin(), cmd.OutOrStdout(), os.ReadFile)
			} else {
				in, err = f.input()
			}
			if err != nil {
				return err
			}
			if in.Title == "" {
				return errors.New("a title is required")
			}

			ctx := cmd.Context()
			return app.WithLock(ctx, func() error {
				rec, err := addRecord(ctx, app, in)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
				return nil
			})
		}),
	}
	f.bind(cmd)
	return cmd
}

// NewEditCommand changes the given fields of an owned record.
func NewEditCommand(opts *RootOptions) *cobra.Command {
	var f recordFlags
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change fields of a record",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, app *App, args []string) error {
			if f.empty() {
				return errors.New("nothing to change, pass --title, --content or --category")
			}
			in, err := f.input()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return app.WithLock(ctx, func() error {
				rec, err := editRecord(ctx, app, args[0], in)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated %s.\n", rec.ID)
				return nil
			})
		}),
	}
	f.bind(cmd)
	return cmd
}

// NewDeleteCommand removes an owned record.
func NewDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, app *App, args []string) error {
			ctx := cmd.Context()
			return app.WithLock(ctx, func() error {
				if err := deleteRecord(ctx, app, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", args[0])
				return nil
			})
		}),
	}
}

// printRecords writes one line per record. Records with unsynced changes
// are marked with an asterisk.
func printRecords(w io.Writer, app *App, recs []models.Record) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tCATEGORY\tVERSION\tOWNER")
	for _, r := range recs {
		owner := "me"
		if r.IsShared {
			owner = "shared"
		}
		mark := ""
		if _, ok := app.Queue.Get(r.ID); ok {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%s\t%d\t%s\n", r.ID, mark, r.Title, r.Category, r.SyncVersion, owner)
	}
	tw.Flush()
}

// NewListCommand lists local records.
func NewListCommand(opts *RootOptions) *cobra.Command {
	var shared, owned bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List local records",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, app *App, _ []string) error {
			recs := app.Records.List()
			switch {
			case owned:
				recs = app.Records.Owned()
			case shared:
				var only []models.Record
				for _, r := range recs {
					if r.IsShared {
						only = append(only, r)
					}
				}
				recs = only
			}
			printRecords(cmd.OutOrStdout(), app, recs)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&shared, "shared", false, "only records shared with you")
	cmd.Flags().BoolVar(&owned, "owned", false, "only your own records")
	cmd.MarkFlagsMutuallyExclusive("shared", "owned")
	return cmd
}

// NewGetCommand prints one record as JSON.
func NewGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a record",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, app *App, args []string) error {
			rec, ok := app.Records.Get(args[0])
			if !ok {
				return storage.ErrNotFound
			}
			b, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		}),
	}
}
