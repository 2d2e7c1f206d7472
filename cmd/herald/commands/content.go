package commands

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/herald/content"
	"github.com/teranos/herald/errors"
)

// ContentCmd manages content items, the drafts posts are scheduled from
var ContentCmd = &cobra.Command{
	Use:   "content",
	Short: "Manage content items",
	Long: `Manage content items locally.

Content items normally come from an upstream editorial system; these commands
seed the table for local use.

Examples:
  herald content add --title "v2" --body "v2 is out"
  echo "long text" | herald content add --title "essay" --body -
  herald content ls --status approved`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var contentAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an approved content item",
	RunE:  runContentAdd,
}

var contentLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List content items",
	RunE:  runContentLs,
}

var (
	contentTitle  string
	contentBody   string
	contentStatus string
	contentLimit  int
)

func init() {
	contentAddCmd.Flags().StringVar(&contentTitle, "title", "", "item title")
	contentAddCmd.Flags().StringVar(&contentBody, "body", "", `item body ("-" reads stdin)`)
	contentAddCmd.Flags().StringVar(&contentStatus, "status", string(content.StatusApproved), "initial status")

	contentLsCmd.Flags().StringVar(&contentStatus, "status", "", "filter by status")
	contentLsCmd.Flags().IntVar(&contentLimit, "limit", 50, "maximum rows")

	ContentCmd.AddCommand(contentAddCmd)
	ContentCmd.AddCommand(contentLsCmd)
}

func runContentAdd(cmd *cobra.Command, args []string) error {
	body := contentBody
	if body == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return errors.Wrap(err, "failed to read body from stdin")
		}
		body = string(data)
	}
	if strings.TrimSpace(body) == "" {
		return errors.NewInvalidArgumentError("--body is required")
	}
	if !content.IsValidStatus(contentStatus) {
		return errors.NewInvalidArgumentError("unknown content status %q", contentStatus)
	}

	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		item := &content.Item{Title: contentTitle, Body: body, Status: content.Status(contentStatus)}
		if err := content.NewStore(a.db).Create(ctx, item); err != nil {
			return err
		}
		pterm.Success.Printf("Added content item %s\n", item.ID)
		return nil
	})
}

func runContentLs(cmd *cobra.Command, args []string) error {
	var status *content.Status
	if contentStatus != "" {
		if !content.IsValidStatus(contentStatus) {
			return errors.NewInvalidArgumentError("unknown content status %q", contentStatus)
		}
		s := content.Status(contentStatus)
		status = &s
	}

	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		items, err := content.NewStore(a.db).List(ctx, status, contentLimit)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			pterm.Info.Println("No content items")
			return nil
		}
		data := pterm.TableData{{"ID", "STATUS", "TITLE", "BODY", "UPDATED"}}
		for _, item := range items {
			data = append(data, []string{item.ID, string(item.Status), truncate(item.Title, 24), truncate(item.Body, 48), formatTime(item.UpdatedAt)})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	})
}
