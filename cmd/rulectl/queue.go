package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/rulesmith/rulesmith/internal/queue"
)

var (
	queueListStatus string
	queueListLimit  int
	reviewer        string
	editedRuleFile  string
)

func init() {
	queueListCmd.Flags().StringVar(&queueListStatus, "status", "pending", "filter by review status (pending, approved, rejected, edited); empty for all")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 20, "maximum number of items to return")
	queueReviewCmd.Flags().StringVar(&reviewer, "reviewer", "", "name recorded on the review decision")
	queueReviewCmd.Flags().StringVar(&editedRuleFile, "rule", "", "YAML file with the replacement rule (edit action only)")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueShowCmd)
	queueCmd.AddCommand(queueReviewCmd)
}

// queueCmd groups review queue operations
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and review queued rule drafts",
}

// queueListCmd lists queue items
var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue items",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if queueListStatus != "" {
			q.Set("status", queueListStatus)
		}
		if queueListLimit > 0 {
			q.Set("limit", fmt.Sprint(queueListLimit))
		}

		var resp struct {
			Items []*queue.Item `json:"items"`
		}
		if err := doJSON(http.MethodGet, "/api/v1/queue?"+q.Encode(), nil, &resp); err != nil {
			return err
		}
		if len(resp.Items) == 0 {
			fmt.Println("No queue items found")
			return nil
		}
		for _, item := range resp.Items {
			fmt.Printf("%s  %-8s  %s\n", item.ID, item.ReviewStatus, item.Draft.Title)
		}
		return nil
	},
}

// queueShowCmd shows one queue item
var queueShowCmd = &cobra.Command{
	Use:   "show <item-id>",
	Short: "Show a queue item with its draft and similarity context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var item queue.Item
		if err := doJSON(http.MethodGet, "/api/v1/queue/"+url.PathEscape(args[0]), nil, &item); err != nil {
			return err
		}
		return printJSON(item)
	},
}

// queueReviewCmd applies a review decision
var queueReviewCmd = &cobra.Command{
	Use:   "review <item-id> <approve|reject|edit>",
	Short: "Apply a review decision to a pending queue item",
	Long: `Apply a review decision to a pending queue item.

Examples:
  # Approve a queued rule
  rulectl queue review 4be91d approve --reviewer alex

  # Reject a queued rule
  rulectl queue review 4be91d reject --reviewer alex

  # Replace the rule before approval
  rulectl queue review 4be91d edit --reviewer alex --rule fixed.yaml`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action := queue.Action(args[1])
		body := map[string]string{
			"action":   string(action),
			"reviewer": reviewer,
		}
		if action == queue.ActionEdit {
			if editedRuleFile == "" {
				return fmt.Errorf("edit requires --rule with the replacement YAML")
			}
			raw, err := os.ReadFile(editedRuleFile)
			if err != nil {
				return fmt.Errorf("failed to read rule file %s: %w", editedRuleFile, err)
			}
			body["edited_rule"] = string(raw)
		}

		var item queue.Item
		if err := doJSON(http.MethodPost, "/api/v1/queue/"+url.PathEscape(args[0])+"/review", body, &item); err != nil {
			return err
		}
		fmt.Printf("Item %s marked %s\n", item.ID, item.ReviewStatus)
		return nil
	},
}
