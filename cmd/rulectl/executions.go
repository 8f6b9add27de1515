package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/rulesmith/rulesmith/internal/engine"
)

var (
	listDocumentID string
	listStatus     string
	listLimit      int
)

func init() {
	listCmd.Flags().StringVar(&listDocumentID, "document", "", "filter by document id")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (pending, running, completed, failed, cancelled)")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of executions to return")
}

// triggerCmd starts a workflow execution for a document
var triggerCmd = &cobra.Command{
	Use:   "trigger <document-id>",
	Short: "Start a workflow execution for an ingested document",
	Long: `Start a workflow execution for an ingested document.

Examples:
  # Run the pipeline over a document
  rulectl trigger 6f1c2a

  # Use a different server
  rulectl trigger --server http://localhost:8080 6f1c2a`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ex engine.Execution
		body := map[string]string{"document_id": args[0]}
		if err := doJSON(http.MethodPost, "/api/v1/executions", body, &ex); err != nil {
			return err
		}
		fmt.Printf("Execution %s started for document %s\n", ex.ID, ex.DocumentID)
		return nil
	},
}

// statusCmd shows one execution
var statusCmd = &cobra.Command{
	Use:   "status <execution-id>",
	Short: "Show a workflow execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ex engine.Execution
		if err := doJSON(http.MethodGet, "/api/v1/executions/"+url.PathEscape(args[0]), nil, &ex); err != nil {
			return err
		}
		return printJSON(ex)
	},
}

// listCmd lists executions
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflow executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if listDocumentID != "" {
			q.Set("document_id", listDocumentID)
		}
		if listStatus != "" {
			q.Set("status", listStatus)
		}
		if listLimit > 0 {
			q.Set("limit", fmt.Sprint(listLimit))
		}

		var resp struct {
			Executions []*engine.Execution `json:"executions"`
		}
		if err := doJSON(http.MethodGet, "/api/v1/executions?"+q.Encode(), nil, &resp); err != nil {
			return err
		}
		if len(resp.Executions) == 0 {
			fmt.Println("No executions found")
			return nil
		}
		for _, ex := range resp.Executions {
			line := fmt.Sprintf("%s  %-9s  doc=%s", ex.ID, ex.Status, ex.DocumentID)
			if ex.TerminationReason != "" {
				line += fmt.Sprintf("  reason=%s", ex.TerminationReason)
			}
			if ex.Status == engine.StatusRunning {
				line += fmt.Sprintf("  step=%s", ex.CurrentStep)
			}
			fmt.Println(line)
		}
		return nil
	},
}

// retryCmd restarts a failed execution
var retryCmd = &cobra.Command{
	Use:   "retry <execution-id>",
	Short: "Retry a failed execution from its failure step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ex engine.Execution
		if err := doJSON(http.MethodPost, "/api/v1/executions/"+url.PathEscape(args[0])+"/retry", nil, &ex); err != nil {
			return err
		}
		fmt.Printf("Execution %s restarted at step %s\n", ex.ID, ex.CurrentStep)
		return nil
	},
}

// cancelCmd requests cooperative cancellation
var cancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Request cancellation of a pending or running execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doJSON(http.MethodPost, "/api/v1/executions/"+url.PathEscape(args[0])+"/cancel", nil, nil); err != nil {
			return err
		}
		fmt.Printf("Cancellation requested for execution %s\n", args[0])
		return nil
	},
}
