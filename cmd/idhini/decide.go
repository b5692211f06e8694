package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

var (
	decideServerURL string
	decideAPIKey    string
	decideTimeout   int
	approveOnly     bool
)

var approveCmd = &cobra.Command{
	Use:   "approve <proposal-id>",
	Short: "Approve and execute a pending proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		endpoint := "approve-execute"
		if approveOnly {
			endpoint = "approve"
		}
		return runDecision(args[0], endpoint)
	},
}

var declineCmd = &cobra.Command{
	Use:   "decline <proposal-id>",
	Short: "Decline a pending proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return runDecision(args[0], "decline")
	},
}

func init() {
	for _, cmd := range []*cobra.Command{approveCmd, declineCmd} {
		cmd.Flags().StringVar(&decideServerURL, "server-url", "http://localhost:8080", "Idhini server URL")
		cmd.Flags().StringVar(&decideAPIKey, "api-key", "", "API key (or IDHINI_API_KEY env)")
		cmd.Flags().IntVar(&decideTimeout, "timeout", 120, "timeout in seconds")
	}
	approveCmd.Flags().BoolVar(&approveOnly, "no-execute", false, "approve without executing")
}

// runDecision posts a decision endpoint and prints the resulting proposal state.
func runDecision(proposalID, endpoint string) error {
	apiKey := goutils.Env("IDHINI_API_KEY", decideAPIKey)
	serverURL := goutils.Env("IDHINI_SERVER_URL", decideServerURL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(decideTimeout)*time.Second)
	defer cancel()

	url := serverURL + "/v1/proposals/" + proposalID + "/" + endpoint
	respBody, status := postJSON(ctx, url, apiKey, map[string]any{}, "")

	var proposal struct {
		ID          string `json:"id"`
		ToolName    string `json:"tool_name"`
		Description string `json:"description"`
		State       string `json:"state"`
		Result      string `json:"result"`
		ResultURL   string `json:"result_url"`
		Error       string `json:"error"`
	}

	switch status {
	case http.StatusOK:
		_ = json.Unmarshal(respBody, &proposal)
		fmt.Printf("%s: %s\n", proposal.State, proposal.Description)
		if proposal.Result != "" {
			fmt.Println(proposal.Result)
		}
		if proposal.ResultURL != "" {
			fmt.Println(proposal.ResultURL)
		}
		if proposal.Error != "" {
			fmt.Fprintf(os.Stderr, "Error: %s\n", proposal.Error)
			os.Exit(ExitFailure)
		}
		os.Exit(ExitSuccess)

	case http.StatusConflict:
		// The proposal is no longer in a state that allows this decision.
		_ = json.Unmarshal(respBody, &proposal)
		fmt.Fprintf(os.Stderr, "Error: %s (current state: %s)\n", proposal.Error, proposal.State)
		os.Exit(ExitFailure)

	case http.StatusNotFound:
		fmt.Fprintf(os.Stderr, "Error: proposal %s not found\n", proposalID)
		os.Exit(ExitFailure)

	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitUnauthorized)

	default:
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", status, string(respBody))
		os.Exit(ExitFailure)
	}

	return nil
}
