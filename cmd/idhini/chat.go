package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/google/uuid"

	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the client commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitUnauthorized = 2
	ExitUnavailable  = 3
)

var (
	chatMessage   string
	chatServerURL string
	chatAPIKey    string
	chatStream    bool
	chatTimeout   int
	chatConvID    string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Send a one-shot message to a running Idhini server",
	Long: `Send a message to the Idhini server and print the assistant's reply.
Write actions the assistant wants to take are reported as pending proposals;
approve or decline them with the approve and decline commands.

Examples:
  idhini chat -m "how many open issues are assigned to me?"
  idhini chat -m "close the stale issues in project infra" --stream
  idhini chat -m "and the ones in project web?" --conversation-id <id>`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatMessage, "message", "m", "", "message to send (required)")
	chatCmd.Flags().StringVar(&chatServerURL, "server-url", "http://localhost:8080", "Idhini server URL")
	chatCmd.Flags().StringVar(&chatAPIKey, "api-key", "", "API key (or IDHINI_API_KEY env)")
	chatCmd.Flags().BoolVar(&chatStream, "stream", false, "stream the reply via SSE")
	chatCmd.Flags().IntVar(&chatTimeout, "timeout", 300, "timeout in seconds")
	chatCmd.Flags().StringVar(&chatConvID, "conversation-id", "", "conversation ID for multi-turn context (generated if empty)")

	_ = chatCmd.MarkFlagRequired("message")
}

func runChat(_ *cobra.Command, _ []string) error {
	apiKey := goutils.Env("IDHINI_API_KEY", chatAPIKey)
	serverURL := goutils.Env("IDHINI_SERVER_URL", chatServerURL)

	conversationID := chatConvID
	if conversationID == "" {
		conversationID = uuid.New().String()
		fmt.Fprintf(os.Stderr, "[conversation_id=%s]\n", conversationID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(chatTimeout)*time.Second)
	defer cancel()

	if chatStream {
		return runChatSSE(ctx, serverURL, apiKey, conversationID)
	}
	return runChatHTTP(ctx, serverURL, apiKey, conversationID)
}

// runChatHTTP sends a synchronous message and prints the buffered reply.
func runChatHTTP(ctx context.Context, serverURL, apiKey, conversationID string) error {
	respBody, status := postJSON(ctx, serverURL+"/v1/conversations/"+conversationID+"/messages",
		apiKey, map[string]any{"message": chatMessage}, "")

	switch status {
	case http.StatusOK:
		var result struct {
			ConversationID string `json:"conversation_id"`
			MessageID      string `json:"message_id"`
			Text           string `json:"text"`
		}
		_ = json.Unmarshal(respBody, &result)
		fmt.Println(result.Text)
		fmt.Fprintf(os.Stderr, "\n[conversation_id=%s message_id=%s]\n",
			result.ConversationID, result.MessageID)
		os.Exit(ExitSuccess)

	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitUnauthorized)

	case http.StatusTooManyRequests:
		fmt.Fprintln(os.Stderr, "Error: rate limited, try again later")
		os.Exit(ExitUnauthorized)

	default:
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", status, string(respBody))
		os.Exit(ExitFailure)
	}

	return nil
}

// runChatSSE sends a streaming message and renders events as they arrive.
func runChatSSE(ctx context.Context, serverURL, apiKey, conversationID string) error {
	reqBody, _ := json.Marshal(map[string]any{"message": chatMessage})

	req, err := http.NewRequestWithContext(ctx, "POST",
		serverURL+"/v1/conversations/"+conversationID+"/messages/stream", bytes.NewReader(reqBody))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", serverURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(body))
		os.Exit(ExitFailure)
	}

	scanner := bufio.NewScanner(resp.Body)
	exitCode := ExitSuccess

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var event struct {
			Type     string `json:"type"`
			Content  string `json:"content"`
			Error    string `json:"error"`
			ToolCall *struct {
				Name string `json:"name"`
			} `json:"tool_call"`
			Proposal *struct {
				ID          string `json:"id"`
				ToolName    string `json:"tool_name"`
				Description string `json:"description"`
			} `json:"proposal"`
			ProposalID string `json:"proposal_id"`
			State      string `json:"state"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "delta":
			fmt.Print(event.Content)
		case "tool_call_result":
			if event.ToolCall != nil {
				fmt.Fprintf(os.Stderr, "[tool: %s]\n", event.ToolCall.Name)
			}
		case "action_proposed":
			if event.Proposal != nil {
				fmt.Fprintf(os.Stderr, "\nProposed action awaiting approval: %s\n", event.Proposal.Description)
				fmt.Fprintf(os.Stderr, "  approve with: idhini approve %s\n", event.Proposal.ID)
			}
		case "action_update":
			fmt.Fprintf(os.Stderr, "[action %s: %s]\n", event.ProposalID, event.State)
		case "error":
			fmt.Fprintf(os.Stderr, "Error: %s\n", event.Error)
			exitCode = ExitFailure
		case "done":
			fmt.Println()
			os.Exit(exitCode)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: stream interrupted: %v\n", err)
		os.Exit(ExitFailure)
	}

	return nil
}

// postJSON posts a JSON body and returns the response body and status.
// Exits the process when the server is unreachable.
func postJSON(ctx context.Context, url, apiKey string, body any, accept string) ([]byte, int) {
	reqBody, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(reqBody))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", url, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	return respBody, resp.StatusCode
}
