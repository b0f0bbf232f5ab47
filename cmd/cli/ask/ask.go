// Package ask submits a clinical question and renders the answer stream in
// the terminal, final reasoning revealed character by character.
package ask

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/opendx-health/opendx/internal/stream"
	"github.com/spf13/cobra"
)

var Group = &cobra.Group{
	ID:    "ask",
	Title: "Question operations",
}

func init() {
	Ask.Flags().Duration("reveal", 15*time.Millisecond, "delay between revealed characters, 0 prints at once")
}

var Ask = &cobra.Command{
	Use:     "ask [question]",
	GroupID: "ask",
	Short:   "Ask a clinical question",
	Long:    `Submits a question to the OpenDx server and streams the diagnosis.`,
	Args:    cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		transport := stream.NewHTTPTransport(serverURL(), os.Getenv("OPENDX_TOKEN"))

		revealDelay, err := cmd.Flags().GetDuration("reveal")
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "invalid reveal flag: %v\n", err)
			return
		}

		session := stream.NewSession(transport, func(event stream.Event) {
			switch event.Type {
			case stream.EventCaseCreated:
				fmt.Printf("case %s\n\n", event.CaseID)
			case stream.EventProgress:
				fmt.Printf("… %s\n", event.Text)
			case stream.EventResult:
				printResult(event, revealDelay)
			case stream.EventError:
				_, _ = fmt.Fprintf(os.Stderr, "error: %s\n", event.Message)
			}
		}, logger)

		question := strings.Join(args, " ")
		if err := session.Run(context.Background(), stream.SubmitRequest{Question: question}); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

func printResult(event stream.Event, revealDelay time.Duration) {
	fmt.Println()
	if event.Result != nil {
		reveal(event.Result.OverallReasoning, revealDelay)
		fmt.Println()
		printList("Predictions", event.Result.Predictions)
		printList("Don't miss", event.Result.WarningDiagnosis)
		printList("Next steps", event.Result.Actions)
	}
}

// reveal prints text one character at a time, typewriter style.
func reveal(text string, delay time.Duration) {
	for _, r := range text {
		fmt.Printf("%c", r)
		if delay > 0 {
			time.Sleep(delay)
		}
	}
	fmt.Println()
}

func printList(title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Printf("\n%s:\n", title)
	for i, item := range items {
		fmt.Printf("  %d. %s\n", i+1, item)
	}
}

func serverURL() string {
	if url := os.Getenv("OPENDX_API_URL"); url != "" {
		return url
	}
	return "http://localhost:4000"
}
