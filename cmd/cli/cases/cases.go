// Package cases lists and shows persisted cases from the terminal.
package cases

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/opendx-health/opendx/internal/models"
	"github.com/spf13/cobra"
)

var Group = &cobra.Group{
	ID:    "cases",
	Title: "Case operations",
}

var List = &cobra.Command{
	Use:     "list",
	GroupID: "cases",
	Short:   "List your cases",
	Run: func(_ *cobra.Command, _ []string) {
		var summaries []models.CaseSummary
		if err := getJSON("/api/cases", &summaries); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if len(summaries) == 0 {
			fmt.Println("no cases")
			return
		}
		for _, summary := range summaries {
			fmt.Printf("%s  %-10s  %s  %s\n",
				summary.ID, summary.Status, summary.UpdatedAt.Format(time.DateTime), summary.Title)
		}
	},
}

var Show = &cobra.Command{
	Use:     "show [case-id]",
	GroupID: "cases",
	Short:   "Show a case with its full timeline",
	Args:    cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		var kase models.Case
		if err := getJSON("/api/cases/"+args[0], &kase); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("%s (%s)\n\n", kase.Title, kase.Status)
		for _, message := range kase.Messages {
			prefix := "you"
			switch message.Type {
			case models.MessageTypeAgent:
				prefix = "opendx"
			case models.MessageTypeSystem:
				prefix = "system"
			case models.MessageTypeUser:
			}
			fmt.Printf("[%s] %s\n", prefix, message.Text)
		}
		if len(kase.Evidence) > 0 {
			fmt.Println("\nReferences:")
			for i, snippet := range kase.Evidence {
				label := snippet.Citation
				if label == "" {
					label = snippet.SourceID
				}
				fmt.Printf("  %d. %s\n", i+1, label)
			}
		}
	},
}

func getJSON(urlPath string, v any) error {
	req, err := http.NewRequest(http.MethodGet, serverURL()+urlPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+os.Getenv("OPENDX_TOKEN"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server responded with %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func serverURL() string {
	if url := os.Getenv("OPENDX_API_URL"); url != "" {
		return url
	}
	return "http://localhost:4000"
}
