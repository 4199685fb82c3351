package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kalambet/docket/internal/config"
	"github.com/kalambet/docket/internal/manifest"
	"github.com/kalambet/docket/internal/progress"
	"github.com/kalambet/docket/internal/retrieval"
	"github.com/kalambet/docket/internal/storage"
)

type uploadResult struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <case> <file...>",
	Short: "Upload documents to a case",
	Long: `Upload one or more documents to a case. Processing continues on the
server; use "docket watch <case>" or "docket documents <case>" to follow it.

Examples:
  docket upload smith-v-acme ./complaint.pdf ./exhibits/*.png`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		failed := runUpload(cmd.Context(), client, args[0], args[1:], cmd.OutOrStdout())
		if failed > 0 {
			return fmt.Errorf("%d of %d uploads failed", failed, len(args)-1)
		}
		return nil
	},
}

func runUpload(ctx context.Context, client *apiClient, caseID string, paths []string, w io.Writer) int {
	failed := 0
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			printError("%s: %v", p, err)
			failed++
			continue
		}
		resp, err := client.upload(ctx, caseID, filepath.Base(p), data)
		if err != nil {
			printError("%s: %v", p, err)
			failed++
			continue
		}
		var res uploadResult
		if err := decodeJSON(resp, &res); err != nil {
			printError("%s: %v", p, err)
			failed++
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", res.ID, res.Filename)
	}
	return failed
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents <case>",
	Short: "List the documents of a case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/cases/" + url.PathEscape(args[0]) + "/documents"
		if status != "" {
			path += "?status=" + url.QueryEscape(status)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var docs []storage.Document
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), docs)
		}
		printDocuments(cmd.OutOrStdout(), docs)
		return nil
	},
}

func printDocuments(w io.Writer, docs []storage.Document) {
	if len(docs) == 0 {
		fmt.Fprintln(w, "no documents")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILE\tTYPE\tPAGES\tSTATUS")
	for _, d := range docs {
		docType, pages := "-", "-"
		if d.DocumentType != nil {
			docType = *d.DocumentType
		}
		if d.PageCount != nil {
			pages = strconv.Itoa(*d.PageCount)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.OriginalFilename, docType, pages,
			colorize(statusColor(string(d.Status)), string(d.Status)))
	}
	tw.Flush()
}

func init() {
	documentsCmd.Flags().String("status", "", "only list documents in this status")
	documentsCmd.Flags().Bool("json", false, "print JSON")
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status <document>",
	Short: "Show the processing state of a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/documents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var doc storage.Document
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}
		printDocumentStatus(cmd.OutOrStdout(), doc)
		return nil
	},
}

func printDocumentStatus(w io.Writer, d storage.Document) {
	printStatus(w, "Document", "%s (%s)", d.OriginalFilename, d.ID)
	printStatus(w, "Case", "%s", d.CaseID)
	printStatus(w, "Status", "%s", colorize(statusColor(string(d.Status)), string(d.Status)))
	if d.DocumentType != nil {
		printStatus(w, "Type", "%s", *d.DocumentType)
	}
	if d.PageCount != nil {
		printStatus(w, "Pages", "%d", *d.PageCount)
	}
	if d.ExtractionStrategy != "" {
		printStatus(w, "Extraction", "%s", d.ExtractionStrategy)
	}
	printStatus(w, "Stages", "text=%s metadata=%s indexed=%s", yesNo(d.HasTextExtraction), yesNo(d.HasStructuredMetadata), yesNo(d.IsSemanticallyIndexed))
	if d.AnalysisDegraded {
		printStatus(w, "Analysis", "%s", colorize(colorYellow, "default record (model output unavailable)"))
	}
	if d.ErrorMessage != "" {
		printStatus(w, "Error", "%s", colorize(colorRed, d.ErrorMessage))
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// --- delete ---

var deleteCmd = &cobra.Command{
	Use:   "delete <document>",
	Short: "Delete a document and its artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/documents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

// --- manifest ---

var manifestCmd = &cobra.Command{
	Use:   "manifest <case>",
	Short: "Print the case manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/cases/"+url.PathEscape(args[0])+"/manifest")
		if err != nil {
			return err
		}
		var m manifest.Manifest
		if err := decodeJSON(resp, &m); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), m)
	},
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats <case>",
	Short: "Count a case's documents per status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/cases/"+url.PathEscape(args[0])+"/stats")
		if err != nil {
			return err
		}
		var stats storage.CaseStats
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		printStatus(w, "Total", "%d", stats.Total)
		for _, st := range storage.AllStatuses {
			printStatus(w, string(st), "%d", stats.ByStatus[st])
		}
		return nil
	},
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <case> <query>",
	Short: "Semantic search across a case",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		query := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/cases/%s/search?q=%s&limit=%d", url.PathEscape(args[0]), url.QueryEscape(query), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var hits []retrieval.Hit
		if err := decodeJSON(resp, &hits); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(hits) == 0 {
			fmt.Fprintln(w, "no matches")
			return nil
		}
		for i, h := range hits {
			fmt.Fprintf(w, "%s %s (chunk %d, score %.3f)\n", colorize(colorBold, fmt.Sprintf("%d.", i+1)), h.DocumentID, h.ChunkIndex, h.Score)
			fmt.Fprintf(w, "   %s\n\n", strings.ReplaceAll(strings.TrimSpace(h.Text), "\n", "\n   "))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch <case>",
	Short: "Follow processing events of a case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		printStep("watching %s (Ctrl-C to stop)", args[0])
		w := cmd.OutOrStdout()
		return client.watch(ctx, args[0], func(ev progress.Event) { printEvent(w, ev) })
	},
}

func printEvent(w io.Writer, ev progress.Event) {
	color := colorCyan
	switch ev.Type {
	case progress.EventComplete:
		color = colorGreen
	case progress.EventError:
		color = colorRed
	}
	line := fmt.Sprintf("%s %3d%% %-22s %s", ev.Timestamp.Local().Format("15:04:05"), ev.Progress, ev.Type, ev.Filename)
	if ev.Message != "" {
		line += "  " + ev.Message
	}
	if ev.Error != "" {
		line += ": " + ev.Error
	}
	fmt.Fprintln(w, colorize(color, line))
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "  %s\n", colorize(colorCyan, config.ConfigFilePath()))
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(w, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
