// Command chat is an interactive terminal client for the recommendation
// pipeline. It wires the full service stack in-process (no HTTP hop) so
// a conversation can be exercised against a live Postgres/Redis setup.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tessira/cartwright/internal/app"
	"github.com/tessira/cartwright/internal/config"
	"github.com/tessira/cartwright/pkg/models"
)

var (
	flagK       int
	flagNRows   int
	flagNPerRow int
	flagMethod  string
	flagMessage string
	noColor     bool
	skipPreload bool
)

var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive shopping-assistant session against the local stack",
	Long: `Starts the full recommendation stack in-process and opens an
interactive conversation on stdin. Type a shopping request ("I need a
reliable SUV under 30k"), answer the follow-up questions, and the grid
of recommendations renders in the terminal.

Special inputs: 'reset' starts the session over, 'quit' exits.`,
	SilenceUsage: true,
	RunE:         runChat,
}

func init() {
	rootCmd.Flags().IntVarP(&flagK, "k", "k", -1, "max follow-up questions before recommending (0 recommends immediately)")
	rootCmd.Flags().IntVar(&flagNRows, "n-rows", 0, "recommendation grid rows (default from config)")
	rootCmd.Flags().IntVar(&flagNPerRow, "n-per-row", 0, "products per grid row (default from config)")
	rootCmd.Flags().StringVarP(&flagMethod, "method", "m", "", "ranking method: coverage_risk or embedding_similarity")
	rootCmd.Flags().StringVar(&flagMessage, "message", "", "send a single message and exit instead of entering interactive mode")
	rootCmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.Flags().BoolVar(&skipPreload, "skip-preload", false, "skip index and phrase-store warmup")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	if noColor {
		color.NoColor = true
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// The HTTP access log is noise in an interactive terminal.
	if cfg.Logging.Level == "" || cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := application.Shutdown(ctx); err != nil {
			printError("shutdown: %v", err)
		}
	}()

	if !skipPreload {
		printInfo("Warming vector index and phrase store...")
		preloadCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		application.Preload(preloadCtx)
		cancel()
	}

	orchestrator := application.Services().Chat

	if flagMessage != "" {
		reply, err := orchestrator.Chat(context.Background(), buildRequest(flagMessage, ""))
		if err != nil {
			return fmt.Errorf("chat turn: %w", err)
		}
		renderReply(reply)
		return nil
	}

	return interactiveLoop(orchestrator)
}

type chatService interface {
	Chat(ctx context.Context, req models.ChatRequest) (*models.ChatReply, error)
	ResetSession(ctx context.Context, sessionID string) (*models.SessionState, error)
}

func interactiveLoop(orchestrator chatService) error {
	printSection("Cartwright")
	fmt.Println("What are you shopping for? ('quit' exits, 'reset' starts over)")
	fmt.Println()

	var (
		sessionID    string
		quickReplies []string
	)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		printPrompt()
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		switch strings.ToLower(input) {
		case "quit", "exit", "q":
			fmt.Println("Bye!")
			return nil
		case "reset":
			if sessionID != "" {
				if _, err := orchestrator.ResetSession(context.Background(), sessionID); err != nil {
					printError("reset failed: %v", err)
					continue
				}
			}
			quickReplies = nil
			printInfo("Session reset. What are you shopping for?")
			continue
		}

		// A bare number picks the matching quick reply from the last
		// question, so "2" answers "Under $800" without retyping it.
		if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(quickReplies) {
			input = quickReplies[n-1]
			printDim("> %s", input)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		reply, err := orchestrator.Chat(ctx, buildRequest(input, sessionID))
		cancel()
		if err != nil {
			printError("chat turn failed: %v", err)
			continue
		}

		sessionID = reply.SessionID
		quickReplies = reply.QuickReplies
		renderReply(reply)
	}
}

func buildRequest(message, sessionID string) models.ChatRequest {
	req := models.ChatRequest{
		Message:   message,
		SessionID: sessionID,
		Method:    flagMethod,
	}
	if flagK >= 0 {
		k := flagK
		req.K = &k
	}
	if flagNRows > 0 {
		rows := flagNRows
		req.NRows = &rows
	}
	if flagNPerRow > 0 {
		per := flagNPerRow
		req.NPerRow = &per
	}
	return req
}

func renderReply(reply *models.ChatReply) {
	fmt.Println()
	switch reply.ResponseType {
	case models.ResponseQuestion:
		printAssistant(reply.Message)
		for i, qr := range reply.QuickReplies {
			color.New(color.FgCyan).Printf("  %d. %s\n", i+1, qr)
		}
	case models.ResponseRecommendationsReady:
		printAssistant(reply.Message)
	case models.ResponseRecommendations:
		printAssistant(reply.Message)
		renderGrid(reply)
	case models.ResponseComparison:
		printAssistant(reply.Message)
		if len(reply.SelectedIDs) > 0 {
			printDim("compared: %s", strings.Join(reply.SelectedIDs, ", "))
		}
	case models.ResponseError:
		printError("%s", reply.Message)
	default:
		printAssistant(reply.Message)
	}
	fmt.Println()
}

func renderGrid(reply *models.ChatReply) {
	if reply.DiversificationDimension != "" {
		printDim("grouped by %s", reply.DiversificationDimension)
	}
	for i, row := range reply.Recommendations {
		label := ""
		if i < len(reply.BucketLabels) {
			label = reply.BucketLabels[i]
		}
		if label != "" {
			color.New(color.FgYellow, color.Bold).Printf("\n  %s\n", label)
		} else {
			fmt.Println()
		}
		for _, product := range row {
			fmt.Printf("  %2d. %s\n", product.Rank, describeProduct(product))
		}
	}
}

func describeProduct(rp models.RankedProduct) string {
	var b strings.Builder
	b.WriteString(rp.Name)
	if rp.Vehicle != nil {
		fmt.Fprintf(&b, " (%d %s %s, %s mi)",
			rp.Vehicle.Year, rp.Vehicle.Make, rp.Vehicle.Model, formatThousands(rp.Vehicle.Mileage))
	} else if rp.Brand != "" && !strings.Contains(rp.Name, rp.Brand) {
		fmt.Fprintf(&b, " by %s", rp.Brand)
	}
	fmt.Fprintf(&b, " - $%.2f", float64(rp.PriceCents)/100)
	fmt.Fprintf(&b, "  [score %.3f]", rp.Score)
	return b.String()
}

func formatThousands(n int) string {
	s := strconv.Itoa(n)
	if len(s) <= 3 {
		return s
	}
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	return s + "," + strings.Join(parts, ",")
}

func printSection(title string) {
	fmt.Println()
	color.New(color.FgMagenta, color.Bold).Printf("━━━ %s ━━━\n", title)
}

func printPrompt() {
	color.New(color.FgGreen, color.Bold).Print("you> ")
}

func printAssistant(message string) {
	color.New(color.FgMagenta, color.Bold).Print("cartwright> ")
	fmt.Println(message)
}

func printInfo(format string, args ...interface{}) {
	color.New(color.FgCyan).Printf("ℹ %s\n", fmt.Sprintf(format, args...))
}

func printError(format string, args ...interface{}) {
	color.New(color.FgRed).Fprintf(os.Stderr, "✗ %s\n", fmt.Sprintf(format, args...))
}

func printDim(format string, args ...interface{}) {
	color.New(color.Faint).Printf("%s\n", fmt.Sprintf(format, args...))
}
