// ABOUTME: Admin CLI for inspecting the parley conversation ledger
// ABOUTME: Opens the SQLite store directly for read-only listing and history

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/store"
)

const banner = `
                    _                            _           _
 _ __   __ _ _ __| | ___ _   _        __ _  __| |_ __ ___ (_)_ __
| '_ \ / _' | '__| |/ _ \ | | |_____ / _' |/ _' | '_ ' _ \| | '_ \
| |_) | (_| | |  | |  __/ |_| |_____| (_| | (_| | | | | | | | | | |
| .__/ \__,_|_|  |_|\___|\__, |      \__,_|\__,_|_| |_| |_|_|_| |_|
|_|                      |___/
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "conversations":
		err = cmdConversations(args)
	case "history":
		err = cmdHistory(args)
	case "show":
		err = cmdShow(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: parley-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  conversations             List conversations")
	fmt.Println("    --status <s>            Filter by status (active/completed/archived/failed)")
	fmt.Println("    --participant <name>    Filter by participating module")
	fmt.Println("    --since <duration>      Only conversations active within the window (e.g. 24h)")
	fmt.Println("    --limit <n>             Maximum rows (default 50)")
	fmt.Println("  show <conversation-id>    Show one conversation's state")
	fmt.Println("  history <conversation-id> Print a conversation's full message history")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  PARLEY_CONFIG             Config file path (default: ~/.config/parley/parleyd.yaml)")
	fmt.Println("  PARLEY_DB                 Database path (overrides the config file)")
	fmt.Println()
}

// openStore opens the ledger read path. PARLEY_DB wins over the config file
// so the CLI works without a config.
func openStore() (*store.SQLiteStore, error) {
	if dbPath := os.Getenv("PARLEY_DB"); dbPath != "" {
		return store.NewSQLiteStore(dbPath)
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config (set PARLEY_DB to bypass): %w", err)
	}
	return store.NewSQLiteStore(cfg.Database.Path)
}

func getConfigPath() string {
	if envPath := os.Getenv("PARLEY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "parleyd.yaml"
		}
		configDir = homeDir + "/.config"
	}
	return configDir + "/parley/parleyd.yaml"
}

func cmdConversations(args []string) error {
	filter := store.ConversationFilter{Limit: 50}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--status":
			if i+1 >= len(args) {
				return fmt.Errorf("--status requires a value")
			}
			filter.Status = args[i+1]
			i++
		case "--participant":
			if i+1 >= len(args) {
				return fmt.Errorf("--participant requires a value")
			}
			filter.Participant = args[i+1]
			i++
		case "--since":
			if i+1 >= len(args) {
				return fmt.Errorf("--since requires a value")
			}
			window, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --since %q: %w", args[i+1], err)
			}
			since := time.Now().UTC().Add(-window)
			filter.Since = &since
			i++
		case "--limit":
			if i+1 >= len(args) {
				return fmt.Errorf("--limit requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n < 1 {
				return fmt.Errorf("--limit requires a positive integer")
			}
			filter.Limit = n
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	convs, err := s.ListConversations(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}

	if len(convs) == 0 {
		fmt.Println("No conversations found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTURNS\tPARTICIPANTS\tLAST ACTIVITY")
	for _, c := range convs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			c.ID,
			colorStatus(c.Status),
			c.TurnCount,
			strings.Join(c.Participants, ", "),
			c.LastMessageAt.Format(time.RFC3339),
		)
	}
	return w.Flush()
}

func cmdShow(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: parley-admin show <conversation-id>")
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	c, err := s.GetConversation(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}

	cyan := color.New(color.FgCyan)

	fmt.Println()
	cyan.Println("  Conversation")
	cyan.Println("  ------------")
	fmt.Printf("  ID:            %s\n", c.ID)
	fmt.Printf("  Status:        %s\n", colorStatus(c.Status))
	fmt.Printf("  Participants:  %s\n", strings.Join(c.Participants, ", "))
	fmt.Printf("  Turns:         %d\n", c.TurnCount)
	fmt.Printf("  Started:       %s\n", c.StartedAt.Format(time.RFC3339))
	fmt.Printf("  Last activity: %s\n", c.LastMessageAt.Format(time.RFC3339))
	if c.CompletedAt != nil {
		fmt.Printf("  Completed:     %s\n", c.CompletedAt.Format(time.RFC3339))
	}
	if c.NegotiationDeadline != nil {
		fmt.Printf("  Negotiation deadline: %s\n", c.NegotiationDeadline.Format(time.RFC3339))
	}
	if reason, ok := c.Context["termination_reason"]; ok {
		fmt.Printf("  Ended because: %v\n", reason)
	}
	fmt.Println()
	return nil
}

func cmdHistory(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: parley-admin history <conversation-id>")
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	msgs, err := s.GetMessages(context.Background(), args[0], 0)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	if len(msgs) == 0 {
		fmt.Println("No messages found.")
		return nil
	}

	gray := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)

	for _, m := range msgs {
		fmt.Printf("turn %d  ", m.TurnNumber)
		yellow.Printf("%-26s", m.Type)
		fmt.Printf("  %s → %s  ", m.Source, m.Target)
		gray.Printf("%s\n", m.Timestamp.Format(time.RFC3339))
		fmt.Printf("        %v\n", m.Content)
		if len(m.Context) > 0 {
			gray.Printf("        context: %v\n", m.Context)
		}
	}
	return nil
}

func colorStatus(status string) string {
	switch status {
	case "active":
		return color.GreenString(status)
	case "completed":
		return color.CyanString(status)
	case "archived":
		return color.HiBlackString(status)
	case "failed":
		return color.RedString(status)
	default:
		return status
	}
}
