package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/pr3m/smartbeat-crypto-sub005/internal/infrastructure/storage"
)

func main() {
	dbPath := flag.String("db", "arena.db", "sqlite database path")
	id := flag.String("id", "", "session id to inspect (default: list sessions)")
	flag.Parse()

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Failed to init sqlite: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	if *id == "" {
		sessions, err := store.ListSessions(ctx, 20)
		if err != nil {
			fmt.Printf("Failed to list sessions: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Found %d sessions:\n", len(sessions))
		for _, s := range sessions {
			fmt.Printf("- %s %-10s %s tick=%d price=%.2f agents=%d\n",
				s.ID, s.Status, s.Config.Pair, s.Tick, s.CurrentPrice, s.Config.AgentCount)
		}
		return
	}

	snap, err := store.LoadSession(ctx, *id)
	if err != nil {
		fmt.Printf("Failed to load session: %v\n", err)
		os.Exit(1)
	}
	s := snap.Session
	fmt.Printf("Session %s (%s) on %s, round %d, saved %s\n", s.ID, s.Status, s.Config.Pair, s.Tick, snap.SavedAt.Format("2006-01-02 15:04:05"))
	if s.Summary != nil {
		fmt.Printf("  Winner: %s (%s), cost $%.4f\n", s.Summary.Winner, s.Summary.Reason, s.Summary.TotalCostUSD)
	}
	for _, a := range snap.Agents {
		state := "✅"
		if !a.Alive {
			state = "💀"
		}
		fmt.Printf("  %s #%d %-16s equity=%.2f trades=%d", state, a.Rank, a.Name(), a.Equity, a.Trades)
		if a.Position != nil {
			fmt.Printf(" %s %.2f@%.2f liq=%.2f", a.Position.Side, a.Position.Volume, a.Position.AvgEntry, a.Position.LiquidationPrice)
		}
		fmt.Println()
	}
}
