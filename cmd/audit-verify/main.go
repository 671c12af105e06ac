// audit-verify recomputes event hashes for a recorded session and prints an
// integrity report. Intended for offline review of audit segments pulled from
// a live host.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"trading-engine/internal/audit"
)

func main() {
	dir := flag.String("dir", "audit_logs", "directory holding audit segments")
	session := flag.String("session", "", "session ID to verify (required)")
	list := flag.Bool("list", false, "print every event after the report")
	flag.Parse()

	if *session == "" {
		fmt.Fprintln(os.Stderr, "usage: audit-verify -dir <audit_dir> -session <session_id> [-list]")
		os.Exit(2)
	}

	trail, err := audit.NewLogger(*dir, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open audit dir: %v\n", err)
		os.Exit(1)
	}

	report, err := trail.VerifyIntegrity(*session)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(strings.Repeat("=", 70))
	fmt.Println("AUDIT TRAIL INTEGRITY REPORT")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("Session:        %s\n", report.SessionID)
	fmt.Printf("Total events:   %d\n", report.TotalEvents)
	fmt.Printf("Valid events:   %d\n", report.ValidEvents)
	fmt.Printf("Invalid events: %d\n", report.InvalidEvents)
	if report.TotalEvents > 0 {
		fmt.Printf("First event:    %s\n", report.FirstTimestamp.Format(time.RFC3339))
		fmt.Printf("Last event:     %s\n", report.LastTimestamp.Format(time.RFC3339))
	}

	if report.InvalidEvents > 0 {
		fmt.Println()
		fmt.Println("TAMPERED OR CORRUPT EVENTS:")
		for _, id := range report.InvalidEventIDs {
			fmt.Printf("  %s\n", id)
		}
	}

	if *list && report.TotalEvents > 0 {
		events, err := trail.GetSessionEvents(*session, time.Time{}, time.Time{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "read events: %v\n", err)
			os.Exit(1)
		}
		fmt.Println()
		fmt.Println("EVENTS:")
		for _, ev := range events {
			fmt.Printf("  %s  %-18s  %s\n", ev.Timestamp.Format(time.RFC3339), ev.EventType, ev.ID)
		}
	}

	fmt.Println(strings.Repeat("=", 70))
	if report.InvalidEvents > 0 {
		fmt.Println("RESULT: FAILED")
		os.Exit(1)
	}
	fmt.Println("RESULT: OK")
}
