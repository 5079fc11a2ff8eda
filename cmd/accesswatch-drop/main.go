// accesswatch-drop reads a CSV access snapshot from stdin and queues it in the
// accesswatch inbox. Designed to be called from an export job or a mail pipe
// transport.
//
// Usage:
//
//	uam-export | accesswatch-drop uam-2025-11-02.csv
//
// Environment variables:
//
//	ACCESSWATCH_WATCH_INBOX  inbox directory (default: ./inbox)
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ppiankov/accesswatch/internal/daemon"
)

func main() {
	inbox := envOrDefault("ACCESSWATCH_WATCH_INBOX", "./inbox")

	var name string
	if len(os.Args) > 1 {
		name = os.Args[1]
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "accesswatch-drop: read stdin: %v\n", err)
		os.Exit(1)
	}

	path, err := daemon.Drop(inbox, name, raw, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "accesswatch-drop: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(path)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
