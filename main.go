package main

import (
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

func main() {
	err := rootCmd.Execute()
	sentry.Flush(2 * time.Second)
	if err != nil {
		os.Exit(1)
	}
}
