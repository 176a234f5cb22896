package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/codebuildervaibhav/meeting-recorder/internal/cli"
)

func main() {
	// .env may carry RECORDER_URL
	_ = godotenv.Load()

	if err := cli.NewRootCmd(&cli.Dependencies{}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
