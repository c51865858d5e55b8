package main

import (
	"fmt"
	"os"

	"github.com/Iron-Ham/draftsmith/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		if !cmd.Reported(err) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
