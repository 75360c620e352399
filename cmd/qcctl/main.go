package main

import (
	"fmt"
	"os"
)

func main() {
	cli := NewCLI(Options{Output: os.Stdout})
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
