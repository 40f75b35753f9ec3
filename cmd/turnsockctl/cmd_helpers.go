package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/kuuji/turnsock/internal/config"
)

// resolvedConfigPath returns the --config flag value, falling back to
// config.DefaultConfigPath in the current directory.
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	return config.DefaultConfigPath
}

// promptString prompts for a value on stderr, returning defaultVal if the
// user enters nothing.
func promptString(scanner *bufio.Scanner, prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(os.Stderr, "%s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(os.Stderr, "%s: ", prompt)
	}

	if !scanner.Scan() {
		return defaultVal
	}
	val := strings.TrimSpace(scanner.Text())
	if val == "" {
		return defaultVal
	}
	return val
}
