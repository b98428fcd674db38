// Utility for enrolling, verifying, and deleting ConnectedDrive account credentials

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/bmwcd/connecteddrive/internal/log"
	"github.com/bmwcd/connecteddrive/pkg/cli"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usageText = `
Stores the ConnectedDrive account password for -username in the system keyring, verifies the
stored credentials against the portal, or deletes the keyring entry.

The store command reads the password from FILE when given, from stdin when piped, and otherwise
prompts at the terminal without echo.

The type of keyring is controlled by the command-line options below, or through the
corresponding environment variables.`

func cliUsage() {
	usage(flag.CommandLine.Output())
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: %s [OPTION...] store|verify|delete [FILE]\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(w, usageText)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "OPTIONS:")
	flag.PrintDefaults()
}

// promptPassword reads a line at the terminal without echoing it.
func promptPassword(prompt string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readPassword(filename string) (string, error) {
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	password, err := promptPassword("ConnectedDrive password")
	if err != nil {
		return "", err
	}
	confirmed, err := promptPassword("Confirm password")
	if err != nil {
		return "", err
	}
	if password != confirmed {
		return "", fmt.Errorf("passwords do not match")
	}
	return password, nil
}

func main() {
	var (
		debug   bool
		timeout time.Duration
	)
	status := 1
	defer func() {
		os.Exit(status)
	}()

	config, err := cli.NewConfig(cli.FlagAccount)
	if err != nil {
		writeErr("Failed to load credential configuration: %s", err)
		return
	}
	config.RegisterCommandLineFlags()
	flag.Usage = cliUsage
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "Set timeout for the verify login.")
	flag.Parse()
	if debug {
		log.SetLevel(log.LevelDebug)
	}
	config.ReadFromEnvironment()

	if flag.NArg() < 1 || flag.NArg() > 2 {
		usage(os.Stderr)
		return
	}
	if config.Username == "" {
		writeErr("Must provide an account email with -username or $%s", cli.EnvUsername)
		return
	}

	switch flag.Arg(0) {
	case "store":
		password, err := readPassword(flag.Arg(1))
		if err != nil {
			writeErr("Unable to read password: %s", err)
			return
		}
		if password == "" {
			writeErr("Refusing to store an empty password")
			return
		}
		if err := config.SavePasswordToKeyring(password); err != nil {
			writeErr("Failed to save password: %s", err)
			return
		}
		fmt.Printf("Stored password for %s\n", config.Username)
	case "verify":
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		acct, err := config.Account(ctx)
		if err != nil {
			writeErr("Login failed: %s", err)
			return
		}
		fmt.Printf("Credentials for %s accepted by %s\n", config.Username, acct.Host)
	case "delete":
		if err := config.DeletePasswordFromKeyring(); err != nil {
			writeErr("Failed to delete password: %s", err)
			return
		}
		fmt.Printf("Deleted password for %s\n", config.Username)
	default:
		writeErr("Unrecognized command-line argument.")
		writeErr("")
		usage(os.Stderr)
		return
	}
	status = 0
}
