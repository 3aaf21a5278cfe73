// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/hostrelay/broker"
	"github.com/bureau-foundation/hostrelay/lib/atomicfile"
	"github.com/bureau-foundation/hostrelay/lib/schema"
	"github.com/bureau-foundation/hostrelay/lib/sealed"
	"github.com/bureau-foundation/hostrelay/lib/secrethash"
	"github.com/bureau-foundation/hostrelay/lib/service"
	"github.com/bureau-foundation/hostrelay/lib/version"
)

const defaultSocket = "/run/hostrelay/admin.sock"

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// command is one subcommand. Commands with a nil call run without the
// admin socket.
type command struct {
	name    string
	args    []string
	summary string
	call    func(ctx context.Context, client *service.Client, args []string, out io.Writer) error
	local   func(args []string, in io.Reader, out io.Writer) error
}

var commands = []command{
	{name: "generate-key", args: []string{"CLIENT_ID"}, summary: "issue a new key for a client and print it", call: generateKey},
	{name: "remove-key", args: []string{"CLIENT_ID"}, summary: "revoke a client's key", call: removeKey},
	{name: "list-clients", summary: "list clients with a stored key", call: listClients},
	{name: "clients-in-room", args: []string{"ROOM"}, summary: "list clients connected in a room", call: clientsInRoom},
	{name: "list-rooms", summary: "list rooms and their connected clients", call: listRooms},
	{name: "status", summary: "show broker status", call: status},
	{name: "hash-password", summary: "read a host password and print its hash", local: hashPassword},
	{name: "generate-identity", args: []string{"PATH"}, summary: "write a new credential identity to PATH and print its recipient", local: generateIdentity},
}

func run(args []string, in io.Reader, out io.Writer) error {
	var (
		socketPath  string
		timeout     time.Duration
		showVersion bool
		showHelp    bool
	)
	flagSet := pflag.NewFlagSet("hostrelay-admin", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&socketPath, "socket", defaultSocket, "admin socket path")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolVarP(&showHelp, "help", "h", false, "show help")
	flagSet.SetInterspersed(false)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(out, flagSet)
			return nil
		}
		return err
	}
	if showHelp {
		printHelp(out, flagSet)
		return nil
	}
	if showVersion {
		fmt.Fprintf(out, "hostrelay-admin %s\n", version.Full())
		return nil
	}

	remaining := flagSet.Args()
	if len(remaining) == 0 {
		printHelp(out, flagSet)
		return errors.New("no command given")
	}
	name, commandArgs := remaining[0], remaining[1:]
	selected, found := findCommand(name)
	if !found {
		return fmt.Errorf("unknown command %q", name)
	}
	if len(commandArgs) != len(selected.args) {
		return fmt.Errorf("usage: hostrelay-admin %s", usage(selected))
	}

	if selected.local != nil {
		return selected.local(commandArgs, in, out)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return selected.call(ctx, service.NewClient(socketPath), commandArgs, out)
}

func findCommand(name string) (command, bool) {
	for _, candidate := range commands {
		if candidate.name == name {
			return candidate, true
		}
	}
	return command{}, false
}

func usage(c command) string {
	return strings.TrimSpace(c.name + " " + strings.Join(c.args, " "))
}

func printHelp(out io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(out, "Usage: hostrelay-admin [flags] <command> [args]\n\nCommands:\n")
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(writer, "  %s\t%s\n", usage(c), c.summary)
	}
	writer.Flush()
	fmt.Fprintf(out, "\nFlags:\n")
	flagSet.SetOutput(out)
	flagSet.PrintDefaults()
}

func generateKey(ctx context.Context, client *service.Client, args []string, out io.Writer) error {
	var response struct {
		ClientID string `cbor:"clientId"`
		Key      string `cbor:"key"`
	}
	if err := client.Call(ctx, "generate-client-key", map[string]any{"clientId": args[0]}, &response); err != nil {
		return err
	}
	fmt.Fprintln(out, response.Key)
	return nil
}

func removeKey(ctx context.Context, client *service.Client, args []string, out io.Writer) error {
	if err := client.Call(ctx, "remove-client-key", map[string]any{"clientId": args[0]}, nil); err != nil {
		return err
	}
	fmt.Fprintf(out, "removed key for %s\n", args[0])
	return nil
}

func listClients(ctx context.Context, client *service.Client, args []string, out io.Writer) error {
	var clients []schema.ClientInfo
	if err := client.Call(ctx, "list-clients", nil, &clients); err != nil {
		return err
	}
	return printClients(out, clients)
}

func clientsInRoom(ctx context.Context, client *service.Client, args []string, out io.Writer) error {
	var clients []schema.ClientInfo
	if err := client.Call(ctx, "clients-in-room", map[string]any{"room": args[0]}, &clients); err != nil {
		return err
	}
	return printClients(out, clients)
}

func printClients(out io.Writer, clients []schema.ClientInfo) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "CLIENT\tDESCRIPTION")
	for _, client := range clients {
		fmt.Fprintf(writer, "%s\t%s\n", client.ID, client.Description)
	}
	return writer.Flush()
}

func listRooms(ctx context.Context, client *service.Client, args []string, out io.Writer) error {
	var rooms []broker.RoomInfo
	if err := client.Call(ctx, "list-rooms", nil, &rooms); err != nil {
		return err
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ROOM\tCLIENTS")
	for _, room := range rooms {
		fmt.Fprintf(writer, "%s\t%s\n", room.Name, strings.Join(room.Clients, ","))
	}
	return writer.Flush()
}

func status(ctx context.Context, client *service.Client, args []string, out io.Writer) error {
	var report broker.Status
	if err := client.Call(ctx, "status", nil, &report); err != nil {
		return err
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "version\t%s\n", report.Version)
	fmt.Fprintf(writer, "rooms\t%d\n", report.Rooms)
	fmt.Fprintf(writer, "trusted hosts\t%s\n", strings.Join(report.TrustedHosts, ","))
	fmt.Fprintf(writer, "trusted extensions\t%s\n", strings.Join(report.TrustedExtensions, ","))
	fmt.Fprintf(writer, "pending requests\t%d\n", report.PendingRequests)
	fmt.Fprintf(writer, "grace periods\t%d\n", report.GracePeriods)
	channels := make([]string, 0, len(report.Connections))
	for channel := range report.Connections {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	for _, channel := range channels {
		fmt.Fprintf(writer, "connections %s\t%d\n", channel, report.Connections[channel])
	}
	fmt.Fprintf(writer, "functions\t%s\n", strings.Join(report.Functions, ","))
	return writer.Flush()
}

func hashPassword(args []string, in io.Reader, out io.Writer) error {
	password, err := readPassword(in)
	if err != nil {
		return err
	}
	hash, err := secrethash.Hash(password)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hash)
	return nil
}

// readPassword prompts with echo off on a terminal, confirming the
// entry. Piped input is read as one line without a prompt.
func readPassword(in io.Reader) (string, error) {
	file, isFile := in.(*os.File)
	if !isFile || !term.IsTerminal(int(file.Fd())) {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("reading password: %w", err)
		}
		password := strings.TrimRight(line, "\r\n")
		if password == "" {
			return "", errors.New("password is empty")
		}
		return password, nil
	}

	fd := int(file.Fd())
	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password confirmation: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	if len(first) == 0 {
		return "", errors.New("password is empty")
	}
	return string(first), nil
}

func generateIdentity(args []string, in io.Reader, out io.Writer) error {
	path := args[0]
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return err
	}
	defer keypair.Close()
	if err := atomicfile.WriteFile(path, keypair.PrivateKey.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing identity: %w", err)
	}
	fmt.Fprintln(out, keypair.PublicKey)
	return nil
}
