package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mailrelay/internal/app"
	"mailrelay/internal/credential"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "credential" {
		if err := credentialCmd(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json or yaml")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// credentialCmd stores or removes a secret in the system keyring so config
// files can refer to it as "keyring:<key>".
//
//	mailrelay credential set <key>     (value read from stdin)
//	mailrelay credential delete <key>
func credentialCmd(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: mailrelay credential set|delete <key>")
	}
	op, key := args[0], strings.TrimSpace(args[1])
	switch op {
	case "set":
		fmt.Fprintf(os.Stderr, "value for %q: ", key)
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading value: %w", err)
		}
		if err := credential.Set(key, strings.TrimRight(line, "\r\n")); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "stored; reference it as keyring:%s\n", key)
		return nil
	case "delete":
		return credential.Delete(key)
	}
	return fmt.Errorf("unknown credential command %q", op)
}
