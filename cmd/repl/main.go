// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides an interactive REPL (Read-Eval-Print Loop) over an
// lfkv store with string values.
//
// # Usage
//
// Start the REPL, optionally persisting under a directory:
//
//	go run ./cmd/repl --store.dir=/tmp/lfkv
//
// and continue the last session after a restart:
//
//	go run ./cmd/repl --store.dir=/tmp/lfkv --recover --session=<guid>
//
// Available commands:
//
//	get <key>              - Retrieve a value by key
//	put <key> <value>      - Store a key-value pair
//	append <key> <value>   - Append to the value of key (RMW)
//	del <key>              - Delete a key
//	checkpoint [snapshot]  - Take a log checkpoint and wait for it
//	export <file>          - Write every live key to a binary dump
//	import <file>          - Load a binary dump
//	stats                  - Print log boundaries and operation counts
//	session                - Print the session guid and serial number
//	quit, exit             - Exit the REPL
//
// Example session:
//
//	> put user:1 John
//	OK
//	> append user:1 _Doe
//	John_Doe
//	> checkpoint
//	Checkpoint 6b1d...
//
// # Dangers and Warnings
//
//   - **Data Persistence**: Without --store.dir the store lives in memory. All data is lost when the program exits.
//   - **Uncheckpointed Writes**: Only writes covered by a checkpoint survive a restart.
//   - **Key/Value Encoding**: Keys and values are whitespace separated words.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/kianostad/lfkv"
	"github.com/kianostad/lfkv/internal/config"
)

const iniFilename = "lfkv-repl.ini"

type replConfig struct {
	Recover bool   `long:"recover" description:"Recover the newest checkpoint before starting"`
	Session string `long:"session" description:"Guid of the session to continue after recovery"`

	Log   config.LogConfig   `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Store config.StoreConfig `group:"Store" namespace:"store" env-namespace:"STORE"`
}

func concat(old, in string) string { return old + in }

type REPL struct {
	kv  *lfkv.KV[string]
	fs  afero.Fs
	out io.Writer
}

func NewREPL(kv *lfkv.KV[string], fs afero.Fs, out io.Writer) *REPL {
	return &REPL{kv: kv, fs: fs, out: out}
}

// Run executes commands from in until it ends or a quit command.
func (r *REPL) Run(in io.Reader, prompt bool) {
	scanner := bufio.NewScanner(in)
	for {
		if prompt {
			fmt.Fprint(r.out, "> ")
		}
		if !scanner.Scan() {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		if parts[0] == "quit" || parts[0] == "exit" {
			fmt.Fprintln(r.out, "Goodbye!")
			return
		}
		if err := r.Exec(parts[0], parts[1:]); err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
		}
	}
}

func (r *REPL) usage(format string) error {
	fmt.Fprintf(r.out, "Usage: %s\n", format)
	return nil
}

// Exec runs one command.
func (r *REPL) Exec(cmd string, args []string) error {
	ctx := context.Background()

	switch cmd {
	case "get":
		if len(args) != 1 {
			return r.usage("get <key>")
		}
		val, ok, err := r.kv.Get(args[0])
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintf(r.out, "Value: %s\n", val)
		} else {
			fmt.Fprintln(r.out, "Key not found")
		}

	case "put":
		if len(args) != 2 {
			return r.usage("put <key> <value>")
		}
		if err := r.kv.Put(args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "OK")

	case "append":
		if len(args) != 2 {
			return r.usage("append <key> <value>")
		}
		val, err := r.kv.Add(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(r.out, val)

	case "del":
		if len(args) != 1 {
			return r.usage("del <key>")
		}
		if err := r.kv.Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "Deleted")

	case "checkpoint":
		snapshot := len(args) == 1 && args[0] == "snapshot"
		token, err := r.kv.Checkpoint(ctx, snapshot)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Checkpoint %s\n", token)

	case "export":
		if len(args) != 1 {
			return r.usage("export <file>")
		}
		f, err := r.fs.Create(args[0])
		if err != nil {
			return err
		}
		n, err := r.kv.Export(ctx, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Exported %s keys\n", humanize.Comma(int64(n)))

	case "import":
		if len(args) != 1 {
			return r.usage("import <file>")
		}
		f, err := r.fs.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := r.kv.Import(f)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Imported %s keys\n", humanize.Comma(int64(n)))

	case "stats":
		store := r.kv.Store()
		l := store.Log()
		stats := store.Metrics().GetStats()
		fmt.Fprintf(r.out, "State: %s\n", store.SystemState())
		fmt.Fprintf(r.out, "Keys: %s\n", humanize.Comma(store.EntryCount()))
		fmt.Fprintf(r.out, "Log: begin=%d head=%d read-only=%d tail=%d\n",
			l.BeginAddress(), l.HeadAddress(), l.ReadOnlyAddress(), l.TailAddress())
		fmt.Fprintf(r.out, "Operations: read=%d upsert=%d rmw=%d delete=%d checkpoint=%d\n",
			stats.Operations.Read, stats.Operations.Upsert, stats.Operations.RMW,
			stats.Operations.Delete, stats.Operations.Checkpoint)

	case "session":
		fmt.Fprintf(r.out, "Session %s at serial %d\n", r.kv.Guid(), r.kv.SerialNo())

	default:
		fmt.Fprintf(r.out, "Unknown command: %s\n", cmd)
	}
	return nil
}

func main() {
	var cfg replConfig
	parser := flags.NewParser(&cfg, flags.Default)
	config.MustParseConfig(parser, iniFilename)
	config.MustInitLog(cfg.Log)

	fs := afero.NewOsFs()
	storeCfg, err := cfg.Store.Build(fs)
	if err != nil {
		log.WithField("err", err).Fatal("building store configuration")
	}

	var kv *lfkv.KV[string]
	if cfg.Recover {
		var cp lfkv.CommitPoint
		kv, cp, err = lfkv.RecoverKV[string](context.Background(), storeCfg, concat, cfg.Session)
		if err == nil {
			fmt.Printf("Recovered; session continues after serial %d\n", cp.UntilSerialNo)
		}
	} else {
		kv, err = lfkv.OpenKV[string](storeCfg, concat)
	}
	if err != nil {
		log.WithField("err", err).Fatal("opening store")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nReceived shutdown signal. Closing store...")
		kv.Close()
		os.Exit(0)
	}()

	fmt.Println("LFKV REPL")
	fmt.Printf("Session %s\n", kv.Guid())
	NewREPL(kv, fs, os.Stdout).Run(os.Stdin, true)
	if err := kv.Close(); err != nil {
		log.WithField("err", err).Error("closing store")
	}
}
