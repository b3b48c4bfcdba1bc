// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"runtime"
	"sync"

	"cloudeng.io/cmdutil"
	"cloudeng.io/cmdutil/subcmd"
	"cloudeng.io/errors"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/schollz/progressbar/v2"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/archivelabs/zpaqgo/archive"
)

// CommonFlags are shared across every subcommand.
type CommonFlags struct {
	Concurrency int  `subcmd:"concurrency,0,'worker goroutines, 0 means GOMAXPROCS'"`
	Verbose     bool `subcmd:"verbose,false,verbose debug/trace information"`
	Password    string `subcmd:"password,,'passphrase for AES-256 encryption, empty disables it'"`
	AskPassword bool   `subcmd:"ask-password,false,'prompt for the passphrase on stderr rather than pass -password'"`
}

type addFlags struct {
	CommonFlags
	Method       string `subcmd:"method,2,'compression tier: 1 (fast, zstd-only) through 5'"`
	FragmentLog  int    `subcmd:"fragment-log,6,'fragment size exponent F, 0..19'"`
	BlockSizeLog int    `subcmd:"block-size-log,0,'data block target size exponent b'"`
	WithTag      bool   `subcmd:"tag,true,'precede each block with the locator tag'"`
	ProgressBar  bool   `subcmd:"progress,true,'display a progress bar'"`
}

type untilFlags struct {
	CommonFlags
	Until string `subcmd:"until,,'restrict to this version date (14-digit YYYYMMDDHHMMSS), empty means latest'"`
}

type extractFlags struct {
	untilFlags
	OutputDir string `subcmd:"output,.,'directory to extract into'"`
}

var cmdSet *subcmd.CommandSet

func init() {
	defaults := map[string]interface{}{
		"concurrency": runtime.GOMAXPROCS(-1),
	}

	addCmd := subcmd.NewCommand("add",
		subcmd.MustRegisterFlagStruct(&addFlags{}, defaults, nil),
		runAdd, subcmd.AtLeastNArguments(2))
	addCmd.Document(`add files or directories to an archive, creating it if necessary. The first argument is the archive path, the rest are roots to walk.`)

	extractCmd := subcmd.NewCommand("extract",
		subcmd.MustRegisterFlagStruct(&extractFlags{}, defaults, nil),
		runExtract, subcmd.AtLeastNArguments(1))
	extractCmd.Document(`extract an archive's files. The first argument is the archive path, remaining arguments restrict extraction to those names (default: everything live).`)

	listCmd := subcmd.NewCommand("list",
		subcmd.MustRegisterFlagStruct(&untilFlags{}, defaults, nil),
		runList, subcmd.ExactlyNumArguments(1))
	listCmd.Document(`list an archive's live files as of its latest (or -until bounded) version.`)

	testCmd := subcmd.NewCommand("test",
		subcmd.MustRegisterFlagStruct(&CommonFlags{}, defaults, nil),
		runTest, subcmd.ExactlyNumArguments(1))
	testCmd.Document(`verify every segment's checksum in an archive, reporting every failure found rather than stopping at the first.`)

	purgeCmd := subcmd.NewCommand("purge",
		subcmd.MustRegisterFlagStruct(&CommonFlags{}, defaults, nil),
		runPurge, subcmd.ExactlyNumArguments(1))
	purgeCmd.Document(`rewrite an archive to contain only its latest version's reachable content, renumbering fragment IDs from 1.`)

	cmdSet = subcmd.NewCommandSet(addCmd, extractCmd, listCmd, testCmd, purgeCmd)
	cmdSet.Document(`zpaqgo is an incremental, deduplicating, journaling archiver built on a self-describing compressed block format.`)

	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func main() {
	cmdSet.MustDispatch(context.Background())
}

func resolvePassword(cl *CommonFlags) (string, error) {
	if cl.AskPassword {
		fmt.Fprint(os.Stderr, "passphrase: ")
		b, err := terminal.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return cl.Password, nil
}

func parseUntil(s string) (journalUntil, error) {
	if s == "" {
		return journalUntil{}, nil
	}
	var date int64
	if _, err := fmt.Sscanf(s, "%14d", &date); err != nil {
		return journalUntil{}, fmt.Errorf("-until: %q is not a 14-digit date: %w", s, err)
	}
	return journalUntil{Date: date}, nil
}

// journalUntil mirrors journal.Until's shape without importing internal/
// packages directly into the CLI layer.
type journalUntil struct{ Date int64 }

func progressBar(ctx context.Context, w io.Writer, ch <-chan archive.Progress) {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetPredictTime(false))
	bar.RenderBlank()
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				fmt.Fprintln(w)
				return
			}
			bar.Add(p.InputBytes + p.OutputBytes)
		case <-ctx.Done():
			return
		}
	}
}

// stageLocal copies a possibly remote (s3://, http(s)://) path to a local
// temp file for operations that need random-access local I/O, returning the
// local path and a cleanup func. Local paths are returned unchanged.
func stageLocal(ctx context.Context, name string) (local string, cleanup func(), err error) {
	if _, statErr := os.Stat(name); statErr == nil {
		return name, func() {}, nil
	}
	rd, err := file.Open(ctx, name)
	if err != nil {
		return "", nil, err
	}
	defer rd.Close(ctx)

	tmp, err := ioutil.TempFile("", "zpaqgo-stage-*")
	if err != nil {
		return "", nil, err
	}
	if _, err := io.Copy(tmp, rd.Reader(ctx)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, err
	}
	tmp.Close()
	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
}

// unstageLocal uploads a local path back to name if name is remote.
func unstageLocal(ctx context.Context, local, name string) error {
	if local == name {
		return nil
	}
	in, err := os.Open(local)
	if err != nil {
		return err
	}
	defer in.Close()
	wr, err := file.Create(ctx, name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(wr.Writer(ctx), in); err != nil {
		return err
	}
	return wr.Close(ctx)
}

func runAdd(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cl := values.(*addFlags)
	cmdutil.HandleSignals(cancel, os.Interrupt)

	password, err := resolvePassword(&cl.CommonFlags)
	if err != nil {
		return err
	}

	archivePath, roots := args[0], args[1:]
	local, cleanup, err := stageLocal(ctx, archivePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if local == "" {
		local = archivePath
		cleanup = func() {}
	}
	defer cleanup()

	var progressCh chan archive.Progress
	var wg sync.WaitGroup
	if cl.ProgressBar {
		progressCh = make(chan archive.Progress, cl.Concurrency+1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			progressBar(ctx, os.Stderr, progressCh)
		}()
	}

	cfg := archive.Config{
		Verbose:      cl.Verbose,
		Concurrency:  cl.Concurrency,
		FragmentLog:  cl.FragmentLog,
		BlockSizeLog: cl.BlockSizeLog,
		WithTag:      cl.WithTag,
		Method:       cl.Method,
		Password:     password,
		Progress:     progressCh,
	}
	addErr := archive.AddToFile(cfg, local, roots)
	if progressCh != nil {
		close(progressCh)
		wg.Wait()
	}
	if addErr != nil {
		return addErr
	}
	return unstageLocal(ctx, local, archivePath)
}

func runExtract(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cl := values.(*extractFlags)
	cmdutil.HandleSignals(cancel, os.Interrupt)

	password, err := resolvePassword(&cl.CommonFlags)
	if err != nil {
		return err
	}
	until, err := parseUntil(cl.Until)
	if err != nil {
		return err
	}

	local, cleanup, err := stageLocal(ctx, args[0])
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := archive.Config{
		Verbose:     cl.Verbose,
		Concurrency: cl.Concurrency,
		Password:    password,
	}
	cfg.Until.Date = until.Date
	return archive.ExtractToDir(cfg, local, cl.OutputDir, args[1:])
}

func runList(ctx context.Context, values interface{}, args []string) error {
	cl := values.(*untilFlags)
	password, err := resolvePassword(&cl.CommonFlags)
	if err != nil {
		return err
	}
	until, err := parseUntil(cl.Until)
	if err != nil {
		return err
	}

	local, cleanup, err := stageLocal(ctx, args[0])
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := archive.Config{Verbose: cl.Verbose, Password: password}
	cfg.Until.Date = until.Date
	files, err := archive.List(cfg, local)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Printf("%14d % 12d  %s\n", f.Date, f.Size, f.Name)
	}
	return nil
}

func runTest(ctx context.Context, values interface{}, args []string) error {
	cl := values.(*CommonFlags)
	password, err := resolvePassword(cl)
	if err != nil {
		return err
	}

	local, cleanup, err := stageLocal(ctx, args[0])
	if err != nil {
		return err
	}
	defer cleanup()

	errs := errors.M{}
	errs.Append(archive.TestArchive(archive.Config{Verbose: cl.Verbose, Password: password}, local))
	return errs.Err()
}

func runPurge(ctx context.Context, values interface{}, args []string) error {
	cl := values.(*CommonFlags)
	password, err := resolvePassword(cl)
	if err != nil {
		return err
	}

	local, cleanup, err := stageLocal(ctx, args[0])
	if err != nil {
		return err
	}
	defer cleanup()

	if err := archive.PurgeToFile(archive.Config{Verbose: cl.Verbose, Password: password}, local); err != nil {
		return err
	}
	if err := unstageLocal(ctx, local, args[0]); err != nil {
		return err
	}
	log.Printf("purged %s", args[0])
	return nil
}
