// DocBox CLI
//
// Command-line client for a document-management server. The backend
// session is saved after login and reused by later commands.
//
// Sub-commands:
//
//	docbox login                         Log in and save the session
//	docbox logout                        End the session
//	docbox whoami                        Show the logged-in account
//	docbox ls [folder-id]                List a folder
//	docbox tree [-depth n] [folder-id]   Show the folder tree
//	docbox path <folder-id>              Show a folder's path
//	docbox mkdir <parent-id> <name>      Create a folder
//	docbox mv [-doc -in id] <id> <dest>  Move a folder or document
//	docbox rm [-doc -in id] <id>         Delete a folder or document
//	docbox upload <folder-id> <file>     Upload a document
//	docbox info <document-id>            Show document metadata
//	docbox get [-o file] <document-id>   Download a document
//	docbox watch [-dir d -folder id]     Upload files dropped into a directory
//	docbox cache status|clear|pinned|pin|unpin
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fruitsalade/docbox/internal/browser"
	"github.com/fruitsalade/docbox/internal/config"
	"github.com/fruitsalade/docbox/internal/logging"
	"github.com/fruitsalade/docbox/pkg/cache"
	"github.com/fruitsalade/docbox/pkg/client"
	"github.com/fruitsalade/docbox/pkg/protocol"
	"github.com/fruitsalade/docbox/pkg/tree"
)

var commands = map[string]func(args []string){
	"login":  cmdLogin,
	"logout": cmdLogout,
	"whoami": cmdWhoami,
	"ls":     cmdList,
	"tree":   cmdTree,
	"path":   cmdPath,
	"mkdir":  cmdMkdir,
	"mv":     cmdMove,
	"rm":     cmdRemove,
	"upload": cmdUpload,
	"info":   cmdInfo,
	"get":    cmdGet,
	"watch":  cmdWatch,
	"cache":  cmdCache,
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	cmd(os.Args[2:])
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: docbox <command> [flags] [args]")
	fmt.Fprintln(os.Stderr, "Commands: login logout whoami ls tree path mkdir mv rm upload info get watch cache")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// common holds the flags every command accepts.
type common struct {
	config    *string
	verbosity *int
}

func commonFlags(fs *flag.FlagSet) common {
	return common{
		config:    fs.String("config", "", "Config file (default: search for docbox.yaml)"),
		verbosity: fs.Int("v", 0, "Verbosity level: 0=warnings, 1=info, 2=debug"),
	}
}

// app is what a command works with once flags are parsed.
type app struct {
	cfg     *config.Config
	client  *client.Client
	browser *browser.Browser
	content *cache.ContentCache
	session *client.SessionFile
}

func loadConfig(c common) *config.Config {
	cfg, err := config.Load(*c.config)
	if err != nil {
		fatalf("%v", err)
	}
	level := "warn"
	switch *c.verbosity {
	case 0:
	case 1:
		level = "info"
	default:
		level = "debug"
	}
	if err := logging.Init(logging.Config{Level: level, Format: "console"}); err != nil {
		fatalf("logging init: %v", err)
	}
	return cfg
}

// open builds the client and browser and restores the saved session.
func open(c common) *app {
	cfg := loadConfig(c)
	gw, err := client.New(cfg.ClientConfig())
	if err != nil {
		fatalf("%v", err)
	}
	a := &app{cfg: cfg, client: gw}
	if sf, err := client.LoadSession(); err == nil && gw.RestoreSession(sf) {
		a.session = sf
	}
	if cfg.Content.MaxBytes > 0 {
		// A broken content cache only costs downloads.
		if cc, err := cache.NewContentCache(cfg.Content.Dir, cfg.Content.MaxBytes); err == nil {
			a.content = cc
		}
	}
	a.browser = browser.New(gw, cache.Default(), tree.New(), browser.Options{
		RootID:  cfg.Server.RootFolder,
		Content: a.content,
	})
	return a
}

func (a *app) close() {
	a.browser.Close()
	logging.Sync()
}

// folderArg parses args[i] as an id, falling back to the root folder.
func (a *app) folderArg(fs *flag.FlagSet, i int) int64 {
	if fs.NArg() <= i {
		return a.browser.RootID()
	}
	return parseID(fs.Arg(i))
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		fatalf("invalid id %q", s)
	}
	return id
}

// must exits on a transport error or a backend failure, printing the
// server's message for the latter.
func must[T any](res protocol.Result[T], err error) T {
	if err != nil {
		fatalf("%v", err)
	}
	if !res.Success {
		fatalf("%s", res.Message)
	}
	return res.Data
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
