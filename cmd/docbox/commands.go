package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/fruitsalade/docbox/internal/hotfolder"
	"github.com/fruitsalade/docbox/pkg/cache"
	"github.com/fruitsalade/docbox/pkg/client"
	"github.com/fruitsalade/docbox/pkg/models"
	"github.com/fruitsalade/docbox/pkg/protocol"
	"github.com/fruitsalade/docbox/pkg/tree"
)

func cmdLogin(args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	c := commonFlags(fs)
	user := fs.String("user", "", "Login name (prompted if empty)")
	fs.Parse(args)

	a := open(c)
	defer a.close()

	username := *user
	if username == "" {
		reader := bufio.NewReader(os.Stdin)
		fmt.Print("Username: ")
		line, _ := reader.ReadString('\n')
		username = strings.TrimSpace(line)
	}

	fmt.Print("Password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fatalf("reading password: %v", err)
	}

	u := must(a.client.Login(context.Background(), username, string(passwordBytes)))

	cookie, ok := a.client.SessionCookie()
	if !ok {
		fatalf("server did not return a session cookie")
	}
	sf := &client.SessionFile{
		Server:   a.client.BaseURL(),
		Username: username,
		Cookie:   cookie,
	}
	if err := client.SaveSession(sf); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to save session: %v\n", err)
	}
	name := username
	if u != nil && u.Name != "" {
		name = u.Name
	}
	fmt.Printf("Logged in as %s. Session saved to %s\n", name, client.SessionFilePath())
}

func cmdLogout(args []string) {
	fs := flag.NewFlagSet("logout", flag.ExitOnError)
	c := commonFlags(fs)
	fs.Parse(args)

	a := open(c)
	defer a.close()
	if a.session == nil {
		fmt.Fprintln(os.Stderr, "No saved session found.")
		os.Exit(1)
	}

	res, err := a.client.Logout(context.Background())
	if err != nil || !res.Success {
		// The session may already have expired on the server.
		fmt.Fprintf(os.Stderr, "Warning: server logout failed: %v %s\n", err, res.Message)
	}
	if err := client.DeleteSession(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to delete session file: %v\n", err)
	}
	fmt.Println("Logged out.")
}

func cmdWhoami(args []string) {
	fs := flag.NewFlagSet("whoami", flag.ExitOnError)
	c := commonFlags(fs)
	fs.Parse(args)

	a := open(c)
	defer a.close()

	u, err := a.browser.Account(context.Background())
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Name:   %s\n", u.Name)
	fmt.Printf("Login:  %s\n", u.Login)
	if u.Email != "" {
		fmt.Printf("Email:  %s\n", u.Email)
	}
	if u.Role.Name != "" {
		fmt.Printf("Role:   %s\n", u.Role.Name)
	}
	fmt.Printf("Server: %s\n", a.client.BaseURL())
}

func cmdList(args []string) {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	c := commonFlags(fs)
	fs.Parse(args)

	a := open(c)
	defer a.close()

	view, err := a.browser.OpenFolder(context.Background(), a.folderArg(fs, 0))
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Println(formatPath(view.Path))
	if len(view.Folders)+len(view.Documents) == 0 {
		fmt.Println("(empty)")
		return
	}
	fmt.Printf("%-8s  %8s  %10s  %s\n", "TYPE", "ID", "SIZE", "NAME")
	for _, f := range view.Folders {
		fmt.Printf("%-8s  %8d  %10s  %s/\n", "folder", f.ID, "-", f.Name)
	}
	for _, d := range view.Documents {
		name := d.Name
		if d.IsLocked {
			name += " (locked)"
		}
		fmt.Printf("%-8s  %8d  %10s  %s\n", "document", d.ID, humanize.Bytes(uint64(d.SizeBytes)), name)
	}
}

func cmdTree(args []string) {
	fs := flag.NewFlagSet("tree", flag.ExitOnError)
	c := commonFlags(fs)
	depth := fs.Int("depth", 2, "Levels to expand")
	fs.Parse(args)

	a := open(c)
	defer a.close()
	ctx := context.Background()

	id := a.folderArg(fs, 0)
	if _, err := a.browser.Locate(ctx, id); err != nil {
		fatalf("%v", err)
	}
	if err := expandTo(ctx, a, id, *depth); err != nil {
		fatalf("%v", err)
	}
	v, err := a.browser.Tree(ctx, id)
	if err != nil {
		fatalf("%v", err)
	}
	printTree(v, "")
}

// expandTo expands folder id and its subfolders down to depth levels.
func expandTo(ctx context.Context, a *app, id int64, depth int) error {
	type level struct {
		id    int64
		depth int
	}
	queue := []level{{id, depth}}
	for len(queue) > 0 {
		l := queue[0]
		queue = queue[1:]
		if l.depth <= 0 {
			continue
		}
		children, err := a.browser.Expand(ctx, l.id)
		if err != nil {
			return err
		}
		for _, ch := range children {
			if ch.IsFolder() {
				queue = append(queue, level{ch.ID, l.depth - 1})
			}
		}
	}
	return nil
}

func printTree(v tree.View, indent string) {
	if v.IsFolder() {
		fmt.Printf("%s%s/ [%d]\n", indent, v.Name, v.ID)
	} else {
		fmt.Printf("%s%s (%s) [%d]\n", indent, v.Name, humanize.Bytes(uint64(v.SizeBytes)), v.ID)
	}
	for _, ch := range v.Children {
		printTree(ch, indent+"  ")
	}
}

func formatPath(p models.Path) string {
	names := make([]string, len(p))
	for i, el := range p {
		names[i] = el.Name
	}
	return "/" + strings.Join(names, "/")
}

func cmdPath(args []string) {
	fs := flag.NewFlagSet("path", flag.ExitOnError)
	c := commonFlags(fs)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("usage: docbox path <folder-id>")
	}

	a := open(c)
	defer a.close()

	p, err := a.browser.Breadcrumbs(context.Background(), parseID(fs.Arg(0)))
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Println(formatPath(p))
}

func cmdMkdir(args []string) {
	fs := flag.NewFlagSet("mkdir", flag.ExitOnError)
	c := commonFlags(fs)
	comment := fs.String("comment", "", "Folder comment")
	sequence := fs.Int("sequence", 0, "Position among siblings")
	fs.Parse(args)
	if fs.NArg() < 2 {
		fatalf("usage: docbox mkdir [-comment text] <parent-id> <name>")
	}

	a := open(c)
	defer a.close()

	node := must(a.browser.CreateFolder(context.Background(), parseID(fs.Arg(0)), fs.Arg(1),
		client.FolderOptions{Comment: *comment, Sequence: *sequence}))
	fmt.Printf("Created folder %s [%d]\n", node.Name, node.ID)
}

func cmdMove(args []string) {
	fs := flag.NewFlagSet("mv", flag.ExitOnError)
	c := commonFlags(fs)
	doc := fs.Bool("doc", false, "Move a document instead of a folder")
	in := fs.Int64("in", 0, "Folder that holds the document (required with -doc)")
	fs.Parse(args)
	if fs.NArg() < 2 {
		fatalf("usage: docbox mv [-doc -in folder-id] <id> <dest-folder-id>")
	}
	id, dest := parseID(fs.Arg(0)), parseID(fs.Arg(1))

	a := open(c)
	defer a.close()
	ctx := context.Background()

	if *doc {
		if *in <= 0 {
			fatalf("-in is required when moving a document")
		}
		must(a.browser.MoveDocumentFrom(ctx, *in, id, dest))
		fmt.Printf("Moved document %d to folder %d\n", id, dest)
		return
	}
	must(a.browser.MoveFolder(ctx, id, dest))
	fmt.Printf("Moved folder %d to folder %d\n", id, dest)
}

func cmdRemove(args []string) {
	fs := flag.NewFlagSet("rm", flag.ExitOnError)
	c := commonFlags(fs)
	doc := fs.Bool("doc", false, "Delete a document instead of a folder")
	in := fs.Int64("in", 0, "Folder that holds the document (required with -doc)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("usage: docbox rm [-doc -in folder-id] <id>")
	}
	id := parseID(fs.Arg(0))

	a := open(c)
	defer a.close()
	ctx := context.Background()

	if *doc {
		if *in <= 0 {
			fatalf("-in is required when deleting a document")
		}
		must(a.browser.DeleteDocumentIn(ctx, *in, id))
		fmt.Printf("Deleted document %d\n", id)
		return
	}
	must(a.browser.DeleteFolder(ctx, id))
	fmt.Printf("Deleted folder %d\n", id)
}

func cmdUpload(args []string) {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	c := commonFlags(fs)
	name := fs.String("name", "", "Document name (default: file name without extension)")
	comment := fs.String("comment", "", "Document comment")
	keywords := fs.String("keywords", "", "Document keywords")
	fs.Parse(args)
	if fs.NArg() < 2 {
		fatalf("usage: docbox upload [-name n -comment c -keywords k] <folder-id> <file>")
	}
	folderID := parseID(fs.Arg(0))
	path := fs.Arg(1)

	f, err := os.Open(path)
	if err != nil {
		fatalf("%v", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		fatalf("%v", err)
	}

	a := open(c)
	defer a.close()

	base := filepath.Base(path)
	meta := protocol.UploadMetadata{
		Name:         *name,
		OrigFileName: base,
		Comment:      *comment,
		Keywords:     *keywords,
	}
	if meta.Name == "" {
		meta.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	ctx, cancel := signalContext()
	defer cancel()
	start := time.Now()
	node := must(a.browser.Upload(ctx, folderID, f, info.Size(), meta, func(p protocol.Progress) {
		fmt.Fprintf(os.Stderr, "\rUploading %s / %s (%d%%)",
			humanize.Bytes(uint64(p.LoadedBytes)), humanize.Bytes(uint64(p.TotalBytes)), p.Percent())
	}))
	fmt.Fprintln(os.Stderr)
	if node != nil {
		fmt.Printf("Uploaded %s as document %d in %s\n", base, node.ID, time.Since(start).Round(time.Millisecond))
		return
	}
	fmt.Printf("Uploaded %s in %s\n", base, time.Since(start).Round(time.Millisecond))
}

func cmdInfo(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	c := commonFlags(fs)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("usage: docbox info <document-id>")
	}

	a := open(c)
	defer a.close()

	d, err := a.browser.Document(context.Background(), parseID(fs.Arg(0)))
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("ID:        %d\n", d.ID)
	fmt.Printf("Name:      %s\n", d.Name)
	fmt.Printf("Type:      %s\n", d.MimeType)
	fmt.Printf("Size:      %s\n", humanize.Bytes(uint64(d.SizeBytes)))
	fmt.Printf("Version:   %d\n", d.Version)
	if d.Date != "" {
		fmt.Printf("Date:      %s\n", d.Date)
	}
	if d.Comment != "" {
		fmt.Printf("Comment:   %s\n", d.Comment)
	}
	if d.Keywords != "" {
		fmt.Printf("Keywords:  %s\n", d.Keywords)
	}
	fmt.Printf("Locked:    %t\n", d.IsLocked)
	for _, attr := range d.VersionAttributes {
		fmt.Printf("Attribute: %d = %s\n", attr.ID, attr.Value)
	}
}

func cmdGet(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	c := commonFlags(fs)
	out := fs.String("o", "", "Output file, - for stdout (default: document file name)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("usage: docbox get [-o file] <document-id>")
	}

	a := open(c)
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()
	dl, err := a.browser.DocumentContent(ctx, parseID(fs.Arg(0)))
	if err != nil {
		fatalf("%v", err)
	}
	defer dl.Body.Close()

	if *out == "-" {
		if _, err := io.Copy(os.Stdout, dl.Body); err != nil {
			fatalf("%v", err)
		}
		return
	}
	target := *out
	if target == "" {
		target = filepath.Base(dl.FileName)
	}
	f, err := os.Create(target)
	if err != nil {
		fatalf("%v", err)
	}
	n, err := io.Copy(f, dl.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		fatalf("%v", err)
	}
	source := "server"
	if dl.Cached {
		source = "cache"
	}
	fmt.Printf("Saved %s (%s, from %s)\n", target, humanize.Bytes(uint64(n)), source)
}

func cmdWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	c := commonFlags(fs)
	dir := fs.String("dir", "", "Directory to watch (default: hotfolder.dir)")
	folder := fs.Int64("folder", 0, "Target folder id (default: hotfolder.folder)")
	debounce := fs.Duration("debounce", 0, "Quiet time before upload (default: hotfolder.debounce)")
	fs.Parse(args)

	a := open(c)
	defer a.close()

	cfg := hotfolder.Config{Dir: a.cfg.Hot.Dir, FolderID: a.cfg.Hot.FolderID, Debounce: a.cfg.Hot.Debounce}
	if *dir != "" {
		cfg.Dir = *dir
	}
	if *folder > 0 {
		cfg.FolderID = *folder
	}
	if *debounce > 0 {
		cfg.Debounce = *debounce
	}

	w, err := hotfolder.New(cfg, a.browser)
	if err != nil {
		fatalf("%v", err)
	}
	ctx, cancel := signalContext()
	defer cancel()
	fmt.Printf("Watching %s, uploading into folder %d. Press Ctrl+C to stop.\n", cfg.Dir, cfg.FolderID)
	if err := w.Run(ctx); err != nil {
		fatalf("%v", err)
	}
}

func cmdCache(args []string) {
	fs := flag.NewFlagSet("cache", flag.ExitOnError)
	c := commonFlags(fs)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("usage: docbox cache status|clear|pinned|pin <doc-id> <version>|unpin <doc-id> <version>")
	}

	cfg := loadConfig(c)
	cc, err := cache.NewContentCache(cfg.Content.Dir, cfg.Content.MaxBytes)
	if err != nil {
		fatalf("opening cache: %v", err)
	}

	switch fs.Arg(0) {
	case "status":
		size, maxSize, count := cc.Stats()
		fmt.Printf("Cache directory: %s\n", cc.Dir())
		fmt.Printf("Cached files:    %d\n", count)
		fmt.Printf("Cache size:      %s\n", humanize.Bytes(uint64(size)))
		fmt.Printf("Max size:        %s\n", humanize.Bytes(uint64(maxSize)))
		fmt.Printf("Pinned files:    %d\n", len(cc.Pinned()))
	case "clear":
		n := cc.Clear()
		fmt.Printf("Removed %d cached files.\n", n)
	case "pinned":
		pinned := cc.Pinned()
		if len(pinned) == 0 {
			fmt.Println("No pinned documents.")
			return
		}
		fmt.Printf("%8s  %7s  %10s  %s\n", "DOC ID", "VERSION", "SIZE", "PATH")
		for _, e := range pinned {
			fmt.Printf("%8d  %7d  %10s  %s\n", e.DocumentID, e.Version, humanize.Bytes(uint64(e.Size)), e.LocalPath)
		}
	case "pin", "unpin":
		if fs.NArg() < 3 {
			fatalf("usage: docbox cache %s <doc-id> <version>", fs.Arg(0))
		}
		doc := parseID(fs.Arg(1))
		version := int(parseID(fs.Arg(2)))
		verb := "Pinned"
		if fs.Arg(0) == "pin" {
			err = cc.Pin(doc, version)
		} else {
			verb = "Unpinned"
			err = cc.Unpin(doc, version)
		}
		if err != nil {
			fatalf("%v", err)
		}
		if err := cc.SavePins(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to persist pins: %v\n", err)
		}
		fmt.Printf("%s document %d version %d\n", verb, doc, version)
	default:
		fatalf("unknown cache command %q", fs.Arg(0))
	}
}
