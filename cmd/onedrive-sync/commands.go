package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/rolledback/onedrive-sync/internal/auth"
	"github.com/rolledback/onedrive-sync/internal/handlers"
	"github.com/rolledback/onedrive-sync/internal/logging"
	"github.com/rolledback/onedrive-sync/internal/provider"
	"github.com/rolledback/onedrive-sync/internal/tree"
)

func commands(e *env) []cli.Command {
	return []cli.Command{
		{
			Name:      "login",
			Usage:     "authorise access to OneDrive",
			ArgsUsage: "[code or redirect URL]",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "listen", Usage: "receive the redirect on a loopback `addr` such as localhost:8400"},
			},
			Action: e.login,
		},
		{
			Name:   "logout",
			Usage:  "forget the stored credential",
			Action: e.logout,
		},
		{
			Name:   "info",
			Usage:  "show the drive and its quota",
			Action: e.info,
		},
		{
			Name:      "ls",
			Usage:     "list a remote folder",
			ArgsUsage: "[remote path]",
			Action:    e.list,
		},
		{
			Name:      "get",
			Usage:     "download a remote file",
			ArgsUsage: "<remote file> [local path]",
			Action:    e.get,
		},
		{
			Name:      "put",
			Usage:     "upload a local file, replacing a remote file of the same name",
			ArgsUsage: "<local file> [remote folder]",
			Action:    e.put,
		},
		{
			Name:      "mkdir",
			Usage:     "create a remote folder",
			ArgsUsage: "<remote parent> <name>",
			Action:    e.mkdir,
		},
		{
			Name:      "rm",
			Usage:     "delete a remote item",
			ArgsUsage: "<remote path>",
			Action:    e.remove,
		},
		{
			Name:      "touch",
			Usage:     "copy a local file's timestamps onto a remote file",
			ArgsUsage: "<remote file> <local file>",
			Action:    e.touch,
		},
	}
}

// codeFrom accepts either a bare authorization code or the full redirect
// URL the browser landed on.
func codeFrom(arg string) (string, error) {
	if !strings.Contains(arg, "://") {
		return arg, nil
	}
	u, err := url.Parse(arg)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URL: %w", err)
	}
	if msg := u.Query().Get("error_description"); msg != "" {
		return "", fmt.Errorf("authorisation denied: %s", msg)
	}
	code := u.Query().Get("code")
	if code == "" {
		return "", errors.New("redirect URL carries no code")
	}
	return code, nil
}

func (e *env) login(c *cli.Context) error {
	if addr := c.String("listen"); addr != "" {
		return e.loginListen(c, addr)
	}

	a, err := e.authoriser()
	if err != nil {
		return err
	}

	if c.NArg() == 0 {
		authURL, err := a.AuthURL()
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "Open this URL in a browser and sign in:\n\n  %s\n\n", authURL)
		fmt.Fprintf(c.App.Writer, "Then run: %s login <redirect URL>\n", c.App.Name)
		return nil
	}

	code, err := codeFrom(c.Args().First())
	if err != nil {
		return err
	}
	if err := a.Exchange(context.Background(), code); err != nil {
		return err
	}

	status := a.Status(context.Background(), false)
	fmt.Fprintf(c.App.Writer, "Connected as %s\n", accountLabel(status.AccountName, status.AccountEmail))
	return nil
}

// loginListen runs a loopback server that completes the login when the
// browser is redirected back to it.
func (e *env) loginListen(c *cli.Context, addr string) error {
	if e.authErr != nil {
		return e.authErr
	}
	cfg := e.authCfg
	cfg.RedirectURI = "http://" + addr + "/callback"
	a, err := auth.New(cfg)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	h := handlers.NewAuthHandler(a, e.logger.Named("login"))
	srv := &http.Server{
		Handler:           logging.Middleware(e.logger, h.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("login listener failed", zap.Error(err))
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	fmt.Fprintf(c.App.Writer, "Open http://%s/ in a browser and sign in.\n", addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	select {
	case err := <-h.Done():
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return errors.New("login interrupted")
	}

	status := a.Status(context.Background(), false)
	fmt.Fprintf(c.App.Writer, "Connected as %s\n", accountLabel(status.AccountName, status.AccountEmail))
	return nil
}

func accountLabel(name, email string) string {
	switch {
	case name != "" && email != "":
		return fmt.Sprintf("%s <%s>", name, email)
	case email != "":
		return email
	case name != "":
		return name
	default:
		return "unknown account"
	}
}

func (e *env) logout(c *cli.Context) error {
	a, err := e.authoriser()
	if err != nil {
		return err
	}
	return a.Disconnect()
}

func (e *env) info(c *cli.Context) error {
	client, err := e.storage()
	if err != nil {
		return err
	}
	drive, err := client.DefaultDrive(context.Background())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Drive:\t%s (%s)\n", drive.ID, drive.DriveType)
	fmt.Fprintf(w, "Owner:\t%s\n", drive.Owner)
	fmt.Fprintf(w, "Used:\t%s of %s\n", humanize.IBytes(uint64(drive.Quota.Used)), humanize.IBytes(uint64(drive.Quota.Total)))
	fmt.Fprintf(w, "Remaining:\t%s\n", humanize.IBytes(uint64(drive.Quota.Remaining)))
	fmt.Fprintf(w, "Recycle bin:\t%s\n", humanize.IBytes(uint64(drive.Quota.Deleted)))
	fmt.Fprintf(w, "State:\t%s\n", drive.Quota.State)
	return w.Flush()
}

// remoteArg returns argument i, falling back to --remote.
func (e *env) remoteArg(c *cli.Context, i int) string {
	if p := c.Args().Get(i); p != "" {
		return p
	}
	return e.opts.RemotePath
}

// localArg returns argument i, falling back to --local.
func (e *env) localArg(c *cli.Context, i int) string {
	if p := c.Args().Get(i); p != "" {
		return p
	}
	return e.opts.LocalPath
}

func (e *env) list(c *cli.Context) error {
	client, err := e.storage()
	if err != nil {
		return err
	}
	ctx := context.Background()

	item, err := client.ItemByPath(ctx, e.remoteArg(c, 0))
	if err != nil {
		return err
	}

	var entries []tree.Entry
	switch {
	case !item.IsFolder():
		entries = []tree.Entry{{Path: item.Name, Depth: 1, Item: item}}
	case e.opts.Recursive:
		entries, err = tree.Walk(ctx, client, item, tree.Options{Threads: e.opts.Threads})
	default:
		entries, err = tree.Walk(ctx, client, item, tree.Options{Threads: 1, MaxDepth: 1})
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	for _, entry := range entries {
		printEntry(w, entry, e.opts.InSizeRange)
	}
	return w.Flush()
}

func printEntry(w io.Writer, entry tree.Entry, inRange func(int64) bool) {
	item := entry.Item
	if item.IsFolder() {
		fmt.Fprintf(w, "d\t-\t%s\t%s/\n", item.Modified.Format("2006-01-02 15:04"), entry.Path)
		return
	}
	if !inRange(item.Size) {
		return
	}
	fmt.Fprintf(w, "-\t%s\t%s\t%s\n", humanize.IBytes(uint64(item.Size)), item.Modified.Format("2006-01-02 15:04"), entry.Path)
}

func (e *env) get(c *cli.Context) error {
	remote := e.remoteArg(c, 0)
	if remote == "" {
		return errors.New("get needs a remote file")
	}

	client, err := e.storage()
	if err != nil {
		return err
	}
	ctx := context.Background()

	item, err := client.ItemByPath(ctx, remote)
	if err != nil {
		return err
	}

	target := e.localArg(c, 1)
	if target == "" {
		target = item.Name
	} else if info, err := os.Stat(target); err == nil && info.IsDir() {
		target = filepath.Join(target, item.Name)
	}

	if err := client.Download(ctx, item, target); err != nil {
		return err
	}
	e.logger.Info("downloaded", zap.String("remote", remote), zap.String("local", target))
	return nil
}

func (e *env) put(c *cli.Context) error {
	local := e.localArg(c, 0)
	if local == "" {
		return errors.New("put needs a local file")
	}

	file, err := provider.StatLocalFile(local)
	if err != nil {
		return err
	}
	if !e.opts.InSizeRange(file.Size) {
		e.logger.Info("skipped by size filter", zap.String("name", file.Name), zap.Int64("size", file.Size))
		return nil
	}

	client, err := e.storage()
	if err != nil {
		return err
	}
	ctx := context.Background()

	parent, err := client.ItemByPath(ctx, e.remoteArg(c, 1))
	if err != nil {
		return err
	}

	// Expanded children stop at the first page, so list them all.
	children, err := client.Children(ctx, parent)
	if err != nil {
		return err
	}
	exists := false
	for _, child := range children {
		if child.Name == file.Name {
			exists = true
			break
		}
	}

	var item provider.Item
	if exists {
		item, err = client.Replace(ctx, parent, file)
	} else {
		item, err = client.Upload(ctx, parent, file)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "%s -> %s (%s)\n", local, path.Join(e.remoteArg(c, 1), item.Name), item.ID)
	return nil
}

func (e *env) mkdir(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("mkdir needs a remote parent and a name")
	}

	client, err := e.storage()
	if err != nil {
		return err
	}
	ctx := context.Background()

	parent, err := client.ItemByPath(ctx, c.Args().Get(0))
	if err != nil {
		return err
	}
	folder, err := client.CreateFolder(ctx, parent, c.Args().Get(1))
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "%s (%s)\n", path.Join(c.Args().Get(0), folder.Name), folder.ID)
	return nil
}

func (e *env) remove(c *cli.Context) error {
	remote := c.Args().First()
	if strings.Trim(remote, "/") == "" {
		return errors.New("rm needs a remote path other than the root")
	}

	client, err := e.storage()
	if err != nil {
		return err
	}
	ctx := context.Background()

	item, err := client.ItemByPath(ctx, remote)
	if err != nil {
		return err
	}
	return client.Delete(ctx, item)
}

func (e *env) touch(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("touch needs a remote file and a local file")
	}

	file, err := provider.StatLocalFile(c.Args().Get(1))
	if err != nil {
		return err
	}

	client, err := e.storage()
	if err != nil {
		return err
	}
	ctx := context.Background()

	item, err := client.ItemByPath(ctx, c.Args().Get(0))
	if err != nil {
		return err
	}
	updated, err := client.UpdateTimes(ctx, item, file.Created, file.Modified)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "%s modified %s\n", updated.Name, updated.Modified.Format("2006-01-02 15:04:05"))
	return nil
}
