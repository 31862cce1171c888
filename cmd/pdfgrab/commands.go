package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/abustany/pdfgrab/internal/server"
	"github.com/abustany/pdfgrab/internal/store"
	"github.com/abustany/pdfgrab/pkg/platform"
	"github.com/abustany/pdfgrab/pkg/progress"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and print the auth token",
	Long: `Log in and print the auth token. The password is read from the first
line of the standard input when --password is not given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		svc, err := a.service()
		if err != nil {
			return err
		}

		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")

		if password == "" {
			fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("error reading password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}

		t, err := svc.Login(cmd.Context(), platform.Credentials{Username: username, Password: password})
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), t)
		return nil
	},
}

var checkTokenCmd = &cobra.Command{
	Use:   "check-token",
	Short: "Check that the token is still accepted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		svc, err := a.service()
		if err != nil {
			return err
		}

		t, err := requireToken()
		if err != nil {
			return err
		}

		valid, err := svc.CheckToken(cmd.Context(), t)
		if err != nil {
			return err
		}

		if !valid {
			return fmt.Errorf("token is not valid anymore, log in again")
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Token is valid")
		return nil
	},
}

func sortedBooks(books map[string]platform.Book) []platform.Book {
	res := make([]platform.Book, 0, len(books))
	for id, b := range books {
		b.ID = id
		res = append(res, b)
	}

	sort.Slice(res, func(i, j int) bool {
		if res[i].Title != res[j].Title {
			return res[i].Title < res[j].Title
		}
		return res[i].ID < res[j].ID
	})

	return res
}

var libraryCmd = &cobra.Command{
	Use:   "library",
	Short: "List the books of the library",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		svc, err := a.service()
		if err != nil {
			return err
		}

		t, err := requireToken()
		if err != nil {
			return err
		}

		books, err := svc.Library(cmd.Context(), t)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tREVISION\tTITLE")
		for _, b := range sortedBooks(books) {
			fmt.Fprintf(w, "%s\t%s\t%s\n", b.ID, b.Revision, b.Title)
		}

		return w.Flush()
	},
}

// progressLine renders a progress report on a single terminal line.
func progressLine(u progress.Update) string {
	return fmt.Sprintf("\r%3d%% %-50s %-24s", u.Percent, strings.Repeat("=", u.Percent/2), u.Message)
}

// coverer is implemented by services able to download book covers.
type coverer interface {
	Cover(ctx context.Context, book platform.Book) ([]byte, error)
}

var downloadCmd = &cobra.Command{
	Use:   "download BOOK_ID...",
	Short: "Download books and save them as PDF files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		svc, err := a.service()
		if err != nil {
			return err
		}

		t, err := requireToken()
		if err != nil {
			return err
		}

		withCover, _ := cmd.Flags().GetBool("cover")

		books, err := svc.Library(cmd.Context(), t)
		if err != nil {
			return err
		}

		failed := 0

		for _, id := range args {
			book, ok := books[id]
			if !ok {
				a.log.WithField("book", id).Error("Book not found in library")
				failed++
				continue
			}

			path, err := downloadOne(cmd, a, svc, t, id, book)
			if err != nil {
				a.log.WithError(err).WithField("book", id).Error("Download failed")
				failed++
				continue
			}

			fmt.Fprintln(cmd.OutOrStdout(), path)

			if withCover {
				if err := saveCover(cmd.Context(), svc, book, path); err != nil {
					a.log.WithError(err).WithField("book", id).Warn("Could not save cover")
				}
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d downloads failed", failed, len(args))
		}

		return nil
	},
}

func downloadOne(cmd *cobra.Command, a *app, svc platform.Service, t, id string, book platform.Book) (string, error) {
	ctx := cmd.Context()
	if a.config.BookTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.BookTimeout)
		defer cancel()
	}

	out := cmd.ErrOrStderr()
	fmt.Fprintf(out, "%s (%s)\n", book.Title, id)

	relay := progress.NewRelay(16, func(u progress.Update) {
		fmt.Fprint(out, progressLine(u))
	})

	doc, err := svc.Assemble(ctx, t, id, book, relay.Func())
	relay.Close()
	fmt.Fprintln(out)

	if err != nil {
		return "", fmt.Errorf("failed at %d%%: %w", relay.Last(), err)
	}

	if doc.Dropped > 0 {
		a.log.WithField("book", id).Warnf("%d pages could not be matched and were left out", doc.Dropped)
	}

	f, err := a.store.Save(service, book.Title, func(w io.Writer) error {
		return doc.WritePDF(ctx, w)
	})
	if err != nil {
		return "", err
	}

	return filepath.Join(a.store.Dir(), filepath.FromSlash(f.Path)), nil
}

func saveCover(ctx context.Context, svc platform.Service, book platform.Book, pdfPath string) error {
	c, ok := svc.(coverer)
	if !ok {
		return fmt.Errorf("service cannot download covers")
	}

	data, err := c.Cover(ctx, book)
	if err != nil {
		return err
	}

	ext := filepath.Ext(book.Cover)
	if ext == "" || len(ext) > 5 {
		ext = ".jpg"
	}

	return os.WriteFile(strings.TrimSuffix(pdfPath, filepath.Ext(pdfPath))+ext, data, 0o644)
}

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Print the page decryption key",
	Long: `Extract the page decryption key from the platform web client and print it
hex encoded. The key is extracted again when --refresh is given, which is
useful after the platform updated its client.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		refresh, _ := cmd.Flags().GetBool("refresh")

		var key []byte
		if refresh {
			key, err = a.keys.Refresh(cmd.Context())
		} else {
			key, err = a.keys.Get(cmd.Context())
		}
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(key))
		return nil
	},
}

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List the downloaded books",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		files, err := a.store.List()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SIZE\tMODIFIED\tPATH")
		for _, f := range files {
			fmt.Fprintf(w, "%s\t%s\t%s\n", humanize.Bytes(uint64(f.Size)), humanize.Time(f.Modified), f.Path)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if showStats, _ := cmd.Flags().GetBool("stats"); showStats {
			stats, err := a.store.Stats()
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout())
			for _, name := range sortedKeys(stats.Services) {
				s := stats.Services[name]
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d files, %s\n", name, s.Files, humanize.Bytes(uint64(s.Size)))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "total: %d files, %s\n", stats.TotalFiles, humanize.Bytes(uint64(stats.TotalSize)))
		}

		return nil
	},
}

func sortedKeys(m map[string]store.ServiceStats) []string {
	res := make([]string, 0, len(m))
	for k := range m {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List the supported services",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		for _, info := range a.services.List() {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", info.Code, info.Name)
		}

		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = a.config.Listen
		}

		srv := &http.Server{
			Addr:              listen,
			Handler:           server.New(a.services, a.store, server.WithLogger(a.log), server.WithBookTimeout(a.config.BookTimeout)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			a.log.WithField("address", listen).Info("Serving HTTP API")
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		a.log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	loginCmd.Flags().StringP("username", "u", "", "account email")
	loginCmd.Flags().StringP("password", "p", "", "account password")
	loginCmd.MarkFlagRequired("username")

	downloadCmd.Flags().Bool("cover", false, "also save the cover image next to the PDF file")

	keyCmd.Flags().Bool("refresh", false, "extract the key again instead of using the cached one")

	filesCmd.Flags().Bool("stats", false, "print per service totals")

	serveCmd.Flags().StringP("listen", "l", "", "listen address (overrides the configuration)")
}
