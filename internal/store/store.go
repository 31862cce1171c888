// Package store keeps the assembled books on disk, one directory per
// service.
package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/abustany/pdfgrab/pkg/platform"
)

const extension = ".pdf"

var ErrNoSpace = errors.New("not enough free disk space")

type File struct {
	Service  string    `json:"service"`
	Name     string    `json:"filename"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

type ServiceStats struct {
	Files int   `json:"files"`
	Size  int64 `json:"size"`
}

type Stats struct {
	TotalFiles int                     `json:"total_files"`
	TotalSize  int64                   `json:"total_size"`
	Services   map[string]ServiceStats `json:"services"`
}

type Store struct {
	dir     string
	minFree uint64
	log     logrus.FieldLogger

	// freeSpace reports the bytes available on the filesystem holding a
	// path.
	freeSpace func(path string) (uint64, error)
}

type Option func(*Store)

// WithMinFree makes Save fail with ErrNoSpace when fewer than n bytes are
// available.
func WithMinFree(n uint64) Option {
	return func(s *Store) {
		s.minFree = n
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) {
		s.log = log
	}
}

func New(dir string, opts ...Option) *Store {
	s := &Store{
		dir:       dir,
		log:       logrus.StandardLogger(),
		freeSpace: diskFree,
	}

	for _, o := range opts {
		o(s)
	}

	return s
}

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

func (s *Store) Dir() string {
	return s.dir
}

var forbidden = strings.NewReplacer(
	"*", "_", "+", "_", "/", "_", ":", "_", ";", "_", "<", "_", "=", "_",
	">", "_", "?", "_", `\`, "_", "[", "_", "]", "_", "|", "_", ".", "_",
	`"`, "_",
)

// SanitizeFilename turns a book title into a portable file name, without
// extension. Accents are stripped and characters that are reserved on common
// filesystems are replaced by underscores.
func SanitizeFilename(title string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

	name, _, err := transform.String(t, title)
	if err != nil {
		name = title
	}

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	name = strings.TrimSpace(forbidden.Replace(name))
	if name == "" {
		name = "book"
	}

	return name
}

func validComponent(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`) && !strings.HasPrefix(s, ".")
}

// Save writes a book through write into <dir>/<service>/<title>.pdf. The file
// only appears once write returned successfully.
func (s *Store) Save(service, title string, write func(w io.Writer) error) (File, error) {
	if !validComponent(service) {
		return File{}, fmt.Errorf("invalid service name %q", service)
	}

	dir := filepath.Join(s.dir, service)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return File{}, fmt.Errorf("error creating output directory: %w", err)
	}

	if s.minFree > 0 {
		free, err := s.freeSpace(dir)
		if err != nil {
			return File{}, fmt.Errorf("error checking free space: %w", err)
		}

		if free < s.minFree {
			return File{}, fmt.Errorf("%w: %s available, %s required", ErrNoSpace, humanize.Bytes(free), humanize.Bytes(s.minFree))
		}
	}

	tmp, err := os.CreateTemp(dir, ".pdfgrab-*.tmp")
	if err != nil {
		return File{}, fmt.Errorf("error creating temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return File{}, err
	}

	if err := tmp.Close(); err != nil {
		return File{}, fmt.Errorf("error closing temporary file: %w", err)
	}

	name := SanitizeFilename(title) + extension
	path := filepath.Join(dir, name)

	if err := os.Rename(tmp.Name(), path); err != nil {
		return File{}, fmt.Errorf("error moving book into place: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("error reading file info: %w", err)
	}

	f := s.file(service, info)

	s.log.WithFields(logrus.Fields{
		"path": f.Path,
		"size": humanize.Bytes(uint64(f.Size)),
	}).Info("Book saved")

	return f, nil
}

func (s *Store) file(service string, info fs.FileInfo) File {
	return File{
		Service:  service,
		Name:     info.Name(),
		Path:     filepath.ToSlash(filepath.Join(service, info.Name())),
		Size:     info.Size(),
		Modified: info.ModTime(),
	}
}

// List returns every stored book, most recently modified first.
func (s *Store) List() ([]File, error) {
	services, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error listing %s: %w", s.dir, err)
	}

	var res []File

	for _, svc := range services {
		if !svc.IsDir() {
			continue
		}

		entries, err := os.ReadDir(filepath.Join(s.dir, svc.Name()))
		if err != nil {
			return nil, fmt.Errorf("error listing %s: %w", svc.Name(), err)
		}

		for _, e := range entries {
			if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), extension) {
				continue
			}

			info, err := e.Info()
			if err != nil {
				// removed in the meantime
				continue
			}

			res = append(res, s.file(svc.Name(), info))
		}
	}

	sort.SliceStable(res, func(i, j int) bool {
		return res[i].Modified.After(res[j].Modified)
	})

	return res, nil
}

// Stats sums the stored books per service.
func (s *Store) Stats() (Stats, error) {
	files, err := s.List()
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Services: map[string]ServiceStats{}}

	for _, f := range files {
		svc := stats.Services[f.Service]
		svc.Files++
		svc.Size += f.Size
		stats.Services[f.Service] = svc

		stats.TotalFiles++
		stats.TotalSize += f.Size
	}

	return stats, nil
}

// Open returns a stored book. Names that would leave the store directory are
// reported as not found.
func (s *Store) Open(service, name string) (*os.File, File, error) {
	if !validComponent(service) || !validComponent(name) || !strings.HasSuffix(name, extension) {
		return nil, File{}, fmt.Errorf("%s/%s: %w", service, name, platform.ErrNotFound)
	}

	f, err := os.Open(filepath.Join(s.dir, service, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, File{}, fmt.Errorf("%s/%s: %w", service, name, platform.ErrNotFound)
	}
	if err != nil {
		return nil, File{}, fmt.Errorf("error opening %s/%s: %w", service, name, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, File{}, fmt.Errorf("error reading file info: %w", err)
	}

	if !info.Mode().IsRegular() {
		f.Close()
		return nil, File{}, fmt.Errorf("%s/%s: %w", service, name, platform.ErrNotFound)
	}

	return f, s.file(service, info), nil
}
