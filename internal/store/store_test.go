package store

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abustany/pdfgrab/pkg/platform"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	log, _ := test.NewNullLogger()
	return New(t.TempDir(), append([]Option{WithLogger(log)}, opts...)...)
}

func writeString(s string) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"Matematica blu 2.0":         "Matematica blu 2_0",
		"Storia: dalle origini/oggi": "Storia_ dalle origini_oggi",
		"Città e società":            "Citta e societa",
		`a*b+c<d>e?f"g|h[i]j\k;l=m`:  "a_b_c_d_e_f_g_h_i_j_k_l_m",
		"  \t ":                      "book",
		"Ünïcödé\x00":                "Unicode",
	}

	for in, want := range cases {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}
}

func TestSaveAndOpen(t *testing.T) {
	s := newTestStore(t)

	f, err := s.Save("bsmart", "Città: vol. 1", writeString("%PDF-1.7"))
	require.NoError(t, err)
	assert.Equal(t, "bsmart", f.Service)
	assert.Equal(t, "Citta_ vol_ 1.pdf", f.Name)
	assert.Equal(t, "bsmart/Citta_ vol_ 1.pdf", f.Path)
	assert.EqualValues(t, 8, f.Size)

	r, info, err := s.Open("bsmart", f.Name)
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(data))
	assert.Equal(t, f.Path, info.Path)

	// no temporary file left behind
	entries, err := os.ReadDir(filepath.Join(s.Dir(), "bsmart"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSaveWriteFailure(t *testing.T) {
	s := newTestStore(t)
	boom := errors.New("boom")

	_, err := s.Save("bsmart", "Broken", func(w io.Writer) error {
		io.WriteString(w, "partial")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	files, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, files)

	entries, err := os.ReadDir(filepath.Join(s.Dir(), "bsmart"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSaveFreeSpace(t *testing.T) {
	s := newTestStore(t, WithMinFree(1<<30))
	s.freeSpace = func(string) (uint64, error) { return 1 << 20, nil }

	_, err := s.Save("bsmart", "Big", writeString("x"))
	assert.ErrorIs(t, err, ErrNoSpace)

	s.freeSpace = func(string) (uint64, error) { return 1 << 31, nil }
	_, err = s.Save("bsmart", "Big", writeString("x"))
	assert.NoError(t, err)
}

func TestListAndStats(t *testing.T) {
	s := newTestStore(t)

	files, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, files)

	_, err = s.Save("bsmart", "Old", writeString("12345"))
	require.NoError(t, err)
	_, err = s.Save("other", "New", writeString("123"))
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(s.Dir(), "bsmart", "Old.pdf"), old, old))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "bsmart", "notes.txt"), []byte("x"), 0o644))

	files, err = s.List()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "other/New.pdf", files[0].Path)
	assert.Equal(t, "bsmart/Old.pdf", files[1].Path)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{
		TotalFiles: 2,
		TotalSize:  8,
		Services: map[string]ServiceStats{
			"bsmart": {Files: 1, Size: 5},
			"other":  {Files: 1, Size: 3},
		},
	}, stats)
}

func TestOpenRejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "secret.pdf"), []byte("x"), 0o644))

	for _, c := range [][2]string{
		{"..", "secret.pdf"},
		{"bsmart", "../secret.pdf"},
		{"bsmart", "missing.pdf"},
		{"bsmart", "notes.txt"},
		{".", "secret.pdf"},
	} {
		_, _, err := s.Open(c[0], c[1])
		assert.ErrorIs(t, err, platform.ErrNotFound, "%s/%s", c[0], c[1])
	}
}
