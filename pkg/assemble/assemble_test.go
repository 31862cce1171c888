package assemble

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wudi/pdfkit/builder"
	"github.com/wudi/pdfkit/extractor"
	"github.com/wudi/pdfkit/ir"
	"github.com/wudi/pdfkit/writer"
)

func pageIDs(doc *Document) []int {
	var ids []int
	for _, p := range doc.Pages {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestBuildOrdersByID(t *testing.T) {
	pages := []Page{
		{ID: 10, Label: "2"},
		{ID: 5, Label: "1"},
	}
	bookmarks := []Bookmark{{PageID: 10, Title: "Chapter 1"}}

	doc, err := Build(pages, bookmarks)
	require.NoError(t, err)

	assert.Equal(t, []int{5, 10}, pageIDs(doc))
	if diff := cmp.Diff([]TOCEntry{{Level: 1, Title: "Chapter 1", Page: 2}}, doc.TOC); diff != "" {
		t.Errorf("unexpected TOC (-want +got):\n%s", diff)
	}
}

func TestBuildIgnoresBookmarksWithoutPage(t *testing.T) {
	pages := []Page{{ID: 3}, {ID: 1}, {ID: 2}}
	bookmarks := []Bookmark{
		{PageID: 2, Title: "Intro"},
		{PageID: 99, Title: "Missing"},
		{PageID: 3, Title: "End"},
	}

	doc, err := Build(pages, bookmarks)
	require.NoError(t, err)

	want := []TOCEntry{
		{Level: 1, Title: "Intro", Page: 2},
		{Level: 1, Title: "End", Page: 3},
	}
	if diff := cmp.Diff(want, doc.TOC); diff != "" {
		t.Errorf("unexpected TOC (-want +got):\n%s", diff)
	}
}

func TestBuildRejectsDuplicates(t *testing.T) {
	_, err := Build([]Page{{ID: 1}, {ID: 1}}, nil)
	assert.Error(t, err)
}

func TestLabelRules(t *testing.T) {
	cases := []struct {
		labels []string
		want   []LabelRange
	}{
		{nil, nil},
		{[]string{"i"}, []LabelRange{{0, "i"}}},
		{[]string{"i", "ii", "1", "2"}, []LabelRange{{0, "i"}, {1, "ii"}, {2, "1"}, {3, "2"}}},
		{[]string{"cover", "cover", "1", "1", "1", "2"}, []LabelRange{{0, "cover"}, {2, "1"}, {5, "2"}}},
		{[]string{"", "", "a"}, []LabelRange{{0, ""}, {2, "a"}}},
	}

	for _, c := range cases {
		if diff := cmp.Diff(c.want, LabelRules(c.labels)); diff != "" {
			t.Errorf("LabelRules(%q) (-want +got):\n%s", c.labels, diff)
		}
	}
}

func singlePagePDF(t *testing.T, text string, size float64) []byte {
	t.Helper()

	b := builder.NewBuilder()
	b.NewPage(size, size).DrawText(text, 20, 20, builder.TextOptions{FontSize: 12}).Finish()

	doc, err := b.Build()
	require.NoError(t, err)

	var buf bytes.Buffer
	err = (&writer.WriterBuilder{}).Build().Write(context.Background(), doc, &buf, writer.Config{Version: writer.PDF17})
	require.NoError(t, err)

	return buf.Bytes()
}

func TestWritePDF(t *testing.T) {
	doc, err := Build([]Page{
		{ID: 2, Data: singlePagePDF(t, "second", 200), Label: "1"},
		{ID: 1, Data: singlePagePDF(t, "first", 100), Label: "Cover"},
	}, []Bookmark{{PageID: 2, Title: "Chapter 1"}})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, doc.WritePDF(context.Background(), &out))

	data := out.Bytes()
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
	assert.True(t, bytes.Contains(data, []byte("/Outlines")))

	parsed, err := ir.NewDefault().Parse(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, parsed.Pages, 2)

	// pages are identified by their size
	assert.Equal(t, 100.0, parsed.Pages[0].MediaBox.URX)
	assert.Equal(t, 200.0, parsed.Pages[1].MediaBox.URX)

	ext, err := extractor.New(parsed.Decoded())
	require.NoError(t, err)

	// label ranges carry a prefix only, the extractor renders them with
	// decimal numbering starting at 1
	want := map[int]string{0: "Cover1", 1: "11"}
	if diff := cmp.Diff(want, ext.PageLabels()); diff != "" {
		t.Errorf("unexpected page labels (-want +got):\n%s", diff)
	}
}
