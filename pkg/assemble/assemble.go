// Package assemble turns a set of decrypted single page PDFs into one
// navigable document.
package assemble

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/wudi/pdfkit/builder"
	"github.com/wudi/pdfkit/ir"
	"github.com/wudi/pdfkit/writer"
)

// Page is one decrypted page. ID is the platform's page identifier, which
// gives the reading order.
type Page struct {
	ID    int
	Data  []byte
	Label string
}

// Bookmark anchors a table of contents title to a platform page ID.
type Bookmark struct {
	PageID int
	Title  string
}

// TOCEntry points at a 1-based position in the assembled document.
type TOCEntry struct {
	Level int
	Title string
	Page  int
}

// LabelRange applies Prefix as the label of every page from Start (0-based)
// up to the start of the next range.
type LabelRange struct {
	Start  int
	Prefix string
}

type Document struct {
	Pages  []Page
	TOC    []TOCEntry
	Labels []LabelRange

	// Dropped counts the records that could not be matched to a page.
	Dropped int
}

// Build orders pages by ascending ID and derives the table of contents and
// page labels. Page IDs must be unique.
func Build(pages []Page, bookmarks []Bookmark) (*Document, error) {
	sorted := append([]Page(nil), pages...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].ID == sorted[i-1].ID {
			return nil, fmt.Errorf("duplicate page id %d", sorted[i].ID)
		}
	}

	titles := make(map[int]string, len(bookmarks))
	for _, b := range bookmarks {
		titles[b.PageID] = b.Title
	}

	doc := &Document{Pages: sorted}
	labels := make([]string, len(sorted))

	for i, p := range sorted {
		labels[i] = p.Label
		if title, ok := titles[p.ID]; ok {
			doc.TOC = append(doc.TOC, TOCEntry{Level: 1, Title: title, Page: i + 1})
		}
	}

	doc.Labels = LabelRules(labels)

	return doc, nil
}

// LabelRules collapses runs of identical consecutive labels into one range.
func LabelRules(labels []string) []LabelRange {
	var res []LabelRange

	for i, l := range labels {
		if i > 0 && labels[i-1] == l {
			continue
		}
		res = append(res, LabelRange{Start: i, Prefix: l})
	}

	return res
}

// WritePDF merges the pages into a single PDF written to w, with the table of
// contents as outline and the label ranges as page labels.
func (d *Document) WritePDF(ctx context.Context, w io.Writer) error {
	b := builder.NewBuilder()

	// first output page of every document page, a page blob may hold more
	// than one PDF page
	offsets := make([]int, len(d.Pages))
	outPages := 0

	for i, p := range d.Pages {
		offsets[i] = outPages

		src, err := ir.NewDefault().Parse(ctx, bytes.NewReader(p.Data))
		if err != nil {
			return fmt.Errorf("error parsing page %d: %w", p.ID, err)
		}

		for _, sp := range src.Pages {
			b.AddPage(sp)
			outPages++
		}
	}

	for _, l := range d.Labels {
		if l.Start < len(offsets) {
			b.AddPageLabel(offsets[l.Start], l.Prefix)
		}
	}

	for _, e := range d.TOC {
		if e.Page < 1 || e.Page > len(offsets) {
			continue
		}
		b.AddOutline(builder.Outline{Title: e.Title, PageIndex: offsets[e.Page-1]})
	}

	out, err := b.Build()
	if err != nil {
		return fmt.Errorf("error building document: %w", err)
	}

	cfg := writer.Config{
		Version:     writer.PDF17,
		Compression: 9,
	}

	if err := (&writer.WriterBuilder{}).Build().Write(ctx, out, w, cfg); err != nil {
		return fmt.Errorf("error writing document: %w", err)
	}

	return nil
}
