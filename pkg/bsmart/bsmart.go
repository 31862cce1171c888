// Package bsmart implements platform.Service for the bSmart digital library.
package bsmart

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/abustany/pdfgrab/pkg/assemble"
	"github.com/abustany/pdfgrab/pkg/assetpack"
	"github.com/abustany/pdfgrab/pkg/keyextract"
	"github.com/abustany/pdfgrab/pkg/pagecrypt"
	"github.com/abustany/pdfgrab/pkg/platform"
)

const (
	Code = "bsmart"
	Name = "bSmart"

	DefaultBaseURL = "https://www.bsmart.it"
	// DefaultKeyURL serves the web client the key is extracted from.
	DefaultKeyURL = "https://my.bsmart.it"

	// resource kind of the page documents
	pageResourceType = 14
	pagePDFUse       = "page_pdf"

	listPageSize = "1000000"
)

// Keys is the key cache the client decrypts pages with.
type Keys interface {
	pagecrypt.KeySource
	Get(ctx context.Context) ([]byte, error)
}

type Client struct {
	baseURL        string
	client         *http.Client
	log            logrus.FieldLogger
	keys           Keys
	preactivations bool
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.client = c
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(cl *Client) {
		cl.log = log
	}
}

// WithPreactivations controls whether pre-activated titles are listed in the
// library. They are by default.
func WithPreactivations(enabled bool) Option {
	return func(cl *Client) {
		cl.preactivations = enabled
	}
}

var _ platform.Service = (*Client)(nil)

func New(baseURL string, keys Keys, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		client:         http.DefaultClient,
		log:            logrus.StandardLogger(),
		keys:           keys,
		preactivations: true,
	}

	for _, o := range opts {
		o(c)
	}

	return c
}

// NewKeys returns a key cache extracting the key from the web client served
// at keyURL.
func NewKeys(keyURL string, opts ...keyextract.Option) *keyextract.Store {
	e := keyextract.New(keyURL, opts...)
	return keyextract.NewStore(e, nil)
}

// Register adds c to r under the bSmart service code.
func Register(r *platform.Registry, c *Client) {
	r.Register(Code, Name, c)
}

// flexString accepts both JSON strings and numbers.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)

	switch {
	case bytes.Equal(data, []byte("null")):
		*s = ""
	case len(data) > 0 && data[0] == '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*s = flexString(n)
	}

	return nil
}

type apiBook struct {
	ID             flexString `json:"id"`
	Title          string     `json:"title"`
	Cover          string     `json:"cover"`
	LiquidText     bool       `json:"liquid_text"`
	CurrentEdition struct {
		Revision flexString `json:"revision"`
	} `json:"current_edition"`
}

func (b apiBook) book() platform.Book {
	return platform.Book{
		ID:       string(b.ID),
		Title:    b.Title,
		Revision: string(b.CurrentEdition.Revision),
		Cover:    b.Cover,
	}
}

type apiPreactivation struct {
	Books []apiBook `json:"books"`
}

type apiResource struct {
	ID             int    `json:"id"`
	Title          string `json:"title"`
	ResourceTypeID int    `json:"resource_type_id"`
	Assets         []struct {
		Use string `json:"use"`
		MD5 string `json:"md5"`
	} `json:"assets"`
}

type apiAssetPack struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

type apiIndexEntry struct {
	Title     string `json:"title"`
	FirstPage *struct {
		ID int `json:"id"`
	} `json:"first_page"`
}

// apiMessage is what the platform answers instead of the expected payload
// when it refuses a request.
type apiMessage struct {
	Message *string `json:"message"`
}

// refusal returns the platform message carried by body, if any.
func refusal(body []byte) (string, bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return "", false
	}

	var m apiMessage
	if err := json.Unmarshal(body, &m); err != nil || m.Message == nil {
		return "", false
	}

	return *m.Message, true
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("error calling %s: %w: %w", req.URL.Path, platform.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("error reading response of %s: %w: %w", req.URL.Path, platform.ErrTransport, err)
	}

	return body, resp.StatusCode, nil
}

// getJSON decodes the answer to an authenticated GET into v. A refusal from
// the platform is reported as platform.ErrNotFound for a 404 and as
// platform.ErrAuthentication otherwise, as are 401 and 403 answers without a
// message.
func (c *Client) getJSON(ctx context.Context, token, path string, query url.Values, v any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("AUTH_TOKEN", token)
	req.Header.Set("Accept", "application/json")

	body, status, err := c.do(req)
	if err != nil {
		return err
	}

	if msg, ok := refusal(body); ok {
		kind := platform.ErrAuthentication
		if status == http.StatusNotFound {
			kind = platform.ErrNotFound
		}
		return fmt.Errorf("%s: %w: %s", path, kind, msg)
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%s: %w: status %d", path, platform.ErrAuthentication, status)
	}

	if status != http.StatusOK {
		return fmt.Errorf("%s: %w: unexpected status %d", path, platform.ErrTransport, status)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("error decoding response of %s: %w: %w", path, platform.ErrTransport, err)
	}

	return nil
}

// Login exchanges credentials for an auth token.
func (c *Client) Login(ctx context.Context, creds platform.Credentials) (string, error) {
	form := url.Values{
		"email":    {creds.Username},
		"password": {creds.Password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v5/session", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, status, err := c.do(req)
	if err != nil {
		return "", err
	}

	var res struct {
		AuthToken string `json:"auth_token"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		if status != http.StatusOK {
			return "", fmt.Errorf("error logging in: %w: unexpected status %d", platform.ErrTransport, status)
		}
		return "", fmt.Errorf("error decoding login response: %w: %w", platform.ErrTransport, err)
	}

	if res.AuthToken == "" {
		msg := res.Message
		if msg == "" {
			msg = "unknown error"
		}
		c.log.WithField("user", creds.Username).Warnf("Login refused: %s", msg)
		return "", fmt.Errorf("error logging in: %w: %s", platform.ErrAuthentication, msg)
	}

	return res.AuthToken, nil
}

// CheckToken reports whether the platform still accepts token. Only transport
// failures are returned as errors.
func (c *Client) CheckToken(ctx context.Context, token string) (bool, error) {
	var books []json.RawMessage

	err := c.getJSON(ctx, token, "/api/v5/books", url.Values{"per_page": {"1"}}, &books)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, platform.ErrTransport):
		return false, err
	default:
		c.log.WithError(err).Debug("Token refused")
		return false, nil
	}
}

// Library lists the owned titles and, unless disabled, the pre-activated
// ones. A pre-activated title replaces an owned one with the same id.
func (c *Client) Library(ctx context.Context, token string) (map[string]platform.Book, error) {
	var owned []apiBook

	query := url.Values{"per_page": {listPageSize}, "page_thumb_size": {"medium"}}
	if err := c.getJSON(ctx, token, "/api/v5/books", query, &owned); err != nil {
		return nil, fmt.Errorf("error listing books: %w", err)
	}

	books := make(map[string]platform.Book, len(owned))

	for _, b := range owned {
		// liquid_text does not tell the book format apart, owned books are
		// all listed
		books[string(b.ID)] = b.book()
	}

	if !c.preactivations {
		return books, nil
	}

	var preactivations []apiPreactivation
	if err := c.getJSON(ctx, token, "/api/v5/books/preactivations", nil, &preactivations); err != nil {
		return nil, fmt.Errorf("error listing preactivated books: %w", err)
	}

	for _, p := range preactivations {
		for _, b := range p.Books {
			if b.LiquidText {
				continue
			}
			books[string(b.ID)] = b.book()
		}
	}

	c.log.WithFields(logrus.Fields{
		"owned": len(owned),
		"total": len(books),
	}).Debug("Library loaded")

	return books, nil
}

// Cover downloads the cover image of book.
func (c *Client) Cover(ctx context.Context, book platform.Book) ([]byte, error) {
	if book.Cover == "" {
		return nil, fmt.Errorf("book %s has no cover: %w", book.ID, platform.ErrNotFound)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, book.Cover, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	body, status, err := c.do(req)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, fmt.Errorf("error downloading cover: %w: unexpected status %d", platform.ErrTransport, status)
	}

	return body, nil
}

func (c *Client) bookInfo(ctx context.Context, token string, book platform.Book, operation string, v any) error {
	path := fmt.Sprintf("/api/v5/books/%s/%s/%s", url.PathEscape(book.ID), url.PathEscape(book.Revision), operation)
	return c.getJSON(ctx, token, path, url.Values{"per_page": {listPageSize}}, v)
}

type pageRef struct {
	ID    int
	Label string
}

// pageIndex maps the content hash of every page document to its page.
func pageIndex(resources []apiResource) map[string]pageRef {
	res := map[string]pageRef{}

	for _, r := range resources {
		if r.ResourceTypeID != pageResourceType {
			continue
		}

		for _, a := range r.Assets {
			if a.Use == pagePDFUse {
				res[a.MD5] = pageRef{ID: r.ID, Label: r.Title}
				break
			}
		}
	}

	return res
}

func bookmarks(index []apiIndexEntry) []assemble.Bookmark {
	var res []assemble.Bookmark

	for _, e := range index {
		if e.FirstPage == nil {
			continue
		}
		res = append(res, assemble.Bookmark{PageID: e.FirstPage.ID, Title: e.Title})
	}

	return res
}

// Assemble downloads, decrypts and orders the pages of book. Records whose
// hash is unknown are skipped and counted in Document.Dropped; any other
// failure aborts.
func (c *Client) Assemble(ctx context.Context, token, bookID string, book platform.Book, progress platform.ProgressFunc) (*assemble.Document, error) {
	if progress == nil {
		progress = func(int, string) {}
	}

	book.ID = bookID
	log := c.log.WithFields(logrus.Fields{
		"book":     bookID,
		"revision": book.Revision,
	})

	progress(0, "Loading encryption key")
	if _, err := c.keys.Get(ctx); err != nil {
		return nil, fmt.Errorf("error loading encryption key: %w", err)
	}

	progress(1, "Getting resources")

	var resources []apiResource
	if err := c.bookInfo(ctx, token, book, "resources", &resources); err != nil {
		return nil, fmt.Errorf("error getting resources: %w", err)
	}

	var packs []apiAssetPack
	if err := c.bookInfo(ctx, token, book, "asset_packs", &packs); err != nil {
		return nil, fmt.Errorf("error getting asset packs: %w", err)
	}

	var index []apiIndexEntry
	if err := c.bookInfo(ctx, token, book, "index", &index); err != nil {
		return nil, fmt.Errorf("error getting index: %w", err)
	}

	refs := pageIndex(resources)

	packURL := ""
	for _, p := range packs {
		if p.Label == pagePDFUse {
			packURL = p.URL
			break
		}
	}
	if packURL == "" {
		return nil, fmt.Errorf("no %s asset pack for book %s: %w", pagePDFUse, bookID, platform.ErrNotFound)
	}

	progress(3, "Downloading pdf")
	log.WithField("pages", len(refs)).Info("Downloading asset pack")

	pack, err := assetpack.Download(ctx, c.client, packURL, func(p int) {
		progress(p, "Downloading pdf")
	}, 90, 3)
	if err != nil {
		return nil, err
	}

	log.WithField("bytes", pack.Size()).Debug("Asset pack downloaded")
	progress(93, "Decrypting pages")

	decryptor := pagecrypt.NewDecryptor(c.keys)
	pages := map[int]assemble.Page{}
	dropped := 0

	err = pack.Each(func(name string, r io.Reader) error {
		data, md5, err := decryptor.Decrypt(ctx, r)
		if err != nil {
			return err
		}

		ref, ok := refs[md5]
		if !ok {
			log.WithError(platform.ErrUnresolvedPage).WithFields(logrus.Fields{
				"member": name,
				"md5":    md5,
			}).Warn("Unknown page in asset pack, skipping it")
			dropped++
			return nil
		}

		pages[ref.ID] = assemble.Page{ID: ref.ID, Data: data, Label: ref.Label}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error decrypting pages: %w", err)
	}

	list := make([]assemble.Page, 0, len(pages))
	for _, p := range pages {
		list = append(list, p)
	}

	doc, err := assemble.Build(list, bookmarks(index))
	if err != nil {
		return nil, fmt.Errorf("error assembling book: %w", err)
	}
	doc.Dropped = dropped

	progress(98, "Applying toc/labels")

	log.WithFields(logrus.Fields{
		"pages":   len(doc.Pages),
		"dropped": dropped,
	}).Info("Book assembled")

	progress(100, "Done")

	return doc, nil
}
