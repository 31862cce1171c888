// Package keyextract recovers the page decryption key from the platform's
// web client.
//
// The client script hides the key in a snippet of code that is only built at
// runtime: the snippet characters are listed once as character codes
//
//	var i=String.fromCharCode(118,97,114,...)
//
// and the snippet itself is a sequence of lookups into that list (i[2]+i[0]+...).
// Decoding the lookups gives back the snippet, which contains the key as a
// quoted base64 literal.
package keyextract

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"github.com/abustany/pdfgrab/pkg/platform"
)

const (
	marker = "var i=String.fromCharCode"

	DefaultMinLiteralLength = 20
)

var (
	scriptPathRe = regexp.MustCompile(`^/scripts/.*\.min\.js$`)
	charCodesRe  = regexp.MustCompile(`var i=String\.fromCharCode\(([\d,]+)\)`)
	indexRe      = regexp.MustCompile(`i\[(\d+)\]`)
)

// Step identifies where extraction stopped.
type Step string

const (
	StepHomepage  Step = "fetch homepage"
	StepScriptRef Step = "find script reference"
	StepScript    Step = "fetch script"
	StepMarker    Step = "find obfuscation marker"
	StepCharCodes Step = "extract character codes"
	StepIndexMap  Step = "extract index map"
	StepSnippet   Step = "rebuild snippet"
	StepBase64    Step = "find base64 literal"
	StepKeySize   Step = "check key size"
)

// Error reports an extraction failure. It matches platform.ErrExtraction with
// errors.Is, unless it was caused by the transport in which case it matches
// platform.ErrTransport instead.
type Error struct {
	Step Step
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("error extracting key: %s: %s", e.Step, e.Err)
}

func (e *Error) Unwrap() []error {
	if errors.Is(e.Err, platform.ErrTransport) {
		return []error{e.Err}
	}
	return []error{platform.ErrExtraction, e.Err}
}

type Extractor struct {
	baseURL    string
	client     *http.Client
	log        logrus.FieldLogger
	minLiteral int
}

type Option func(*Extractor)

func WithHTTPClient(c *http.Client) Option {
	return func(e *Extractor) {
		e.client = c
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Extractor) {
		e.log = log
	}
}

// WithMinLiteralLength sets how long a quoted base64 literal must be to be
// taken for the key.
func WithMinLiteralLength(n int) Option {
	return func(e *Extractor) {
		e.minLiteral = n
	}
}

// New returns an Extractor reading the web client served at baseURL.
func New(baseURL string, opts ...Option) *Extractor {
	e := &Extractor{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		client:     http.DefaultClient,
		log:        logrus.StandardLogger(),
		minLiteral: DefaultMinLiteralLength,
	}

	for _, o := range opts {
		o(e)
	}

	return e
}

// Fetch downloads the web client and extracts the key from it.
func (e *Extractor) Fetch(ctx context.Context) ([]byte, error) {
	e.log.WithField("url", e.baseURL).Info("Fetching homepage")

	page, err := e.get(ctx, e.baseURL)
	if err != nil {
		return nil, &Error{Step: StepHomepage, Err: err}
	}

	scriptPath, err := findScriptPath(strings.NewReader(page))
	if err != nil {
		return nil, &Error{Step: StepScriptRef, Err: err}
	}

	e.log.WithField("script", scriptPath).Info("Found client script")

	script, err := e.get(ctx, e.baseURL+scriptPath)
	if err != nil {
		return nil, &Error{Step: StepScript, Err: err}
	}

	key, err := decodeKey(script, e.minLiteral)
	if err != nil {
		return nil, err
	}

	e.log.WithField("size", len(key)).Info("Extracted encryption key")

	return key, nil
}

func (e *Extractor) get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", platform.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %d for %s", platform.ErrTransport, resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: error reading body: %w", platform.ErrTransport, err)
	}

	return string(body), nil
}

// findScriptPath returns the src of the first script tag pointing at a
// minified script under /scripts/.
func findScriptPath(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)

	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("error parsing homepage: %w", err)
			}
			return "", fmt.Errorf("no script matching %s in homepage", scriptPathRe)
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.Data != "script" {
				continue
			}
			for _, attr := range tok.Attr {
				if attr.Key == "src" && scriptPathRe.MatchString(attr.Val) {
					return attr.Val, nil
				}
			}
		}
	}
}

// decodeKey runs the deobfuscation on the script text.
func decodeKey(script string, minLiteral int) ([]byte, error) {
	start := strings.Index(script, marker)
	if start < 0 {
		return nil, &Error{Step: StepMarker, Err: fmt.Errorf("%q not found in script", marker)}
	}

	section := script[start:]
	if end := strings.Index(section, "()"); end >= 0 {
		section = section[:end]
	}

	m := charCodesRe.FindStringSubmatch(section)
	if m == nil {
		return nil, &Error{Step: StepCharCodes, Err: fmt.Errorf("no character code list after marker")}
	}

	var chars []rune
	for _, code := range strings.Split(m[1], ",") {
		if code == "" {
			continue
		}
		n, err := strconv.Atoi(code)
		if err != nil {
			return nil, &Error{Step: StepCharCodes, Err: fmt.Errorf("invalid character code %q: %w", code, err)}
		}
		chars = append(chars, rune(n))
	}

	indexMatches := indexRe.FindAllStringSubmatch(section, -1)
	if len(indexMatches) == 0 {
		return nil, &Error{Step: StepIndexMap, Err: fmt.Errorf("no index references in key section")}
	}

	var snippet strings.Builder
	for _, im := range indexMatches {
		idx, err := strconv.Atoi(im[1])
		if err != nil || idx >= len(chars) {
			return nil, &Error{Step: StepSnippet, Err: fmt.Errorf("index %s out of range (%d characters)", im[1], len(chars))}
		}
		snippet.WriteRune(chars[idx])
	}

	literalRe := regexp.MustCompile(fmt.Sprintf(`'([A-Za-z0-9+/]{%d,}={0,2})'`, minLiteral))

	lm := literalRe.FindStringSubmatch(snippet.String())
	if lm == nil {
		return nil, &Error{Step: StepBase64, Err: fmt.Errorf("no base64 literal of %d+ characters in snippet", minLiteral)}
	}

	key, err := base64.StdEncoding.DecodeString(lm[1])
	if err != nil {
		return nil, &Error{Step: StepBase64, Err: fmt.Errorf("error decoding literal: %w", err)}
	}

	return key, nil
}
