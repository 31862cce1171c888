// Package platform defines what every supported reading platform has to
// provide, and the error kinds shared by all of them.
package platform

import (
	"context"
	"errors"

	"github.com/abustany/pdfgrab/pkg/assemble"
)

// Error kinds. Components wrap one of these so callers can map failures to a
// status with errors.Is.
var (
	// ErrTransport covers timeouts, connection failures and unexpected HTTP
	// statuses. It is never retried.
	ErrTransport = errors.New("transport error")

	// ErrAuthentication is returned when the platform rejects the credentials
	// or the token.
	ErrAuthentication = errors.New("authentication failed")

	// ErrExtraction means the platform script no longer matches the expected
	// obfuscation pattern.
	ErrExtraction = errors.New("key extraction failed")

	// ErrDecryption means a page could not be decrypted, because the key is
	// wrong or the data is corrupted.
	ErrDecryption = errors.New("decryption failed")

	// ErrUnresolvedPage marks a decrypted page whose content hash does not
	// appear in the book's resource listing. Such pages are dropped.
	ErrUnresolvedPage = errors.New("unresolved page")

	// ErrNotFound is returned for unknown services, books or asset packs.
	ErrNotFound = errors.New("not found")
)

// Credentials are only kept for the duration of a Login call.
type Credentials struct {
	Username string
	Password string
}

// Book is one licensed title.
type Book struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Revision string `json:"revision"`
	Cover    string `json:"cover"`
}

// ProgressFunc receives a percentage in [0, 100] and a short status message.
type ProgressFunc func(percent int, message string)

// Service is the capability set of one platform.
type Service interface {
	Login(ctx context.Context, creds Credentials) (string, error)
	CheckToken(ctx context.Context, token string) (bool, error)
	Library(ctx context.Context, token string) (map[string]Book, error)
	Assemble(ctx context.Context, token, bookID string, book Book, progress ProgressFunc) (*assemble.Document, error)
}
