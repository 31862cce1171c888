package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"

	"github.com/abustany/pdfgrab/pkg/platform"
	"github.com/abustany/pdfgrab/pkg/progress"
)

// progressBuffer is how many progress updates may wait for the websocket
// before the download blocks.
const progressBuffer = 32

type downloadRequest struct {
	Action  string   `json:"action"`
	Service string   `json:"service"`
	Token   string   `json:"token"`
	BookIDs []string `json:"book_ids"`
}

// Message statuses sent on the download websocket.
const (
	StatusStarted      = "started"
	StatusProgress     = "progress"
	StatusCompleted    = "completed"
	StatusError        = "error"
	StatusAllCompleted = "all_completed"
)

type downloadMessage struct {
	Status   string `json:"status"`
	Job      string `json:"job,omitempty"`
	BookID   string `json:"book_id,omitempty"`
	Title    string `json:"title,omitempty"`
	Progress *int   `json:"progress,omitempty"`
	Message  string `json:"message,omitempty"`
	Path     string `json:"path,omitempty"`
	Current  int    `json:"current,omitempty"`
	Total    int    `json:"total"`
}

// handleDownload serves one client. Every received {"action":"download"}
// message starts a job processing the requested titles one after the other;
// the connection stays open for further requests.
func (s *Server) handleDownload(ws *websocket.Conn) {
	clientID := ws.Request().PathValue("clientID")
	log := s.log.WithField("client", clientID)
	log.Info("Download client connected")
	defer log.Info("Download client disconnected")

	ctx := ws.Request().Context()

	for {
		var req downloadRequest
		if err := websocket.JSON.Receive(ws, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				log.WithError(err).Debug("Error reading download request")
			}
			return
		}

		if req.Action != "download" {
			log.WithField("action", req.Action).Debug("Ignoring unknown action")
			continue
		}

		if err := s.runJob(ctx, ws, log, req); err != nil {
			log.WithError(err).Warn("Download client went away")
			return
		}
	}
}

// runJob only returns an error when the websocket cannot be written to.
func (s *Server) runJob(ctx context.Context, ws *websocket.Conn, log logrus.FieldLogger, req downloadRequest) error {
	job := uuid.NewString()
	log = log.WithFields(logrus.Fields{"job": job, "service": req.Service})
	total := len(req.BookIDs)

	send := func(m downloadMessage) error {
		m.Job = job
		m.Total = total
		return websocket.JSON.Send(ws, m)
	}

	svc, err := s.services.Get(req.Service)
	if err != nil {
		return send(downloadMessage{Status: StatusError, Message: err.Error()})
	}

	books, err := svc.Library(ctx, req.Token)
	if err != nil {
		return send(downloadMessage{Status: StatusError, Message: err.Error()})
	}

	log.WithField("books", total).Info("Download job started")

	for idx, id := range req.BookIDs {
		current := idx + 1

		book, ok := books[id]
		if !ok {
			msg := fmt.Sprintf("Book %s not found in library", id)
			if err := send(downloadMessage{Status: StatusError, BookID: id, Message: msg, Current: current}); err != nil {
				return err
			}
			continue
		}

		if err := send(downloadMessage{Status: StatusStarted, BookID: id, Title: book.Title, Current: current}); err != nil {
			return err
		}

		var sendErr error
		relay := progress.NewRelay(progressBuffer, func(u progress.Update) {
			if sendErr != nil {
				return
			}
			percent := u.Percent
			sendErr = send(downloadMessage{
				Status:   StatusProgress,
				BookID:   id,
				Progress: &percent,
				Message:  u.Message,
				Current:  current,
			})
		})

		path, err := s.downloadBook(ctx, svc, req, id, book, relay)
		if err == nil {
			relay.Report(100, "Download completed")
		}
		relay.Close()

		if sendErr != nil {
			return sendErr
		}

		bookLog := log.WithField("book", id)

		if err != nil {
			bookLog.WithError(err).WithField("progress", relay.Last()).Error("Download failed")
			if err := send(downloadMessage{Status: StatusError, BookID: id, Message: err.Error(), Current: current}); err != nil {
				return err
			}
			continue
		}

		bookLog.WithField("path", path).Info("Download completed")
		if err := send(downloadMessage{Status: StatusCompleted, BookID: id, Title: book.Title, Path: path, Current: current}); err != nil {
			return err
		}
	}

	return send(downloadMessage{Status: StatusAllCompleted})
}

func (s *Server) downloadBook(ctx context.Context, svc platform.Service, req downloadRequest, id string, book platform.Book, relay *progress.Relay) (string, error) {
	if s.bookTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.bookTimeout)
		defer cancel()
	}

	doc, err := svc.Assemble(ctx, req.Token, id, book, relay.Func())
	if err != nil {
		return "", err
	}

	f, err := s.store.Save(req.Service, book.Title, func(w io.Writer) error {
		return doc.WritePDF(ctx, w)
	})
	if err != nil {
		return "", err
	}

	return f.Path, nil
}
