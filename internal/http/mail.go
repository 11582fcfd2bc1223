package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/jmehdipour/mail-archiver/internal/http/middleware"
	"github.com/jmehdipour/mail-archiver/internal/ingest"
	"github.com/jmehdipour/mail-archiver/internal/model"
	"github.com/jmehdipour/mail-archiver/internal/repository"
)

// acceptsType reports whether the Accept header asks for the given media
// type. An empty header means "anything", which callers treat as JSON.
func acceptsType(c echo.Context, mediaType string) bool {
	accept := c.Request().Header.Get("Accept")
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(part)
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = strings.TrimSpace(mt[:i])
		}
		if strings.EqualFold(mt, mediaType) {
			return true
		}
	}
	return false
}

// listDueMailHandler is the pull side of the queue: every dispatch due for
// the caller is claimed and pushed redeliverAfter into the future in the
// same statement that reads it, then returned. An unacknowledged read
// simply comes back on a later pull; DELETE /mail/:id is the ack that
// retires it. Accept: application/x-ndjson streams one resource per line,
// anything else gets a JSON array.
func listDueMailHandler(mailRepo repository.MailRepository, dispatches repository.DispatchesRepository, redeliverAfter time.Duration) echo.HandlerFunc {
	if redeliverAfter <= 0 {
		redeliverAfter = time.Hour
	}
	return func(c echo.Context) error {
		consumerID, ok := middleware.ConsumerIDFromCtx(c)
		if !ok || consumerID <= 0 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		ctx := c.Request().Context()

		rows, err := dispatches.PullDue(ctx, consumerID, time.Now(), redeliverAfter)
		if err != nil {
			log.Errorf("pull due mail failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		if acceptsType(c, "application/x-ndjson") {
			resp := c.Response()
			resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
			resp.WriteHeader(http.StatusOK)
			enc := json.NewEncoder(resp)
			for _, d := range rows {
				resource, err := dueMailResource(ctx, mailRepo, d.MailID)
				if err != nil {
					log.Errorf("render mail %s failed: %v", d.MailID, err)
					continue
				}
				if err := enc.Encode(resource); err != nil {
					return err
				}
				resp.Flush()
			}
			return nil
		}

		resources := make([]model.MailResource, 0, len(rows))
		for _, d := range rows {
			resource, err := dueMailResource(ctx, mailRepo, d.MailID)
			if err != nil {
				log.Errorf("render mail %s failed: %v", d.MailID, err)
				continue
			}
			resources = append(resources, resource)
		}
		return c.JSON(http.StatusOK, resources)
	}
}

func dueMailResource(ctx context.Context, mailRepo repository.MailRepository, mailID string) (model.MailResource, error) {
	m, err := mailRepo.Get(ctx, mailID)
	if err != nil {
		return model.MailResource{}, err
	}
	attachments, err := mailRepo.Attachments(ctx, m.ID)
	if err != nil {
		return model.MailResource{}, err
	}
	return ingest.LoadResource(*m, attachments)
}

func getMailHandler(mailRepo repository.MailRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		consumerID, ok := middleware.ConsumerIDFromCtx(c)
		if !ok || consumerID <= 0 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		id := c.Param("id")
		m, err := mailRepo.GetForConsumer(c.Request().Context(), consumerID, id)
		if err != nil {
			if errors.Is(err, model.ErrMailNotFound) {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "mail not found"})
			}
			log.Errorf("get mail failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		switch {
		case acceptsType(c, "message/rfc822"):
			return c.Blob(http.StatusOK, "message/rfc822", m.Data)
		case acceptsType(c, "text/plain"):
			return c.String(http.StatusOK, m.Text)
		}

		attachments, err := mailRepo.Attachments(c.Request().Context(), m.ID)
		if err != nil {
			log.Errorf("list attachments failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		resource, err := ingest.LoadResource(*m, attachments)
		if err != nil {
			log.Errorf("render mail %s failed: %v", m.ID, err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "render error"})
		}
		return c.JSON(http.StatusOK, resource)
	}
}

// ackMailHandler deletes the caller's dispatch row for the mail: the HTTP
// way of confirming receipt, equivalent to a successful push delivery.
func ackMailHandler(dispatches repository.DispatchesRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		consumerID, ok := middleware.ConsumerIDFromCtx(c)
		if !ok || consumerID <= 0 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		id := c.Param("id")
		if err := dispatches.RecordSuccess(c.Request().Context(), consumerID, id); err != nil {
			if errors.Is(err, model.ErrDispatchNotFound) {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "nothing pending for this mail"})
			}
			log.Errorf("ack mail failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.NoContent(http.StatusNoContent)
	}
}

func getAttachmentHandler(mailRepo repository.MailRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		consumerID, ok := middleware.ConsumerIDFromCtx(c)
		if !ok || consumerID <= 0 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		mailID := c.Param("id")
		number, err := strconv.Atoi(c.Param("number"))
		if err != nil || number < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid attachment number"})
		}

		a, err := mailRepo.Attachment(c.Request().Context(), consumerID, mailID, number)
		if err != nil {
			if errors.Is(err, model.ErrMailNotFound) {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "attachment not found"})
			}
			log.Errorf("get attachment failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		if acceptsType(c, "application/json") {
			return c.JSON(http.StatusOK, model.AttachmentResource{
				Number: a.Number,
				Name:   a.Name,
				Type:   a.Type,
				Code:   a.Code,
			})
		}

		contentType := a.Type
		if a.Code != nil && *a.Code != "" {
			contentType += "; charset=" + *a.Code
		}
		if a.Name != nil && *a.Name != "" {
			c.Response().Header().Set("Content-Disposition",
				`attachment; filename="`+strings.ReplaceAll(*a.Name, `"`, "")+`"`)
		}
		return c.Blob(http.StatusOK, contentType, a.Data)
	}
}
