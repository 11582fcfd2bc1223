package http

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/jmehdipour/mail-archiver/internal/auth"
	"github.com/jmehdipour/mail-archiver/internal/lock"
	"github.com/jmehdipour/mail-archiver/internal/model"
	"github.com/jmehdipour/mail-archiver/internal/repository"
)

type createConsumerReq struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"` // optional webhook URL
}

func createConsumerHandler(consumers repository.ConsumersRepository, authMgr *auth.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createConsumerReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" || len(req.Name) > 255 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "name required"})
		}

		var endpoint *string
		if ep := strings.TrimSpace(req.Endpoint); ep != "" {
			u, err := url.Parse(ep)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid endpoint"})
			}
			endpoint = &ep
		}

		id, err := consumers.Create(c.Request().Context(), req.Name, endpoint)
		if err != nil {
			log.Errorf("create consumer failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		token, err := authMgr.Issue(id)
		if err != nil {
			log.Errorf("issue token failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "token error"})
		}

		return c.JSON(http.StatusCreated, map[string]any{
			"id":    id,
			"name":  req.Name,
			"token": token,
		})
	}
}

func listConsumersHandler(consumers repository.ConsumersRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		rows, err := consumers.List(c.Request().Context())
		if err != nil {
			log.Errorf("list consumers failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"count":   len(rows),
			"results": rows,
		})
	}
}

func deleteConsumerHandler(consumers repository.ConsumersRepository, dispatches repository.DispatchesRepository, locker lock.Locker) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid id"})
		}

		// take the consumer's scheduler lock so the delete cascade does not
		// race an in-flight delivery burst
		if locker != nil {
			release, ok, err := locker.TryAcquire(c.Request().Context(), id)
			if err != nil {
				log.Errorf("acquire consumer lock failed: %v", err)

				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "lock error"})
			}
			if !ok {
				return c.JSON(http.StatusConflict, map[string]string{"error": "consumer busy, retry"})
			}
			defer func() { _ = release(c.Request().Context()) }()
		}

		// drop the pending obligations first; the FK cascade backs this up
		if _, err := dispatches.DeleteForConsumer(c.Request().Context(), id); err != nil {
			log.Errorf("delete dispatches failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		if err := consumers.Delete(c.Request().Context(), id); err != nil {
			if errors.Is(err, model.ErrConsumerNotFound) {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "consumer not found"})
			}
			log.Errorf("delete consumer failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.NoContent(http.StatusNoContent)
	}
}
