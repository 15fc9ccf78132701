package api

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kanban/domain"
)

const (
	userContextKey       = "auth.user"
	headerIdempotencyKey = "Idempotency-Key"
)

// GzipRequestMiddleware decompresses gzip-encoded request bodies so handlers can
// work with plain JSON payloads. Requests with invalid gzip payloads are
// rejected with a 400 response.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid gzip body"})
			}

			req.Body = &gzipReadCloser{Reader: gr, body: body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipReadCloser struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	err := g.Reader.Close()
	if cerr := g.body.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// RequireUser verifies the bearer token, records the caller so boards can be
// shared with them, and stores the user on the context.
func RequireUser(auth Authenticator, users UserRecorder, logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			metrics := metricsFrom(c)
			start := time.Now()
			u, err := auth.UserFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
			metrics.ObserveAuth(time.Since(start))
			if err != nil {
				metrics.SetErrorStage("auth")
				return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
			}
			if users != nil {
				if err := users.Ensure(c.Request().Context(), u); err != nil {
					logger.WithError(err).WithField("user_id", u.ID).Warn("record user")
				}
			}
			c.Set(userContextKey, u)
			return next(c)
		}
	}
}

func userFrom(c echo.Context) domain.User {
	u, _ := c.Get(userContextKey).(domain.User)
	return u
}

// Idempotent rejects a repeated Idempotency-Key from the same user with 409.
// Keys of failed requests are released so the client may retry. Requests
// without the header pass through.
func Idempotent(d Deduper, logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
			if d == nil || key == "" {
				return next(c)
			}
			ctx := c.Request().Context()
			userID := userFrom(c).ID
			added, err := d.Add(ctx, userID, key)
			if err != nil {
				logger.WithError(err).Warn("idempotency check failed; processing request")
				return next(c)
			}
			if !added {
				metricsFrom(c).SetErrorStage("duplicate")
				return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate request"})
			}

			err = next(c)
			if err != nil || c.Response().Status >= http.StatusBadRequest {
				removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
				if rmErr := d.Remove(removeCtx, userID, key); rmErr != nil {
					logger.WithError(rmErr).Warn("release idempotency key")
				}
				cancel()
			}
			return err
		}
	}
}
