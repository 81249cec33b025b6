package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"prism-board/domain"
	"prism-board/realtime"
)

var keepaliveInterval = 30 * time.Second

// streamChanges relays the change events of one collection of a project as
// server-sent events. Each event is a single data line holding the encoded
// change event.
func (h *handlers) streamChanges(c echo.Context) error {
	userID, err := h.user(c)
	if userID == "" {
		return err
	}
	projectID := c.Param("id")
	collection := domain.Collection(c.QueryParam("collection"))
	if collection == "" {
		collection = domain.CollectionTasks
	}
	if !collection.Valid() {
		return h.fail(c, "decode", domain.Errorf(domain.CodeValidation, "unknown collection %q", collection))
	}
	if _, err := call(c, func(ctx context.Context) (domain.Project, error) {
		return h.svc.Project(ctx, userID, projectID)
	}); err != nil {
		return h.fail(c, "service", err)
	}

	ctx := c.Request().Context()
	sub, err := h.stream.Subscribe(ctx, realtime.Filter{ProjectID: projectID, Collection: collection})
	if err != nil {
		return h.fail(c, "subscribe", domain.Wrap(domain.CodeTransient, err, "subscribe to changes"))
	}
	defer sub.Unsubscribe()

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	c.Response().WriteHeader(http.StatusOK)
	if _, err := c.Response().Write([]byte(":ok\n\n")); err != nil {
		return nil
	}
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Response().Write([]byte(":keepalive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case d, ok := <-sub.C():
			if !ok {
				return nil
			}
			if d.Err != nil {
				metricsFrom(c).Fail("stream", d.Err)
				return nil
			}
			data, err := domain.EncodeChangeEvent(d.Event)
			if err != nil {
				if h.log != nil {
					h.log.WithError(err).Warn("skipping unencodable change event")
				}
				continue
			}
			if _, err := c.Response().Write([]byte("data: ")); err != nil {
				return nil
			}
			if _, err := c.Response().Write(data); err != nil {
				return nil
			}
			if _, err := c.Response().Write([]byte("\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
