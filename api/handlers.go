package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
	"prism-board/realtime"
)

const maxBodySize = 64 << 10

// Boards is the board service the API exposes.
type Boards interface {
	Board(ctx context.Context, userID, projectID string) (domain.Board, error)
	Project(ctx context.Context, userID, projectID string) (domain.Project, error)
	Task(ctx context.Context, userID, projectID, id string) (domain.Task, error)
	Member(ctx context.Context, userID, projectID, id string) (domain.Member, error)
	CreateProject(ctx context.Context, userID string, p domain.Project) (domain.Project, error)
	UpdateProject(ctx context.Context, userID string, patch domain.ProjectPatch) (domain.Project, error)
	CreateTask(ctx context.Context, userID string, t domain.Task) (domain.Task, error)
	UpdateTask(ctx context.Context, userID, projectID string, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, userID, projectID, id string) error
	AddMember(ctx context.Context, userID string, m domain.Member) (domain.Member, error)
	UpdateMember(ctx context.Context, userID, projectID string, patch domain.MemberPatch) (domain.Member, error)
	RemoveMember(ctx context.Context, userID, projectID, id string) error
}

type handlers struct {
	svc    Boards
	auth   Authenticator
	dedup  Deduper
	stream realtime.Source
	log    *log.Logger
}

// Register wires up all API routes on the provided Echo instance. dedup and
// stream may be nil, which disables idempotency keys and the change stream.
func Register(e *echo.Echo, svc Boards, auth Authenticator, dedup Deduper, stream realtime.Source, logger *log.Logger) {
	h := &handlers{svc: svc, auth: auth, dedup: dedup, stream: stream, log: logger}

	e.GET("/healthz", healthz)

	g := e.Group("/api", ObserveRequests(logger))
	g.POST("/projects", h.createProject)
	g.GET("/projects/:id", h.getProject)
	g.PATCH("/projects/:id", h.updateProject)
	g.GET("/projects/:id/board", h.getBoard)
	g.POST("/projects/:id/tasks", h.createTask)
	g.GET("/projects/:id/tasks/:taskID", h.getTask)
	g.PATCH("/projects/:id/tasks/:taskID", h.updateTask)
	g.DELETE("/projects/:id/tasks/:taskID", h.deleteTask)
	g.POST("/projects/:id/members", h.addMember)
	g.PATCH("/projects/:id/members/:memberID", h.updateMember)
	g.DELETE("/projects/:id/members/:memberID", h.removeMember)
	if stream != nil {
		g.GET("/projects/:id/stream", h.streamChanges)
	}
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusFor(code domain.Code) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodePermissionDenied:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeConflict:
		return http.StatusConflict
	}
	return http.StatusServiceUnavailable
}

func (h *handlers) fail(c echo.Context, stage string, err error) error {
	metricsFrom(c).Fail(stage, err)
	code := domain.CodeOf(err)
	status := statusFor(code)
	if status >= 500 && h.log != nil {
		h.log.WithError(err).WithField("route", c.Path()).Error("board request failed")
	}
	return c.JSON(status, errorBody{Code: string(code), Message: domain.MessageOf(err)})
}

// user authenticates the request and records who is calling.
func (h *handlers) user(c echo.Context) (string, error) {
	start := time.Now()
	userID, err := h.auth.UserIDFromAuthHeader(authHeader(c))
	m := metricsFrom(c)
	m.ObserveAuth(time.Since(start))
	m.SetProject(c.Param("id"))
	if err != nil {
		m.Fail("auth", err)
		return "", c.JSON(http.StatusUnauthorized, errorBody{Code: "UNAUTHENTICATED", Message: err.Error()})
	}
	m.SetUser(userID)
	return userID, nil
}

func decode(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Wrap(domain.CodeValidation, err, "invalid body")
	}
	return nil
}

// idempotent runs apply once per Idempotency-Key. A repeated key runs replay,
// which answers with the current state instead of applying again. A failed
// apply forgets the key so the client may retry.
func (h *handlers) idempotent(c echo.Context, userID string, apply, replay func() error) error {
	key := c.Request().Header.Get(HeaderIdempotencyKey)
	if h.dedup == nil || key == "" {
		return apply()
	}
	ctx := c.Request().Context()
	fresh, err := h.dedup.Add(ctx, userID, key)
	if err != nil {
		if h.log != nil {
			h.log.WithError(err).Warn("idempotency store unavailable")
		}
		return apply()
	}
	if !fresh {
		metricsFrom(c).SetReplayed()
		return replay()
	}
	err = apply()
	if err != nil || c.Response().Status >= 400 {
		if rerr := h.dedup.Remove(ctx, userID, key); rerr != nil && h.log != nil {
			h.log.WithError(rerr).Warn("forget idempotency key")
		}
	}
	return err
}

// call times a service call.
func call[T any](c echo.Context, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	v, err := fn(c.Request().Context())
	metricsFrom(c).ObserveService(time.Since(start))
	return v, err
}

func (h *handlers) createProject(c echo.Context) error {
	userID, err := h.user(c)
	if userID == "" {
		return err
	}
	var p domain.Project
	if err := decode(c, &p); err != nil {
		return h.fail(c, "decode", err)
	}
	return h.idempotent(c, userID, func() error {
		created, err := call(c, func(ctx context.Context) (domain.Project, error) {
			return h.svc.CreateProject(ctx, userID, p)
		})
		if err != nil {
			return h.fail(c, "service", err)
		}
		return c.JSON(http.StatusCreated, created)
	}, func() error {
		return h.replayProject(c, userID, p.ID)
	})
}

func (h *handlers) replayProject(c echo.Context, userID, projectID string) error {
	p, err := h.svc.Project(c.Request().Context(), userID, projectID)
	if err != nil {
		return h.fail(c, "replay", notYet(err))
	}
	return c.JSON(http.StatusOK, p)
}

// notYet turns a missing row during replay into a retryable error: the
// first request with the same key may still be running.
func notYet(err error) error {
	if domain.CodeOf(err) == domain.CodeNotFound {
		return domain.Wrap(domain.CodeTransient, err, "request with this idempotency key is still in progress")
	}
	return err
}

func (h *handlers) getProject(c echo.Context) error {
	userID, err := h.user(c)
	if userID == "" {
		return err
	}
	p, err := call(c, func(ctx context.Context) (domain.Project, error) {
		return h.svc.Project(ctx, userID, c.Param("id"))
	})
	if err != nil {
		return h.fail(c, "service", err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *handlers) updateProject(c echo.Context) error {
	userID, err := h.user(c)
	if userID == "" {
		return err
	}
	var patch domain.ProjectPatch
	if err := decode(c, &patch); err != nil {
		return h.fail(c, "decode", err)
	}
	patch.ID = c.Param("id")
	return h.idempotent(c, userID, func() error {
		p, err := call(c, func(ctx context.Context) (domain.Project, error) {
			return h.svc.UpdateProject(ctx, userID, patch)
		})
		if err != nil {
			return h.fail(c, "service", err)
		}
		return c.JSON(http.StatusOK, p)
	}, func() error {
		return h.replayProject(c, userID, patch.ID)
	})
}

func (h *handlers) getBoard(c echo.Context) error {
	userID, err := h.user(c)
	if userID == "" {
		return err
	}
	b, err := call(c, func(ctx context.Context) (domain.Board, error) {
		return h.svc.Board(ctx, userID, c.Param("id"))
	})
	if err != nil {
		return h.fail(c, "service", err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *handlers) replayTask(c echo.Context, userID, projectID, id string) error {
	t, err := h.svc.Task(c.Request().Context(), userID, projectID, id)
	if err != nil {
		return h.fail(c, "replay", notYet(err))
	}
	return c.JSON(http.StatusOK, t)
}

func (h *handlers) createTask(c echo.Context) error {
	userID, err := h.user(c)
	if userID == "" {
		return err
	}
	var t domain.Task
	if err := decode(c, &t); err != nil {
		return h.fail(c, "decode", err)
	}
	t.ProjectID = c.Param("id")
	return h.idempotent(c, userID, func() error {
		created, err := call(c, func(ctx context.Context) (domain.Task, error) {
			return h.svc.CreateTask(ctx, userID, t)
		})
		if err != nil {
			return h.fail(c, "service", err)
		}
		return c.JSON(http.StatusCreated, created)
	}, func() error {
		return h.replayTask(c, userID, t.ProjectID, t.ID)
	})
}

func (h *handlers) getTask(c echo.Context) error {
	userID, err := h.user(c)
	if userID == "" {
		return err
	}
	t, err := call(c, func(ctx context.Context) (domain.Task, error) {
		return h.svc.Task(ctx, userID, c.Param("id"), c.Param("taskID"))
	})
	if err != nil {
		return h.fail(c, "service", err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *handlers) updateTask(c echo.Context) error {
	userID, err := h.user(c)
	if userID == "" {
		return err
	}
	var patch domain.TaskPatch
	if err := decode(c, &patch); err != nil {
		return h.fail(c, "decode", err)
	}
	patch.ID = c.Param("taskID")
	projectID := c.Param("id")
	return h.idempotent(c, userID, func() error {
		t, err := call(c, func(ctx context.Context) (domain.Task, error) {
			return h.svc.UpdateTask(ctx, userID, projectID, patch)
		})
		if err != nil {
			return h.fail(c, "service", err)
		}
		return c.JSON(http.StatusOK, t)
	}, func() error {
		return h.replayTask(c, userID, projectID, patch.ID)
	})
}

func (h *handlers) deleteTask(c echo.Context) error {
	userID, err := h.user(c)
	if userID == "" {
		return err
	}
	projectID, id := c.Param("id"), c.Param("taskID")
	return h.idempotent(c, userID, func() error {
		_, err := call(c, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, h.svc.DeleteTask(ctx, userID, projectID, id)
		})
		if err != nil {
			return h.fail(c, "service", err)
		}
		return c.NoContent(http.StatusNoContent)
	}, func() error {
		return c.NoContent(http.StatusNoContent)
	})
}

func (h *handlers) replayMember(c echo.Context, userID, projectID, id string) error {
	m, err := h.svc.Member(c.Request().Context(), userID, projectID, id)
	if err != nil {
		return h.fail(c, "replay", notYet(err))
	}
	return c.JSON(http.StatusOK, m)
}

func (h *handlers) addMember(c echo.Context) error {
	userID, err := h.user(c)
	if userID == "" {
		return err
	}
	var m domain.Member
	if err := decode(c, &m); err != nil {
		return h.fail(c, "decode", err)
	}
	m.ProjectID = c.Param("id")
	return h.idempotent(c, userID, func() error {
		added, err := call(c, func(ctx context.Context) (domain.Member, error) {
			return h.svc.AddMember(ctx, userID, m)
		})
		if err != nil {
			return h.fail(c, "service", err)
		}
		return c.JSON(http.StatusCreated, added)
	}, func() error {
		return h.replayMember(c, userID, m.ProjectID, m.ID)
	})
}

func (h *handlers) updateMember(c echo.Context) error {
	userID, err := h.user(c)
	if userID == "" {
		return err
	}
	var patch domain.MemberPatch
	if err := decode(c, &patch); err != nil {
		return h.fail(c, "decode", err)
	}
	patch.ID = c.Param("memberID")
	projectID := c.Param("id")
	return h.idempotent(c, userID, func() error {
		m, err := call(c, func(ctx context.Context) (domain.Member, error) {
			return h.svc.UpdateMember(ctx, userID, projectID, patch)
		})
		if err != nil {
			return h.fail(c, "service", err)
		}
		return c.JSON(http.StatusOK, m)
	}, func() error {
		return h.replayMember(c, userID, projectID, patch.ID)
	})
}

func (h *handlers) removeMember(c echo.Context) error {
	userID, err := h.user(c)
	if userID == "" {
		return err
	}
	projectID, id := c.Param("id"), c.Param("memberID")
	return h.idempotent(c, userID, func() error {
		_, err := call(c, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, h.svc.RemoveMember(ctx, userID, projectID, id)
		})
		if err != nil {
			return h.fail(c, "service", err)
		}
		return c.NoContent(http.StatusNoContent)
	}, func() error {
		return c.NoContent(http.StatusNoContent)
	})
}
