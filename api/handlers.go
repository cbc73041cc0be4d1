package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-school/middleware"
	"github.com/saiset-co/sai-school/school"
	"github.com/saiset-co/sai-school/server"
	"github.com/saiset-co/sai-school/types"
	"github.com/saiset-co/sai-school/utils"
)

const defaultRequestTimeout = 10 * time.Second

type TermStore interface {
	GetCurrent(ctx context.Context, schoolID string) (*school.Term, error)
	GetByID(ctx context.Context, id string) (*school.Term, error)
	List(ctx context.Context, schoolID string, options school.TermListOptions) ([]school.Term, error)
	Create(ctx context.Context, input school.CreateTermInput) (*school.Term, error)
	Activate(ctx context.Context, schoolID, termID string) (*school.Term, error)
}

type StudentStore interface {
	GetByID(ctx context.Context, id string) (*school.Student, error)
	ListByClass(ctx context.Context, classID string, options school.StudentListOptions) ([]school.Student, error)
	Create(ctx context.Context, input school.CreateStudentInput) (*school.Student, error)
	Update(ctx context.Context, id string, input school.UpdateStudentInput) (*school.Student, error)
	Delete(ctx context.Context, id string) error
}

// Authenticator resolves an access token to its subject.
type Authenticator interface {
	Authenticate(token string) (string, error)
}

type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

type verifyResponse struct {
	Subject string `json:"subject"`
}

type activateRequest struct {
	SchoolID string `json:"school_id" validate:"required"`
	TermID   string `json:"term_id" validate:"required"`
}

type Handler struct {
	terms         TermStore
	students      StudentStore
	authenticator Authenticator
	logger        types.Logger
	timeout       time.Duration
}

func NewHandler(terms TermStore, students StudentStore, authenticator Authenticator, logger types.Logger) *Handler {
	return &Handler{
		terms:         terms,
		students:      students,
		authenticator: authenticator,
		logger:        logger,
		timeout:       defaultRequestTimeout,
	}
}

// Register mounts the token, term and student routes. Token verification
// skips authentication and is counted against the auth tier; activating a
// term is also counted against the strict tier.
func (h *Handler) Register(router *server.Router) {
	router.Group("/api/auth").
		WithMiddlewares(middleware.RateLimitAuthName).
		WithoutMiddlewares(middleware.AuthName).
		Route(fasthttp.MethodPost, "/verify", h.verifyToken).
		Register()

	terms := router.Group("/api/terms")
	terms.Route(fasthttp.MethodGet, "", h.listTerms).Register()
	terms.Route(fasthttp.MethodGet, "/current", h.currentTerm).Register()
	terms.Route(fasthttp.MethodGet, "/get", h.getTerm).Register()
	terms.Route(fasthttp.MethodPost, "", h.createTerm).Register()
	terms.Route(fasthttp.MethodPost, "/activate", h.activateTerm).
		WithMiddlewares(middleware.RateLimitStrictName).
		Register()

	students := router.Group("/api/students")
	students.Route(fasthttp.MethodGet, "", h.listStudents).Register()
	students.Route(fasthttp.MethodGet, "/get", h.getStudent).Register()
	students.Route(fasthttp.MethodPost, "", h.createStudent).Register()
	students.Route(fasthttp.MethodPut, "", h.updateStudent).Register()
	students.Route(fasthttp.MethodDelete, "", h.deleteStudent).Register()
}

func (h *Handler) verifyToken(ctx *fasthttp.RequestCtx) {
	subject, err := h.authenticator.Authenticate(middleware.ExtractToken(ctx))
	if err != nil {
		h.fail(ctx, err)
		return
	}
	utils.WriteJSON(ctx, fasthttp.StatusOK, verifyResponse{Subject: subject})
}

func (h *Handler) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.timeout)
}

func (h *Handler) currentTerm(ctx *fasthttp.RequestCtx) {
	c, cancel := h.context()
	defer cancel()

	term, err := h.terms.GetCurrent(c, queryString(ctx, "school_id"))
	if err != nil {
		h.fail(ctx, err)
		return
	}
	utils.WriteJSON(ctx, fasthttp.StatusOK, term)
}

func (h *Handler) getTerm(ctx *fasthttp.RequestCtx) {
	c, cancel := h.context()
	defer cancel()

	term, err := h.terms.GetByID(c, queryString(ctx, "id"))
	if err != nil {
		h.fail(ctx, err)
		return
	}
	utils.WriteJSON(ctx, fasthttp.StatusOK, term)
}

func (h *Handler) listTerms(ctx *fasthttp.RequestCtx) {
	limit, offset, err := pagination(ctx)
	if err != nil {
		h.fail(ctx, err)
		return
	}

	c, cancel := h.context()
	defer cancel()

	terms, err := h.terms.List(c, queryString(ctx, "school_id"), school.TermListOptions{
		Status: queryString(ctx, "status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.fail(ctx, err)
		return
	}
	utils.WriteJSON(ctx, fasthttp.StatusOK, newList(terms))
}

func (h *Handler) createTerm(ctx *fasthttp.RequestCtx) {
	var input school.CreateTermInput
	if err := readJSON(ctx, &input); err != nil {
		h.fail(ctx, err)
		return
	}

	c, cancel := h.context()
	defer cancel()

	term, err := h.terms.Create(c, input)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	utils.WriteJSON(ctx, fasthttp.StatusCreated, term)
}

func (h *Handler) activateTerm(ctx *fasthttp.RequestCtx) {
	var input activateRequest
	if err := readJSON(ctx, &input); err != nil {
		h.fail(ctx, err)
		return
	}
	if err := school.Validate(input); err != nil {
		h.fail(ctx, err)
		return
	}

	c, cancel := h.context()
	defer cancel()

	term, err := h.terms.Activate(c, input.SchoolID, input.TermID)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	utils.WriteJSON(ctx, fasthttp.StatusOK, term)
}

func (h *Handler) getStudent(ctx *fasthttp.RequestCtx) {
	c, cancel := h.context()
	defer cancel()

	student, err := h.students.GetByID(c, queryString(ctx, "id"))
	if err != nil {
		h.fail(ctx, err)
		return
	}
	utils.WriteJSON(ctx, fasthttp.StatusOK, student)
}

func (h *Handler) listStudents(ctx *fasthttp.RequestCtx) {
	limit, offset, err := pagination(ctx)
	if err != nil {
		h.fail(ctx, err)
		return
	}

	c, cancel := h.context()
	defer cancel()

	students, err := h.students.ListByClass(c, queryString(ctx, "class_id"), school.StudentListOptions{
		Status: queryString(ctx, "status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.fail(ctx, err)
		return
	}
	utils.WriteJSON(ctx, fasthttp.StatusOK, newList(students))
}

func (h *Handler) createStudent(ctx *fasthttp.RequestCtx) {
	var input school.CreateStudentInput
	if err := readJSON(ctx, &input); err != nil {
		h.fail(ctx, err)
		return
	}

	c, cancel := h.context()
	defer cancel()

	student, err := h.students.Create(c, input)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	utils.WriteJSON(ctx, fasthttp.StatusCreated, student)
}

func (h *Handler) updateStudent(ctx *fasthttp.RequestCtx) {
	var input school.UpdateStudentInput
	if err := readJSON(ctx, &input); err != nil {
		h.fail(ctx, err)
		return
	}

	c, cancel := h.context()
	defer cancel()

	student, err := h.students.Update(c, queryString(ctx, "id"), input)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	utils.WriteJSON(ctx, fasthttp.StatusOK, student)
}

func (h *Handler) deleteStudent(ctx *fasthttp.RequestCtx) {
	c, cancel := h.context()
	defer cancel()

	if err := h.students.Delete(c, queryString(ctx, "id")); err != nil {
		h.fail(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// fail maps domain errors to HTTP statuses. Anything unrecognised is logged
// and reported as 500 without its message.
func (h *Handler) fail(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, types.ErrInvalidParameter):
		utils.CreateErrorResponse(ctx, fasthttp.StatusBadRequest, err.Error())
	case errors.Is(err, types.ErrUnauthorized):
		ctx.Response.Header.Set("WWW-Authenticate", `Bearer realm="sai-school"`)
		utils.CreateErrorResponse(ctx, fasthttp.StatusUnauthorized, err.Error())
	case errors.Is(err, types.ErrResourceNotFound):
		utils.CreateErrorResponse(ctx, fasthttp.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn("Request timed out", zap.ByteString("path", ctx.Path()), zap.Error(err))
		utils.CreateErrorResponse(ctx, fasthttp.StatusGatewayTimeout, "request timed out")
	default:
		h.logger.Error("Request failed",
			zap.ByteString("method", ctx.Method()),
			zap.ByteString("path", ctx.Path()),
			zap.Error(err))
		utils.CreateErrorResponse(ctx, fasthttp.StatusInternalServerError, "internal error")
	}
}

func newList[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items)}
}

func queryString(ctx *fasthttp.RequestCtx, name string) string {
	return string(ctx.QueryArgs().Peek(name))
}

func readJSON[T any](ctx *fasthttp.RequestCtx, target *T) error {
	body := ctx.PostBody()
	if len(body) == 0 {
		return types.Errorf(types.ErrInvalidParameter, "request body is empty")
	}
	if err := utils.Unmarshal(body, target); err != nil {
		return types.Errorf(types.ErrInvalidParameter, "malformed JSON body: %v", err)
	}
	return nil
}

func pagination(ctx *fasthttp.RequestCtx) (limit, offset int, err error) {
	args := ctx.QueryArgs()
	if raw := args.Peek("limit"); len(raw) > 0 {
		if limit, err = strconv.Atoi(string(raw)); err != nil {
			return 0, 0, types.Errorf(types.ErrInvalidParameter, "limit must be an integer")
		}
	}
	if raw := args.Peek("offset"); len(raw) > 0 {
		if offset, err = strconv.Atoi(string(raw)); err != nil {
			return 0, 0, types.Errorf(types.ErrInvalidParameter, "offset must be an integer")
		}
	}
	return limit, offset, nil
}
