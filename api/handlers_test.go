package api

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-school/logger"
	"github.com/saiset-co/sai-school/middleware"
	"github.com/saiset-co/sai-school/school"
	"github.com/saiset-co/sai-school/server"
	"github.com/saiset-co/sai-school/types"
	"github.com/saiset-co/sai-school/utils"
)

type fakeTerms struct {
	current   map[string]*school.Term
	terms     map[string]*school.Term
	listed    school.TermListOptions
	activated [2]string
	err       error
}

func (f *fakeTerms) GetCurrent(_ context.Context, schoolID string) (*school.Term, error) {
	if f.err != nil {
		return nil, f.err
	}
	if term, ok := f.current[schoolID]; ok {
		return term, nil
	}
	return nil, types.Errorf(types.ErrResourceNotFound, "no active term for school %s", schoolID)
}

func (f *fakeTerms) GetByID(_ context.Context, id string) (*school.Term, error) {
	if term, ok := f.terms[id]; ok {
		return term, nil
	}
	return nil, types.Errorf(types.ErrResourceNotFound, "term %s", id)
}

func (f *fakeTerms) List(_ context.Context, _ string, options school.TermListOptions) ([]school.Term, error) {
	f.listed = options
	return nil, f.err
}

func (f *fakeTerms) Create(_ context.Context, input school.CreateTermInput) (*school.Term, error) {
	if input.SchoolID == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "school id is required")
	}
	return &school.Term{ID: "t-new", SchoolID: input.SchoolID, Name: input.Name, Status: school.TermInactive}, nil
}

func (f *fakeTerms) Activate(_ context.Context, schoolID, termID string) (*school.Term, error) {
	f.activated = [2]string{schoolID, termID}
	return &school.Term{ID: termID, SchoolID: schoolID, Status: school.TermActive}, nil
}

type fakeStudents struct {
	deleted string
	updated school.UpdateStudentInput
}

func (f *fakeStudents) GetByID(_ context.Context, id string) (*school.Student, error) {
	return &school.Student{ID: id, FirstName: "Ada"}, nil
}

func (f *fakeStudents) ListByClass(_ context.Context, classID string, _ school.StudentListOptions) ([]school.Student, error) {
	return []school.Student{{ID: "s1", ClassID: classID}}, nil
}

func (f *fakeStudents) Create(_ context.Context, input school.CreateStudentInput) (*school.Student, error) {
	return &school.Student{ID: "s-new", ClassID: input.ClassID}, nil
}

func (f *fakeStudents) Update(_ context.Context, id string, input school.UpdateStudentInput) (*school.Student, error) {
	f.updated = input
	return &school.Student{ID: id}, nil
}

func (f *fakeStudents) Delete(_ context.Context, id string) error {
	f.deleted = id
	return nil
}

func newTestRouter(terms *fakeTerms, students *fakeStudents) *server.Router {
	authenticator, _ := middleware.NewTokenAuthenticator(&types.AuthConfig{
		Tokens: map[string]string{"registrar": "reg-secret"},
	})

	router := server.NewRouter()
	NewHandler(terms, students, authenticator, logger.NewNop()).Register(router)
	return router
}

func call(t *testing.T, router *server.Router, method, uri, body string) *fasthttp.RequestCtx {
	t.Helper()

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if body != "" {
		ctx.Request.SetBodyString(body)
	}

	route, _ := router.Lookup(method, string(ctx.Path()))
	require.NotNil(t, route, "%s %s is not registered", method, uri)
	route.Handler(ctx)

	return ctx
}

func decodeError(t *testing.T, ctx *fasthttp.RequestCtx) utils.ErrorBody {
	t.Helper()
	var body utils.ErrorBody
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &body))
	return body
}

func TestRoutesRegistered(t *testing.T) {
	router := newTestRouter(&fakeTerms{}, &fakeStudents{})
	routes := router.GetAllRoutes()

	for _, key := range []string{
		"GET /api/terms",
		"GET /api/terms/current",
		"GET /api/terms/get",
		"POST /api/terms",
		"POST /api/terms/activate",
		"GET /api/students",
		"GET /api/students/get",
		"POST /api/students",
		"PUT /api/students",
		"DELETE /api/students",
		"POST /api/auth/verify",
	} {
		assert.Contains(t, routes, key)
	}

	assert.Equal(t, []string{middleware.RateLimitStrictName}, routes["POST /api/terms/activate"].Config.Middlewares)
	assert.Empty(t, routes["GET /api/terms/current"].Config.Middlewares)

	verify := routes["POST /api/auth/verify"].Config
	assert.Equal(t, []string{middleware.RateLimitAuthName}, verify.Middlewares)
	assert.Equal(t, []string{middleware.AuthName}, verify.DisabledMiddlewares)
}

func TestVerifyToken(t *testing.T) {
	router := newTestRouter(&fakeTerms{}, &fakeStudents{})

	ctx := call(t, router, "POST", "/api/auth/verify", "")
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())
	assert.Equal(t, "Unauthorized", decodeError(t, ctx).Error)
	assert.NotEmpty(t, ctx.Response.Header.Peek("WWW-Authenticate"))

	ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetRequestURI("/api/auth/verify")
	ctx.Request.Header.Set("Authorization", "Bearer reg-secret")

	route, _ := router.Lookup(fasthttp.MethodPost, "/api/auth/verify")
	require.NotNil(t, route)
	route.Handler(ctx)

	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var body verifyResponse
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &body))
	assert.Equal(t, "registrar", body.Subject)
}

func TestCurrentTerm(t *testing.T) {
	terms := &fakeTerms{current: map[string]*school.Term{
		"school-1": {ID: "t1", SchoolID: "school-1", Status: school.TermActive},
	}}
	router := newTestRouter(terms, &fakeStudents{})

	ctx := call(t, router, "GET", "/api/terms/current?school_id=school-1", "")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var term school.Term
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &term))
	assert.Equal(t, "t1", term.ID)
	assert.Equal(t, school.TermActive, term.Status)

	ctx = call(t, router, "GET", "/api/terms/current?school_id=school-2", "")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
	assert.Equal(t, "Not Found", decodeError(t, ctx).Error)
}

func TestErrorMapping(t *testing.T) {
	terms := &fakeTerms{err: errors.New("connection reset by peer")}
	router := newTestRouter(terms, &fakeStudents{})

	ctx := call(t, router, "GET", "/api/terms/current?school_id=school-1", "")
	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
	assert.Equal(t, "internal error", decodeError(t, ctx).Message)

	terms.err = context.DeadlineExceeded
	ctx = call(t, router, "GET", "/api/terms?school_id=school-1", "")
	assert.Equal(t, fasthttp.StatusGatewayTimeout, ctx.Response.StatusCode())

	ctx = call(t, router, "GET", "/api/terms?school_id=school-1&limit=ten", "")
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = call(t, router, "POST", "/api/terms", "{not json")
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = call(t, router, "POST", "/api/terms", "")
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestListTermsPassesOptions(t *testing.T) {
	terms := &fakeTerms{}
	router := newTestRouter(terms, &fakeStudents{})

	ctx := call(t, router, "GET", "/api/terms?school_id=school-1&status=ACTIVE&limit=5&offset=10", "")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, school.TermListOptions{Status: "ACTIVE", Limit: 5, Offset: 10}, terms.listed)
	assert.JSONEq(t, `{"items":[],"count":0}`, string(ctx.Response.Body()))
}

func TestCreateAndActivateTerm(t *testing.T) {
	terms := &fakeTerms{}
	router := newTestRouter(terms, &fakeStudents{})

	ctx := call(t, router, "POST", "/api/terms", `{"school_id":"school-1","name":"Autumn","start_date":"2024-09-01","end_date":"2024-12-20"}`)
	require.Equal(t, fasthttp.StatusCreated, ctx.Response.StatusCode())

	ctx = call(t, router, "POST", "/api/terms/activate", `{"school_id":"school-1"}`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = call(t, router, "POST", "/api/terms/activate", `{"school_id":"school-1","term_id":"t2"}`)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, [2]string{"school-1", "t2"}, terms.activated)
}

func TestStudentRoutes(t *testing.T) {
	students := &fakeStudents{}
	router := newTestRouter(&fakeTerms{}, students)

	ctx := call(t, router, "GET", "/api/students?class_id=5a", "")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), `"count":1`)

	ctx = call(t, router, "POST", "/api/students", `{"school_id":"s","class_id":"5a","first_name":"Ada","last_name":"Lovelace"}`)
	assert.Equal(t, fasthttp.StatusCreated, ctx.Response.StatusCode())

	ctx = call(t, router, "PUT", "/api/students?id=s1", `{"first_name":"Augusta"}`)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	require.NotNil(t, students.updated.FirstName)
	assert.Equal(t, "Augusta", *students.updated.FirstName)
	assert.Nil(t, students.updated.ClassID)

	ctx = call(t, router, "DELETE", "/api/students?id=s1", "")
	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())
	assert.Equal(t, "s1", students.deleted)
}
