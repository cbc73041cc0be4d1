package school

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-school/database"
	"github.com/saiset-co/sai-school/kvstore"
	"github.com/saiset-co/sai-school/logger"
	"github.com/saiset-co/sai-school/metrics"
	"github.com/saiset-co/sai-school/types"
)

type fixture struct {
	store    *kvstore.MemoryStore
	sink     *metrics.MemoryBackend
	terms    *TermRepository
	students *StudentRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := sql.Open(database.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(context.Background(), db))
	require.NoError(t, Migrate(context.Background(), db), "migrations are idempotent")

	log := logger.NewNop()
	sink := metrics.NewMemoryBackend()
	store := kvstore.NewMemoryStore(log)
	monitor := database.NewMonitor(db, &types.DatabaseConfig{Driver: database.DriverSQLite, QueryTimeout: 2 * time.Second}, log, sink)
	cacheConfig := &types.CacheConfig{DefaultTTL: time.Minute}

	now := func() time.Time { return time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC) }

	terms := NewTermRepository(monitor, store, log, sink, cacheConfig)
	terms.now = now
	students := NewStudentRepository(monitor, store, log, sink, cacheConfig)
	students.now = now

	return &fixture{store: store, sink: sink, terms: terms, students: students}
}

func (f *fixture) createTerm(t *testing.T, schoolID, name, start, end string) *Term {
	t.Helper()
	term, err := f.terms.Create(context.Background(), CreateTermInput{SchoolID: schoolID, Name: name, StartDate: start, EndDate: end})
	require.NoError(t, err)
	return term
}

func (f *fixture) cached(t *testing.T, key string) bool {
	t.Helper()
	_, ok, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func TestGetCurrentTermIsCachedUntilActivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	autumn := f.createTerm(t, "school-1", "Autumn", "2024-09-01", "2024-12-20")
	spring := f.createTerm(t, "school-1", "Spring", "2025-01-10", "2025-05-30")

	_, err := f.terms.Activate(ctx, "school-1", autumn.ID)
	require.NoError(t, err)

	current, err := f.terms.GetCurrent(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, autumn.ID, current.ID)
	assert.Equal(t, TermActive, current.Status)
	assert.True(t, f.cached(t, "term:current:school-1"))
	assert.True(t, f.cached(t, "term:info:"+autumn.ID), "identity entry written alongside")

	again, err := f.terms.GetCurrent(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, autumn.ID, again.ID)
	assert.Equal(t, 1.0, f.sink.Counter("cache_hit", "key:term:current"))

	activated, err := f.terms.Activate(ctx, "school-1", spring.ID)
	require.NoError(t, err)
	assert.Equal(t, TermActive, activated.Status)
	assert.False(t, f.cached(t, "term:current:school-1"))
	assert.False(t, f.cached(t, "term:info:"+autumn.ID))

	current, err = f.terms.GetCurrent(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, spring.ID, current.ID)

	previous, err := f.terms.GetByID(ctx, autumn.ID)
	require.NoError(t, err)
	assert.Equal(t, TermInactive, previous.Status)
}

func TestGetCurrentTermNotFoundIsNotCached(t *testing.T) {
	f := newFixture(t)

	_, err := f.terms.GetCurrent(context.Background(), "school-1")
	assert.ErrorIs(t, err, types.ErrResourceNotFound)
	assert.Zero(t, f.store.Len())
	assert.Equal(t, 1.0, f.sink.Counter("cache_load_errors", "operation:getCurrentTerm", "entity:term"))

	_, err = f.terms.GetCurrent(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestActivateUnknownTermRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	autumn := f.createTerm(t, "school-1", "Autumn", "2024-09-01", "2024-12-20")
	_, err := f.terms.Activate(ctx, "school-1", autumn.ID)
	require.NoError(t, err)

	_, err = f.terms.Activate(ctx, "school-1", "missing")
	assert.ErrorIs(t, err, types.ErrResourceNotFound)

	current, err := f.terms.GetCurrent(ctx, "school-1")
	require.NoError(t, err)
	assert.Equal(t, autumn.ID, current.ID)

	_, err = f.terms.Activate(ctx, "school-2", autumn.ID)
	assert.ErrorIs(t, err, types.ErrResourceNotFound, "term belongs to another school")
}

func TestListTermsInvalidatedByCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createTerm(t, "school-1", "Autumn", "2024-09-01", "2024-12-20")

	all, err := f.terms.List(ctx, "school-1", TermListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 1)

	active, err := f.terms.List(ctx, "school-1", TermListOptions{Status: TermActive})
	require.NoError(t, err)
	assert.Empty(t, active)

	f.createTerm(t, "school-1", "Spring", "2025-01-10", "2025-05-30")

	all, err = f.terms.List(ctx, "school-1", TermListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Spring", all[0].Name)

	page, err := f.terms.List(ctx, "school-1", TermListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "Autumn", page[0].Name)

	other, err := f.terms.List(ctx, "school-2", TermListOptions{})
	require.NoError(t, err)
	assert.Empty(t, other)

	_, err = f.terms.List(ctx, "school-1", TermListOptions{Status: "ARCHIVED"})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestCreateTermValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input CreateTermInput
	}{
		{"missing school", CreateTermInput{Name: "Autumn", StartDate: "2024-09-01", EndDate: "2024-12-20"}},
		{"bad date", CreateTermInput{SchoolID: "s", Name: "Autumn", StartDate: "01/09/2024", EndDate: "2024-12-20"}},
		{"end before start", CreateTermInput{SchoolID: "s", Name: "Autumn", StartDate: "2024-12-20", EndDate: "2024-09-01"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.terms.Create(ctx, tt.input)
			assert.ErrorIs(t, err, types.ErrInvalidParameter)
		})
	}
}

func TestStudentLifecycleInvalidatesCaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ada, err := f.students.Create(ctx, CreateStudentInput{SchoolID: "school-1", ClassID: "5a", FirstName: "Ada", LastName: "Lovelace", Email: "Ada@Example.com"})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", ada.Email)
	assert.Equal(t, StudentEnrolled, ada.Status)

	classA, err := f.students.ListByClass(ctx, "5a", StudentListOptions{})
	require.NoError(t, err)
	require.Len(t, classA, 1)

	got, err := f.students.GetByID(ctx, ada.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.FirstName)
	assert.True(t, f.cached(t, "student:info:"+ada.ID))

	classB, err := f.students.ListByClass(ctx, "5b", StudentListOptions{})
	require.NoError(t, err)
	assert.Empty(t, classB)

	newClass, newName := "5b", "Augusta"
	updated, err := f.students.Update(ctx, ada.ID, UpdateStudentInput{ClassID: &newClass, FirstName: &newName})
	require.NoError(t, err)
	assert.Equal(t, "5b", updated.ClassID)
	assert.False(t, f.cached(t, "student:info:"+ada.ID))

	got, err = f.students.GetByID(ctx, ada.ID)
	require.NoError(t, err)
	assert.Equal(t, "Augusta", got.FirstName)

	classA, err = f.students.ListByClass(ctx, "5a", StudentListOptions{})
	require.NoError(t, err)
	assert.Empty(t, classA)

	classB, err = f.students.ListByClass(ctx, "5b", StudentListOptions{})
	require.NoError(t, err)
	require.Len(t, classB, 1)

	require.NoError(t, f.students.Delete(ctx, ada.ID))

	_, err = f.students.GetByID(ctx, ada.ID)
	assert.ErrorIs(t, err, types.ErrResourceNotFound)

	classB, err = f.students.ListByClass(ctx, "5b", StudentListOptions{})
	require.NoError(t, err)
	assert.Empty(t, classB)
}

func TestStudentNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	name := "Grace"
	_, err := f.students.Update(ctx, "missing", UpdateStudentInput{FirstName: &name})
	assert.ErrorIs(t, err, types.ErrResourceNotFound)

	err = f.students.Delete(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrResourceNotFound)
	assert.Equal(t, 1.0, f.sink.Counter("db_query_errors", "operation:deleteStudent", "entity:student", "kind:not_found"))

	_, err = f.students.Create(ctx, CreateStudentInput{SchoolID: "s", ClassID: "5a", FirstName: "Grace", LastName: "Hopper", Email: "not-an-email"})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}
