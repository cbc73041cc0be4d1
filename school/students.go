package school

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/saiset-co/sai-school/database"
	"github.com/saiset-co/sai-school/repository"
	"github.com/saiset-co/sai-school/types"
)

const studentEntity = "student"

const studentColumns = "id, school_id, class_id, first_name, last_name, email, status, created_at, updated_at"

type StudentRepository struct {
	monitor  *database.Monitor
	student  *repository.CacheAside[*Student]
	students *repository.CacheAside[[]Student]
	now      func() time.Time
}

func NewStudentRepository(monitor *database.Monitor, store types.KeyValueStore, logger types.Logger, metrics types.MetricsSink, config *types.CacheConfig) *StudentRepository {
	if config == nil {
		config = &types.CacheConfig{}
	}

	return &StudentRepository{
		monitor: monitor,
		student: repository.New(store, logger, metrics, repository.Options[*Student]{
			Entity:           studentEntity,
			TTL:              config.DefaultTTL,
			OperationTimeout: config.OperationTimeout,
			Coalesce:         config.CoalesceLoads,
		}),
		students: repository.New(store, logger, metrics, repository.Options[[]Student]{
			Entity:           studentEntity,
			TTL:              config.DefaultTTL,
			OperationTimeout: config.OperationTimeout,
			Coalesce:         config.CoalesceLoads,
		}),
		now: time.Now,
	}
}

func classListPrefix(classID string) string {
	return repository.Key(studentEntity, "class", classID) + ":"
}

func (r *StudentRepository) GetByID(ctx context.Context, id string) (*Student, error) {
	if id == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "student id is required")
	}

	return r.student.WithCache(ctx, repository.IdentityKey(studentEntity, id), "getStudentById", func(ctx context.Context) (*Student, error) {
		student, err := database.Query(ctx, r.monitor, "getStudentById", studentEntity, func(ctx context.Context, q database.Querier) (*Student, error) {
			return r.selectByID(ctx, q, id)
		})
		return student, studentNotFound(err, id)
	})
}

func (r *StudentRepository) ListByClass(ctx context.Context, classID string, options StudentListOptions) ([]Student, error) {
	if classID == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "class id is required")
	}
	if err := Validate(options); err != nil {
		return nil, err
	}
	options.Limit = pageSize(options.Limit)

	key, err := repository.OptionsKey(studentEntity, "class", classID, options)
	if err != nil {
		return nil, err
	}

	return r.students.WithCache(ctx, key, "listStudentsByClass", func(ctx context.Context) ([]Student, error) {
		return database.Query(ctx, r.monitor, "listStudentsByClass", studentEntity, func(ctx context.Context, q database.Querier) ([]Student, error) {
			query := "SELECT " + studentColumns + " FROM students WHERE class_id = ?"
			args := []any{classID}
			if options.Status != "" {
				query += " AND status = ?"
				args = append(args, options.Status)
			}
			query += " ORDER BY last_name, first_name, id LIMIT ? OFFSET ?"
			args = append(args, options.Limit, options.Offset)

			rows, err := q.QueryContext(ctx, r.monitor.Rebind(query), args...)
			if err != nil {
				return nil, err
			}
			defer rows.Close()

			var students []Student
			for rows.Next() {
				student, err := scanStudent(rows)
				if err != nil {
					return nil, err
				}
				students = append(students, *student)
			}
			return students, rows.Err()
		})
	})
}

func (r *StudentRepository) Create(ctx context.Context, input CreateStudentInput) (*Student, error) {
	if err := Validate(input); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	student := &Student{
		ID:        uuid.NewString(),
		SchoolID:  input.SchoolID,
		ClassID:   input.ClassID,
		FirstName: strings.TrimSpace(input.FirstName),
		LastName:  strings.TrimSpace(input.LastName),
		Email:     strings.ToLower(strings.TrimSpace(input.Email)),
		Status:    StudentEnrolled,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := r.monitor.Exec(ctx, "createStudent", studentEntity, func(ctx context.Context, q database.Querier) error {
		_, err := q.ExecContext(ctx, r.monitor.Rebind(
			"INSERT INTO students ("+studentColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"),
			student.ID, student.SchoolID, student.ClassID, student.FirstName, student.LastName,
			student.Email, student.Status, student.CreatedAt, student.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.students.InvalidatePrefix(ctx, classListPrefix(student.ClassID))

	return student, nil
}

// Update applies the set fields of input. Moving a student between classes
// invalidates the lists of both classes.
func (r *StudentRepository) Update(ctx context.Context, id string, input UpdateStudentInput) (*Student, error) {
	if id == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "student id is required")
	}
	if err := Validate(input); err != nil {
		return nil, err
	}

	type change struct {
		before *Student
		after  *Student
	}

	result, err := database.Transaction(ctx, r.monitor, "updateStudent", studentEntity, func(ctx context.Context, tx *sql.Tx) (change, error) {
		before, err := r.selectByID(ctx, tx, id)
		if err != nil {
			return change{}, studentNotFound(err, id)
		}

		after := *before
		if input.ClassID != nil {
			after.ClassID = *input.ClassID
		}
		if input.FirstName != nil {
			after.FirstName = strings.TrimSpace(*input.FirstName)
		}
		if input.LastName != nil {
			after.LastName = strings.TrimSpace(*input.LastName)
		}
		if input.Email != nil {
			after.Email = strings.ToLower(strings.TrimSpace(*input.Email))
		}
		if input.Status != nil {
			after.Status = *input.Status
		}
		after.UpdatedAt = r.now().UTC()

		_, err = tx.ExecContext(ctx, r.monitor.Rebind(
			"UPDATE students SET class_id = ?, first_name = ?, last_name = ?, email = ?, status = ?, updated_at = ? WHERE id = ?"),
			after.ClassID, after.FirstName, after.LastName, after.Email, after.Status, after.UpdatedAt, id)
		if err != nil {
			return change{}, err
		}

		return change{before: before, after: &after}, nil
	})
	if err != nil {
		return nil, err
	}

	r.student.Invalidate(ctx, repository.IdentityKey(studentEntity, id))
	r.students.InvalidatePrefix(ctx, classListPrefix(result.before.ClassID))
	if result.after.ClassID != result.before.ClassID {
		r.students.InvalidatePrefix(ctx, classListPrefix(result.after.ClassID))
	}

	return result.after, nil
}

func (r *StudentRepository) Delete(ctx context.Context, id string) error {
	if id == "" {
		return types.Errorf(types.ErrInvalidParameter, "student id is required")
	}

	deleted, err := database.Transaction(ctx, r.monitor, "deleteStudent", studentEntity, func(ctx context.Context, tx *sql.Tx) (*Student, error) {
		student, err := r.selectByID(ctx, tx, id)
		if err != nil {
			return nil, studentNotFound(err, id)
		}
		if _, err := tx.ExecContext(ctx, r.monitor.Rebind("DELETE FROM students WHERE id = ?"), id); err != nil {
			return nil, err
		}
		return student, nil
	})
	if err != nil {
		return err
	}

	r.student.Invalidate(ctx, repository.IdentityKey(studentEntity, id))
	r.students.InvalidatePrefix(ctx, classListPrefix(deleted.ClassID))

	return nil
}

func (r *StudentRepository) selectByID(ctx context.Context, q database.Querier, id string) (*Student, error) {
	return scanStudent(q.QueryRowContext(ctx, r.monitor.Rebind("SELECT "+studentColumns+" FROM students WHERE id = ?"), id))
}

func studentNotFound(err error, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return types.Errorf(types.ErrResourceNotFound, "student %s", id)
	}
	return err
}

func scanStudent(row scanner) (*Student, error) {
	var s Student
	if err := row.Scan(&s.ID, &s.SchoolID, &s.ClassID, &s.FirstName, &s.LastName, &s.Email, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}
