package school

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-school/database"
	"github.com/saiset-co/sai-school/repository"
	"github.com/saiset-co/sai-school/types"
)

const termEntity = "term"

const termColumns = "id, school_id, name, start_date, end_date, status, created_at, updated_at"

// TermRepository reads terms through the look-aside cache and invalidates
// every derived key before a write returns.
type TermRepository struct {
	monitor *database.Monitor
	logger  types.Logger
	term    *repository.CacheAside[*Term]
	terms   *repository.CacheAside[[]Term]
	now     func() time.Time
}

func NewTermRepository(monitor *database.Monitor, store types.KeyValueStore, logger types.Logger, metrics types.MetricsSink, config *types.CacheConfig) *TermRepository {
	if config == nil {
		config = &types.CacheConfig{}
	}

	return &TermRepository{
		monitor: monitor,
		logger:  logger,
		term: repository.New(store, logger, metrics, repository.Options[*Term]{
			Entity:           termEntity,
			TTL:              config.DefaultTTL,
			OperationTimeout: config.OperationTimeout,
			Coalesce:         config.CoalesceLoads,
			Identity: func(t *Term) (string, bool) {
				if t == nil {
					return "", false
				}
				return t.ID, true
			},
		}),
		terms: repository.New(store, logger, metrics, repository.Options[[]Term]{
			Entity:           termEntity,
			TTL:              config.DefaultTTL,
			OperationTimeout: config.OperationTimeout,
			Coalesce:         config.CoalesceLoads,
		}),
		now: time.Now,
	}
}

func currentTermKey(schoolID string) string {
	return repository.Key(termEntity, "current", schoolID)
}

func termListPrefix(schoolID string) string {
	return repository.Key(termEntity, "list", schoolID) + ":"
}

// GetCurrent returns the active term of a school.
func (r *TermRepository) GetCurrent(ctx context.Context, schoolID string) (*Term, error) {
	if schoolID == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "school id is required")
	}

	return r.term.WithCache(ctx, currentTermKey(schoolID), "getCurrentTerm", func(ctx context.Context) (*Term, error) {
		term, err := database.Query(ctx, r.monitor, "getCurrentTerm", termEntity, func(ctx context.Context, q database.Querier) (*Term, error) {
			row := q.QueryRowContext(ctx, r.monitor.Rebind(
				"SELECT "+termColumns+" FROM terms WHERE school_id = ? AND status = ? ORDER BY start_date DESC LIMIT 1"),
				schoolID, TermActive)
			return scanTerm(row)
		})
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.Errorf(types.ErrResourceNotFound, "no active term for school %s", schoolID)
		}
		return term, err
	})
}

func (r *TermRepository) GetByID(ctx context.Context, id string) (*Term, error) {
	if id == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "term id is required")
	}

	return r.term.WithCache(ctx, repository.IdentityKey(termEntity, id), "getTermById", func(ctx context.Context) (*Term, error) {
		term, err := database.Query(ctx, r.monitor, "getTermById", termEntity, func(ctx context.Context, q database.Querier) (*Term, error) {
			row := q.QueryRowContext(ctx, r.monitor.Rebind("SELECT "+termColumns+" FROM terms WHERE id = ?"), id)
			return scanTerm(row)
		})
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.Errorf(types.ErrResourceNotFound, "term %s", id)
		}
		return term, err
	})
}

func (r *TermRepository) List(ctx context.Context, schoolID string, options TermListOptions) ([]Term, error) {
	if schoolID == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "school id is required")
	}
	if err := Validate(options); err != nil {
		return nil, err
	}
	options.Limit = pageSize(options.Limit)

	key, err := repository.OptionsKey(termEntity, "list", schoolID, options)
	if err != nil {
		return nil, err
	}

	return r.terms.WithCache(ctx, key, "listTerms", func(ctx context.Context) ([]Term, error) {
		return database.Query(ctx, r.monitor, "listTerms", termEntity, func(ctx context.Context, q database.Querier) ([]Term, error) {
			query := "SELECT " + termColumns + " FROM terms WHERE school_id = ?"
			args := []any{schoolID}
			if options.Status != "" {
				query += " AND status = ?"
				args = append(args, options.Status)
			}
			query += " ORDER BY start_date DESC, id LIMIT ? OFFSET ?"
			args = append(args, options.Limit, options.Offset)

			rows, err := q.QueryContext(ctx, r.monitor.Rebind(query), args...)
			if err != nil {
				return nil, err
			}
			defer rows.Close()

			var terms []Term
			for rows.Next() {
				term, err := scanTerm(rows)
				if err != nil {
					return nil, err
				}
				terms = append(terms, *term)
			}
			return terms, rows.Err()
		})
	})
}

// Create inserts an inactive term.
func (r *TermRepository) Create(ctx context.Context, input CreateTermInput) (*Term, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	term := &Term{
		ID:        uuid.NewString(),
		SchoolID:  input.SchoolID,
		Name:      strings.TrimSpace(input.Name),
		StartDate: input.StartDate,
		EndDate:   input.EndDate,
		Status:    TermInactive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := r.monitor.Exec(ctx, "createTerm", termEntity, func(ctx context.Context, q database.Querier) error {
		_, err := q.ExecContext(ctx, r.monitor.Rebind(
			"INSERT INTO terms ("+termColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)"),
			term.ID, term.SchoolID, term.Name, term.StartDate, term.EndDate, term.Status, term.CreatedAt, term.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.terms.InvalidatePrefix(ctx, termListPrefix(term.SchoolID))

	return term, nil
}

// Activate makes termID the only active term of its school.
func (r *TermRepository) Activate(ctx context.Context, schoolID, termID string) (*Term, error) {
	if schoolID == "" || termID == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "school id and term id are required")
	}

	type activation struct {
		term        *Term
		deactivated []string
	}

	result, err := database.Transaction(ctx, r.monitor, "activateTerm", termEntity, func(ctx context.Context, tx *sql.Tx) (activation, error) {
		var out activation

		rows, err := tx.QueryContext(ctx, r.monitor.Rebind(
			"SELECT id FROM terms WHERE school_id = ? AND status = ? AND id <> ?"), schoolID, TermActive, termID)
		if err != nil {
			return out, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return out, err
			}
			out.deactivated = append(out.deactivated, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return out, err
		}

		now := r.now().UTC()

		if _, err := tx.ExecContext(ctx, r.monitor.Rebind(
			"UPDATE terms SET status = ?, updated_at = ? WHERE school_id = ? AND status = ? AND id <> ?"),
			TermInactive, now, schoolID, TermActive, termID); err != nil {
			return out, err
		}

		res, err := tx.ExecContext(ctx, r.monitor.Rebind(
			"UPDATE terms SET status = ?, updated_at = ? WHERE id = ? AND school_id = ?"),
			TermActive, now, termID, schoolID)
		if err != nil {
			return out, err
		}
		if affected, err := res.RowsAffected(); err != nil {
			return out, err
		} else if affected == 0 {
			return out, types.Errorf(types.ErrResourceNotFound, "term %s in school %s", termID, schoolID)
		}

		out.term, err = scanTerm(tx.QueryRowContext(ctx, r.monitor.Rebind("SELECT "+termColumns+" FROM terms WHERE id = ?"), termID))
		return out, err
	})
	if err != nil {
		return nil, err
	}

	keys := []string{currentTermKey(schoolID), repository.IdentityKey(termEntity, termID)}
	for _, id := range result.deactivated {
		keys = append(keys, repository.IdentityKey(termEntity, id))
	}
	r.term.Invalidate(ctx, keys...)
	r.terms.InvalidatePrefix(ctx, termListPrefix(schoolID))

	r.logger.Info("Term activated",
		zap.String("school_id", schoolID),
		zap.String("term_id", termID),
		zap.Strings("deactivated", result.deactivated))

	return result.term, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTerm(row scanner) (*Term, error) {
	var t Term
	if err := row.Scan(&t.ID, &t.SchoolID, &t.Name, &t.StartDate, &t.EndDate, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
