package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TNLegend/SMIA/internal/domain"
	"github.com/TNLegend/SMIA/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.RunRepository      = (*Repository)(nil)
	_ repository.ArtifactRepository = (*Repository)(nil)
	_ repository.DatasetRepository  = (*Repository)(nil)
	_ repository.ProjectRepository  = (*Repository)(nil)
)

type rowScanner interface {
	Scan(dest ...any) error
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23514", "22P02", "23505":
			return fmt.Errorf("%w: %s", repository.ErrInvalidArgument, pgErr.Message)
		}
	}
	return err
}

func valueToJSON(v domain.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return data, nil
}

func jsonToValue(data []byte) (domain.Value, error) {
	if len(data) == 0 {
		return domain.Null(), nil
	}
	v, err := domain.ParseValue(data)
	if err != nil {
		return domain.Value{}, fmt.Errorf("decode json column: %w", err)
	}
	return v, nil
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
