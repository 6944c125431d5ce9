package sqlxrepos

import (
	"database/sql"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/clearance/core"
)

const uniqueViolation = "23505"

type repository struct {
	db *sqlx.DB
}

// ext returns the caller's transaction if any, the pool otherwise.
func (repo repository) ext(exec []core.DBExecutor) sqlx.ExtContext {
	if len(exec) > 0 && exec[0] != nil {
		if ext, ok := exec[0].(sqlx.ExtContext); ok {
			return ext
		}
	}
	return repo.db
}

// trapNoRowsErr maps psql "no rows" err to `notFound`
func trapNoRowsErr(err error, notFound error, msg string) error {
	if errors.Cause(err) == sql.ErrNoRows {
		return notFound
	}
	return errors.Wrap(err, msg)
}

func isUniqueViolation(err error) bool {
	pqErr, ok := errors.Cause(err).(*pq.Error)
	return ok && pqErr.Code == uniqueViolation
}

func orderBy(ordering []core.DBOrdering, allowed map[string]string, fallback string) string {
	list := make([]string, 0, len(ordering))
	for _, ord := range ordering {
		if expr, ok := allowed[ord.Field]; ok {
			list = append(list, core.DBOrdering{Field: expr, Ascending: ord.Ascending}.String())
		}
	}
	if len(list) == 0 {
		return fallback
	}
	return strings.Join(list, ", ")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes `s` match literally inside a LIKE pattern.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func stringArray[T ~string](vals []T) pq.StringArray {
	arr := make(pq.StringArray, len(vals))
	for i, v := range vals {
		arr[i] = string(v)
	}
	return arr
}
