package repository

import (
	"errors"
	"strings"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	ErrAccountNotFound         = errors.New("account not found")
	ErrOptimisticLock          = errors.New("account was modified concurrently")
	ErrOrderNotFound           = errors.New("order not found")
	ErrOrderStatusInvalid      = errors.New("order status is not valid for this update")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	ErrDuplicateOrderNo        = errors.New("order number already used")
)

const (
	mysqlDuplicateEntry     = 1062
	postgresUniqueViolation = "23505"
)

// isDuplicateKey reports whether err is a unique constraint violation from any
// of the supported databases. gorm translates most of them when
// TranslateError is on; the driver checks cover connections opened without it.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == postgresUniqueViolation {
		return true
	}
	// sqlite
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func pageOffset(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return (page - 1) * pageSize, pageSize
}
