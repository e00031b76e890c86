package database

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartpay/internal/common/payerr"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind payerr.Kind
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, payerr.KindDatabaseIntegrity},
		{"foreign key violation", &pgconn.PgError{Code: "23503"}, payerr.KindDatabaseIntegrity},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, payerr.KindDatabaseOperation},
		{"connection exception class", &pgconn.PgError{Code: "08006"}, payerr.KindDatabaseConnection},
		{"unknown sqlstate", &pgconn.PgError{Code: "XX000"}, payerr.KindDatabaseOperation},
		{"short sqlstate", &pgconn.PgError{Code: "0"}, payerr.KindDatabaseOperation},
		{"empty sqlstate", &pgconn.PgError{Code: ""}, payerr.KindDatabaseOperation},
		{"deadline exceeded", context.DeadlineExceeded, payerr.KindDatabaseConnection},
		{"plain error", errors.New("boom"), payerr.KindDatabaseOperation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("testing", tt.err)
			require.Error(t, got)
			assert.True(t, payerr.IsKind(got, tt.kind), "want kind %s, got %v", tt.kind, got)
		})
	}

	t.Run("nil passes through", func(t *testing.T) {
		assert.NoError(t, Classify("testing", nil))
	})
}
