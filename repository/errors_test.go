package repository

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/supplysphere/node/ledger"
	"github.com/supplysphere/node/repository/models"
)

func TestFlowErrorMapping(t *testing.T) {
	cases := []struct {
		err      error
		wantCode string
	}{
		{models.ErrUnauthorized, ErrCodeUnauthorized},
		{models.ErrAlreadyFunded, ErrCodeAlreadyFunded},
		{models.ErrChainNotFunded, ErrCodeInvalidState},
		{models.ErrOutOfOrder, ErrCodeOutOfOrder},
		{ledger.ErrInsufficientBalance, ErrCodeInsufficientBalance},
		{ledger.ErrInsufficientAllowance, ErrCodeInsufficientAllowance},
		{errors.New("something else"), ErrCodeDatabase},
	}
	for _, tc := range cases {
		repoErr := flowError(tc.err, "chain 1 step 0")
		assert.Equal(t, tc.wantCode, repoErr.Code, "error %v", tc.err)
		assert.Equal(t, "chain 1 step 0", repoErr.Detail)
	}
}

func TestRepoErrorKeepsPgCode(t *testing.T) {
	pgErr := &pgconn.PgError{
		Code:    PgErrUniqueViolation,
		Message: "duplicate key value violates unique constraint",
		Detail:  "Key (chain_id)=(1) already exists.",
	}
	repoErr := repoError(pgErr)
	assert.Equal(t, PgErrUniqueViolation, repoErr.Code)
	assert.Equal(t, pgErr.Message, repoErr.Message)
	assert.Equal(t, pgErr.Detail, repoErr.Detail)
}

func TestRepoErrorFallsBackToDatabaseCode(t *testing.T) {
	repoErr := repoError(errors.New("connection reset"))
	assert.Equal(t, ErrCodeDatabase, repoErr.Code)
	assert.Equal(t, "connection reset", repoErr.Detail)
}

func TestNotFound(t *testing.T) {
	repoErr := notFound("Supply chain", 9)
	assert.Equal(t, ErrCodeNotFound, repoErr.Code)
	assert.Contains(t, repoErr.Detail, "Supply chain with id 9")
}
