package srvreg

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/supplysphere/node/repository"
)

func TestStatusForCode(t *testing.T) {
	cases := map[string]int{
		repository.ErrCodeUnauthorized:          http.StatusForbidden,
		repository.ErrCodeNotFound:              http.StatusNotFound,
		repository.ErrCodeAlreadyFunded:         http.StatusConflict,
		repository.ErrCodeOutOfOrder:            http.StatusConflict,
		repository.ErrCodeInvalidState:          http.StatusConflict,
		repository.ErrCodeInsufficientBalance:   http.StatusPaymentRequired,
		repository.ErrCodeInsufficientAllowance: http.StatusPaymentRequired,
		repository.ErrCodeUnknownToken:          http.StatusBadRequest,
		repository.ErrCodeBadRequest:            http.StatusBadRequest,
		repository.PgErrForeignKeyViolation:     http.StatusBadRequest,
		repository.PgErrUniqueViolation:         http.StatusConflict,
		repository.ErrCodeDatabase:              http.StatusInternalServerError,
		"SOMETHING_ELSE":                        http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusForCode(code), "code %s", code)
	}
}

func TestPathID(t *testing.T) {
	id, ok := pathID("/catalog/products/42", 4, 3)
	assert.True(t, ok)
	assert.Equal(t, uint(42), id)

	_, ok = pathID("/catalog/products/abc", 4, 3)
	assert.False(t, ok)

	_, ok = pathID("/catalog/products", 4, 3)
	assert.False(t, ok)

	id, ok = pathID("/chains/7", 3, 2)
	assert.True(t, ok)
	assert.Equal(t, uint(7), id)
}

func TestErrorResponseShape(t *testing.T) {
	resp, err := errorResponse(&repository.RepositoryError{
		Code:    repository.ErrCodeNotFound,
		Message: "Product does not exist",
		Detail:  "Product with id 9 does not exist",
	})
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{
		"error": "Product does not exist",
		"code": "ENTITY_NOT_FOUND",
		"detail": "Product with id 9 does not exist"
	}`, resp.Body)
}
