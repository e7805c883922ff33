package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"shopchain/services/escrow-gateway/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func TestWithIdempotency(t *testing.T) {
	db := setupTestDB(t)
	calls := 0
	handler := WithIdempotency(db, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.Equal(t, "k1", KeyFromContext(r.Context()))
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"call":%d}`, calls)
	}))

	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set(HeaderIdempotencyKey, "k1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send("/v1/transactions")
	require.Equal(t, http.StatusCreated, first.Code)
	second := send("/v1/transactions")
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, `{"call":1}`, second.Body.String())
	require.Equal(t, 1, calls)

	other := send("/v1/other")
	require.Equal(t, http.StatusUnprocessableEntity, other.Code)
	require.Equal(t, 1, calls)
}

func TestWithIdempotencySkipsServerErrors(t *testing.T) {
	db := setupTestDB(t)
	calls := 0
	handler := WithIdempotency(db, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/transactions", nil)
		req.Header.Set(HeaderIdempotencyKey, "retry-me")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	require.Equal(t, 2, calls)
}
