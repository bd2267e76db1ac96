package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cisec/lockdown-agent/pkg/types"
)

var batch = []types.LogRecord{
	{StudentID: "s1", SessionID: "exam-1", Level: "INFO", Message: "NETWORK SECURED", Timestamp: 1700000000},
	{StudentID: "s1", SessionID: "exam-1", Level: "VIOLATION_APP", Message: "SUSPICIOUS APP: 'x.exe' in 'c:\\x.exe'", Timestamp: 1700000005},
	{StudentID: "s2", SessionID: "exam-2", Level: "ERROR", Message: "Lockdown failed", Timestamp: 1700000001},
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "logs", "exam.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStores(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.InsertMany(ctx, batch))

			all, err := store.Query(ctx, "", 0)
			require.NoError(t, err)
			assert.Len(t, all, 3)

			exam1, err := store.Query(ctx, "exam-1", 0)
			require.NoError(t, err)
			require.Len(t, exam1, 2)
			assert.Equal(t, batch[0], exam1[0].LogRecord)
			assert.Equal(t, time.Unix(1700000000, 0).UTC(), exam1[0].TimestampISO)

			limited, err := store.Query(ctx, "", 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exam.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.InsertMany(context.Background(), batch[:1]))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Query(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

type failingStore struct{ MemoryStore }

func (f *failingStore) InsertMany(ctx context.Context, records []types.LogRecord) error {
	return errors.New("disk full")
}

func post(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, GenericResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/logs", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp GenericResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestIngest(t *testing.T) {
	store := NewMemoryStore()
	h := NewServer(store, "Lockdown Collector", zerolog.Nop()).Router()

	payload, err := json.Marshal(batch)
	require.NoError(t, err)

	rec, resp := post(t, h, string(payload))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "ingested 3 logs", resp.Message)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	got, err := store.Query(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestIngest_EmptyBatch(t *testing.T) {
	h := NewServer(NewMemoryStore(), "Lockdown Collector", zerolog.Nop()).Router()

	rec, resp := post(t, h, "[]")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Empty batch received", resp.Message)
}

func TestIngest_Malformed(t *testing.T) {
	h := NewServer(NewMemoryStore(), "Lockdown Collector", zerolog.Nop()).Router()

	rec, resp := post(t, h, `{"not":"an array"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "error", resp.Status)
}

func TestIngest_StoreFailure(t *testing.T) {
	h := NewServer(&failingStore{}, "Lockdown Collector", zerolog.Nop()).Router()

	rec, resp := post(t, h, `[{"student_id":"s","session_id":"x","level":"INFO","message":"m","timestamp":1}]`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Message, "disk full")
}

func TestHealth(t *testing.T) {
	h := NewServer(NewMemoryStore(), "Lockdown Collector", zerolog.Nop()).Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp GenericResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, GenericResponse{Status: "success", Message: "Lockdown Collector is running"}, resp)
}

func TestQuery(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.InsertMany(context.Background(), batch))
	h := NewServer(store, "Lockdown Collector", zerolog.Nop()).Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs?session_id=exam-2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []StoredRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "s2", got[0].StudentID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
