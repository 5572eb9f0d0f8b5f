package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*memoryRepo, http.Handler) {
	t.Helper()
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil, nil, nil)
	h := NewHandler(nil, svc)
	r := chi.NewRouter()
	h.MountRoutes(r)
	return repo, r
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func receiveBody() map[string]any {
	return map[string]any{
		"product_id":     101,
		"size":           "US 9",
		"condition":      "NEW",
		"unit_cost":      80.0,
		"quantity":       5,
		"vendor":         "Acme Supply",
		"payment_method": "WIRE",
	}
}

func TestHandlerReceiveStock(t *testing.T) {
	_, handler := newTestHandler(t)

	rec := postJSON(t, handler, "/receipts", receiveBody())
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp receiveStockResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(5), resp.Item.Quantity)
	require.Equal(t, "R3VPO1", resp.Purchase.Number)
	require.Equal(t, "IN", resp.Transaction.Type)
}

func TestHandlerReceiveStockValidation(t *testing.T) {
	_, handler := newTestHandler(t)

	body := receiveBody()
	body["condition"] = "REFURBISHED"
	rec := postJSON(t, handler, "/receipts", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body = receiveBody()
	delete(body, "vendor")
	rec = postJSON(t, handler, "/receipts", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerRejectsUnknownFields(t *testing.T) {
	_, handler := newTestHandler(t)

	body := receiveBody()
	body["warehouse_id"] = 3
	rec := postJSON(t, handler, "/receipts", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerIssueStockConflict(t *testing.T) {
	_, handler := newTestHandler(t)

	rec := postJSON(t, handler, "/receipts", receiveBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created receiveStockResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = postJSON(t, handler, "/issues", map[string]any{"item_id": created.Item.ID, "quantity": 99})
	require.Equal(t, http.StatusConflict, rec.Code)

	var problem struct {
		Title  string `json:"title"`
		Status int    `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, "Insufficient Stock", problem.Title)

	rec = postJSON(t, handler, "/issues", map[string]any{"item_id": created.Item.ID, "quantity": 2})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestHandlerLookupItem(t *testing.T) {
	_, handler := newTestHandler(t)

	rec := postJSON(t, handler, "/receipts", receiveBody())
	require.Equal(t, http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/items?product_id=101&size=US+9&condition=NEW", nil)
	out := httptest.NewRecorder()
	handler.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)

	var item itemResponse
	require.NoError(t, json.Unmarshal(out.Body.Bytes(), &item))
	require.Equal(t, int64(101), item.ProductID)

	req = httptest.NewRequest(http.MethodGet, "/items?product_id=999&size=US+9&condition=NEW", nil)
	out = httptest.NewRecorder()
	handler.ServeHTTP(out, req)
	require.Equal(t, http.StatusNotFound, out.Code)
}

func TestHandlerCurrentQuantityAndTransactions(t *testing.T) {
	_, handler := newTestHandler(t)

	rec := postJSON(t, handler, "/receipts", receiveBody())
	var created receiveStockResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/items/%d/quantity", created.Item.ID), nil)
	out := httptest.NewRecorder()
	handler.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)
	require.JSONEq(t, `{"quantity":5}`, out.Body.String())

	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/items/%d/transactions", created.Item.ID), nil)
	out = httptest.NewRecorder()
	handler.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)
	var txs []transactionResponse
	require.NoError(t, json.Unmarshal(out.Body.Bytes(), &txs))
	require.Len(t, txs, 1)

	req = httptest.NewRequest(http.MethodGet, "/items/abc/quantity", nil)
	out = httptest.NewRecorder()
	handler.ServeHTTP(out, req)
	require.Equal(t, http.StatusBadRequest, out.Code)
}

func TestHandlerArchiveRestore(t *testing.T) {
	repo, handler := newTestHandler(t)

	rec := postJSON(t, handler, "/receipts", receiveBody())
	var created receiveStockResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = postJSON(t, handler, fmt.Sprintf("/items/%d/archive", created.Item.ID), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	item, err := repo.GetItem(context.Background(), created.Item.ID)
	require.NoError(t, err)
	require.True(t, item.Archived())

	rec = postJSON(t, handler, "/issues", map[string]any{"item_id": created.Item.ID, "quantity": 1})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = postJSON(t, handler, fmt.Sprintf("/items/%d/restore", created.Item.ID), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = postJSON(t, handler, "/issues", map[string]any{"item_id": created.Item.ID, "quantity": 1})
	require.Equal(t, http.StatusCreated, rec.Code)
}
