package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProblemPayload(t *testing.T) {
	rec := httptest.NewRecorder()
	Problem(rec, http.StatusConflict, "Conflict", "please retry the request")

	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var detail ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	require.Equal(t, "about:blank", detail.Type)
	require.Equal(t, "Conflict", detail.Title)
	require.Equal(t, http.StatusConflict, detail.Status)
	require.Equal(t, "please retry the request", detail.Detail)
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"widget"}`))
	var p payload
	require.NoError(t, DecodeJSON(req, &p))
	require.Equal(t, "widget", p.Name)
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"widget","warehouse":3}`))
	var p payload
	require.Error(t, DecodeJSON(req, &p))
}

func TestDecodeJSONRejectsTrailingContent(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a"}{"name":"b"}`))
	var p payload
	require.Error(t, DecodeJSON(req, &p))
}
