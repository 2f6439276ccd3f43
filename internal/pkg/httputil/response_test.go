package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, http.StatusAccepted, map[string]int{"rows": 3})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"rows":3}`, rec.Body.String())
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(http.ResponseWriter)
		status int
		msg    string
	}{
		{"not found", func(w http.ResponseWriter) { NotFound(w, "no route") }, http.StatusNotFound, "no route"},
		{"unavailable", func(w http.ResponseWriter) { Unavailable(w, "db down") }, http.StatusServiceUnavailable, "db down"},
		{"custom", func(w http.ResponseWriter) { Error(w, http.StatusConflict, "busy") }, http.StatusConflict, "busy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)

			assert.Equal(t, tt.status, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.msg, body.Error)
		})
	}
}
