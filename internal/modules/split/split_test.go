package split

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backendhub/hubd/internal/config"
)

func TestRoutesRequireKeys(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.SplitConfig
		err  error
	}{
		{"no keys", config.SplitConfig{Enabled: true}, ErrMissingEncryptionKey},
		{"no notify key", config.SplitConfig{Enabled: true, EncryptionKey: "k"}, ErrMissingNotifyKey},
		{"both keys", config.SplitConfig{Enabled: true, EncryptionKey: "k", NotifyKey: "n"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.cfg).Routes(chi.NewRouter())
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestQuote(t *testing.T) {
	r := chi.NewRouter()
	require.NoError(t, New(config.SplitConfig{EncryptionKey: "k", NotifyKey: "n"}).Routes(r))

	body := `{"amount":1000,"members":["a","b","c"]}`
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/quote", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp QuoteResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, []Share{{"a", 334}, {"b", 333}, {"c", 333}}, resp.Shares)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/quote", strings.NewReader(`{"amount":10,"members":[]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDivide(t *testing.T) {
	shares, err := Divide(0, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), shares[0].Amount+shares[1].Amount)

	_, err = Divide(-1, []string{"a"})
	assert.Error(t, err)

	_, err = Divide(5, []string{"a", " "})
	assert.Error(t, err)
}
