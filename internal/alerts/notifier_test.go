package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotify(t *testing.T) {
	ctx := context.Background()

	t.Run("posts a webhook embed", func(t *testing.T) {
		var got map[string][]webhookEmbed
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		n := New(nil, srv.URL, "node-test")
		err := n.Notify(ctx, "critical", "Large transfer pending", map[string]interface{}{"tx_hash": "abc"})
		require.NoError(t, err)

		require.Len(t, got["embeds"], 1)
		embed := got["embeds"][0]
		assert.Equal(t, "Ledger critical", embed.Title)
		assert.Equal(t, severityColors["critical"], embed.Color)
		require.Len(t, embed.Fields, 1)
		assert.Equal(t, "tx_hash", embed.Fields[0].Name)
	})

	t.Run("reports webhook failures without panicking", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		n := New(nil, srv.URL, "node-test")
		err := n.Notify(ctx, "warning", "msg", nil)
		assert.Error(t, err)
	})

	t.Run("no sinks means no error", func(t *testing.T) {
		n := New(nil, "", "node-test")
		assert.NoError(t, n.Notify(ctx, "info", "msg", nil))
	})

	t.Run("log-only sink never fails", func(t *testing.T) {
		assert.NoError(t, LogOnly{}.Notify(ctx, "critical", "msg", map[string]interface{}{"k": 1}))
	})
}
