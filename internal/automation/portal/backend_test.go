package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func portalServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/purchase-orders/PO-1001/attachments", func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		if user != "buyer" || pass != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"attachments":[
			{"id":"a1","fileName":"invoice.pdf","size":1024},
			{"id":"a2","fileName":"packing-list.pdf","size":2048}
		]}`)
	})
	mux.HandleFunc("/api/purchase-orders/PO-1001/attachments/a1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "PDF-CONTENT")
	})
	mux.HandleFunc("/api/purchase-orders/PO-1001", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":"PO-1001","supplier":"Acme Industrial"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPortalSession(t *testing.T) {
	srv := portalServer(t)

	t.Run("Should list attachments for a purchase order", func(t *testing.T) {
		backend := NewBackend(srv.URL, "buyer", "pw")
		sess, err := backend.CreateSession(context.Background(), t.TempDir())
		require.NoError(t, err)
		defer sess.Close()

		atts, err := sess.(*Session).ListAttachments(context.Background(), "PO-1001")
		require.NoError(t, err)
		require.Len(t, atts, 2)
		assert.Equal(t, "invoice.pdf", atts[0].FileName)
		assert.Equal(t, int64(1024), atts[0].Size)
	})

	t.Run("Should surface authentication failures", func(t *testing.T) {
		backend := NewBackend(srv.URL, "buyer", "wrong")
		sess, err := backend.CreateSession(context.Background(), t.TempDir())
		require.NoError(t, err)
		defer sess.Close()

		_, err = sess.(*Session).ListAttachments(context.Background(), "PO-1001")
		assert.ErrorContains(t, err, "401")
	})

	t.Run("Should download an attachment into the profile directory", func(t *testing.T) {
		backend := NewBackend(srv.URL, "buyer", "pw")
		profilePath := t.TempDir()
		sess, err := backend.CreateSession(context.Background(), profilePath)
		require.NoError(t, err)
		defer sess.Close()

		path, err := sess.(*Session).DownloadAttachment(context.Background(), "PO-1001", Attachment{
			ID:       "a1",
			FileName: "invoice.pdf",
		})
		require.NoError(t, err)

		assert.Equal(t, filepath.Join(profilePath, "downloads", "PO-1001", "invoice.pdf"), path)
		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "PDF-CONTENT", string(content))
	})

	t.Run("Should respect a cancelled context", func(t *testing.T) {
		backend := NewBackend(srv.URL, "buyer", "pw")
		sess, err := backend.CreateSession(context.Background(), t.TempDir())
		require.NoError(t, err)
		defer sess.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err = sess.(*Session).ListAttachments(ctx, "PO-1001")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestSupplierName(t *testing.T) {
	t.Run("Should resolve and cache the supplier", func(t *testing.T) {
		var hits int32
		mux := http.NewServeMux()
		mux.HandleFunc("/api/purchase-orders/PO-1001", func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			fmt.Fprint(w, `{"number":"PO-1001","supplier":"Acme Industrial"}`)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		client := NewClient(srv.URL, "buyer", "pw")

		assert.Equal(t, "Acme Industrial", client.GetSupplierName("PO-1001"))
		assert.Equal(t, "Acme Industrial", client.GetSupplierName("PO-1001"))
		assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "Second lookup should hit the cache")
	})

	t.Run("Should fall back to the PO number when the lookup fails", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		client := NewClient(srv.URL, "buyer", "pw")

		assert.Equal(t, "PO-9999", client.GetSupplierName("PO-9999"))
	})
}
