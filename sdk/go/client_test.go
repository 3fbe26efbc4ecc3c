package casefilesdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoginStoresBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/admin/login":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["password"] != "s3cret" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":{"code":"invalid_credentials","message":"invalid credentials"}}`))
				return
			}
			_, _ = w.Write([]byte(`{"token":"tok","expires_at":"2026-03-01T21:00:00Z"}`))
		case "/v0/cases":
			gotAuth = r.Header.Get("Authorization")
			require.Equal(t, "pending_signature", r.URL.Query().Get("status"))
			_, _ = w.Write([]byte(`{"items":[{"case_id":"c1","sequence_number":7,"contract_number":"7-2026","status":"pending_signature"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL + "/v0/")
	_, err := c.Login(context.Background(), "wrong")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	require.Equal(t, "invalid_credentials", apiErr.Code)

	token, err := c.Login(context.Background(), "s3cret")
	require.NoError(t, err)
	require.Equal(t, "tok", token)

	items, err := c.ListCases(context.Background(), "pending_signature", 0)
	require.NoError(t, err)
	require.Equal(t, "Bearer tok", gotAuth)
	require.Len(t, items, 1)
	require.Equal(t, "7-2026", items[0].ContractNumber)
}

func TestUploadAndPurge(t *testing.T) {
	var uploaded []byte
	var contentType string
	purged := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/v0/cases/c1/signed-document/upload":
			contentType = r.Header.Get("Content-Type")
			uploaded, _ = io.ReadAll(r.Body)
			_, _ = w.Write([]byte(`{"case_id":"c1","signed_document_ref":"signed/1-x.pdf"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/v0/cases/c1":
			purged = true
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL + "/v0")
	got, err := c.UploadSignedPDF(context.Background(), "c1", []byte("%PDF-1.4"))
	require.NoError(t, err)
	require.Equal(t, "application/pdf", contentType)
	require.Equal(t, "%PDF-1.4", string(uploaded))
	require.Equal(t, "signed/1-x.pdf", got.SignedDocumentRef)

	require.NoError(t, c.PurgeCase(context.Background(), "c1"))
	require.True(t, purged)
}
