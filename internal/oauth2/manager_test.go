package oauth2

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ajmccauley/syncrelay/internal/syncerr"
)

func TestRefreshTokenGmailSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/x-www-form-urlencoded" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "grant_type=refresh_token") {
			t.Errorf("form missing grant_type: %s", body)
		}
		w.Write([]byte(`{"access_token":"tok-123","token_type":"Bearer","expires_in":1800}`))
	}))
	defer srv.Close()

	m := NewManager(time.Second)
	resp, err := m.refresh(context.Background(), srv.URL, gmailForm(Credentials{
		ClientID:     "id",
		ClientSecret: "secret",
		RefreshToken: "refresh",
	}))
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if resp.AccessToken != "tok-123" || resp.ExpiresIn != 1800 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRefreshTokenMissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"invalid_grant","error_description":"token revoked"}`))
	}))
	defer srv.Close()

	m := NewManager(time.Second)
	_, err := m.refresh(context.Background(), srv.URL, gmailForm(Credentials{RefreshToken: "bad"}))
	if err == nil {
		t.Fatal("expected error for missing access_token")
	}
}

func TestRefreshTokenServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewManager(time.Second)
	_, err := m.refresh(context.Background(), srv.URL, gmailForm(Credentials{RefreshToken: "x"}))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, syncerr.ErrTransport) {
		t.Fatalf("expected a 5xx response to be classified as transient, got %v", err)
	}
}

func TestRefreshTokenUnknownProvider(t *testing.T) {
	m := NewManager(time.Second)
	_, err := m.RefreshToken(context.Background(), Credentials{Provider: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
