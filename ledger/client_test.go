package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSubmitCreate(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]string{"txHash": "0xdeadbeef"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-key")
	tx, err := c.SubmitCreate(context.Background(), "consent-1", "0xaaaa", "0xbbbb")
	if err != nil {
		t.Fatalf("SubmitCreate: %v", err)
	}
	if tx != "0xdeadbeef" {
		t.Errorf("tx = %q, want 0xdeadbeef", tx)
	}
	if gotPath != "/consents" {
		t.Errorf("path = %q, want /consents", gotPath)
	}
	if gotAuth != "Bearer secret-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	want := map[string]string{"consentId": "consent-1", "partyA": "0xaaaa", "partyB": "0xbbbb"}
	for k, v := range want {
		if gotBody[k] != v {
			t.Errorf("body[%q] = %q, want %q", k, gotBody[k], v)
		}
	}
}

func TestSubmitRevoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/consents/revoke" {
			t.Errorf("path = %q, want /consents/revoke", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"txHash": "0xrevoked"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	tx, err := c.SubmitRevoke(context.Background(), "consent-1")
	if err != nil {
		t.Fatalf("SubmitRevoke: %v", err)
	}
	if tx != "0xrevoked" {
		t.Errorf("tx = %q, want 0xrevoked", tx)
	}
}

func TestSubmit_RelayerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"message": "chain unavailable"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.SubmitCreate(context.Background(), "consent-1", "0xaaaa", "0xbbbb")
	if err == nil {
		t.Fatal("expected error from failing relayer")
	}
	if !strings.Contains(err.Error(), "chain unavailable") {
		t.Errorf("error %q missing relayer message", err)
	}
}

func TestSubmit_MissingTxHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if _, err := c.SubmitRevoke(context.Background(), "consent-1"); err == nil {
		t.Fatal("expected error when relayer returns no tx hash")
	}
}

func TestSubmit_InputValidation(t *testing.T) {
	c := NewClient("http://relayer.invalid", "")
	if _, err := c.SubmitCreate(context.Background(), "", "0xa", "0xb"); err == nil {
		t.Error("expected error for missing consent id")
	}
	if _, err := c.SubmitRevoke(context.Background(), ""); err == nil {
		t.Error("expected error for missing ledger reference")
	}
}
