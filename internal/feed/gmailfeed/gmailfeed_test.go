package gmailfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/api/option"

	"mailrelay/internal/mail"
	logx "mailrelay/pkg/logx"
)

func fakeGmail(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		if q := r.URL.Query().Get("q"); q != DefaultQuery {
			t.Errorf("q = %q", q)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "m1"}, {"id": "gone"}},
		})
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
		if id != "m1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Not Found"}}`))
			return
		}
		if f := r.URL.Query().Get("format"); f != "metadata" {
			t.Errorf("format = %q", f)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":           "m1",
			"snippet":      "It&#39;s ready",
			"sizeEstimate": 1500,
			"internalDate": "1772616600000",
			"payload": map[string]any{"headers": []map[string]string{
				{"name": "From", "value": "Bob <bob@example.com>"},
				{"name": "Subject", "value": "Build"},
			}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPoll(t *testing.T) {
	srv := fakeGmail(t)
	ctx := context.Background()
	p, err := New(ctx, Config{}, logx.Nop(),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	want := []mail.Record{{
		Sender:    "Bob <bob@example.com>",
		Title:     "Build",
		Content:   "It's ready",
		Timestamp: time.UnixMilli(1772616600000).Format("2006-01-02 15:04"),
		Size:      "1.5 kB",
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Poll mismatch (-want +got):\n%s", diff)
	}
}

func TestNewWithoutCredentialsFails(t *testing.T) {
	_, err := New(context.Background(), Config{CredentialsFile: t.TempDir() + "/missing.json"}, logx.Nop())
	if err == nil {
		t.Fatal("New succeeded without a credentials file")
	}
}
