package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ledgerlens/ledgerlens/constants"
	"github.com/ledgerlens/ledgerlens/internal/blob"
	"github.com/ledgerlens/ledgerlens/internal/common"
	"github.com/ledgerlens/ledgerlens/internal/dispatch"
	"github.com/ledgerlens/ledgerlens/internal/export"
	"github.com/ledgerlens/ledgerlens/internal/llm"
	"github.com/ledgerlens/ledgerlens/internal/store"
)

const testSecret = "test-secret"

type recordingEvents struct {
	objects  []dispatch.ObjectEvent
	receipts []dispatch.ReceiptUpdateEvent
	err      error
}

func (r *recordingEvents) HandleObjectFinalized(_ context.Context, ev dispatch.ObjectEvent) error {
	r.objects = append(r.objects, ev)
	return r.err
}

func (r *recordingEvents) HandleReceiptUpdated(_ context.Context, ev dispatch.ReceiptUpdateEvent) error {
	r.receipts = append(r.receipts, ev)
	return r.err
}

func newTestServer(t *testing.T) (*Server, *recordingEvents, *store.MemoryStore, *blob.MemoryStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	blobs := blob.NewMemoryStore("ledgerlens-test")
	events := &recordingEvents{}
	srv := New(events, export.NewService(st, blobs, logger),
		NewHMACVerifier(testSecret), nil, time.Minute, logger)
	return srv, events, st, blobs
}

func signToken(t *testing.T, uid string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   uid,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, srv *Server, method, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestObjectEventEndpoint(t *testing.T) {
	srv, events, _, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/events/object", "",
		`{"bucket":"b","name":"receipts/b1/r1.webp"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if len(events.objects) != 1 || events.objects[0].Name != "receipts/b1/r1.webp" {
		t.Errorf("events = %+v", events.objects)
	}

	w = doJSON(t, srv, http.MethodPost, "/events/object", "", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed payload status = %d", w.Code)
	}
}

func TestObjectEventFailureIsRetryable(t *testing.T) {
	srv, events, _, _ := newTestServer(t)
	events.err = common.ErrStore

	w := doJSON(t, srv, http.MethodPost, "/events/object", "",
		`{"bucket":"b","name":"receipts/b1/r1.webp"}`)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 so the broker redelivers", w.Code)
	}
}

// deadlineEvents records the deadline the router put on the request context.
type deadlineEvents struct {
	deadline time.Time
	ok       bool
}

func (d *deadlineEvents) HandleObjectFinalized(ctx context.Context, _ dispatch.ObjectEvent) error {
	d.deadline, d.ok = ctx.Deadline()
	return nil
}

func (d *deadlineEvents) HandleReceiptUpdated(ctx context.Context, _ dispatch.ReceiptUpdateEvent) error {
	d.deadline, d.ok = ctx.Deadline()
	return nil
}

func TestRequestTimeoutIsConfigurable(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := &deadlineEvents{}
	srv := New(events, nil, NewHMACVerifier(testSecret),
		nil, 42*time.Second, logger)

	start := time.Now()
	w := doJSON(t, srv, http.MethodPost, "/events/object", "",
		`{"bucket":"b","name":"receipts/b1/r1.webp"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if !events.ok {
		t.Fatal("request context has no deadline")
	}
	remaining := events.deadline.Sub(start)
	if remaining <= 0 || remaining > 42*time.Second {
		t.Errorf("deadline %v from request start, want configured 42s", remaining)
	}
}

func TestReceiptEventEndpoint(t *testing.T) {
	srv, events, _, _ := newTestServer(t)

	body := `{"batch_id":"b1","receipt_id":"r1",` +
		`"before":{"status":"error"},"after":{"status":"pending_retry"}}`
	w := doJSON(t, srv, http.MethodPost, "/events/receipt", "", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if len(events.receipts) != 1 || events.receipts[0].After.Status != "pending_retry" {
		t.Errorf("events = %+v", events.receipts)
	}
}

func TestExportEndpointAuth(t *testing.T) {
	srv, _, st, _ := newTestServer(t)
	ctx := context.Background()
	if err := st.PutBatch(ctx, &store.Batch{ID: "b1", OwnerID: "owner-1"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		bearer string
		body   string
		want   int
	}{
		{"no token", "", `{"batch_id":"b1"}`, http.StatusUnauthorized},
		{"garbage token", "not-a-jwt", `{"batch_id":"b1"}`, http.StatusUnauthorized},
		{"missing batch id", signToken(t, "owner-1"), `{}`, http.StatusBadRequest},
		{"unknown batch", signToken(t, "owner-1"), `{"batch_id":"nope"}`, http.StatusNotFound},
		{"foreign owner", signToken(t, "intruder"), `{"batch_id":"b1"}`, http.StatusForbidden},
		{"empty batch", signToken(t, "owner-1"), `{"batch_id":"b1"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, srv, http.MethodPost, "/export", tt.bearer, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body)
			}
		})
	}
}

func TestExportEndpointSuccess(t *testing.T) {
	srv, _, st, _ := newTestServer(t)
	ctx := context.Background()
	if err := st.PutBatch(ctx, &store.Batch{
		ID: "b1", OwnerID: "owner-1", ClientName: "Acme", AuditCycle: "2026-Q1",
	}); err != nil {
		t.Fatal(err)
	}
	err := st.MergeReceipt(ctx, "b1", "r1", store.ReceiptPatch{
		Extracted: store.Bool(true),
		Data:      &llm.ExtractionResult{Vendor: "Staples", Total: 10, Confidence: 90},
		Status:    store.Status(constants.StatusExtracted),
	})
	if err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, srv, http.MethodPost, "/export", signToken(t, "owner-1"), `{"batch_id":"b1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var resp struct {
		DownloadURL string `json:"download_url"`
		Filename    string `json:"filename"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.HasSuffix(resp.Filename, ".xlsx") {
		t.Errorf("filename = %q", resp.Filename)
	}
	if !strings.Contains(resp.DownloadURL, "alt=media&token=") {
		t.Errorf("download_url = %q", resp.DownloadURL)
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}
