package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/smtp-sink-lite/internal/message"
	"github.com/shineum/smtp-sink-lite/internal/provider"
)

func strPtr(s string) *string { return &s }

func TestBuildSendMailRequest_PlainBody(t *testing.T) {
	t.Parallel()

	msg := &message.Message{
		Recipients: []string{"recorded@example.com"},
		Subject:    "Test Subject",
		Plain:      strPtr("Hello, World!"),
	}

	req := buildSendMailRequest(msg, []string{"alice@example.com", "bob@example.com"})

	if req.Message.Subject != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", req.Message.Subject, "Test Subject")
	}
	if req.Message.Body.ContentType != "text" {
		t.Errorf("Body.ContentType: got %q, want %q", req.Message.Body.ContentType, "text")
	}
	if req.Message.Body.Content != "Hello, World!" {
		t.Errorf("Body.Content: got %q, want %q", req.Message.Body.Content, "Hello, World!")
	}
	if len(req.Message.ToRecipients) != 2 {
		t.Fatalf("ToRecipients count: got %d, want 2", len(req.Message.ToRecipients))
	}
	if req.Message.ToRecipients[0].EmailAddress.Address != "alice@example.com" {
		t.Errorf("ToRecipients[0]: got %q, want %q", req.Message.ToRecipients[0].EmailAddress.Address, "alice@example.com")
	}
	if req.Message.ToRecipients[1].EmailAddress.Address != "bob@example.com" {
		t.Errorf("ToRecipients[1]: got %q, want %q", req.Message.ToRecipients[1].EmailAddress.Address, "bob@example.com")
	}
	if len(req.Message.Attachments) != 0 {
		t.Errorf("Attachments: got %d, want 0", len(req.Message.Attachments))
	}
}

func TestBuildSendMailRequest_HTMLBody(t *testing.T) {
	t.Parallel()

	msg := &message.Message{
		Subject: "HTML Email",
		Plain:   strPtr("Plain text"),
		HTML:    strPtr("<p>HTML content</p>"),
	}

	req := buildSendMailRequest(msg, []string{"user@example.com"})

	if req.Message.Body.ContentType != "html" {
		t.Errorf("Body.ContentType: got %q, want %q", req.Message.Body.ContentType, "html")
	}
	if req.Message.Body.Content != "<p>HTML content</p>" {
		t.Errorf("Body.Content: got %q, want %q", req.Message.Body.Content, "<p>HTML content</p>")
	}
}

func TestBuildSendMailRequest_WithAttachments(t *testing.T) {
	t.Parallel()

	msg := &message.Message{
		Subject: "With Attachment",
		Plain:   strPtr("See attached"),
		Attachments: []message.Attachment{
			{CID: "cid-1", FileType: "application", Filename: "report.pdf", Body: []byte("pdf-content")},
			{CID: "cid-2", FileType: "application", Filename: "unknown", Body: []byte{0x01}},
		},
	}

	req := buildSendMailRequest(msg, []string{"user@example.com"})

	if len(req.Message.Attachments) != 2 {
		t.Fatalf("Attachments count: got %d, want 2", len(req.Message.Attachments))
	}

	att := req.Message.Attachments[0]
	if att.ODataType != "#microsoft.graph.fileAttachment" {
		t.Errorf("ODataType: got %q, want %q", att.ODataType, "#microsoft.graph.fileAttachment")
	}
	if att.Name != "report.pdf" {
		t.Errorf("Name: got %q, want %q", att.Name, "report.pdf")
	}
	if att.ContentType != "application/pdf" {
		t.Errorf("ContentType: got %q, want %q", att.ContentType, "application/pdf")
	}
	if att.ContentID != "cid-1" {
		t.Errorf("ContentID: got %q, want %q", att.ContentID, "cid-1")
	}
	if got, _ := base64.StdEncoding.DecodeString(att.ContentBytes); string(got) != "pdf-content" {
		t.Errorf("ContentBytes: decoded %q, want %q", got, "pdf-content")
	}
	if got := req.Message.Attachments[1].ContentType; got != "application/octet-stream" {
		t.Errorf("fallback ContentType: got %q, want %q", got, "application/octet-stream")
	}
}

func TestBuildSendMailRequest_NoBody(t *testing.T) {
	t.Parallel()

	req := buildSendMailRequest(&message.Message{Subject: "Empty"}, []string{"user@example.com"})

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("JSON marshal error: %v", err)
	}

	var decoded sendMailRequest
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("JSON unmarshal error: %v", err)
	}
	if decoded.Message.Body.ContentType != "text" || decoded.Message.Body.Content != "" {
		t.Errorf("Body: got %+v, want empty text body", decoded.Message.Body)
	}
}

func TestGraphProvider_NoRecipients(t *testing.T) {
	t.Parallel()

	p := &GraphProvider{}
	err := p.Send(context.Background(), &message.Message{}, nil)
	if !errors.Is(err, provider.ErrNoRecipients) {
		t.Errorf("got %v, want ErrNoRecipients", err)
	}
}

func TestGraphProvider_Name(t *testing.T) {
	t.Parallel()

	p := &GraphProvider{}
	if p.Name() != "msgraph" {
		t.Errorf("Name: got %q, want %q", p.Name(), "msgraph")
	}
}

func TestGraphProvider_SendSuccess(t *testing.T) {
	t.Parallel()

	// Token server
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "test-token",
			ExpiresIn:   3600,
		})
	}))
	defer tokenServer.Close()

	// Graph API server
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("Authorization header: got %q, want %q", r.Header.Get("Authorization"), "Bearer test-token")
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type header: got %q, want %q", r.Header.Get("Content-Type"), "application/json")
		}

		// Verify request body is valid JSON
		var body sendMailRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body.Message.Subject != "Test" {
			t.Errorf("Subject in body: got %q, want %q", body.Message.Subject, "Test")
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := newWithOverrides(
		GraphProviderConfig{
			TenantID:     "test-tenant",
			ClientID:     "test-client",
			ClientSecret: "test-secret",
			Sender:       "sender@example.com",
		},
		graphServer.URL,
		tokenServer.URL,
		graphServer.Client(),
	)

	msg := &message.Message{Subject: "Test", Plain: strPtr("Body")}

	err := p.Send(context.Background(), msg, []string{"user@example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGraphProvider_PermanentError(t *testing.T) {
	t.Parallel()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "token", ExpiresIn: 3600})
	}))
	defer tokenServer.Close()

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(graphErrorResponse{
			Error: graphError{Code: "BadRequest", Message: "Invalid recipient"},
		})
	}))
	defer graphServer.Close()

	p := newWithOverrides(
		GraphProviderConfig{Sender: "s@example.com", TenantID: "t", ClientID: "c", ClientSecret: "s"},
		graphServer.URL, tokenServer.URL, graphServer.Client(),
	)

	err := p.Send(context.Background(), &message.Message{Subject: "Test", Plain: strPtr("Body")}, []string{"bad@example.com"})

	if err == nil {
		t.Fatal("expected error for 400 response, got nil")
	}
}

func TestGraphProvider_ForbiddenError(t *testing.T) {
	t.Parallel()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "token", ExpiresIn: 3600})
	}))
	defer tokenServer.Close()

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(graphErrorResponse{
			Error: graphError{Code: "Forbidden", Message: "Insufficient permissions"},
		})
	}))
	defer graphServer.Close()

	p := newWithOverrides(
		GraphProviderConfig{Sender: "s@example.com", TenantID: "t", ClientID: "c", ClientSecret: "s"},
		graphServer.URL, tokenServer.URL, graphServer.Client(),
	)

	err := p.Send(context.Background(), &message.Message{Subject: "Test", Plain: strPtr("Body")}, []string{"user@example.com"})

	if err == nil {
		t.Fatal("expected error for 403 response, got nil")
	}

	sendErr, ok := err.(*sendError)
	if !ok {
		t.Fatalf("expected *sendError, got %T", err)
	}
	if !sendErr.permanent {
		t.Error("403 error should be classified as permanent")
	}
}

func TestGraphProvider_RetryOn5xx(t *testing.T) {
	t.Parallel()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "token", ExpiresIn: 3600})
	}))
	defer tokenServer.Close()

	var graphCallCount atomic.Int32

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := graphCallCount.Add(1)
		if count <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(graphErrorResponse{
				Error: graphError{Code: "ServiceUnavailable", Message: "Try again"},
			})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := newWithOverrides(
		GraphProviderConfig{Sender: "s@example.com", TenantID: "t", ClientID: "c", ClientSecret: "s"},
		graphServer.URL, tokenServer.URL, graphServer.Client(),
	)
	p.retryDelay = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := p.Send(ctx, &message.Message{Subject: "Test", Plain: strPtr("Body")}, []string{"user@example.com"})

	if err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}

	if graphCallCount.Load() != 3 {
		t.Errorf("graph call count: got %d, want 3 (2 failures + 1 success)", graphCallCount.Load())
	}
}

func TestGraphProvider_RetryOn401WithTokenRefresh(t *testing.T) {
	t.Parallel()

	var tokenCallCount atomic.Int32

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := tokenCallCount.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "token-" + string(rune('0'+count)),
			ExpiresIn:   3600,
		})
	}))
	defer tokenServer.Close()

	var graphCallCount atomic.Int32

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := graphCallCount.Add(1)
		if count == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(graphErrorResponse{
				Error: graphError{Code: "Unauthorized", Message: "Token expired"},
			})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := newWithOverrides(
		GraphProviderConfig{Sender: "s@example.com", TenantID: "t", ClientID: "c", ClientSecret: "s"},
		graphServer.URL, tokenServer.URL, graphServer.Client(),
	)

	err := p.Send(context.Background(), &message.Message{Subject: "Test", Plain: strPtr("Body")}, []string{"user@example.com"})

	if err != nil {
		t.Fatalf("expected success after token refresh, got: %v", err)
	}

	if graphCallCount.Load() != 2 {
		t.Errorf("graph call count: got %d, want 2", graphCallCount.Load())
	}

	// Token should have been refreshed (initial + force refresh)
	if tokenCallCount.Load() < 2 {
		t.Errorf("token call count: got %d, want >= 2", tokenCallCount.Load())
	}
}

func TestGraphProvider_RateLimitWithRetryAfter(t *testing.T) {
	t.Parallel()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "token", ExpiresIn: 3600})
	}))
	defer tokenServer.Close()

	var graphCallCount atomic.Int32

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := graphCallCount.Add(1)
		if count == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(graphErrorResponse{
				Error: graphError{Code: "TooManyRequests", Message: "Rate limited"},
			})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := newWithOverrides(
		GraphProviderConfig{Sender: "s@example.com", TenantID: "t", ClientID: "c", ClientSecret: "s"},
		graphServer.URL, tokenServer.URL, graphServer.Client(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := p.Send(ctx, &message.Message{Subject: "Test", Plain: strPtr("Body")}, []string{"user@example.com"})

	if err != nil {
		t.Fatalf("expected success after rate limit retry, got: %v", err)
	}

	if graphCallCount.Load() != 2 {
		t.Errorf("graph call count: got %d, want 2", graphCallCount.Load())
	}
}

func TestGraphProvider_ContextCancellation(t *testing.T) {
	t.Parallel()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "token", ExpiresIn: 3600})
	}))
	defer tokenServer.Close()

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(graphErrorResponse{
			Error: graphError{Code: "ServiceUnavailable", Message: "Down"},
		})
	}))
	defer graphServer.Close()

	p := newWithOverrides(
		GraphProviderConfig{Sender: "s@example.com", TenantID: "t", ClientID: "c", ClientSecret: "s"},
		graphServer.URL, tokenServer.URL, graphServer.Client(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	// Cancel immediately to test context cancellation during retry
	cancel()

	err := p.Send(ctx, &message.Message{Subject: "Test", Plain: strPtr("Body")}, []string{"user@example.com"})

	if err == nil {
		t.Error("expected error for cancelled context, got nil")
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		statusCode int
		permanent  bool
		transient  bool
	}{
		{name: "400 Bad Request", statusCode: 400, permanent: true, transient: false},
		{name: "401 Unauthorized", statusCode: 401, permanent: false, transient: true},
		{name: "403 Forbidden", statusCode: 403, permanent: true, transient: false},
		{name: "429 Too Many Requests", statusCode: 429, permanent: false, transient: true},
		{name: "500 Internal Server Error", statusCode: 500, permanent: false, transient: true},
		{name: "502 Bad Gateway", statusCode: 502, permanent: false, transient: true},
		{name: "503 Service Unavailable", statusCode: 503, permanent: false, transient: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := classifyError(tt.statusCode, "test message", "")
			if err.permanent != tt.permanent {
				t.Errorf("permanent: got %v, want %v", err.permanent, tt.permanent)
			}
			if err.transient != tt.transient {
				t.Errorf("transient: got %v, want %v", err.transient, tt.transient)
			}
		})
	}
}

func TestRetryAfterDelay(t *testing.T) {
	t.Parallel()

	g := &GraphProvider{retryDelay: time.Second}

	tests := []struct {
		name       string
		retryAfter string
		attempt    int
		want       time.Duration
	}{
		{name: "header seconds", retryAfter: "7", attempt: 1, want: 7 * time.Second},
		{name: "missing header", retryAfter: "", attempt: 1, want: 2 * time.Second},
		{name: "unparseable header", retryAfter: "soon", attempt: 2, want: 4 * time.Second},
		{name: "zero seconds", retryAfter: "0", attempt: 0, want: 1 * time.Second},
	}

	for _, tt := range tests {
		if got := g.retryAfterDelay(tt.retryAfter, tt.attempt); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSendError_Error(t *testing.T) {
	t.Parallel()

	err := &sendError{
		message:    "test error",
		statusCode: 500,
	}

	expected := "Graph API error (HTTP 500): test error"
	if err.Error() != expected {
		t.Errorf("Error(): got %q, want %q", err.Error(), expected)
	}
}
