package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pysugar/claude-relay/internal/config"
	"github.com/pysugar/claude-relay/internal/health"
	"github.com/pysugar/claude-relay/internal/kv/memkv"
	"github.com/pysugar/claude-relay/internal/models"
	"github.com/pysugar/claude-relay/internal/preparer"
	"github.com/pysugar/claude-relay/internal/scheduler"
)

type fakeScheduler struct {
	mu                   sync.Mutex
	accountID            string
	accountType          string
	unauthorizedCalls    int
	rateLimitedCalls     int
	blockedCalls         int
	lastRateLimitResetAt *int64
}

func (f *fakeScheduler) SelectAccountForApiKey(_, _, _ string) (scheduler.AccountSelection, error) {
	return scheduler.AccountSelection{AccountID: f.accountID, AccountType: f.accountType}, nil
}
func (f *fakeScheduler) MarkAccountRateLimited(_, _, _ string, resetAt *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rateLimitedCalls++
	f.lastRateLimitResetAt = resetAt
	return nil
}
func (f *fakeScheduler) MarkAccountBlocked(_, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockedCalls++
	return nil
}
func (f *fakeScheduler) MarkAccountUnauthorized(_, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unauthorizedCalls++
	return nil
}
func (f *fakeScheduler) IsAccountRateLimited(_, _ string) (bool, error) { return false, nil }
func (f *fakeScheduler) RemoveAccountRateLimit(_, _ string) error      { return nil }

type fakeAccounts struct {
	account models.Account
}

func (f *fakeAccounts) GetValidAccessToken(string) (string, error) { return "test-access-token", nil }
func (f *fakeAccounts) GetAccount(string) (models.Account, error)  { return f.account, nil }
func (f *fakeAccounts) GetAllAccounts() ([]models.Account, error)  { return []models.Account{f.account}, nil }
func (f *fakeAccounts) MarkAccountOverloaded(string, time.Duration) error { return nil }
func (f *fakeAccounts) RemoveAccountOverload(string) error                { return nil }
func (f *fakeAccounts) IsAccountOverloaded(string) (bool, error)          { return false, nil }
func (f *fakeAccounts) RecordServerError(string) (int, error)             { return 1, nil }
func (f *fakeAccounts) GetServerErrorCount(string) (int, error)           { return 0, nil }
func (f *fakeAccounts) ClearInternalErrors(string) error                 { return nil }
func (f *fakeAccounts) UpdateSessionWindowStatus(string, string) error   { return nil }

type fakeTransport struct {
	mu       sync.Mutex
	lastReq  *http.Request
	doResp   *http.Response
	doErr    error
	streamFn func(req *http.Request) (*http.Response, error)
}

func (f *fakeTransport) Do(_ context.Context, req *http.Request, _ *models.ProxyDescriptor) (*http.Response, error) {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	return f.doResp, f.doErr
}

func (f *fakeTransport) StreamSSE(_ context.Context, req *http.Request, _ *models.ProxyDescriptor) (*http.Response, error) {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	return f.streamFn(req)
}

func newTestOrchestrator(t *testing.T, sched *fakeScheduler, accounts *fakeAccounts, tr *fakeTransport) *Orchestrator {
	t.Helper()
	h := health.New(memkv.New(), sched, accounts, true, time.Minute)
	prep := preparer.New(nil, nil, "")
	cfg := config.Config{Claude: config.Claude{APIURL: "https://upstream.internal", APIVersion: "2023-06-01"}}
	return New(sched, accounts, prep, tr, h, cfg)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestRelayRequestReturnsAnnotatedResponseOnSuccess(t *testing.T) {
	sched := &fakeScheduler{accountID: "acc-1", accountType: "standard"}
	accounts := &fakeAccounts{account: models.Account{ID: "acc-1"}}
	tr := &fakeTransport{doResp: jsonResponse(200, `{"model":"claude-sonnet-4","usage":{"input_tokens":10,"output_tokens":5}}`)}

	o := newTestOrchestrator(t, sched, accounts, tr)
	body := models.RequestBody{"model": "claude-sonnet-4", "messages": []interface{}{}}

	resp, err := o.RelayRequest(context.Background(), body, http.Header{}, false)
	if err != nil {
		t.Fatalf("RelayRequest() error = %v", err)
	}
	if resp.AccountID != "acc-1" {
		t.Fatalf("AccountID = %q; want acc-1", resp.AccountID)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("StatusCode = %d; want 200", resp.StatusCode)
	}
}

func TestRelayRequestSetsAuthorizationAndBaselineHeaders(t *testing.T) {
	sched := &fakeScheduler{accountID: "acc-1", accountType: "standard"}
	accounts := &fakeAccounts{account: models.Account{ID: "acc-1"}}
	tr := &fakeTransport{doResp: jsonResponse(200, `{}`)}

	o := newTestOrchestrator(t, sched, accounts, tr)
	body := models.RequestBody{"model": "claude-sonnet-4", "messages": []interface{}{}}

	if _, err := o.RelayRequest(context.Background(), body, http.Header{}, false); err != nil {
		t.Fatalf("RelayRequest() error = %v", err)
	}

	req := tr.lastReq
	if req == nil {
		t.Fatal("expected a request to have been dispatched")
	}
	if got := req.Header.Get("Authorization"); got != "Bearer test-access-token" {
		t.Fatalf("Authorization = %q", got)
	}
	if got := req.Header.Get("anthropic-version"); got != "2023-06-01" {
		t.Fatalf("anthropic-version = %q", got)
	}
	if req.URL.Path != messagesPath {
		t.Fatalf("path = %q; want %q", req.URL.Path, messagesPath)
	}
}

func TestRelayRequestEscalatesUnauthorizedOn401(t *testing.T) {
	sched := &fakeScheduler{accountID: "acc-1", accountType: "standard"}
	accounts := &fakeAccounts{account: models.Account{ID: "acc-1"}}
	tr := &fakeTransport{doResp: jsonResponse(401, `{"error":"unauthorized"}`)}

	o := newTestOrchestrator(t, sched, accounts, tr)
	body := models.RequestBody{"model": "claude-sonnet-4", "messages": []interface{}{}}

	resp, err := o.RelayRequest(context.Background(), body, http.Header{}, false)
	if err != nil {
		t.Fatalf("RelayRequest() error = %v", err)
	}
	if resp.StatusCode != 401 {
		t.Fatalf("StatusCode = %d; want 401", resp.StatusCode)
	}
	if sched.unauthorizedCalls != 1 {
		t.Fatalf("unauthorizedCalls = %d; want 1", sched.unauthorizedCalls)
	}
}

func TestRelayStreamRequestForwardsAndInvokesUsageCallbackOnce(t *testing.T) {
	sched := &fakeScheduler{accountID: "acc-1", accountType: "standard"}
	accounts := &fakeAccounts{account: models.Account{ID: "acc-1"}}
	stream := "data: {\"type\":\"message_start\",\"message\":{\"model\":\"claude-sonnet-4\",\"usage\":{\"input_tokens\":7}}}\n\n" +
		"data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":3}}\n\n"
	tr := &fakeTransport{streamFn: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, stream), nil
	}}

	o := newTestOrchestrator(t, sched, accounts, tr)
	body := models.RequestBody{"model": "claude-sonnet-4", "messages": []interface{}{}, "stream": true}

	var ingress bytes.Buffer
	var captured models.UsageRecord
	calls := 0
	err := o.RelayStreamRequestWithUsageCapture(context.Background(), body, http.Header{}, &ingress, func(u models.UsageRecord) {
		calls++
		captured = u
	}, nil)
	if err != nil {
		t.Fatalf("RelayStreamRequestWithUsageCapture() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("usageCallback called %d times; want 1", calls)
	}
	if captured.AccountID != "acc-1" {
		t.Fatalf("AccountID = %q; want acc-1", captured.AccountID)
	}
	if captured.InputTokens != 7 || captured.OutputTokens != 3 {
		t.Fatalf("tokens = %d/%d; want 7/3", captured.InputTokens, captured.OutputTokens)
	}
	if ingress.Len() != len(stream) {
		t.Fatalf("forwarded %d bytes; want %d", ingress.Len(), len(stream))
	}
}

func TestRelayStreamRequestEmitsErrorEventOnNon2xxAndSkipsUsageCallback(t *testing.T) {
	sched := &fakeScheduler{accountID: "acc-1", accountType: "standard"}
	accounts := &fakeAccounts{account: models.Account{ID: "acc-1"}}
	tr := &fakeTransport{streamFn: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(429, `{"error":"rate limited"}`), nil
	}}

	o := newTestOrchestrator(t, sched, accounts, tr)
	body := models.RequestBody{"model": "claude-sonnet-4", "messages": []interface{}{}, "stream": true}

	var ingress bytes.Buffer
	called := false
	err := o.RelayStreamRequestWithUsageCapture(context.Background(), body, http.Header{}, &ingress, func(models.UsageRecord) {
		called = true
	}, nil)
	if err == nil {
		t.Fatal("expected error for non-2xx stream response")
	}
	if called {
		t.Fatal("usageCallback should not fire on a non-2xx stream response")
	}
	if !strings.Contains(ingress.String(), "event: error") {
		t.Fatalf("expected an SSE error event forwarded, got %q", ingress.String())
	}
	if sched.rateLimitedCalls != 1 {
		t.Fatalf("rateLimitedCalls = %d; want 1", sched.rateLimitedCalls)
	}
}
