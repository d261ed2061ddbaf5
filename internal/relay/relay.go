// Package relay implements the relay orchestrator (spec §4.7): the
// end-to-end request lifecycle that ties the scheduler, accountservice,
// preparer, proxyagent, transport, health, and sse packages together into
// two entry points, non-streaming and streaming. Grounded on the
// streaming/non-streaming split of
// internal/proxy/handlers/claude.go's ClaudeMessagesHandler
// (handleClaudeNonStreaming / handleClaudeStreaming), generalized from one
// fixed upstream and Gemini-specific field extraction to a
// scheduler-selected per-request account and Claude's own wire format.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/pysugar/claude-relay/internal/accountservice"
	"github.com/pysugar/claude-relay/internal/config"
	"github.com/pysugar/claude-relay/internal/health"
	"github.com/pysugar/claude-relay/internal/logging"
	"github.com/pysugar/claude-relay/internal/models"
	"github.com/pysugar/claude-relay/internal/preparer"
	"github.com/pysugar/claude-relay/internal/scheduler"
	"github.com/pysugar/claude-relay/internal/sse"
	"github.com/pysugar/claude-relay/internal/validator"
)

const messagesPath = "/v1/messages"
const countTokensPath = "/v1/messages/count_tokens"

// transportClient is the subset of *transport.Pool the orchestrator
// depends on. Declared here, rather than importing the concrete pool
// type directly, so tests can dispatch against a fake instead of a real
// dialed HTTP/2 session (*transport.Pool satisfies this interface as-is).
type transportClient interface {
	Do(ctx context.Context, req *http.Request, proxyDescriptor *models.ProxyDescriptor) (*http.Response, error)
	StreamSSE(ctx context.Context, req *http.Request, proxyDescriptor *models.ProxyDescriptor) (*http.Response, error)
}

// Orchestrator owns the collaborators a request passes through: account
// selection, body/header preparation, HTTP/2 dispatch, response
// classification, and usage emission.
type Orchestrator struct {
	Scheduler scheduler.Scheduler
	Accounts  accountservice.Service
	Preparer  *preparer.Preparer
	Transport transportClient
	Health    *health.Controller
	Config    config.Config
}

// New constructs an Orchestrator.
func New(sched scheduler.Scheduler, accounts accountservice.Service, prep *preparer.Preparer, pool transportClient, h *health.Controller, cfg config.Config) *Orchestrator {
	return &Orchestrator{Scheduler: sched, Accounts: accounts, Preparer: prep, Transport: pool, Health: h, Config: cfg}
}

// Response is what RelayRequest returns: the upstream response, annotated
// with the account that served it (spec §4.7 step 9).
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	AccountID  string
}

// selection bundles what steps 1-6 resolve before dispatch, shared by
// both the non-streaming and streaming entry points.
type selection struct {
	sessionHash   string
	accountID     string
	accountType   string
	accessToken   string
	account       models.Account
	processed     preparer.Result
	clientHeaders http.Header
	clientBeta    string
}

func (o *Orchestrator) resolve(body models.RequestBody, clientHeaders http.Header, isCountTokens bool) (selection, error) {
	sessionHash := SessionHash(body)

	rawModel, _ := body["model"].(string)
	sel, err := o.Scheduler.SelectAccountForApiKey(clientHeaders.Get("X-Api-Key"), sessionHash, rawModel)
	if err != nil {
		return selection{}, fmt.Errorf("relay: select account: %w", err)
	}

	accessToken, err := o.Accounts.GetValidAccessToken(sel.AccountID)
	if err != nil {
		return selection{}, fmt.Errorf("relay: get access token for %s: %w", sel.AccountID, err)
	}

	account, err := o.Accounts.GetAccount(sel.AccountID)
	if err != nil {
		return selection{}, fmt.Errorf("relay: get account %s: %w", sel.AccountID, err)
	}

	processed, err := o.Preparer.Prepare(body, clientHeaders, account, isCountTokens, validator.Request{
		Headers: clientHeaders,
		Body:    body,
		Path:    messagesPath,
	})
	if err != nil {
		// Preparer errors are non-fatal per spec §7: the request proceeds
		// unnormalized rather than failing outright.
		log.Printf("⚠️ relay: prepare body for account %s: %v; proceeding unnormalized", sel.AccountID, err)
		processed = preparer.Result{Body: body, Model: rawModel}
	}

	return selection{
		sessionHash: sessionHash,
		accountID:   sel.AccountID,
		accountType: sel.AccountType,
		accessToken: accessToken,
		account:     account,
		processed:   processed,
	}, nil
}

func (o *Orchestrator) buildRequest(ctx context.Context, sel selection, isCountTokens, streaming bool) (*http.Request, error) {
	payload, err := json.Marshal(sel.processed.Body)
	if err != nil {
		return nil, fmt.Errorf("relay: marshal prepared body: %w", err)
	}

	path := messagesPath
	if isCountTokens {
		path = countTokensPath
	}

	filteredClientHeaders := http.Header{}
	if sel.clientHeaders != nil {
		filteredClientHeaders = preparer.FilterClientHeaders(sel.clientHeaders)
	}

	headers := preparer.BuildHeaders(preparer.HeaderParams{
		Model:            sel.processed.Model,
		APIVersion:       o.Config.Claude.APIVersion,
		BaseBetaHeader:   o.Config.BetaHeader,
		ClientBetaHeader: sel.clientBeta,
		IsCountTokens:    isCountTokens,
		Account:          sel.account,
		ClientHeaders:    filteredClientHeaders,
	})
	headers.Set("Authorization", "Bearer "+sel.accessToken)
	if streaming {
		headers.Set("X-Stainless-Helper-Method", "stream")
		headers.Set("Accept", "text/event-stream")
	}

	reqURL := o.Config.Claude.APIURL + path
	if headers.Get("anthropic-beta") != "" {
		reqURL += "?beta=true"
	}
	parsed, err := url.Parse(reqURL)
	if err != nil {
		return nil, fmt.Errorf("relay: parse upstream url %q: %w", reqURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, parsed.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("relay: build upstream request: %w", err)
	}
	req.Header = headers
	return req, nil
}

// RelayRequest implements the non-streaming entry point (spec §4.7 steps
// 1-9): select an account, prepare the body, dispatch over the pooled
// HTTP/2 transport, classify the response for health, and return it
// annotated with the serving account.
func (o *Orchestrator) RelayRequest(ctx context.Context, body models.RequestBody, clientHeaders http.Header, isCountTokens bool) (*Response, error) {
	requestID := logging.GetRequestID(ctx)
	if requestID == "" {
		requestID = logging.GenerateRequestID()
		ctx = logging.WithRequestID(ctx, requestID)
	}

	sel, err := o.resolve(body, clientHeaders, isCountTokens)
	if err != nil {
		return nil, err
	}
	sel.clientHeaders = clientHeaders
	sel.clientBeta = clientHeaders.Get("Anthropic-Beta")

	req, err := o.buildRequest(ctx, sel, isCountTokens, false)
	if err != nil {
		return nil, err
	}

	resp, err := o.Transport.Do(ctx, req, sel.account.Proxy)
	if err != nil {
		if ctx.Err() != nil {
			// Ingress disconnected before a response arrived: no usage
			// callback, no health classification (spec §5 cancellation).
			return nil, ctx.Err()
		}
		clientStatus, healthStatus := connectionStatus(err)
		o.Health.ClassifyResponse(ctx, sel.accountID, sel.accountType, sel.sessionHash, healthStatus, http.Header{}, "")
		return nil, fmt.Errorf("relay: upstream request failed (status %d): %w", clientStatus, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("relay: read upstream response: %w", err)
	}

	o.Health.ClassifyResponse(ctx, sel.accountID, sel.accountType, sel.sessionHash, resp.StatusCode, resp.Header, string(respBody))

	usage := usageFromResponseBody(respBody, sel.processed.Model)
	usage.AccountID = sel.accountID
	log.Printf("📊 relay[%s]: account=%s model=%s input=%d output=%d", requestID, usage.AccountID, usage.Model, usage.InputTokens, usage.OutputTokens)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
		AccountID:  sel.accountID,
	}, nil
}

// RelayStreamRequestWithUsageCapture implements the streaming entry point
// (spec §4.7 steps 1-6): it forwards upstream SSE bytes to ingress
// verbatim (through streamTransformer if supplied) while tapping the
// stream for usage telemetry, invoking usageCallback exactly once after
// the stream ends successfully.
func (o *Orchestrator) RelayStreamRequestWithUsageCapture(
	ctx context.Context,
	body models.RequestBody,
	clientHeaders http.Header,
	ingress io.Writer,
	usageCallback func(models.UsageRecord),
	streamTransformer sse.Transform,
) error {
	requestID := logging.GetRequestID(ctx)
	if requestID == "" {
		requestID = logging.GenerateRequestID()
		ctx = logging.WithRequestID(ctx, requestID)
	}

	sel, err := o.resolve(body, clientHeaders, false)
	if err != nil {
		return err
	}
	sel.clientHeaders = clientHeaders
	sel.clientBeta = clientHeaders.Get("Anthropic-Beta")

	req, err := o.buildRequest(ctx, sel, false, true)
	if err != nil {
		return err
	}

	resp, err := o.Transport.StreamSSE(ctx, req, sel.account.Proxy)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		clientStatus, healthStatus := connectionStatus(err)
		o.Health.ClassifyResponse(ctx, sel.accountID, sel.accountType, sel.sessionHash, healthStatus, http.Header{}, "")
		writeStreamError(ingress, clientStatus, err.Error())
		return fmt.Errorf("relay: upstream stream failed (status %d): %w", clientStatus, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(resp.Body)
		o.Health.ClassifyResponse(ctx, sel.accountID, sel.accountType, sel.sessionHash, resp.StatusCode, resp.Header, string(errBody))
		writeStreamError(ingress, resp.StatusCode, string(errBody))
		return fmt.Errorf("relay: upstream stream returned status %d", resp.StatusCode)
	}

	tapper := &sse.Tapper{Transform: streamTransformer}
	result, err := tapper.Relay(ctx, resp.Body, ingress, sel.processed.Model)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Ingress or caller canceled mid-stream: no usage callback,
			// no health classification (spec §5 cancellation).
			return err
		}
		clientStatus, healthStatus := connectionStatus(err)
		o.Health.ClassifyResponse(ctx, sel.accountID, sel.accountType, sel.sessionHash, healthStatus, resp.Header, "")
		writeStreamError(ingress, clientStatus, err.Error())
		return fmt.Errorf("relay: stream interrupted (status %d): %w", clientStatus, err)
	}

	if result.RateLimitDetected {
		o.Health.ClassifyResponse(ctx, sel.accountID, sel.accountType, sel.sessionHash, http.StatusTooManyRequests, resp.Header, "")
	} else {
		o.Health.ClassifyResponse(ctx, sel.accountID, sel.accountType, sel.sessionHash, http.StatusOK, resp.Header, "")
	}

	result.Usage.AccountID = sel.accountID
	log.Printf("📊 relay[%s]: account=%s model=%s input=%d output=%d (stream)", requestID, result.Usage.AccountID, result.Usage.Model, result.Usage.InputTokens, result.Usage.OutputTokens)
	usageCallback(result.Usage)
	return nil
}

// writeStreamError forwards a single SSE error frame to ingress (spec
// §4.7 step 5); write failures are swallowed since ingress is already in
// an error path and there is nowhere else to report them.
func writeStreamError(ingress io.Writer, status int, message string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    "api_error",
			"message": message,
		},
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	fmt.Fprintf(ingress, "event: error\ndata: %s\n\n", payload)
}
