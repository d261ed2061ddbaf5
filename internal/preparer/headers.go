package preparer

import (
	"net/http"
	"strings"

	"github.com/pysugar/claude-relay/internal/beta"
	"github.com/pysugar/claude-relay/internal/fingerprint"
	"github.com/pysugar/claude-relay/internal/models"
)

// passthroughClientHeaders are the only client-supplied headers copied
// onto the outbound request; everything else is regenerated from scratch
// so a captured fingerprint can't leak through a header the baseline
// doesn't know about. anthropic-dangerous-direct-browser-access is
// preparer-fixed (always "true", see BuildHeaders) rather than
// client-controlled, so it is deliberately not in this list.
var passthroughClientHeaders = []string{
	"x-stainless-retry-count",
	"x-stainless-timeout",
}

// HeaderParams is the input to BuildHeaders: everything needed to compute
// the outbound header set for one upstream call.
type HeaderParams struct {
	Model            string
	APIVersion       string
	BaseBetaHeader   string
	ClientBetaHeader string
	IsCountTokens    bool
	Account          models.Account
	ClientHeaders    http.Header
}

// BuildHeaders constructs the outbound header set: a fixed baseline
// (content-type, anthropic-version, computed anthropic-beta, and the
// stable browser-shape fields the vendor expects), a
// baseline-or-captured-or-random x-stainless-* identity tuple, and a small
// allowlist of pass-through client headers (spec §4.3 "header
// construction", §4.5 ban-evasion substitution, §6 "stable set").
func BuildHeaders(p HeaderParams) http.Header {
	out := http.Header{}
	out.Set("Content-Type", "application/json")
	out.Set("anthropic-version", p.APIVersion)
	out.Set("anthropic-dangerous-direct-browser-access", "true")
	out.Set("x-app", "cli")
	out.Set("accept-language", "*")
	out.Set("accept-encoding", "gzip, deflate")
	out.Set("sec-fetch-mode", "cors")

	if betaValue := beta.Select(p.Model, p.BaseBetaHeader, p.ClientBetaHeader, p.IsCountTokens); betaValue != "" {
		out.Set("anthropic-beta", betaValue)
	}

	tuple := identityTuple(p.Account)
	out.Set("User-Agent", tuple.UserAgent)
	out.Set("X-Stainless-Lang", "js")
	out.Set("X-Stainless-Package-Version", tuple.PackageVersion)
	out.Set("X-Stainless-OS", tuple.OS)
	out.Set("X-Stainless-Arch", tuple.Arch)
	out.Set("X-Stainless-Runtime", tuple.Runtime)
	out.Set("X-Stainless-Runtime-Version", tuple.RuntimeVersion)

	for _, name := range passthroughClientHeaders {
		if v := p.ClientHeaders.Get(name); v != "" {
			out.Set(name, v)
		}
	}

	return out
}

// identityTuple resolves the x-stainless-* identity for an account: a
// captured real fingerprint when not in ban-evasion mode and one was
// captured, a freshly synthesized internally-consistent tuple in
// ban-evasion mode, and otherwise the fixed claude-cli baseline tuple.
func identityTuple(account models.Account) fingerprint.Tuple {
	if !account.BanMode && account.UseUnifiedUserAgent && account.CapturedUserAgent != "" {
		return fingerprint.Tuple{
			UserAgent:      account.CapturedUserAgent,
			PackageVersion: "0.0.0",
			OS:             "Linux",
			Arch:           "x64",
			Runtime:        "node",
			RuntimeVersion: "18.0.0",
		}
	}
	if account.BanMode {
		return fingerprint.Random()
	}
	return fingerprint.Tuple{
		UserAgent:      "claude-cli/1.0.0 (external, cli)",
		PackageVersion: "1.0.0",
		OS:             "Linux",
		Arch:           "x64",
		Runtime:        "node",
		RuntimeVersion: "18.0.0",
	}
}

// alwaysKeptClientHeaders survive FilterClientHeaders even though nothing
// in the drop lists below would otherwise touch them; listed explicitly
// per spec §4.3's client-header filtering rule ("always keep x-request-id,
// anthropic-version, anthropic-beta").
var alwaysKeptClientHeaders = map[string]bool{
	"x-request-id":      true,
	"anthropic-version": true,
	"anthropic-beta":    true,
}

// sensitiveClientHeaders are identity, hop-by-hop, or framing headers that
// never survive a proxied hop (spec §4.3 client-header filtering).
var sensitiveClientHeaders = map[string]bool{
	"host": true, "connection": true, "content-length": true,
	"transfer-encoding": true, "authorization": true, "x-api-key": true,
	"proxy-authorization": true, "cookie": true, "content-type": true,
	"content-encoding": true,
}

// browserClientHeaders are dropped because BuildHeaders synthesizes its
// own fixed browser-shape fields (spec §4.3, "drop browser headers");
// anthropic-dangerous-direct-browser-access is included here since it is
// preparer-fixed, not client-controlled.
var browserClientHeaders = map[string]bool{
	"origin": true, "referer": true, "pragma": true,
	"anthropic-dangerous-direct-browser-access": true,
}

// FilterClientHeaders strips hop-by-hop, identity, and browser headers
// from an inbound request before any of it is considered for pass-through,
// mirroring the header hygiene internal/upstream/client.go applies before
// forwarding (pseudo-headers and connection-scoped fields never survive a
// proxied hop).
func FilterClientHeaders(in http.Header) http.Header {
	out := http.Header{}
	for name, values := range in {
		lower := strings.ToLower(name)
		if alwaysKeptClientHeaders[lower] {
			out[name] = values
			continue
		}
		if strings.HasPrefix(lower, ":") {
			continue
		}
		if sensitiveClientHeaders[lower] || browserClientHeaders[lower] {
			continue
		}
		if strings.HasPrefix(lower, "sec-") || strings.HasPrefix(lower, "accept-") {
			continue
		}
		out[name] = values
	}
	return out
}
