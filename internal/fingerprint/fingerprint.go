// Package fingerprint synthesizes a plausible, internally-consistent
// client identity (User-Agent + x-stainless-* tuple) for accounts in
// ban-evasion mode (spec §4.5). Random selection follows the math/rand
// idiom internal/upstream/client.go uses for sessionId generation
// (rand.Int63n rather than crypto/rand, since this is plausibility, not a
// security token). There is no environment or operator override: every
// field comes from Random.
package fingerprint

import (
	"fmt"
	"math/rand"
)

// Kind is one of the client archetypes the vendor's SDKs report as.
type Kind string

const (
	KindClaudeCLI Kind = "claudeCli"
	KindBrowser   Kind = "browser"
	KindNode      Kind = "node"
	KindMobile    Kind = "mobile"
	KindOther     Kind = "other"
)

var allKinds = []Kind{KindClaudeCLI, KindBrowser, KindNode, KindMobile, KindOther}

// Tuple is the set of headers ban-evasion mode substitutes for the
// baseline outbound headers (spec §4.3's "_makeRequest" step, §6's
// x-stainless-* set).
type Tuple struct {
	UserAgent      string
	PackageVersion string
	OS             string
	Arch           string
	Runtime        string
	RuntimeVersion string
}

var oses = []string{"MacOS", "Windows", "Linux"}
var arches = []string{"x64", "arm64"}

// Random returns a new internally-consistent Tuple: the runtime dictated
// by kind pairs with an OS/arch drawn from the same pool every archetype
// uses, so a claude-cli UA always pairs with a Node runtime, a browser UA
// always pairs with a browser "runtime", etc.
func Random() Tuple {
	kind := allKinds[rand.Intn(len(allKinds))]
	osName := oses[rand.Intn(len(oses))]
	arch := arches[rand.Intn(len(arches))]

	switch kind {
	case KindClaudeCLI:
		version := fmt.Sprintf("1.%d.%d", rand.Intn(20), rand.Intn(30))
		nodeVersion := fmt.Sprintf("%d.%d.%d", 16+rand.Intn(8), rand.Intn(20), rand.Intn(20))
		return Tuple{
			UserAgent:      fmt.Sprintf("claude-cli/%s (external, cli)", version),
			PackageVersion: version,
			OS:             osName,
			Arch:           arch,
			Runtime:        "node",
			RuntimeVersion: nodeVersion,
		}
	case KindNode:
		version := fmt.Sprintf("0.%d.%d", rand.Intn(60), rand.Intn(30))
		nodeVersion := fmt.Sprintf("%d.%d.%d", 16+rand.Intn(8), rand.Intn(20), rand.Intn(20))
		return Tuple{
			UserAgent:      fmt.Sprintf("anthropic-sdk-node/%s", version),
			PackageVersion: version,
			OS:             osName,
			Arch:           arch,
			Runtime:        "node",
			RuntimeVersion: nodeVersion,
		}
	case KindMobile:
		version := fmt.Sprintf("1.%d.%d", rand.Intn(10), rand.Intn(30))
		return Tuple{
			UserAgent:      fmt.Sprintf("claude-mobile/%s", version),
			PackageVersion: version,
			OS:             osName,
			Arch:           arch,
			Runtime:        "swift",
			RuntimeVersion: fmt.Sprintf("5.%d", rand.Intn(10)),
		}
	case KindBrowser:
		version := fmt.Sprintf("1.%d.%d", rand.Intn(10), rand.Intn(30))
		chrome := 100 + rand.Intn(30)
		return Tuple{
			UserAgent:      fmt.Sprintf("Mozilla/5.0 AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36", chrome),
			PackageVersion: version,
			OS:             osName,
			Arch:           arch,
			Runtime:        "browser",
			RuntimeVersion: fmt.Sprintf("%d.0.0.0", chrome),
		}
	default: // KindOther
		version := fmt.Sprintf("0.%d.%d", rand.Intn(30), rand.Intn(30))
		return Tuple{
			UserAgent:      fmt.Sprintf("unknown-client/%s", version),
			PackageVersion: version,
			OS:             osName,
			Arch:           arch,
			Runtime:        "unknown",
			RuntimeVersion: "0.0.0",
		}
	}
}
