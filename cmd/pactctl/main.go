package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"pactlane/pkg/canonical"
	"pactlane/pkg/hashchain"
)

const usage = "usage: pactctl keygen | pactctl sign --key <path> --action ACCEPT|FINALIZE --negotiation <id> --terms <path> --version <n> | pactctl chain verify --events <path>"

func main() {
	if len(os.Args) < 2 {
		failSummary("", usage)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "keygen":
		runKeygen()
	case "sign":
		runSign(os.Args[2:])
	case "chain":
		if len(os.Args) < 3 || os.Args[2] != "verify" {
			failSummary("", usage)
			os.Exit(2)
		}
		runChainVerify(os.Args[3:])
	default:
		failSummary("", usage)
		os.Exit(2)
	}
}

func runKeygen() {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		failSummary("", "keygen failed: "+err.Error())
		os.Exit(1)
	}
	fmt.Printf("{\"protocol\":\"pactlane\",\"status\":\"PASS\",\"public_key\":%s,\"private_key\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(base64.StdEncoding.EncodeToString(pub)),
		jsonQuote(base64.StdEncoding.EncodeToString(priv)),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func runSign(args []string) {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	keyPath := fs.String("key", "", "path to base64 ed25519 private key")
	action := fs.String("action", "ACCEPT", "ACCEPT or FINALIZE")
	negotiationID := fs.String("negotiation", "", "negotiation id")
	termsPath := fs.String("terms", "", "path to terms json")
	version := fs.Int("version", 0, "terms version being signed")
	if err := fs.Parse(args); err != nil {
		failSummary("", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*keyPath) == "" || strings.TrimSpace(*negotiationID) == "" || strings.TrimSpace(*termsPath) == "" || *version <= 0 {
		failSummary(*negotiationID, "--key, --negotiation, --terms and --version are required")
		os.Exit(2)
	}
	if *action != "ACCEPT" && *action != "FINALIZE" {
		failSummary(*negotiationID, "--action must be ACCEPT or FINALIZE")
		os.Exit(2)
	}

	priv, err := readPrivateKey(*keyPath)
	if err != nil {
		failSummary(*negotiationID, "read key failed: "+err.Error())
		os.Exit(1)
	}
	termsBytes, err := os.ReadFile(*termsPath)
	if err != nil {
		failSummary(*negotiationID, "read terms failed: "+err.Error())
		os.Exit(1)
	}
	var terms map[string]any
	if err := json.Unmarshal(termsBytes, &terms); err != nil {
		failSummary(*negotiationID, "parse terms failed: "+err.Error())
		os.Exit(1)
	}

	msg, err := canonical.SigningMessage(*action, *negotiationID, terms, *version)
	if err != nil {
		failSummary(*negotiationID, "build message failed: "+err.Error())
		os.Exit(1)
	}
	sig := ed25519.Sign(priv, msg)
	fmt.Printf("{\"protocol\":\"pactlane\",\"status\":\"PASS\",\"negotiation_id\":%s,\"action\":%s,\"terms_version\":%d,\"signature\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(*negotiationID),
		jsonQuote(*action),
		*version,
		jsonQuote(base64.StdEncoding.EncodeToString(sig)),
		time.Now().UTC().Format(time.RFC3339),
	)
}

// runChainVerify checks an exported trust-event lineage: every event's
// content hash must recompute from its fields, and every previous_hash must
// equal the preceding event's content_hash.
func runChainVerify(args []string) {
	fs := flag.NewFlagSet("chain verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	eventsPath := fs.String("events", "", "path to exported trust events json")
	if err := fs.Parse(args); err != nil {
		failSummary("", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*eventsPath) == "" {
		failSummary("", "--events is required")
		os.Exit(2)
	}
	raw, err := os.ReadFile(*eventsPath)
	if err != nil {
		failSummary("", "read events failed: "+err.Error())
		os.Exit(1)
	}

	var events []map[string]any
	if err := json.Unmarshal(raw, &events); err != nil {
		// Accept the service's {"events": [...]} response shape too.
		var wrapped struct {
			Events []map[string]any `json:"events"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			failSummary("", "parse events failed: "+err.Error())
			os.Exit(1)
		}
		events = wrapped.Events
	}

	// previous_hash may reference an event from the counterparty's lineage
	// that is absent from this export, but within one export every non-empty
	// link must resolve to an already-seen hash.
	seen := map[string]bool{}
	head := ""
	for i, ev := range events {
		id, _ := ev["id"].(string)
		gotPrev, _ := ev["previous_hash"].(string)
		if gotPrev != "" && !seen[gotPrev] {
			failSummary(id, fmt.Sprintf("event %d previous_hash %q does not resolve to an earlier event", i, gotPrev))
			os.Exit(1)
		}
		want, err := hashchain.ChainedSum(map[string]any{
			"id":          ev["id"],
			"actor_id":    ev["actor_id"],
			"subject_id":  ev["subject_id"],
			"event_type":  ev["event_type"],
			"trust_delta": ev["trust_delta"],
			"context":     ev["context"],
			"reporter_id": ev["reporter_id"],
			"created_at":  ev["created_at"],
		}, gotPrev)
		if err != nil {
			failSummary(id, "hash failed: "+err.Error())
			os.Exit(1)
		}
		got, _ := ev["content_hash"].(string)
		if got != want {
			failSummary(id, fmt.Sprintf("event %d content_hash mismatch: have %s want %s", i, got, want))
			os.Exit(1)
		}
		seen[got] = true
		head = got
	}
	fmt.Printf("{\"protocol\":\"pactlane\",\"status\":\"PASS\",\"events\":%d,\"head\":%s,\"timestamp_utc\":\"%s\"}\n",
		len(events),
		jsonQuote(head),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, err
	}
	switch len(decoded) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	}
	return nil, fmt.Errorf("unexpected key length %d", len(decoded))
}

func failSummary(id, reason string) {
	fmt.Printf("{\"protocol\":\"pactlane\",\"status\":\"FAIL\",\"id\":%s,\"reason\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(id),
		jsonQuote(reason),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func jsonQuote(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}
