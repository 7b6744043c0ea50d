package policy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

// SignatureHeader carries the policy signature when the body is not an
// envelope.
const SignatureHeader = "X-Policy-Signature"

const maxPolicyBytes = 16 << 20

// Payload is a fetched, not yet verified policy.
type Payload struct {
	Version   string
	JSON      string
	Signature string
}

// FetchConfig configures where policies come from and how they are checked.
type FetchConfig struct {
	Endpoint        string
	APIKey          string
	HMACKey         string
	PublicKeyPEM    string
	RefreshInterval time.Duration
	ConnectTimeout  time.Duration
	Timeout         time.Duration
}

// Fetcher retrieves policies from a file:// path or an HTTP(S) endpoint.
type Fetcher struct {
	cfg      FetchConfig
	client   *http.Client
	verifier *Verifier
	logger   *slog.Logger
}

// NewFetcher creates a fetcher. Connect and total timeouts default to 5s
// and 10s.
func NewFetcher(cfg FetchConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext
	transport.TLSHandshakeTimeout = cfg.ConnectTimeout

	return &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		verifier: NewVerifier(cfg.HMACKey, cfg.PublicKeyPEM, logger),
		logger:   logger,
	}
}

// Endpoint returns the configured policy source.
func (f *Fetcher) Endpoint() string {
	return f.cfg.Endpoint
}

// Verifier returns the signature verifier in use.
func (f *Fetcher) Verifier() *Verifier {
	return f.verifier
}

// Fetch retrieves the current policy from the endpoint.
func (f *Fetcher) Fetch(ctx context.Context) (*Payload, error) {
	endpoint := f.cfg.Endpoint
	switch {
	case endpoint == "":
		return nil, fmt.Errorf("policy endpoint is not configured")
	case strings.HasPrefix(endpoint, "file://"):
		data, err := os.ReadFile(strings.TrimPrefix(endpoint, "file://"))
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}
		return decodePayload(data, ""), nil
	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
		return f.fetchHTTP(ctx)
	}
	return nil, fmt.Errorf("unsupported policy endpoint %q", endpoint)
}

func (f *Fetcher) fetchHTTP(ctx context.Context) (*Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.APIKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch policy: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPolicyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read policy response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("policy endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return decodePayload(body, resp.Header.Get(SignatureHeader)), nil
}

// VerifySignature checks the payload against the configured material.
func (f *Fetcher) VerifySignature(p *Payload) bool {
	return f.verifier.Verify(p)
}

type envelope struct {
	Version   string          `json:"version"`
	Signature string          `json:"signature"`
	Policy    json.RawMessage `json:"policy"`
}

// decodePayload splits a response into version, signature and rule
// document. An envelope {"version", "signature", "policy"} yields the raw
// policy object as the document; any other body is the document itself.
// Without a version the document digest is used so that content changes
// are still picked up.
func decodePayload(body []byte, headerSig string) *Payload {
	p := &Payload{JSON: string(body), Signature: strings.TrimSpace(headerSig)}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err == nil {
			p.Version = env.Version
			if p.Signature == "" {
				p.Signature = env.Signature
			}
			if len(env.Policy) > 0 && !bytes.Equal(env.Policy, []byte("null")) {
				p.JSON = string(env.Policy)
			}
		}
	}

	if p.Version == "" {
		sum := sha256.Sum256([]byte(p.JSON))
		p.Version = "sha256:" + hex.EncodeToString(sum[:8])
	}
	return p
}
