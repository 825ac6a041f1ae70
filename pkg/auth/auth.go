package auth

import (
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/downfa11-org/cursus-client/pkg/types"
)

// Credentials is what a provider hands to the transport at connect time.
type Credentials struct {
	Token       string
	Certificate *tls.Certificate
}

// Provider supplies credentials to the transport. Implementations are
// pluggable by name through NewProvider.
type Provider interface {
	Name() string
	Load() (*Credentials, error)
}

type factory func(params map[string]string) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]factory{
		"tls":   newTLSFromParams,
		"token": newTokenFromParams,
	}
)

// Register makes a custom provider factory available under the given plugin
// name.
func Register(name string, fn func(params map[string]string) (Provider, error)) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = fn
}

// NewProvider resolves a provider by plugin name and a comma-separated
// "key:value" parameter string.
func NewProvider(plugin, params string) (Provider, error) {
	registryMu.RLock()
	fn, ok := registry[plugin]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown auth plugin %q", types.ErrInvalidArgument, plugin)
	}

	parsed, err := parseParams(params)
	if err != nil {
		return nil, err
	}
	return fn(parsed)
}

func parseParams(params string) (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(params) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(params, ",") {
		k, v, ok := strings.Cut(pair, ":")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("%w: malformed auth params %q", types.ErrInvalidArgument, params)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}

// TLSProvider loads a client certificate/key pair from disk.
type TLSProvider struct {
	CertFile string
	KeyFile  string
}

func NewTLS(certFile, keyFile string) *TLSProvider {
	return &TLSProvider{CertFile: certFile, KeyFile: keyFile}
}

func newTLSFromParams(params map[string]string) (Provider, error) {
	cert, key := params["tlsCertFile"], params["tlsKeyFile"]
	if cert == "" || key == "" {
		return nil, fmt.Errorf("%w: tls auth requires tlsCertFile and tlsKeyFile", types.ErrInvalidArgument)
	}
	return NewTLS(cert, key), nil
}

func (p *TLSProvider) Name() string { return "tls" }

func (p *TLSProvider) Load() (*Credentials, error) {
	cert, err := tls.LoadX509KeyPair(p.CertFile, p.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	return &Credentials{Certificate: &cert}, nil
}

// TokenProvider supplies a bearer token, either literal or read lazily from
// a file or supplier function.
type TokenProvider struct {
	supplier func() (string, error)
}

func NewToken(token string) *TokenProvider {
	return &TokenProvider{supplier: func() (string, error) { return token, nil }}
}

func NewTokenFromFile(path string) *TokenProvider {
	return &TokenProvider{supplier: func() (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}}
}

func NewTokenSupplier(fn func() (string, error)) *TokenProvider {
	return &TokenProvider{supplier: fn}
}

func newTokenFromParams(params map[string]string) (Provider, error) {
	if token := params["token"]; token != "" {
		return NewToken(token), nil
	}
	if file := params["file"]; file != "" {
		return NewTokenFromFile(file), nil
	}
	return nil, fmt.Errorf("%w: token auth requires token or file", types.ErrInvalidArgument)
}

func (p *TokenProvider) Name() string { return "token" }

func (p *TokenProvider) Load() (*Credentials, error) {
	token, err := p.supplier()
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("%w: empty auth token", types.ErrInvalidArgument)
	}
	return &Credentials{Token: token}, nil
}
