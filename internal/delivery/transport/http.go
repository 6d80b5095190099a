// Package transport implements delivery.Transport over HTTP and gRPC. Both
// classify failures into the errs taxonomy: 2xx/OK acknowledges, 429, 5xx
// and connection failures are transient, other client errors are terminal.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/net/http2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Portunus/presence/internal/errs"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"

	contentTypeJSON     = "application/json"
	contentTypeProtobuf = "application/x-protobuf"
)

// HTTP posts task payloads to the collector.
type HTTP struct {
	client   *http.Client
	protobuf bool
}

type HTTPOption func(*HTTP)

// WithProtobuf sends bodies as a protobuf Struct instead of JSON.
func WithProtobuf() HTTPOption {
	return func(h *HTTP) { h.protobuf = true }
}

func NewHTTP(client *http.Client, opts ...HTTPOption) *HTTP {
	if client == nil {
		client = NewClient(nil)
	}
	h := &HTTP{client: client}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send POSTs payload to endpoint (a full URL).
func (h *HTTP) Send(ctx context.Context, endpoint string, payload []byte, idempotencyKey string) error {
	body, contentType := payload, contentTypeJSON
	if h.protobuf {
		st, err := payloadStruct(payload)
		if err != nil {
			return err
		}
		body, err = proto.Marshal(st)
		if err != nil {
			return errs.Terminal("marshal protobuf payload", err)
		}
		contentType = contentTypeProtobuf
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errs.Terminal("build request", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(HeaderIdempotencyKey, idempotencyKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return errs.Transient("post "+endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return classifyStatus(resp, time.Now())
}

func classifyStatus(resp *http.Response, now time.Time) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return &errs.Error{
			Code:       errs.CodeTransient,
			Message:    "collector responded " + resp.Status,
			Metadata:   map[string]string{"status": strconv.Itoa(code)},
			RetryAfter: retryAfter(resp.Header.Get("Retry-After"), now),
		}
	default:
		return &errs.Error{
			Code:     errs.CodeTerminal,
			Message:  "collector rejected " + resp.Status,
			Metadata: map[string]string{"status": strconv.Itoa(code)},
		}
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP
// date. Unparseable values yield the zero time.
func retryAfter(v string, now time.Time) time.Time {
	if v == "" {
		return time.Time{}
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return now.Add(time.Duration(secs) * time.Second)
	}
	if t, err := http.ParseTime(v); err == nil {
		return t
	}
	return time.Time{}
}

func payloadStruct(payload []byte) (*structpb.Struct, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, errs.Terminal("payload is not a JSON object", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, errs.Terminal("convert payload", err)
	}
	return st, nil
}

// NewClient returns an HTTP/2 client when tlsCfg is set and a plain
// HTTP/1.1 client for cleartext development endpoints.
func NewClient(tlsCfg *tls.Config) *http.Client {
	if tlsCfg == nil {
		return &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &http.Client{Transport: &http2.Transport{TLSClientConfig: tlsCfg}}
}

// LoadTLS builds a TLS 1.3 client config. certPath and keyPath enable mTLS
// and must be given together; caPath replaces the system roots.
func LoadTLS(certPath, keyPath, caPath string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS13}

	if (certPath == "") != (keyPath == "") {
		return nil, fmt.Errorf("client cert and key must be set together")
	}
	if certPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse CA certificate %s", caPath)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
