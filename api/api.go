// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	rootcerts "github.com/hashicorp/go-rootcerts"
)

const (
	// EnvStintAddress names the environment variable read by DefaultConfig
	// for the control plane address.
	EnvStintAddress = "STINT_ADDR"

	// EnvStintCACert names the environment variable read by DefaultConfig
	// for a PEM encoded CA cert file to verify the server certificate.
	EnvStintCACert = "STINT_CACERT"

	// EnvStintClientCert and EnvStintClientKey name the environment
	// variables read by DefaultConfig for the client certificate pair.
	EnvStintClientCert = "STINT_CLIENT_CERT"
	EnvStintClientKey  = "STINT_CLIENT_KEY"

	// EnvStintTLSServerName names the environment variable read by
	// DefaultConfig for the SNI server name.
	EnvStintTLSServerName = "STINT_TLS_SERVER_NAME"

	// EnvStintSkipVerify names the environment variable read by
	// DefaultConfig to disable server certificate verification.
	EnvStintSkipVerify = "STINT_SKIP_VERIFY"

	// IdempotencyKeyHeader carries the client's replay token on job
	// submissions.
	IdempotencyKeyHeader = "Idempotency-Key"
)

// Config is used to configure the creation of a client.
type Config struct {
	// Address is the address of the control plane agent.
	Address string

	// HttpClient is the client to use. Default will be used if not
	// provided. If set, TLSConfig is ignored and the caller owns the
	// transport.
	HttpClient *http.Client

	// TLSConfig provides the various TLS related configurations for the
	// http client.
	TLSConfig *TLSConfig
}

// ClientConfig copies the configuration with a new address.
func (c *Config) ClientConfig(address string) *Config {
	config := &Config{
		Address:    address,
		HttpClient: c.HttpClient,
		TLSConfig:  c.TLSConfig.Copy(),
	}
	return config
}

// TLSConfig contains the parameters needed to configure TLS on the HTTP
// client used to communicate with the agent.
type TLSConfig struct {
	// CACert is the path to a PEM-encoded CA cert file to use to verify
	// the agent server SSL certificate.
	CACert string

	// CAPath is the path to a directory of PEM-encoded CA cert files to
	// verify the agent server SSL certificate.
	CAPath string

	// ClientCert is the path to the certificate for communicating with the
	// agent endpoints.
	ClientCert string

	// ClientKey is the path to the private key for communicating with the
	// agent endpoints.
	ClientKey string

	// TLSServerName, if set, is used to set the SNI host when connecting
	// via TLS.
	TLSServerName string

	// Insecure enables or disables SSL verification.
	Insecure bool
}

// Copy returns a deep copy of the TLS config.
func (t *TLSConfig) Copy() *TLSConfig {
	if t == nil {
		return nil
	}
	nt := *t
	return &nt
}

// DefaultConfig returns a default configuration for the client, checking the
// environment for any overrides.
func DefaultConfig() *Config {
	config := &Config{
		Address:   "http://127.0.0.1:4747",
		TLSConfig: &TLSConfig{},
	}
	if addr := os.Getenv(EnvStintAddress); addr != "" {
		config.Address = addr
	}
	if v := os.Getenv(EnvStintCACert); v != "" {
		config.TLSConfig.CACert = v
	}
	if v := os.Getenv(EnvStintClientCert); v != "" {
		config.TLSConfig.ClientCert = v
	}
	if v := os.Getenv(EnvStintClientKey); v != "" {
		config.TLSConfig.ClientKey = v
	}
	if v := os.Getenv(EnvStintTLSServerName); v != "" {
		config.TLSConfig.TLSServerName = v
	}
	if v := os.Getenv(EnvStintSkipVerify); v != "" {
		if insecure, err := strconv.ParseBool(v); err == nil {
			config.TLSConfig.Insecure = insecure
		}
	}
	return config
}

// ConfigureTLS applies the TLS configuration to the HTTP client's transport.
func ConfigureTLS(httpClient *http.Client, tlsConfig *TLSConfig) error {
	if tlsConfig == nil {
		return nil
	}
	if httpClient == nil {
		return errors.New("config HTTP Client must be set")
	}

	var clientCert tls.Certificate
	foundClientCert := false
	if tlsConfig.ClientCert != "" || tlsConfig.ClientKey != "" {
		if tlsConfig.ClientCert == "" || tlsConfig.ClientKey == "" {
			return errors.New("both client cert and client key must be provided")
		}
		var err error
		clientCert, err = tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return err
		}
		foundClientCert = true
	}

	clientTLSConfig := httpClient.Transport.(*http.Transport).TLSClientConfig
	rootConfig := &rootcerts.Config{
		CAFile: tlsConfig.CACert,
		CAPath: tlsConfig.CAPath,
	}
	if err := rootcerts.ConfigureTLS(clientTLSConfig, rootConfig); err != nil {
		return err
	}

	clientTLSConfig.InsecureSkipVerify = tlsConfig.Insecure
	if foundClientCert {
		clientTLSConfig.Certificates = []tls.Certificate{clientCert}
	}
	if tlsConfig.TLSServerName != "" {
		clientTLSConfig.ServerName = tlsConfig.TLSServerName
	}
	return nil
}

// Client provides a client to the Stint API.
type Client struct {
	httpClient *http.Client
	config     Config
}

// NewClient returns a new client.
func NewClient(config *Config) (*Client, error) {
	defConfig := DefaultConfig()
	if config == nil {
		config = defConfig
	}
	if config.Address == "" {
		config.Address = defConfig.Address
	}
	if _, err := url.Parse(config.Address); err != nil {
		return nil, fmt.Errorf("invalid address '%s': %v", config.Address, err)
	}

	httpClient := config.HttpClient
	if httpClient == nil {
		httpClient = defaultHttpClient()
		if err := ConfigureTLS(httpClient, config.TLSConfig); err != nil {
			return nil, err
		}
	}

	client := &Client{
		httpClient: httpClient,
		config:     *config,
	}
	return client, nil
}

// Address returns the address of the configured agent.
func (c *Client) Address() string {
	return c.config.Address
}

func defaultHttpClient() *http.Client {
	httpClient := cleanhttp.DefaultPooledClient()
	transport := httpClient.Transport.(*http.Transport)
	transport.TLSHandshakeTimeout = 10 * time.Second
	transport.TLSClientConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	return httpClient
}

// QueryOptions are used to parametrize a read.
type QueryOptions struct {
	// Stale includes entries past their expiry in listings that filter
	// them out by default.
	Stale bool

	// Params are arbitrary, additional query parameters.
	Params map[string]string

	// ctx is an optional context pass through to the underlying HTTP
	// request layer. Use Context() and WithContext() to manage this.
	ctx context.Context
}

// WriteOptions are used to parametrize a write.
type WriteOptions struct {
	// IdempotencyToken makes retries of the write safe: within the replay
	// window the original result is returned without a second effect.
	IdempotencyToken string

	// ctx is an optional context pass through to the underlying HTTP
	// request layer. Use Context() and WithContext() to manage this.
	ctx context.Context
}

// Context returns the context used for canceling HTTP requests related to
// this query. If no context has been set, context.Background() is returned.
func (q *QueryOptions) Context() context.Context {
	if q != nil && q.ctx != nil {
		return q.ctx
	}
	return context.Background()
}

// WithContext creates a copy of the query options using the provided context.
func (q *QueryOptions) WithContext(ctx context.Context) *QueryOptions {
	nq := new(QueryOptions)
	if q != nil {
		*nq = *q
	}
	nq.ctx = ctx
	return nq
}

// Context returns the context used for canceling HTTP requests related to
// this write. If no context has been set, context.Background() is returned.
func (w *WriteOptions) Context() context.Context {
	if w != nil && w.ctx != nil {
		return w.ctx
	}
	return context.Background()
}

// WithContext creates a copy of the write options using the provided context.
func (w *WriteOptions) WithContext(ctx context.Context) *WriteOptions {
	nw := new(WriteOptions)
	if w != nil {
		*nw = *w
	}
	nw.ctx = ctx
	return nw
}

// QueryMeta is used to return meta data about a query.
type QueryMeta struct {
	// RequestTime is how long the request took.
	RequestTime time.Duration
}

// WriteMeta is used to return meta data about a write.
type WriteMeta struct {
	// RequestTime is how long the request took.
	RequestTime time.Duration
}

// request is used to help build up a request.
type request struct {
	config *Config
	method string
	url    *url.URL
	params url.Values
	header http.Header
	body   io.Reader
	obj    interface{}
	ctx    context.Context
}

// setQueryOptions is used to annotate the request with additional query
// options.
func (r *request) setQueryOptions(q *QueryOptions) {
	if q == nil {
		return
	}
	if q.Stale {
		r.params.Set("stale", "true")
	}
	for k, v := range q.Params {
		r.params.Set(k, v)
	}
	r.ctx = q.Context()
}

// setWriteOptions is used to annotate the request with additional write
// options.
func (r *request) setWriteOptions(w *WriteOptions) {
	if w == nil {
		return
	}
	if w.IdempotencyToken != "" {
		r.header.Set(IdempotencyKeyHeader, w.IdempotencyToken)
	}
	r.ctx = w.Context()
}

// toHTTP converts the request to an HTTP request.
func (r *request) toHTTP() (*http.Request, error) {
	r.url.RawQuery = r.params.Encode()

	if r.body == nil && r.obj != nil {
		b, err := encodeBody(r.obj)
		if err != nil {
			return nil, err
		}
		r.body = b
	}

	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url.RequestURI(), r.body)
	if err != nil {
		return nil, err
	}

	req.URL.Host = r.url.Host
	req.URL.Scheme = r.url.Scheme
	req.Host = r.url.Host
	req.Header = r.header
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// newRequest is used to create a new request.
func (c *Client) newRequest(method, path string) (*request, error) {
	base, _ := url.Parse(c.config.Address)
	u, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	r := &request{
		config: &c.config,
		method: method,
		url: &url.URL{
			Scheme:  base.Scheme,
			User:    base.User,
			Host:    base.Host,
			Path:    u.Path,
			RawPath: u.RawPath,
		},
		params: make(url.Values),
		header: make(http.Header),
	}

	// Add in the query parameters, if any
	for key, values := range u.Query() {
		for _, value := range values {
			r.params.Add(key, value)
		}
	}

	return r, nil
}

// doRequest runs a request with our client.
func (c *Client) doRequest(r *request) (time.Duration, *http.Response, error) {
	req, err := r.toHTTP()
	if err != nil {
		return 0, nil, err
	}
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	diff := time.Since(start)
	return diff, resp, err
}

// query is used to do a GET request against an endpoint and deserialize the
// response into an interface using standard JSON decoding.
func (c *Client) query(endpoint string, out interface{}, q *QueryOptions) (*QueryMeta, error) {
	r, err := c.newRequest(http.MethodGet, endpoint)
	if err != nil {
		return nil, err
	}
	r.setQueryOptions(q)
	rtt, resp, err := requireOK(c.doRequest(r))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	qm := &QueryMeta{RequestTime: rtt}
	if err := decodeBody(resp, out); err != nil {
		return nil, err
	}
	return qm, nil
}

// put is used to do a PUT request against an endpoint and serialize and
// deserialized using the standard JSON types.
func (c *Client) put(endpoint string, in, out interface{}, w *WriteOptions) (*WriteMeta, error) {
	r, err := c.newRequest(http.MethodPut, endpoint)
	if err != nil {
		return nil, err
	}
	r.setWriteOptions(w)
	r.obj = in
	rtt, resp, err := requireOK(c.doRequest(r))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	wm := &WriteMeta{RequestTime: rtt}
	if out != nil {
		if err := decodeBody(resp, out); err != nil {
			return nil, err
		}
	}
	return wm, nil
}

// rawQuery is used to do a GET request against an endpoint and return the
// raw body. The caller is responsible for closing it.
func (c *Client) rawQuery(endpoint string, q *QueryOptions) (io.ReadCloser, error) {
	r, err := c.newRequest(http.MethodGet, endpoint)
	if err != nil {
		return nil, err
	}
	r.setQueryOptions(q)
	_, resp, err := requireOK(c.doRequest(r))
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// encodeBody prepares the reader to serve as the request body.
//
// Returns the `obj` input if it is a raw io.Reader object; otherwise returns
// a reader of the JSON format body.
func encodeBody(obj interface{}) (io.Reader, error) {
	if reader, ok := obj.(io.Reader); ok {
		return reader, nil
	}

	buf := bytes.NewBuffer(nil)
	enc := json.NewEncoder(buf)
	if err := enc.Encode(obj); err != nil {
		return nil, err
	}
	return buf, nil
}

// decodeBody is used to JSON decode a body.
func decodeBody(resp *http.Response, out interface{}) error {
	switch resp.ContentLength {
	case 0:
		if out == nil {
			return nil
		}
		return errors.New("got 0 byte response with non-nil decode object")
	default:
		dec := json.NewDecoder(resp.Body)
		return dec.Decode(out)
	}
}
