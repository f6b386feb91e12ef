package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/chipflow/internal/archive"
	"github.com/3cpo-dev/chipflow/internal/jobdir"
	"github.com/3cpo-dev/chipflow/pkg/api"
)

const (
	requestTimeout    = 10 * time.Second
	maxTimeoutRetries = 10
	maxRedirects      = 10
)

type Option func(*Client)

// WithHTTPClient replaces the default transport. Redirects are always
// handled by the client itself.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		cp := *h
		c.http = &cp
	}
}

// WithRetryDelay sets the pause between retries of a timed out request.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// WithCredentials skips reading a credentials file.
func WithCredentials(creds Credentials) Option {
	return func(c *Client) { c.creds = creds }
}

// Client is one session with a remote server.
type Client struct {
	creds      Credentials
	base       string
	http       *http.Client
	retryDelay time.Duration

	fallback   bool
	warnedOnce sync.Once
}

// NewClient reads credentials from credPath, or from the default location
// when credPath is empty.
func NewClient(credPath string, opts ...Option) (*Client, error) {
	c := &Client{retryDelay: requestTimeout}
	for _, o := range opts {
		o(c)
	}
	if c.creds.Address == "" {
		creds, fallback, err := LoadCredentials(credPath)
		if err != nil {
			return nil, err
		}
		c.creds, c.fallback = creds, fallback
	}
	if c.http == nil {
		c.http = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: requestTimeout}).DialContext,
			TLSHandshakeTimeout:   requestTimeout,
			ResponseHeaderTimeout: requestTimeout,
		}}
	}
	c.http.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	c.base = c.creds.baseURL()
	return c, nil
}

// BaseURL is the server root all requests are sent to.
func (c *Client) BaseURL() string { return c.base }

func (c *Client) params(jobHash, jobName string) api.Params {
	p := api.Params{JobHash: jobHash, JobID: jobName}
	if c.creds.Username != "" && c.creds.Password != "" {
		p.Username = c.creds.Username
		p.Key = c.creds.Password
	}
	return p
}

// payload produces a fresh request body for every attempt.
type payload func() (io.Reader, string, error)

func jsonPayload(v any) payload {
	data, err := json.Marshal(v)
	return func() (io.Reader, string, error) {
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

func filePayload(path, contentType string) payload {
	return func() (io.Reader, string, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, "", err
		}
		return f, contentType, nil
	}
}

// post sends a request, following redirects and retrying timeouts. Any
// other transport failure is returned at once as a CommunicationError;
// non-2xx responses become a ServerError.
func (c *Client) post(ctx context.Context, path string, body payload) (*http.Response, error) {
	if c.fallback {
		c.warnedOnce.Do(func() {
			log.Warn().Str("server", c.base).Msg("no credentials file found, using the default server")
		})
	}
	target := c.base + path
	attempts := 0
	var resp *http.Response
	op := func() error {
		attempts++
		r, err := c.send(ctx, target, body)
		if err == nil {
			resp = r
			return nil
		}
		if isTimeout(err) && ctx.Err() == nil {
			log.Warn().Str("url", target).Int("attempt", attempts).Msg("request timed out")
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), maxTimeoutRetries),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		var se *ServerError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, &CommunicationError{URL: target, Retries: attempts - 1, Err: err}
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, target string, body payload) (*http.Response, error) {
	for hop := 0; hop <= maxRedirects; hop++ {
		r, contentType, err := body()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, r)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		case resp.StatusCode >= 300 && resp.StatusCode < 400:
			loc := resp.Header.Get("Location")
			drain(resp)
			base, _ := url.Parse(target)
			next, err := base.Parse(loc)
			if loc == "" || err != nil {
				return nil, &ServerError{Code: resp.StatusCode, Message: "redirect without a usable location"}
			}
			log.Debug().Str("from", target).Str("to", next.String()).Msg("following redirect")
			target = next.String()
		default:
			return nil, readServerError(resp)
		}
	}
	return nil, fmt.Errorf("more than %d redirects", maxRedirects)
}

func readServerError(resp *http.Response) error {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er api.ErrorResponse
	msg := strings.TrimSpace(string(data))
	if err := json.Unmarshal(data, &er); err == nil && er.Message != "" {
		msg = er.Message
	}
	return &ServerError{Code: resp.StatusCode, Message: msg}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// CheckServer asks the server whether it accepts jobs.
func (c *Client) CheckServer(ctx context.Context) (api.ServerStatus, error) {
	var st api.ServerStatus
	resp, err := c.post(ctx, "/check_server/", jsonPayload(c.params("", "")))
	if err != nil {
		return st, err
	}
	if err := decodeJSON(resp, &st); err != nil {
		return st, setupError(err, "invalid server status response")
	}
	if st.Status == "" {
		return st, setupError(nil, "server status response has no status")
	}
	return st, nil
}

// Ping reports the server status, versions and account information.
func (c *Client) Ping(ctx context.Context, out io.Writer) (api.ServerStatus, error) {
	st, err := c.CheckServer(ctx)
	if err != nil {
		return st, err
	}
	if st.Status == api.ServerReady {
		log.Info().Str("server", c.base).Str("status", st.Status).Msg("server status")
	} else {
		log.Warn().Str("server", c.base).Str("status", st.Status).Msg("server is not ready")
	}
	names := make([]string, 0, len(st.Versions))
	for name := range st.Versions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		log.Info().Str("component", name).Str("version", st.Versions[name]).Msg("server version")
	}
	if u := st.UserInfo; u != nil {
		log.Info().
			Str("user", c.creds.Username).
			Str("compute_time", fmt.Sprintf("%.1f minutes", u.ComputeTime/60)).
			Str("bandwidth", humanize.Bytes(uint64(u.BandwidthKB*1000))).
			Msg("remaining account quota")
	}
	printTerms(out, st.Terms)
	return st, nil
}

func printTerms(out io.Writer, terms string) {
	if terms == "" || out == nil {
		return
	}
	fmt.Fprintln(out, "Terms of service:")
	for _, line := range strings.Split(terms, "\n") {
		fmt.Fprintln(out, "  "+line)
	}
}

// Submit uploads a job archive together with its manifest.
func (c *Client) Submit(ctx context.Context, manifest []byte, archivePath string) (api.RunResponse, error) {
	var rr api.RunResponse
	params, err := json.Marshal(api.RunRequest{Config: manifest, Params: c.params("", "")})
	if err != nil {
		return rr, err
	}
	body, err := os.CreateTemp(filepath.Dir(archivePath), "upload-*.multipart")
	if err != nil {
		return rr, fmt.Errorf("stage upload: %w", err)
	}
	defer os.Remove(body.Name())
	contentType, err := writeMultipart(body, params, archivePath)
	if cerr := body.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return rr, fmt.Errorf("stage upload: %w", err)
	}

	resp, err := c.post(ctx, "/remote_run/", filePayload(body.Name(), contentType))
	if err != nil {
		return rr, err
	}
	if err := decodeJSON(resp, &rr); err != nil {
		return rr, setupError(err, "invalid remote_run response")
	}
	if rr.JobHash == "" {
		return rr, setupError(nil, "server did not return a job hash")
	}
	return rr, nil
}

func writeMultipart(w io.Writer, params []byte, archivePath string) (string, error) {
	mw := multipart.NewWriter(w)
	if err := mw.WriteField("params", string(params)); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("import", "import.tar.gz")
	if err != nil {
		return "", err
	}
	f, err := os.Open(archivePath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	return mw.FormDataContentType(), mw.Close()
}

// Progress asks for the state of a running job.
func (c *Client) Progress(ctx context.Context, jobHash, jobName string) (Progress, error) {
	resp, err := c.post(ctx, "/check_progress/", jsonPayload(c.params(jobHash, jobName)))
	if err != nil {
		return Progress{Busy: true}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Progress{Busy: true}, &CommunicationError{URL: c.base + "/check_progress/", Err: err}
	}
	return parseProgress(data), nil
}

// Fetch downloads the results of one node, or the final results when node
// is empty, and copies them into buildDir. Results arrive as
// <jobHash>/<design>/<jobname>/... archives.
func (c *Client) Fetch(ctx context.Context, jobHash, node, buildDir string) error {
	warn := func(err error) error { return &ResultFetchWarning{Node: node, Err: err} }

	p := c.params(jobHash, "")
	p.Node = node
	resp, err := c.post(ctx, "/get_results/"+jobHash+".tar.gz", jsonPayload(p))
	if err != nil {
		return warn(err)
	}
	defer resp.Body.Close()

	tmp, err := os.MkdirTemp("", "chipflow_"+jobHash+"_")
	if err != nil {
		return warn(err)
	}
	defer os.RemoveAll(tmp)

	counted := &countingReader{r: resp.Body}
	if err := archive.Extract(counted, tmp); err != nil {
		return warn(err)
	}
	work := filepath.Join(tmp, jobHash)
	if !jobdir.Exists(work) {
		return warn(errors.New("empty result archive"))
	}
	if err := jobdir.CopyTree(work, buildDir); err != nil {
		return warn(fmt.Errorf("copy results: %w", err))
	}
	log.Info().Str("node", node).Str("size", humanize.Bytes(uint64(counted.n))).Msg("fetched results")
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Cancel asks the server to stop a job.
func (c *Client) Cancel(ctx context.Context, jobHash string) (string, error) {
	return c.admin(ctx, "/cancel_job/", jobHash)
}

// Delete asks the server to remove a job and its results.
func (c *Client) Delete(ctx context.Context, jobHash string) (string, error) {
	return c.admin(ctx, "/delete_job/", jobHash)
}

func (c *Client) admin(ctx context.Context, path, jobHash string) (string, error) {
	resp, err := c.post(ctx, path, jsonPayload(c.params(jobHash, "")))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var msg api.ErrorResponse
	if json.Unmarshal(data, &msg) == nil && msg.Message != "" {
		return msg.Message, nil
	}
	return strings.TrimSpace(string(data)), nil
}
