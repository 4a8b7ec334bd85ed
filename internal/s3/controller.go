// Package s3 speaks the S3 wire protocol directly: every request is signed
// with AWS Signature V4 against a configurable endpoint.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/errs"
	"github.com/vaulthalla/vaulthalla/internal/paths"
)

// MinPartSize is both the multipart cutoff and the minimum part size.
const MinPartSize = 5 * 1024 * 1024

// Version stamps the User-Agent header.
var Version = "dev"

// Credentials carries the decrypted S3 credentials for one request scope.
type Credentials struct {
	AccessKey string
	SecretKey string
	Region    string
	Endpoint  string // scheme://host[:port]
}

// Controller issues signed requests against one bucket.
type Controller struct {
	creds      Credentials
	bucket     string
	client     *http.Client
	partClient *http.Client
	log        *slog.Logger

	maxRetries int
	backoff    time.Duration // doubled per attempt
}

// Config tunes request behavior.
type Config struct {
	Timeout     time.Duration // per-request; default 60s
	PartTimeout time.Duration // multipart part upload; default 10m
	MaxRetries  int           // transient retry budget; default 3
	Logger      *slog.Logger
}

// New builds a controller for one bucket.
func New(creds Credentials, bucket string, cfg Config) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.PartTimeout <= 0 {
		cfg.PartTimeout = 10 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		creds:      creds,
		bucket:     bucket,
		client:     &http.Client{Timeout: cfg.Timeout},
		partClient: &http.Client{Timeout: cfg.PartTimeout},
		log:        cfg.Logger,
		maxRetries: cfg.MaxRetries,
		backoff:    500 * time.Millisecond,
	}
}

var dnsSafeBucket = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// objectURL builds the request URL for a key, virtual-hosted style when the
// bucket name allows it, path-style otherwise.
func (c *Controller) objectURL(key string) string {
	key = paths.StripLeadingSlash(key)
	base := strings.TrimRight(c.creds.Endpoint, "/")

	if u, err := url.Parse(base); err == nil && dnsSafeBucket.MatchString(c.bucket) && !strings.Contains(c.bucket, ".") {
		host := u.Hostname()
		if net.ParseIP(host) == nil && host != "localhost" {
			u.Host = c.bucket + "." + u.Host
			if key == "" {
				return u.String() + "/"
			}
			return u.String() + "/" + escapeKey(key)
		}
	}

	if key == "" {
		return base + "/" + c.bucket
	}
	return base + "/" + c.bucket + "/" + escapeKey(key)
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// do signs and performs a request, classifying the response status into the
// error kinds of the core.
func (c *Controller) do(client *http.Client, req *http.Request, payloadHash string) (*http.Response, error) {
	req.Header.Set("User-Agent", "Vaulthalla/"+Version)
	signRequest(req, c.creds.AccessKey, c.creds.SecretKey, c.creds.Region, payloadHash)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %v: %w", req.Method, req.URL.Path, err, errs.ErrTransientIO)
	}
	return resp, nil
}

func classifyStatus(resp *http.Response, op string) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, errs.ErrNotFound)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s: HTTP %d: %w", op, resp.StatusCode, errs.ErrAuth)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s: HTTP %d: %w", op, resp.StatusCode, errs.ErrTransientIO)
	default:
		return fmt.Errorf("%s: HTTP %d: %w", op, resp.StatusCode, errs.ErrFatalIO)
	}
}

// withRetry runs fn with exponential backoff for transient failures. Auth
// failures are fatal for the run and never retried.
func (c *Controller) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := c.backoff
	var err error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op, errs.ErrCancelled)
			case <-time.After(delay):
			}
			delay *= 2
			c.log.Debug("retrying s3 request", "op", op, "attempt", attempt)
		}
		if err = fn(); err == nil || !errs.Transient(err) {
			return err
		}
	}
	return err
}

// UploadBuffer stores data under key: a single PUT below the multipart
// cutoff, multipart otherwise. Metadata keys become x-amz-meta-* headers.
func (c *Controller) UploadBuffer(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	if len(data) >= MinPartSize {
		return c.uploadMultipartBuffer(ctx, key, data, metadata)
	}

	payloadHash := sha256hex(data)
	return c.withRetry(ctx, "put "+key, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(key), bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("build put: %w", err)
		}
		req.ContentLength = int64(len(data))
		setMetaHeaders(req, metadata)

		resp, err := c.do(c.client, req, payloadHash)
		if err != nil {
			return err
		}
		defer drain(resp)
		return classifyStatus(resp, "put "+key)
	})
}

// UploadFile streams a local file to key, choosing single PUT vs multipart on
// the 5 MiB cutoff.
func (c *Controller) UploadFile(ctx context.Context, key, localPath string, metadata map[string]string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, errs.ErrNotFound)
	}
	if info.Size() >= MinPartSize {
		return c.uploadMultipartFile(ctx, key, localPath, metadata)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, errs.ErrFatalIO)
	}
	return c.UploadBuffer(ctx, key, data, metadata)
}

// DownloadBuffer fetches an object into memory.
func (c *Controller) DownloadBuffer(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := c.withRetry(ctx, "get "+key, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(key), nil)
		if err != nil {
			return fmt.Errorf("build get: %w", err)
		}
		resp, err := c.do(c.client, req, UnsignedPayload)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp, "get "+key); err != nil {
			return err
		}
		out, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", errs.ErrTransientIO)
		}
		return nil
	})
	return out, err
}

// DownloadObject streams an object to a temporary sibling of outputPath,
// fsyncs, and renames atomically over the target.
func (c *Controller) DownloadObject(ctx context.Context, key, outputPath string) error {
	return c.withRetry(ctx, "download "+key, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(key), nil)
		if err != nil {
			return fmt.Errorf("build get: %w", err)
		}
		resp, err := c.do(c.client, req, UnsignedPayload)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp, "download "+key); err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
			return fmt.Errorf("create target dir: %w", errs.ErrFatalIO)
		}
		tmp, err := os.CreateTemp(filepath.Dir(outputPath), filepath.Base(outputPath)+".part*")
		if err != nil {
			return fmt.Errorf("create temp: %w", errs.ErrFatalIO)
		}
		defer os.Remove(tmp.Name())

		if _, err := io.Copy(tmp, resp.Body); err != nil {
			tmp.Close()
			return fmt.Errorf("stream body: %w", errs.ErrTransientIO)
		}
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return fmt.Errorf("fsync: %w", errs.ErrFatalIO)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("close temp: %w", errs.ErrFatalIO)
		}
		if err := os.Rename(tmp.Name(), outputPath); err != nil {
			return fmt.Errorf("rename over target: %w", errs.ErrFatalIO)
		}
		return nil
	})
}

// DeleteObject removes a key. Idempotent: 404 is success.
func (c *Controller) DeleteObject(ctx context.Context, key string) error {
	return c.withRetry(ctx, "delete "+key, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(key), nil)
		if err != nil {
			return fmt.Errorf("build delete: %w", err)
		}
		resp, err := c.do(c.client, req, UnsignedPayload)
		if err != nil {
			return err
		}
		defer drain(resp)
		if resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return classifyStatus(resp, "delete "+key)
	})
}

// ListObjectsXML returns the raw ListBucketResult document for a prefix. The
// storage engine parses it.
func (c *Controller) ListObjectsXML(ctx context.Context, prefix string) ([]byte, error) {
	var out []byte
	err := c.withRetry(ctx, "list "+prefix, func() error {
		q := url.Values{}
		q.Set("list-type", "2")
		q.Set("max-keys", "1000")
		if p := paths.StripLeadingSlash(prefix); p != "" {
			q.Set("prefix", p+"/")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL("")+"?"+q.Encode(), nil)
		if err != nil {
			return fmt.Errorf("build list: %w", err)
		}
		resp, err := c.do(c.client, req, UnsignedPayload)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp, "list "+prefix); err != nil {
			return err
		}
		out, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read list body: %w", errs.ErrTransientIO)
		}
		return nil
	})
	return out, err
}

func setMetaHeaders(req *http.Request, metadata map[string]string) {
	for k, v := range metadata {
		req.Header.Set("x-amz-meta-"+k, v)
	}
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
