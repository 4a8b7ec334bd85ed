package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/errs"
)

func testController(t *testing.T, handler http.Handler) *Controller {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	creds := Credentials{
		AccessKey: "AKIAEXAMPLEKEY000000",
		SecretKey: "wJalrXUtnFEMIexamplesecretkey0000000000K",
		Region:    "us-east-1",
		Endpoint:  srv.URL,
	}
	// 127.0.0.1 endpoints always take the path-style branch.
	return New(creds, "bkt", Config{Timeout: 5 * time.Second, MaxRetries: 2})
}

func TestUploadBuffer_SinglePut(t *testing.T) {
	var mu sync.Mutex
	var gotPath, gotHash, gotMeta string

	c := testController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotPath = r.URL.Path
		gotHash = r.Header.Get("X-Amz-Content-Sha256")
		gotMeta = r.Header.Get("x-amz-meta-content-hash")
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(200)
	}))

	data := []byte("abc")
	meta := map[string]string{MetaContentHash: "somehash"}
	if err := c.UploadBuffer(context.Background(), "/docs/a.txt", data, meta); err != nil {
		t.Fatalf("UploadBuffer: %v", err)
	}

	if gotPath != "/bkt/docs/a.txt" {
		t.Errorf("path = %q", gotPath)
	}
	if gotHash != sha256hex(data) {
		t.Errorf("payload not signed with exact sha: %q", gotHash)
	}
	if gotMeta != "somehash" {
		t.Errorf("metadata header = %q", gotMeta)
	}
}

func TestUploadBuffer_MultipartCutoff(t *testing.T) {
	var mu sync.Mutex
	var partSizes []int
	var initiated, completed, aborted bool

	c := testController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		q := r.URL.Query()
		switch {
		case r.Method == http.MethodPost && q.Has("uploads"):
			initiated = true
			fmt.Fprint(w, `<InitiateMultipartUploadResult><UploadId>uid-1</UploadId></InitiateMultipartUploadResult>`)
		case r.Method == http.MethodPut && q.Get("uploadId") != "":
			body, _ := io.ReadAll(r.Body)
			partSizes = append(partSizes, len(body))
			w.Header().Set("ETag", `"etag"`)
			w.WriteHeader(200)
		case r.Method == http.MethodPost && q.Get("uploadId") != "":
			completed = true
			w.WriteHeader(200)
		case r.Method == http.MethodDelete:
			aborted = true
			w.WriteHeader(204)
		default:
			io.Copy(io.Discard, r.Body)
			w.WriteHeader(200)
		}
	}))

	// One byte under the cutoff: single PUT.
	small := make([]byte, MinPartSize-1)
	if err := c.UploadBuffer(context.Background(), "small.bin", small, nil); err != nil {
		t.Fatalf("small upload: %v", err)
	}
	if initiated {
		t.Error("small upload used multipart")
	}

	// One byte over: multipart with a single oversized final part.
	big := make([]byte, MinPartSize+1)
	if err := c.UploadBuffer(context.Background(), "big.bin", big, nil); err != nil {
		t.Fatalf("big upload: %v", err)
	}
	if !initiated || !completed {
		t.Errorf("multipart flow: initiated=%v completed=%v", initiated, completed)
	}
	if aborted {
		t.Error("successful upload aborted")
	}
	if len(partSizes) != 1 || partSizes[0] != MinPartSize+1 {
		t.Errorf("part sizes = %v", partSizes)
	}
}

func TestUploadBuffer_MultipartAbortOnPartError(t *testing.T) {
	var mu sync.Mutex
	var aborted bool

	c := testController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		q := r.URL.Query()
		switch {
		case r.Method == http.MethodPost && q.Has("uploads"):
			fmt.Fprint(w, `<InitiateMultipartUploadResult><UploadId>uid-2</UploadId></InitiateMultipartUploadResult>`)
		case r.Method == http.MethodPut:
			io.Copy(io.Discard, r.Body)
			w.WriteHeader(400) // non-retryable part failure
		case r.Method == http.MethodDelete:
			aborted = true
			w.WriteHeader(204)
		}
	}))

	err := c.UploadBuffer(context.Background(), "big.bin", make([]byte, MinPartSize*2), nil)
	if err == nil {
		t.Fatal("expected part failure")
	}
	if !aborted {
		t.Error("failed multipart upload was not aborted")
	}
}

func TestDownloadObject_AtomicWrite(t *testing.T) {
	c := testController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "payload")
	}))

	dest := filepath.Join(t.TempDir(), "out", "file.bin")
	if err := c.DownloadObject(context.Background(), "k", dest); err != nil {
		t.Fatalf("DownloadObject: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil || string(data) != "payload" {
		t.Fatalf("target = %q, %v", data, err)
	}
	// No temp siblings left behind.
	entries, _ := os.ReadDir(filepath.Dir(dest))
	if len(entries) != 1 {
		t.Errorf("leftover temp files: %v", entries)
	}
}

func TestDeleteObject_Idempotent(t *testing.T) {
	c := testController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	for i := 0; i < 2; i++ {
		if err := c.DeleteObject(context.Background(), "gone"); err != nil {
			t.Fatalf("delete #%d: %v", i+1, err)
		}
	}
}

func TestDownloadBuffer_NotFound(t *testing.T) {
	c := testController(t, http.NotFoundHandler())
	_, err := c.DownloadBuffer(context.Background(), "missing")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTransientRetry(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	c := testController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(503)
			return
		}
		fmt.Fprint(w, "ok")
	}))

	data, err := c.DownloadBuffer(context.Background(), "k")
	if err != nil || string(data) != "ok" {
		t.Fatalf("retry result = %q, %v", data, err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestAuthErrorsNotRetried(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	c := testController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(403)
	}))

	_, err := c.DownloadBuffer(context.Background(), "k")
	if !errors.Is(err, errs.ErrAuth) {
		t.Errorf("err = %v, want ErrAuth", err)
	}
	if attempts != 1 {
		t.Errorf("auth failure retried %d times", attempts)
	}
}

func TestHeadObject_Metadata(t *testing.T) {
	c := testController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s", r.Method)
		}
		w.Header().Set("x-amz-meta-content-hash", "hash1")
		w.Header().Set("x-amz-meta-encryption-iv", "aXYxMjM0NTY3OA==")
		w.Header().Set("x-amz-meta-key-version", "2")
		w.Header().Set("Content-Length", "19")
		w.WriteHeader(200)
	}))

	head, err := c.HeadObject(context.Background(), "k")
	if err != nil {
		t.Fatalf("HeadObject: %v", err)
	}
	if head.Metadata[MetaContentHash] != "hash1" || head.Metadata[MetaKeyVersion] != "2" {
		t.Errorf("metadata = %v", head.Metadata)
	}
}

func TestSetObjectContentHash_SelfCopy(t *testing.T) {
	var mu sync.Mutex
	var copySource, directive, newHash string

	c := testController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodHead:
			w.Header().Set("x-amz-meta-key-version", "0")
			w.WriteHeader(200)
		case http.MethodPut:
			copySource = r.Header.Get("x-amz-copy-source")
			directive = r.Header.Get("x-amz-metadata-directive")
			newHash = r.Header.Get("x-amz-meta-content-hash")
			w.WriteHeader(200)
		}
	}))

	if err := c.SetObjectContentHash(context.Background(), "docs/a.txt", "h2"); err != nil {
		t.Fatalf("SetObjectContentHash: %v", err)
	}
	if copySource != "/bkt/docs/a.txt" {
		t.Errorf("copy source = %q", copySource)
	}
	if directive != "REPLACE" {
		t.Errorf("directive = %q", directive)
	}
	if newHash != "h2" {
		t.Errorf("hash header = %q", newHash)
	}
}

func TestListObjectsXML_PrefixQuery(t *testing.T) {
	var mu sync.Mutex
	var gotPrefix string
	c := testController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPrefix = r.URL.Query().Get("prefix")
		mu.Unlock()
		fmt.Fprint(w, sampleListing)
	}))

	raw, err := c.ListObjectsXML(context.Background(), "/docs")
	if err != nil {
		t.Fatalf("ListObjectsXML: %v", err)
	}
	if gotPrefix != "docs/" {
		t.Errorf("prefix = %q", gotPrefix)
	}
	result, err := ParseListBucketResult(raw)
	if err != nil || len(result.Contents) != 2 {
		t.Errorf("round trip through raw XML failed: %v", err)
	}
}

func TestValidateCredentials(t *testing.T) {
	t.Run("regex rejects short keys", func(t *testing.T) {
		c := testController(t, http.NotFoundHandler())
		c.creds.AccessKey = "short"
		result, err := c.ValidateCredentials(context.Background())
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if result.OK || !strings.Contains(result.Message, "access key format") {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("access denied counts as valid", func(t *testing.T) {
		c := testController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(403)
			fmt.Fprint(w, `<Error><Code>AccessDenied</Code></Error>`)
		}))
		result, err := c.ValidateCredentials(context.Background())
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if !result.OK {
			t.Errorf("AccessDenied should validate: %+v", result)
		}
	})

	t.Run("bad signature fails", func(t *testing.T) {
		c := testController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(403)
			fmt.Fprint(w, `<Error><Code>SignatureDoesNotMatch</Code></Error>`)
		}))
		result, err := c.ValidateCredentials(context.Background())
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if result.OK {
			t.Error("SignatureDoesNotMatch should not validate")
		}
	})
}
