package s3

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/vaulthalla/vaulthalla/internal/errs"
)

type initiateMultipartResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	UploadID string   `xml:"UploadId"`
}

type completeMultipartUpload struct {
	XMLName xml.Name                `xml:"CompleteMultipartUpload"`
	Parts   []completeMultipartPart `xml:"Part"`
}

type completeMultipartPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

// uploadMultipartBuffer performs initiate, parts, complete for an in-memory
// payload. On any part error the upload is aborted so no orphan parts remain.
func (c *Controller) uploadMultipartBuffer(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	uploadID, err := c.initiateMultipartUpload(ctx, key, metadata)
	if err != nil {
		return err
	}

	var etags []string
	for offset, part := 0, 1; offset < len(data); part++ {
		end := offset + MinPartSize
		// The final part absorbs the remainder so every part but the last is
		// at least 5 MiB.
		if len(data)-end < MinPartSize {
			end = len(data)
		}

		etag, err := c.uploadPart(ctx, key, uploadID, part, data[offset:end])
		if err != nil {
			c.abortMultipartUpload(ctx, key, uploadID)
			return fmt.Errorf("part %d: %w", part, err)
		}
		etags = append(etags, etag)
		offset = end
	}

	if err := c.completeMultipartUpload(ctx, key, uploadID, etags); err != nil {
		c.abortMultipartUpload(ctx, key, uploadID)
		return err
	}
	return nil
}

// uploadMultipartFile streams a local file in 5 MiB parts.
func (c *Controller) uploadMultipartFile(ctx context.Context, key, localPath string, metadata map[string]string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, errs.ErrNotFound)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, errs.ErrFatalIO)
	}

	uploadID, err := c.initiateMultipartUpload(ctx, key, metadata)
	if err != nil {
		return err
	}

	var etags []string
	remaining := info.Size()
	for part := 1; remaining > 0; part++ {
		size := int64(MinPartSize)
		if remaining-size < MinPartSize {
			size = remaining
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(f, buf); err != nil {
			c.abortMultipartUpload(ctx, key, uploadID)
			return fmt.Errorf("read part %d: %w", part, errs.ErrFatalIO)
		}

		etag, err := c.uploadPart(ctx, key, uploadID, part, buf)
		if err != nil {
			c.abortMultipartUpload(ctx, key, uploadID)
			return fmt.Errorf("part %d: %w", part, err)
		}
		etags = append(etags, etag)
		remaining -= size
	}

	if err := c.completeMultipartUpload(ctx, key, uploadID, etags); err != nil {
		c.abortMultipartUpload(ctx, key, uploadID)
		return err
	}
	return nil
}

func (c *Controller) initiateMultipartUpload(ctx context.Context, key string, metadata map[string]string) (string, error) {
	var uploadID string
	err := c.withRetry(ctx, "initiate multipart "+key, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.objectURL(key)+"?uploads=", nil)
		if err != nil {
			return fmt.Errorf("build initiate: %w", err)
		}
		setMetaHeaders(req, metadata)

		resp, err := c.do(c.client, req, UnsignedPayload)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp, "initiate multipart "+key); err != nil {
			return err
		}

		var result initiateMultipartResult
		if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("decode initiate result: %w", errs.ErrFatalIO)
		}
		if result.UploadID == "" {
			return fmt.Errorf("initiate returned empty upload id: %w", errs.ErrFatalIO)
		}
		uploadID = result.UploadID
		return nil
	})
	return uploadID, err
}

func (c *Controller) uploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (string, error) {
	payloadHash := sha256hex(data)
	var etag string
	err := c.withRetry(ctx, fmt.Sprintf("upload part %d of %s", partNumber, key), func() error {
		u := fmt.Sprintf("%s?partNumber=%d&uploadId=%s", c.objectURL(key), partNumber, uploadID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("build part put: %w", err)
		}
		req.ContentLength = int64(len(data))

		resp, err := c.do(c.partClient, req, payloadHash)
		if err != nil {
			return err
		}
		defer drain(resp)
		if err := classifyStatus(resp, "upload part"); err != nil {
			return err
		}
		etag = resp.Header.Get("ETag")
		return nil
	})
	return etag, err
}

func (c *Controller) completeMultipartUpload(ctx context.Context, key, uploadID string, etags []string) error {
	doc := completeMultipartUpload{}
	for i, etag := range etags {
		doc.Parts = append(doc.Parts, completeMultipartPart{PartNumber: i + 1, ETag: etag})
	}
	body, err := xml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal complete doc: %w", err)
	}

	payloadHash := sha256hex(body)
	return c.withRetry(ctx, "complete multipart "+key, func() error {
		u := c.objectURL(key) + "?uploadId=" + uploadID
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build complete: %w", err)
		}
		req.ContentLength = int64(len(body))

		resp, err := c.do(c.client, req, payloadHash)
		if err != nil {
			return err
		}
		defer drain(resp)
		return classifyStatus(resp, "complete multipart "+key)
	})
}

// abortMultipartUpload is best-effort cleanup; the caller already has the
// real error.
func (c *Controller) abortMultipartUpload(ctx context.Context, key, uploadID string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(key)+"?uploadId="+uploadID, nil)
	if err != nil {
		return
	}
	resp, err := c.do(c.client, req, UnsignedPayload)
	if err != nil {
		c.log.Warn("abort multipart failed", "key", key, "upload_id", uploadID, "error", err)
		return
	}
	drain(resp)
}
