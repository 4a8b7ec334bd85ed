package s3

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/paths"
)

// User-metadata keys required on every uploaded object.
const (
	MetaContentHash  = "content-hash"  // lowercase hex SHA-256 of plaintext
	MetaEncryptionIV = "encryption-iv" // Base64 of the 12-byte GCM nonce
	MetaKeyVersion   = "key-version"   // decimal integer string
)

// HeadResult carries the object's user metadata plus wire attributes.
type HeadResult struct {
	Metadata     map[string]string
	Size         int64
	LastModified time.Time
	ETag         string
}

// HeadObject returns the user-metadata map of a key.
func (c *Controller) HeadObject(ctx context.Context, key string) (*HeadResult, error) {
	var out *HeadResult
	err := c.withRetry(ctx, "head "+key, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.objectURL(key), nil)
		if err != nil {
			return fmt.Errorf("build head: %w", err)
		}
		resp, err := c.do(c.client, req, UnsignedPayload)
		if err != nil {
			return err
		}
		drain(resp)
		if err := classifyStatus(resp, "head "+key); err != nil {
			return err
		}

		meta := make(map[string]string)
		for name, vals := range resp.Header {
			lower := strings.ToLower(name)
			if strings.HasPrefix(lower, "x-amz-meta-") && len(vals) > 0 {
				meta[strings.TrimPrefix(lower, "x-amz-meta-")] = vals[0]
			}
		}
		out = &HeadResult{
			Metadata: meta,
			Size:     resp.ContentLength,
			ETag:     resp.Header.Get("ETag"),
		}
		if lm := resp.Header.Get("Last-Modified"); lm != "" {
			if ts, err := http.ParseTime(lm); err == nil {
				out.LastModified = ts
			}
		}
		return nil
	})
	return out, err
}

// setObjectMetadata rewrites an object's user metadata in place with a
// self-copy: PUT with CopySource pointing at the object itself and the
// REPLACE metadata directive.
func (c *Controller) setObjectMetadata(ctx context.Context, key string, metadata map[string]string) error {
	return c.withRetry(ctx, "set metadata "+key, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(key), nil)
		if err != nil {
			return fmt.Errorf("build self-copy: %w", err)
		}
		req.Header.Set("x-amz-copy-source", "/"+c.bucket+"/"+escapeKey(paths.StripLeadingSlash(key)))
		req.Header.Set("x-amz-metadata-directive", "REPLACE")
		setMetaHeaders(req, metadata)

		resp, err := c.do(c.client, req, UnsignedPayload)
		if err != nil {
			return err
		}
		defer drain(resp)
		return classifyStatus(resp, "set metadata "+key)
	})
}

// CopyObject performs a server-side copy within the bucket, preserving the
// source object's metadata.
func (c *Controller) CopyObject(ctx context.Context, dstKey, srcKey string) error {
	return c.withRetry(ctx, "copy "+srcKey, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(dstKey), nil)
		if err != nil {
			return fmt.Errorf("build copy: %w", err)
		}
		req.Header.Set("x-amz-copy-source", "/"+c.bucket+"/"+escapeKey(paths.StripLeadingSlash(srcKey)))

		resp, err := c.do(c.client, req, UnsignedPayload)
		if err != nil {
			return err
		}
		defer drain(resp)
		return classifyStatus(resp, "copy "+srcKey+" to "+dstKey)
	})
}

// SetObjectContentHash replaces the object's metadata, keeping encryption
// attributes intact, and updates the content hash.
func (c *Controller) SetObjectContentHash(ctx context.Context, key, hash string) error {
	head, err := c.HeadObject(ctx, key)
	if err != nil {
		return err
	}
	head.Metadata[MetaContentHash] = hash
	return c.setObjectMetadata(ctx, key, head.Metadata)
}

// SetObjectEncryptionMetadata records the nonce and key version alongside the
// existing metadata.
func (c *Controller) SetObjectEncryptionMetadata(ctx context.Context, key, ivB64 string, keyVersion uint32) error {
	head, err := c.HeadObject(ctx, key)
	if err != nil {
		return err
	}
	head.Metadata[MetaEncryptionIV] = ivB64
	head.Metadata[MetaKeyVersion] = strconv.FormatUint(uint64(keyVersion), 10)
	return c.setObjectMetadata(ctx, key, head.Metadata)
}

// ObjectMetadata builds the standard upload metadata map.
func ObjectMetadata(contentHash, ivB64 string, keyVersion uint32) map[string]string {
	m := map[string]string{
		MetaContentHash: contentHash,
		MetaKeyVersion:  strconv.FormatUint(uint64(keyVersion), 10),
	}
	if ivB64 != "" {
		m[MetaEncryptionIV] = ivB64
	}
	return m
}
