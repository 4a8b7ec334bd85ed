package s3

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/errs"
)

// ListBucketResult mirrors the S3 ListObjectsV2 response document.
type ListBucketResult struct {
	XMLName     xml.Name        `xml:"ListBucketResult"`
	Name        string          `xml:"Name"`
	Prefix      string          `xml:"Prefix"`
	IsTruncated bool            `xml:"IsTruncated"`
	Contents    []ObjectSummary `xml:"Contents"`
}

// ObjectSummary is one Contents entry.
type ObjectSummary struct {
	Key          string `xml:"Key"`
	Size         int64  `xml:"Size"`
	ETag         string `xml:"ETag"`
	LastModified string `xml:"LastModified"`
}

// ModTime parses the ISO8601 LastModified stamp; zero time on failure.
func (o *ObjectSummary) ModTime() time.Time {
	t, err := time.Parse(time.RFC3339, o.LastModified)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ParseListBucketResult decodes a raw ListBucketResult document.
func ParseListBucketResult(raw []byte) (*ListBucketResult, error) {
	var result ListBucketResult
	if err := xml.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse ListBucketResult: %w", errs.ErrFatalIO)
	}
	return &result, nil
}
