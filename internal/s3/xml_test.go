package s3

import "testing"

const sampleListing = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>bkt</Name>
  <Prefix></Prefix>
  <IsTruncated>false</IsTruncated>
  <Contents>
    <Key>docs/a.txt</Key>
    <Size>3</Size>
    <ETag>&quot;900150983cd24fb0&quot;</ETag>
    <LastModified>2026-07-01T10:00:00Z</LastModified>
  </Contents>
  <Contents>
    <Key>docs/deep/b.bin</Key>
    <Size>19</Size>
    <LastModified>2026-07-02T11:30:00Z</LastModified>
  </Contents>
</ListBucketResult>`

func TestParseListBucketResult(t *testing.T) {
	result, err := ParseListBucketResult([]byte(sampleListing))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.Name != "bkt" || result.IsTruncated {
		t.Errorf("header fields = %+v", result)
	}
	if len(result.Contents) != 2 {
		t.Fatalf("contents = %d, want 2", len(result.Contents))
	}
	if result.Contents[0].Key != "docs/a.txt" || result.Contents[0].Size != 3 {
		t.Errorf("first entry = %+v", result.Contents[0])
	}
	if result.Contents[1].ModTime().IsZero() {
		t.Error("mod time not parsed")
	}
}

func TestParseListBucketResult_Garbage(t *testing.T) {
	if _, err := ParseListBucketResult([]byte("not xml")); err == nil {
		t.Error("expected parse error")
	}
}
