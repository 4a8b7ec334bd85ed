package paths

import "testing"

func testPath() *Path {
	return New("/mnt/vh", "/srv/vh", ".cache", "/users/admin/v1", "/v1")
}

func TestAbs(t *testing.T) {
	p := testPath()

	tests := []struct {
		rel  string
		typ  Type
		want string
	}{
		{"/", VaultRoot, "/mnt/vh/users/admin/v1"},
		{"/docs/a.txt", VaultRoot, "/mnt/vh/users/admin/v1/docs/a.txt"},
		{"docs/a.txt", VaultRoot, "/mnt/vh/users/admin/v1/docs/a.txt"},
		{"/", BackingVaultRoot, "/srv/vh/v1"},
		{"/ABCD1234", BackingVaultRoot, "/srv/vh/v1/ABCD1234"},
		{"/ABCD1234", FileCacheRoot, "/srv/vh/.cache/v1/files/ABCD1234"},
		{"/ABCD1234", ThumbnailRoot, "/srv/vh/.cache/v1/thumbnails/ABCD1234"},
		{"/", BackingRoot, "/srv/vh"},
	}
	for _, tt := range tests {
		got, err := p.Abs(tt.rel, tt.typ)
		if err != nil {
			t.Fatalf("Abs(%q, %v): %v", tt.rel, tt.typ, err)
		}
		if got != tt.want {
			t.Errorf("Abs(%q, %v) = %q, want %q", tt.rel, tt.typ, got, tt.want)
		}
	}
}

func TestRel_RoundTrip(t *testing.T) {
	p := testPath()
	for _, rel := range []string{"/", "/a.txt", "/docs/deep/b.bin"} {
		abs, err := p.Abs(rel, VaultRoot)
		if err != nil {
			t.Fatalf("Abs(%q): %v", rel, err)
		}
		got, err := p.Rel(abs, VaultRoot)
		if err != nil {
			t.Fatalf("Rel(%q): %v", abs, err)
		}
		if got != rel {
			t.Errorf("Rel(Abs(%q)) = %q", rel, got)
		}
	}
}

func TestRel_OutsideRootFallsBackToFilename(t *testing.T) {
	p := testPath()
	got, err := p.Rel("/etc/passwd", VaultRoot)
	if err != nil {
		t.Fatalf("Rel: %v", err)
	}
	if got != "/passwd" {
		t.Errorf("escape attempt resolved to %q, want /passwd", got)
	}
}

func TestAbs_TraversalNeverEscapes(t *testing.T) {
	p := testPath()
	got, err := p.Abs("../../etc/passwd", VaultRoot)
	if err != nil {
		t.Fatalf("Abs: %v", err)
	}
	// ".." components are resolved against the nearest root.
	if got != "/mnt/vh/users/admin/v1/etc/passwd" {
		t.Errorf("traversal input resolved to %q", got)
	}
}

func TestTranslate(t *testing.T) {
	p := testPath()
	got, err := p.Translate("/users/admin/v1/docs/a.txt", FuseRoot, VaultRoot)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != "/docs/a.txt" {
		t.Errorf("Translate = %q, want /docs/a.txt", got)
	}
}

func TestTranslateAbs(t *testing.T) {
	p := testPath()
	got, err := p.TranslateAbs("/srv/vh/v1/ALIAS", BackingVaultRoot, FileCacheRoot)
	if err != nil {
		t.Fatalf("TranslateAbs: %v", err)
	}
	if got != "/srv/vh/.cache/v1/files/ALIAS" {
		t.Errorf("TranslateAbs = %q", got)
	}
}

func TestHelpers(t *testing.T) {
	if got := StripLeadingSlash("/a/b/"); got != "a/b" {
		t.Errorf("StripLeadingSlash = %q", got)
	}
	if got := StripLeadingSlash("/"); got != "" {
		t.Errorf("StripLeadingSlash(/) = %q", got)
	}
	if got := MakeAbsolute("a/../b"); got != "/b" {
		t.Errorf("MakeAbsolute = %q", got)
	}
	if got := ResolveParent("/a/b/c"); got != "/a/b" {
		t.Errorf("ResolveParent = %q", got)
	}
	if got := ResolveParent("/a"); got != "/" {
		t.Errorf("ResolveParent(/a) = %q", got)
	}
	if got := ResolveParent("/"); got != "/" {
		t.Errorf("ResolveParent(/) = %q", got)
	}
	if got := Join("/a", "b", "c.txt"); got != "/a/b/c.txt" {
		t.Errorf("Join = %q", got)
	}
}

func TestInferMimeType(t *testing.T) {
	if got := InferMimeType("/x/photo.JPG"); got != "image/jpeg" {
		t.Errorf("jpg mime = %q", got)
	}
	if got := InferMimeType("/x/blob"); got != "application/octet-stream" {
		t.Errorf("default mime = %q", got)
	}
}
