package sha256

import "testing"

func TestHasherHashKnownDigest(t *testing.T) {
	t.Parallel()

	got, err := New().Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestBlobPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		prefix string
		want   string
	}{
		{"pages", "pages/job-1/abc.html"},
		{"/pages/", "pages/job-1/abc.html"},
		{"", "job-1/abc.html"},
	}
	for _, tc := range cases {
		if got := BlobPath(tc.prefix, "job-1", "abc"); got != tc.want {
			t.Fatalf("BlobPath(%q) = %s, want %s", tc.prefix, got, tc.want)
		}
	}
}
