package storage

import "testing"

func TestSlotKey(t *testing.T) {
	if got := SlotKey("rec-1", 7); got != "records/rec-1/slot-007" {
		t.Errorf("SlotKey() = %q", got)
	}
	if got := SlotKey("rec-1", 123); got != "records/rec-1/slot-123" {
		t.Errorf("SlotKey() = %q", got)
	}
}

func TestContentType(t *testing.T) {
	tests := []struct {
		header string
		source string
		want   string
	}{
		{"image/png", "https://x/file", "image/png"},
		{"IMAGE/JPEG", "", "image/jpeg"},
		{"text/plain; charset=utf-8", "", "text/plain; charset=utf-8"},
		{"application/octet-stream", "https://x/out/0.png?sig=abc", "image/png"},
		{"", "https://x/out/0.png", "image/png"},
		{"", "https://x/out/noext", DefaultContentType},
		{"", "https://x/out/file.notarealext", DefaultContentType},
		{"not a media type", "://bad", DefaultContentType},
	}

	for _, tt := range tests {
		if got := ContentType(tt.header, tt.source); got != tt.want {
			t.Errorf("ContentType(%q, %q) = %q, want %q", tt.header, tt.source, got, tt.want)
		}
	}
}

func TestJoinURL(t *testing.T) {
	tests := []struct{ base, key, want string }{
		{"https://cdn.example", "records/a", "https://cdn.example/records/a"},
		{"https://cdn.example/", "/records/a", "https://cdn.example/records/a"},
		{"http://localhost:8080/objects", "k", "http://localhost:8080/objects/k"},
	}
	for _, tt := range tests {
		if got := JoinURL(tt.base, tt.key); got != tt.want {
			t.Errorf("JoinURL(%q, %q) = %q, want %q", tt.base, tt.key, got, tt.want)
		}
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://cdn.example.com/out/0.png", false},
		{"HTTP://localhost:8080/fake-outputs/a.png", false},
		{"", true},
		{"file:///etc/passwd", true},
		{"ftp://host/file", true},
		{"https://", true},
		{"/relative/path", true},
		{"://bad", true},
	}

	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}
