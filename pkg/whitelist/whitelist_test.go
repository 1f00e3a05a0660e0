// Copyright (c) tunnelgate contributors
// SPDX-License-Identifier: Apache-2.0

package whitelist

import "testing"

func TestParseEntry(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Entry
		wantErr bool
	}{
		{
			name:  "host and port",
			input: "example.com:443",
			want:  Entry{Host: "example.com", Port: 443},
		},
		{
			name:  "host only wildcards port",
			input: "example.com",
			want:  Entry{Host: "example.com", AnyPort: true},
		},
		{
			name:  "host is lowercased",
			input: "Example.COM:443",
			want:  Entry{Host: "example.com", Port: 443},
		},
		{
			name:  "surrounding whitespace trimmed",
			input: "  example.com:443 ",
			want:  Entry{Host: "example.com", Port: 443},
		},
		{
			name:  "ipv6 literal",
			input: "[::1]:443",
			want:  Entry{Host: "::1", Port: 443},
		},
		{
			name:    "empty entry",
			input:   "",
			wantErr: true,
		},
		{
			name:    "port zero",
			input:   "example.com:0",
			wantErr: true,
		},
		{
			name:    "port out of range",
			input:   "example.com:70000",
			wantErr: true,
		},
		{
			name:    "missing host",
			input:   ":443",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEntry(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseEntry(%q) expected error, got %+v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEntry(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseEntry(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestFilter_IsAllowed(t *testing.T) {
	entries := []Entry{
		{Host: "example.com", Port: 443},
		{Host: "media.example.org", AnyPort: true},
	}
	f := New(entries, EmptyDenyAll)

	tests := []struct {
		name string
		host string
		port uint16
		want bool
	}{
		{"exact match", "example.com", 443, true},
		{"exact match wrong port", "example.com", 80, false},
		{"case insensitive host", "EXAMPLE.com", 443, true},
		{"wildcard port any port", "media.example.org", 8080, true},
		{"wildcard port case insensitive", "Media.Example.ORG", 443, true},
		{"unlisted host", "evil.example.net", 443, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.IsAllowed(tt.host, tt.port); got != tt.want {
				t.Errorf("IsAllowed(%q, %d) = %v, want %v", tt.host, tt.port, got, tt.want)
			}
		})
	}
}

func TestFilter_EmptyModes(t *testing.T) {
	allow := New(nil, EmptyAllowAll)
	if !allow.IsAllowed("anything.example.com", 443) {
		t.Error("empty filter in allow-all mode should admit any destination")
	}

	deny := New(nil, EmptyDenyAll)
	if deny.IsAllowed("anything.example.com", 443) {
		t.Error("empty filter in deny-all mode should reject any destination")
	}
}

func TestFilter_Size(t *testing.T) {
	f := New([]Entry{{Host: "example.com", Port: 443}}, EmptyDenyAll)
	if f.Size() != 1 {
		t.Errorf("Size() = %d, want 1", f.Size())
	}
}
