package main

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestServiceBuilderURLs(t *testing.T) {
	b := &serviceBuilder{base: "https://data.example.org/api/v1"}
	ctx := context.Background()

	req, err := b.DataRequest(ctx, "POP_2024", url.Values{"region": {"NO"}})
	if err != nil {
		t.Fatalf("DataRequest() error = %v", err)
	}
	want := "https://data.example.org/api/v1/data/POP_2024?region=NO"
	if req.URL.String() != want {
		t.Errorf("data URL = %q, want %q", req.URL, want)
	}

	req, err = b.MetadataRequest(ctx, "POP 2024")
	if err != nil {
		t.Fatalf("MetadataRequest() error = %v", err)
	}
	want = "https://data.example.org/api/v1/meta/POP%202024"
	if req.URL.String() != want {
		t.Errorf("metadata URL = %q, want %q", req.URL, want)
	}
}

func TestMetadataParser(t *testing.T) {
	payload := []byte(`{
		"updated": "2026-08-15T08:00:00Z",
		"entries": {"Region": [{"code": "NO", "label": "Norway"}]}
	}`)

	p := metadataParser{}

	entries, err := p.Entries(payload)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries["Region"]) != 1 || entries["Region"][0]["label"] != "Norway" {
		t.Errorf("entries = %+v", entries)
	}

	signal, err := p.UpdateSignal(payload)
	if err != nil {
		t.Fatalf("UpdateSignal() error = %v", err)
	}
	want := time.Date(2026, 8, 15, 8, 0, 0, 0, time.UTC)
	if !signal.Equal(want) {
		t.Errorf("signal = %v, want %v", signal, want)
	}

	if _, err := p.UpdateSignal([]byte("not json")); err == nil {
		t.Error("UpdateSignal() accepted malformed payload")
	}
}

func TestParseParam(t *testing.T) {
	tests := []struct {
		input  string
		key    string
		value  string
		wantOK bool
	}{
		{"region=NO", "region", "NO", true},
		{"year=2024=extra", "year", "2024=extra", true},
		{"empty=", "empty", "", true},
		{"=value", "", "", false},
		{"novalue", "", "", false},
	}
	for _, tt := range tests {
		k, v, ok := parseParam(tt.input)
		if ok != tt.wantOK || k != tt.key || v != tt.value {
			t.Errorf("parseParam(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.input, k, v, ok, tt.key, tt.value, tt.wantOK)
		}
	}
}

func TestArchiveURL(t *testing.T) {
	viper.Set("file-url", "https://files.example.org/")
	defer viper.Set("file-url", "")

	got, err := archiveURL("archives/pop.zip")
	if err != nil {
		t.Fatalf("archiveURL() error = %v", err)
	}
	if want := "https://files.example.org/archives/pop.zip"; got != want {
		t.Errorf("archiveURL() = %q, want %q", got, want)
	}

	got, err = archiveURL("https://elsewhere.example.org/x.zip")
	if err != nil {
		t.Fatalf("archiveURL() error = %v", err)
	}
	if got != "https://elsewhere.example.org/x.zip" {
		t.Errorf("absolute URL changed: %q", got)
	}
}
