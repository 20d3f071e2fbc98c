package transport

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"testing"

	"github.com/andybalholm/brotli"
)

func TestDecompressInPlaceGzip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write([]byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	gw.Close()

	resp := &http.Response{
		Header: http.Header{"Content-Encoding": {"gzip"}},
		Body:   io.NopCloser(bytes.NewReader(buf.Bytes())),
	}
	if err := decompressInPlace(resp); err != nil {
		t.Fatalf("decompressInPlace() error = %v", err)
	}
	got, _ := io.ReadAll(resp.Body)
	if string(got) != `{"ok":true}` {
		t.Fatalf("body = %q, want {\"ok\":true}", got)
	}
	if resp.Header.Get("Content-Encoding") != "" {
		t.Fatalf("Content-Encoding header not cleared")
	}
}

func TestDecompressInPlaceBrotli(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	if _, err := bw.Write([]byte("hello world")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	bw.Close()

	resp := &http.Response{
		Header: http.Header{"Content-Encoding": {"br"}},
		Body:   io.NopCloser(bytes.NewReader(buf.Bytes())),
	}
	if err := decompressInPlace(resp); err != nil {
		t.Fatalf("decompressInPlace() error = %v", err)
	}
	got, _ := io.ReadAll(resp.Body)
	if string(got) != "hello world" {
		t.Fatalf("body = %q, want %q", got, "hello world")
	}
}

func TestDecompressInPlaceIdentityIsNoop(t *testing.T) {
	t.Parallel()
	resp := &http.Response{
		Header: http.Header{},
		Body:   io.NopCloser(bytes.NewReader([]byte("plain"))),
	}
	if err := decompressInPlace(resp); err != nil {
		t.Fatalf("decompressInPlace() error = %v", err)
	}
	got, _ := io.ReadAll(resp.Body)
	if string(got) != "plain" {
		t.Fatalf("body = %q, want plain", got)
	}
}
