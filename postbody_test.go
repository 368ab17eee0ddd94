package fastcgi

import (
	"bytes"
	"errors"
	"mime/multipart"
	"testing"
)

func TestDecodeURLEncodedPostBody(t *testing.T) {
	posts := make(map[string]string)
	files := make(map[string]UploadedFile)
	err := decodePostBody([]byte("name=Ada&lang=go"), "application/x-www-form-urlencoded", posts, files)
	if err != nil {
		t.Fatalf("decodePostBody: %v", err)
	}
	if posts["name"] != "Ada" || posts["lang"] != "go" {
		t.Fatalf("posts = %+v", posts)
	}
}

func TestDecodePostBodyUnknownContentType(t *testing.T) {
	posts := make(map[string]string)
	files := make(map[string]UploadedFile)
	err := decodePostBody([]byte("{}"), "application/json", posts, files)
	if !errors.Is(err, ErrUnknownContentType) {
		t.Fatalf("err = %v, want ErrUnknownContentType", err)
	}
}

func TestDecodePostBodyEmptyIsNotAnError(t *testing.T) {
	posts := make(map[string]string)
	files := make(map[string]UploadedFile)
	if err := decodePostBody(nil, "", posts, files); err != nil {
		t.Fatalf("decodePostBody(empty) = %v, want nil", err)
	}
}

func TestDecodeMultipartFormData(t *testing.T) {
	var raw bytes.Buffer
	w := multipart.NewWriter(&raw)
	w.WriteField("title", "hello")
	fw, err := w.CreateFormFile("upload", "note.txt")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte("file contents"))
	w.Close()

	posts := make(map[string]string)
	files := make(map[string]UploadedFile)
	if err := decodePostBody(raw.Bytes(), "multipart/form-data; boundary="+w.Boundary(), posts, files); err != nil {
		t.Fatalf("decodePostBody: %v", err)
	}
	if posts["title"] != "hello" {
		t.Fatalf("posts[title] = %q", posts["title"])
	}
	f, ok := files["upload"]
	if !ok {
		t.Fatal("files[upload] missing")
	}
	if f.Filename != "note.txt" || string(f.Data) != "file contents" {
		t.Fatalf("files[upload] = %+v", f)
	}
}

func TestPostBufferEnforcesMaxSize(t *testing.T) {
	p := newPostBuffer(4)
	if err := p.append([]byte("ab")); err != nil {
		t.Fatalf("append within limit: %v", err)
	}
	if err := p.append([]byte("abc")); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("append over limit: %v, want ErrTooLarge", err)
	}
}

func TestPostBufferUnbounded(t *testing.T) {
	p := newPostBuffer(0)
	if err := p.append(bytes.Repeat([]byte("x"), 10000)); err != nil {
		t.Fatalf("append with maxPostSize=0: %v", err)
	}
}
