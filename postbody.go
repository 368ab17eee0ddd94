package fastcgi

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"
)

// postBuffer accumulates the IN stream for a single request, bounded by
// maxPostSize. Overrunning the bound is a terminal condition for the
// request, not something the buffer itself recovers from.
type postBuffer struct {
	buf         bytes.Buffer
	maxPostSize int64
}

func newPostBuffer(maxPostSize int64) *postBuffer {
	return &postBuffer{maxPostSize: maxPostSize}
}

// append adds one IN chunk, returning ErrTooLarge once the accumulated
// size exceeds maxPostSize.
func (p *postBuffer) append(chunk []byte) error {
	if p.maxPostSize > 0 && int64(p.buf.Len()+len(chunk)) > p.maxPostSize {
		return ErrTooLarge
	}
	p.buf.Write(chunk)
	return nil
}

func (p *postBuffer) bytes() []byte {
	return p.buf.Bytes()
}

func (p *postBuffer) reset() {
	p.buf.Reset()
}

// decodePostBody interprets the accumulated raw bytes according to
// contentType, populating posts/files. It returns ErrUnknownContentType
// for any Content-Type this package's built-in decoder doesn't
// understand. An empty contentType with an empty body (e.g. a GET
// request, or an authorizer request) is not an error: there is simply
// nothing to decode.
func decodePostBody(raw []byte, contentType string, posts map[string]string, files map[string]UploadedFile) error {
	if len(raw) == 0 {
		return nil
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.ToLower(contentType))
	}
	switch mediaType {
	case "application/x-www-form-urlencoded":
		return decodeURLEncoded(raw, posts)
	case "multipart/form-data":
		boundary, ok := params["boundary"]
		if !ok {
			return fmt.Errorf("%w: multipart/form-data without boundary", ErrUnknownContentType)
		}
		return decodeMultipart(raw, boundary, posts, files)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownContentType, contentType)
	}
}

func decodeURLEncoded(raw []byte, posts map[string]string) error {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownContentType, err)
	}
	for k, vs := range values {
		if len(vs) > 0 {
			posts[k] = vs[0]
		}
	}
	return nil
}

func decodeMultipart(raw []byte, boundary string, posts map[string]string, files map[string]UploadedFile) error {
	mr := multipart.NewReader(bytes.NewReader(raw), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnknownContentType, err)
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnknownContentType, err)
		}
		name := part.FormName()
		if filename := part.FileName(); filename != "" {
			files[name] = UploadedFile{
				Filename:    filename,
				ContentType: part.Header.Get("Content-Type"),
				Size:        int64(len(data)),
				Data:        data,
			}
			continue
		}
		posts[name] = string(data)
	}
}
