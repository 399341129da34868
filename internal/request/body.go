package request

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
)

var (
	// ErrBodyTooLarge reports a POST body exceeding the configured limit.
	// It is raised as soon as the limit is crossed, before the rest of the
	// body is buffered.
	ErrBodyTooLarge = errors.New("request body too large")
	// ErrMalformedBody reports undecodable form or multipart input.
	ErrMalformedBody = errors.New("malformed request body")
)

// BodyLimits bounds POST body decoding.
type BodyLimits struct {
	MaxBodyBytes  int64
	MaxFieldBytes int64
	UploadDir     string
}

// capReader fails a read once more than the byte budget has been
// consumed, so oversized bodies are rejected without buffering the
// remainder. A body of exactly the budget still reads through to EOF;
// only a byte beyond it trips the limit.
type capReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (c *capReader) Read(p []byte) (int, error) {
	if c.remaining < 0 {
		c.exceeded = true
		return 0, ErrBodyTooLarge
	}
	if int64(len(p)) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	return n, err
}

// ReadBody accumulates the POST body of r into the context: form fields in
// order of appearance, file parts spooled to temporary files under
// UploadDir. Partially decoded state stays attached to the context so that
// Release cleans it up even when decoding fails midway.
func (c *Context) ReadBody(r *http.Request, lim BodyLimits) error {
	if r.Body == nil || r.Method != http.MethodPost {
		return nil
	}
	if lim.MaxBodyBytes <= 0 {
		lim.MaxBodyBytes = 10 * 1024 * 1024
	}
	if lim.MaxFieldBytes <= 0 {
		lim.MaxFieldBytes = 1024 * 1024
	}

	contentType := r.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		if contentType == "" {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}

	body := &capReader{r: r.Body, remaining: lim.MaxBodyBytes}

	switch {
	case mediaType == "application/x-www-form-urlencoded":
		return c.readURLEncoded(body)
	case mediaType == "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("%w: missing multipart boundary", ErrMalformedBody)
		}
		return c.readMultipart(body, boundary, lim)
	default:
		// Other content types are the handler's concern.
		return nil
	}
}

func (c *Context) readURLEncoded(body *capReader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		if body.exceeded {
			return ErrBodyTooLarge
		}
		return fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	for _, pair := range strings.Split(string(data), "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		un, err := url.QueryUnescape(name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		uv, err := url.QueryUnescape(value)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		c.form = append(c.form, Param{Name: un, Value: uv})
	}
	return nil
}

func (c *Context) readMultipart(body *capReader, boundary string, lim BodyLimits) error {
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if body.exceeded {
				return ErrBodyTooLarge
			}
			return fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}

		if part.FileName() == "" {
			value, err := readField(part, lim.MaxFieldBytes)
			if err != nil {
				_ = part.Close()
				if body.exceeded {
					return ErrBodyTooLarge
				}
				return err
			}
			c.form = append(c.form, Param{Name: part.FormName(), Value: value})
			_ = part.Close()
			continue
		}

		if err := c.spoolUpload(part, lim.UploadDir); err != nil {
			_ = part.Close()
			if body.exceeded {
				return ErrBodyTooLarge
			}
			return err
		}
		_ = part.Close()
	}
}

func readField(part *multipart.Part, maxBytes int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if int64(len(data)) > maxBytes {
		return "", ErrBodyTooLarge
	}
	return string(data), nil
}

// spoolUpload registers the temporary file on the context before copying
// into it, so Release removes it even when the copy fails.
func (c *Context) spoolUpload(part *multipart.Part, uploadDir string) error {
	if uploadDir == "" {
		uploadDir = os.TempDir()
	}
	f, err := os.CreateTemp(uploadDir, "upload-*")
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	upload := &Upload{
		Field:       part.FormName(),
		Filename:    part.FileName(),
		ContentType: part.Header.Get("Content-Type"),
		file:        f,
	}
	c.uploads = append(c.uploads, upload)

	n, err := io.Copy(f, part)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	upload.Size = n
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind upload file: %w", err)
	}
	return nil
}
