package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

// AnalysisResult is the backend's analysis payload. Its shape is
// defined by the server; it is passed through unchanged.
type AnalysisResult json.RawMessage

// Decode unmarshals the payload into v.
func (r AnalysisResult) Decode(v any) error {
	return json.Unmarshal(r, v)
}

// MarshalJSON emits the payload verbatim.
func (r AnalysisResult) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// String returns the raw JSON text.
func (r AnalysisResult) String() string { return string(r) }

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// UploadLog streams r as a multipart "file" field to /upload-log and
// returns the analysis payload. sent, when non-nil, is called once the
// request body has been fully handed to the transport, i.e. when the
// server-side analysis begins. Uploads are never retried.
func (c *Client) UploadLog(
	ctx context.Context,
	filename string,
	r io.Reader,
	sent func(),
) (AnalysisResult, error) {
	const path = "/upload-log"
	op := http.MethodPost + " " + path

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	// The writer finishes before UploadLog returns, so sent never fires
	// after the result is delivered.
	written := make(chan struct{})
	go func() {
		defer close(written)

		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(filename)))
		h.Set("Content-Type", "text/plain")

		part, err := mw.CreatePart(h)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		if err == nil && sent != nil {
			sent()
		}
		pw.CloseWithError(err)
	}()

	defer func() {
		pr.Close()
		<-written
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, pr)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("reading response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errorFromResponse(http.MethodPost, path, resp.StatusCode, body)
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("decoding analysis from %s: invalid JSON", op)
	}
	return AnalysisResult(body), nil
}
