package mailbox

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/nhle/incidentwatch/internal/api"
	"github.com/nhle/incidentwatch/internal/ingest"
	"github.com/nhle/incidentwatch/internal/model"
)

const rawMessage = "From: Sensor <sensor@example.com>\r\n" +
	"To: soc@example.com\r\n" +
	"Subject: nightly auth log\r\n" +
	"Message-ID: <abc@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"BOUNDARY\"\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Attached is tonight's log.\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain; name=\"auth.log\"\r\n" +
	"Content-Disposition: attachment; filename=\"auth.log\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"RmFpbGVkIHBhc3N3b3JkIGZvciByb290\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: image/png\r\n" +
	"Content-Disposition: attachment; filename=\"screen.png\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"iVBORw0KGgo=\r\n" +
	"--BOUNDARY--\r\n"

func TestParseAttachments(t *testing.T) {
	atts := parseAttachments([]byte(rawMessage))
	if len(atts) != 2 {
		t.Fatalf("got %d attachments, want 2", len(atts))
	}
	if atts[0].Filename != "auth.log" || string(atts[0].Data) != "Failed password for root" {
		t.Errorf("first attachment = %q %q", atts[0].Filename, atts[0].Data)
	}
	if atts[1].MIMEType != "image/png" {
		t.Errorf("second attachment type = %q", atts[1].MIMEType)
	}
}

func TestParseAttachments_NotMIME(t *testing.T) {
	if atts := parseAttachments([]byte("garbage")); len(atts) != 0 {
		t.Errorf("got %d attachments from garbage", len(atts))
	}
}

type fakeMailbox struct {
	messages []Message
	seen     []uint32
	err      error
}

func (f *fakeMailbox) FetchUnseen(context.Context, int) ([]Message, error) {
	return f.messages, f.err
}

func (f *fakeMailbox) MarkSeen(_ context.Context, uid uint32) error {
	f.seen = append(f.seen, uid)
	return nil
}

type stubUploader struct {
	uploaded []string
	fail     map[string]bool
}

func (s *stubUploader) UploadLog(_ context.Context, filename string, r io.Reader, sent func()) (api.AnalysisResult, error) {
	data, _ := io.ReadAll(r)
	sent()
	s.uploaded = append(s.uploaded, filename+":"+string(data))
	if s.fail[filename] {
		return nil, &api.StatusError{Method: "POST", Path: "/upload-log", StatusCode: 500, Body: "boom"}
	}
	return api.AnalysisResult(`{"ok":true}`), nil
}

type memRecorder struct {
	records []model.UploadRecord
}

func (m *memRecorder) RecordUpload(_ context.Context, u model.UploadRecord) error {
	m.records = append(m.records, u)
	return nil
}

func TestRunOnce_SubmitsLogAttachments(t *testing.T) {
	mb := &fakeMailbox{messages: []Message{
		{UID: 10, Attachments: parseAttachments([]byte(rawMessage))},
		{UID: 11, Attachments: []Attachment{{Filename: "sys.txt", Data: []byte("kernel panic")}}},
	}}
	up := &stubUploader{}
	rec := &memRecorder{}
	in := New(mb, ingest.NewPipeline(up), rec, nil)

	report, err := in.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	want := Report{Messages: 2, Submitted: 2, Succeeded: 2, Skipped: 1}
	if report != want {
		t.Errorf("report = %+v, want %+v", report, want)
	}
	if strings.Join(up.uploaded, ",") != "auth.log:Failed password for root,sys.txt:kernel panic" {
		t.Errorf("uploaded = %v", up.uploaded)
	}
	if len(mb.seen) != 2 {
		t.Errorf("seen = %v, want both messages", mb.seen)
	}
	if len(rec.records) != 2 || rec.records[0].Source != model.UploadSourceMailbox || rec.records[0].State != "succeeded" {
		t.Errorf("records = %+v", rec.records)
	}
}

func TestRunOnce_FailedUploadLeavesMessageUnseen(t *testing.T) {
	mb := &fakeMailbox{messages: []Message{
		{UID: 1, Attachments: []Attachment{{Filename: "bad.log", Data: []byte("x")}}},
		{UID: 2, Attachments: []Attachment{{Filename: "good.log", Data: []byte("y")}}},
	}}
	up := &stubUploader{fail: map[string]bool{"bad.log": true}}
	rec := &memRecorder{}
	in := New(mb, ingest.NewPipeline(up), rec, nil)

	report, err := in.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Failed != 1 || report.Succeeded != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(mb.seen) != 1 || mb.seen[0] != 2 {
		t.Errorf("seen = %v, want [2]", mb.seen)
	}
	if len(rec.records) != 2 || rec.records[0].State != "failed" || rec.records[0].Error == "" {
		t.Errorf("records = %+v", rec.records)
	}
}

func TestRunOnce_OversizedAttachmentSkipped(t *testing.T) {
	mb := &fakeMailbox{messages: []Message{
		{UID: 5, Attachments: []Attachment{{Filename: "huge.log", Data: []byte("0123456789")}}},
	}}
	up := &stubUploader{}
	in := New(mb, ingest.NewPipeline(up, ingest.WithMaxFileBytes(4)), nil, nil)

	report, err := in.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Skipped != 1 || report.Submitted != 0 {
		t.Errorf("report = %+v", report)
	}
	if len(up.uploaded) != 0 {
		t.Errorf("oversized attachment uploaded")
	}
	if len(mb.seen) != 1 {
		t.Errorf("message with only skipped attachments not marked seen")
	}
}

func TestRunOnce_MailboxError(t *testing.T) {
	authErr := &AuthError{Username: "soc", Message: "bad password"}
	in := New(&fakeMailbox{err: authErr}, ingest.NewPipeline(&stubUploader{}), nil, nil)

	_, err := in.RunOnce(context.Background())
	if !IsAuthError(err) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if !errors.As(err, &authErr) || authErr.Username != "soc" {
		t.Errorf("unexpected error detail: %v", err)
	}
}

func TestRun_AuthErrorStops(t *testing.T) {
	in := New(&fakeMailbox{err: &AuthError{Username: "soc"}}, ingest.NewPipeline(&stubUploader{}), nil, nil)
	if err := in.Run(context.Background(), 0); !IsAuthError(err) {
		t.Fatalf("Run err = %v, want AuthError", err)
	}
}
