package mailbox

import (
	"errors"
	"fmt"
	"time"
)

// Message is an unseen mailbox message carrying log attachments.
type Message struct {
	UID         uint32
	MessageID   string
	Subject     string
	From        string
	Date        time.Time
	Attachments []Attachment
}

// Attachment is a decoded MIME attachment.
type Attachment struct {
	Filename string
	MIMEType string
	Data     []byte
}

// AuthError indicates the IMAP server rejected the configured login.
type AuthError struct {
	Username string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("mailbox auth error (%s): %s", e.Username, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
