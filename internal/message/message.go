// Package message builds the fixed test message sent by the probe.
package message

import (
	"fmt"
	"time"
)

// TimestampLayout is the layout used in the subject and body of the test message.
const TimestampLayout = "2006-01-02 15:04:05"

// VerifyFailureNote is appended to the body when a quick VRFY check fails.
const VerifyFailureNote = "Address verification failed"

// Timestamp formats now the way it appears in the test message.
func Timestamp(now time.Time) string {
	return now.Format(TimestampLayout)
}

// Compose returns a minimal RFC 822 message with From, To and Subject headers
// and a one-line body. Lines are CRLF terminated.
func Compose(from, to string, now time.Time) string {
	ts := Timestamp(now)
	return fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: Test message from smtptest at %s\r\n\r\n"+
		"Test message from the smtptest tool sent at %s", from, to, ts, ts)
}

// AnnotateVerifyFailure appends the address verification failure note to msg.
func AnnotateVerifyFailure(msg string) string {
	return msg + "\r\n\r\n" + VerifyFailureNote
}
