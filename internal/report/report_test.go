package report

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReporter_SeverityLines(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	r := New(&stdout, &stderr)

	r.Errorf("can not connect to %s:%d", "mail.example.com", 25)
	r.Warnf("Server not secure %s", "mail.example.com:25")
	r.Infof("No quick, continue using mail...")

	want := "ERROR: can not connect to mail.example.com:25\n" +
		"WARN: Server not secure mail.example.com:25\n" +
		"INFO: No quick, continue using mail...\n"
	assert.Equal(t, want, stderr.String())
	assert.Empty(t, stdout.String())
}

func TestReporter_NoColorForBuffers(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	r := New(&bytes.Buffer{}, &stderr)
	r.Errorf("boom")

	assert.NotContains(t, stderr.String(), "\x1b[")
}

func TestReporter_Fields(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	r := New(&stdout, &bytes.Buffer{})
	r.Fields([]Field{
		{Name: "usetls", Value: true},
		{Name: "server port", Value: 587},
		{Name: "smtp password", Value: "*****"},
	})

	assert.Equal(t, "usetls: true\nserver port: 587\nsmtp password: *****\n", stdout.String())
}

func TestReporter_MessageBody(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	r := New(&stdout, &bytes.Buffer{})
	r.MessageBody("From: a\r\n\r\nbody")

	want := "-- Message body ---------------------\n" +
		"From: a\r\n\r\nbody\n" +
		"-------------------------------------\n"
	assert.Equal(t, want, stdout.String())
}
