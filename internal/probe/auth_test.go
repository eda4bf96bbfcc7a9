package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectMechanism(t *testing.T) {
	t.Parallel()

	tests := []struct {
		advertised string
		want       string
	}{
		{advertised: "PLAIN LOGIN", want: "PLAIN"},
		{advertised: "LOGIN PLAIN CRAM-MD5", want: "CRAM-MD5"},
		{advertised: "login", want: "LOGIN"},
		{advertised: "XOAUTH2 GSSAPI", want: ""},
		{advertised: "", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, selectMechanism(tt.advertised), tt.advertised)
	}
}
