package smtpd

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Authenticator checks AUTH credentials against a single configured account.
// For XOAUTH2 the password doubles as the expected bearer token.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If both username and password are empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// VerifyPlain decodes and verifies an AUTH PLAIN response of the form
// base64(authzid \0 authcid \0 password).
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return fmt.Errorf("invalid AUTH PLAIN format")
	}

	return a.check(parts[1], parts[2])
}

// VerifyLogin verifies base64-encoded AUTH LOGIN credentials.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return fmt.Errorf("invalid base64 username")
	}

	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return fmt.Errorf("invalid base64 password")
	}

	return a.check(string(user), string(pass))
}

// VerifyXOAuth2 verifies an initial XOAUTH2 response:
// base64("user=" user "\x01auth=Bearer " token "\x01\x01").
func (a *Authenticator) VerifyXOAuth2(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 encoding")
	}

	var user, token string
	for _, field := range strings.Split(string(decoded), "\x01") {
		switch {
		case strings.HasPrefix(field, "user="):
			user = strings.TrimPrefix(field, "user=")
		case strings.HasPrefix(field, "auth=Bearer "):
			token = strings.TrimPrefix(field, "auth=Bearer ")
		}
	}
	if user == "" || token == "" {
		return fmt.Errorf("invalid XOAUTH2 format")
	}

	return a.check(user, token)
}

// VerifyCRAMMD5 verifies a CRAM-MD5 response to challenge. The response
// is base64(user " " hex(HMAC-MD5(password, challenge))).
func (a *Authenticator) VerifyCRAMMD5(challenge, encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 encoding")
	}

	user, digest, ok := strings.Cut(string(decoded), " ")
	if !ok {
		return fmt.Errorf("invalid CRAM-MD5 format")
	}
	got, err := hex.DecodeString(digest)
	if err != nil {
		return fmt.Errorf("invalid CRAM-MD5 digest")
	}

	mac := hmac.New(md5.New, []byte(a.password))
	mac.Write([]byte(challenge))
	if user != a.username || !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("authentication failed")
	}
	return nil
}

func (a *Authenticator) check(user, secret string) error {
	if user != a.username || secret != a.password {
		return fmt.Errorf("authentication failed")
	}
	return nil
}
