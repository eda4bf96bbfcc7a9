// Package ses derives Amazon SES SMTP credentials from AWS credentials and
// checks whether a sender identity is verified for sending.
package ses

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// Fixed inputs of the SES SMTP password derivation.
const (
	smtpDate     = "11111111"
	smtpService  = "ses"
	smtpTerminal = "aws4_request"
	smtpMessage  = "SendRawEmail"
	smtpVersion  = 0x04
)

// Config holds the settings used to build an AWS config. Empty keys fall
// back to the AWS default credential chain.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SMTPCredentials are the username and password an SES SMTP endpoint accepts.
type SMTPCredentials struct {
	Username string
	Password string
}

// LoadAWSConfig resolves the AWS configuration for cfg.
func LoadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// Credentials retrieves the AWS credentials in awsCfg and turns them into
// SES SMTP credentials for awsCfg.Region.
func Credentials(ctx context.Context, awsCfg aws.Config) (SMTPCredentials, error) {
	if awsCfg.Credentials == nil {
		return SMTPCredentials{}, errors.New("no AWS credentials configured")
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return SMTPCredentials{}, fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}
	if creds.SessionToken != "" {
		slog.Warn("SES SMTP does not accept temporary credentials", "source", creds.Source)
	}

	return SMTPCredentials{
		Username: creds.AccessKeyID,
		Password: SMTPPassword(creds.SecretAccessKey, awsCfg.Region),
	}, nil
}

// SMTPPassword derives the SES SMTP password for secretKey in region.
func SMTPPassword(secretKey, region string) string {
	sig := sign([]byte("AWS4"+secretKey), smtpDate)
	for _, part := range []string{region, smtpService, smtpTerminal, smtpMessage} {
		sig = sign(sig, part)
	}
	return base64.StdEncoding.EncodeToString(append([]byte{smtpVersion}, sig...))
}

func sign(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

// GetEmailIdentityAPI is the interface for the SES v2 GetEmailIdentity
// operation. Used for testing with mock implementations.
type GetEmailIdentityAPI interface {
	GetEmailIdentity(ctx context.Context, params *sesv2.GetEmailIdentityInput, optFns ...func(*sesv2.Options)) (*sesv2.GetEmailIdentityOutput, error)
}

// IdentityChecker reports whether sender identities are verified in SES.
type IdentityChecker struct {
	client GetEmailIdentityAPI
}

// NewIdentityChecker creates an IdentityChecker backed by the SES v2 API.
func NewIdentityChecker(awsCfg aws.Config) *IdentityChecker {
	return &IdentityChecker{client: sesv2.NewFromConfig(awsCfg)}
}

// NewIdentityCheckerWithClient creates an IdentityChecker with a custom
// client, used for testing.
func NewIdentityCheckerWithClient(client GetEmailIdentityAPI) *IdentityChecker {
	return &IdentityChecker{client: client}
}

// Verified reports whether address, or failing that its domain, is verified
// for sending. Identities SES does not know are reported as unverified.
func (c *IdentityChecker) Verified(ctx context.Context, address string) (bool, error) {
	candidates := []string{address}
	if _, domain, ok := strings.Cut(address, "@"); ok && domain != "" {
		candidates = append(candidates, domain)
	}

	for _, identity := range candidates {
		out, err := c.client.GetEmailIdentity(ctx, &sesv2.GetEmailIdentityInput{
			EmailIdentity: aws.String(identity),
		})
		var notFound *types.NotFoundException
		if errors.As(err, &notFound) {
			slog.Debug("SES identity not found", "identity", identity)
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to look up SES identity %s: %w", identity, err)
		}
		slog.Debug("SES identity found", "identity", identity, "verified", out.VerifiedForSendingStatus)
		if out.VerifiedForSendingStatus {
			return true, nil
		}
	}
	return false, nil
}
