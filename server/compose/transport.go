package compose

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/emersion/go-smtp"
	"github.com/migadu/ruled/config"
	"github.com/migadu/ruled/logger"
)

// Transport submits a finished message.
type Transport interface {
	Name() string
	Send(ctx context.Context, from string, to []string, raw []byte) error
}

// SubmitError wraps a transport failure with whether resubmitting can help.
type SubmitError struct {
	Err       error
	Permanent bool
}

func (e *SubmitError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err is a failure retrying cannot fix:
// SMTP 5xx replies, SES rejections, broken client configuration.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	var submitErr *SubmitError
	if errors.As(err, &submitErr) {
		return submitErr.Permanent
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	var (
		rejected    *types.MessageRejected
		notVerified *types.MailFromDomainNotVerifiedException
		suspended   *types.AccountSuspendedException
		badRequest  *types.BadRequestException
	)
	return errors.As(err, &rejected) || errors.As(err, &notVerified) ||
		errors.As(err, &suspended) || errors.As(err, &badRequest)
}

// SMTPTransport submits through an SMTP relay.
type SMTPTransport struct {
	Host        string
	UseTLS      bool
	TLSVerify   bool
	UseStartTLS bool
	TLSCertFile string
	TLSKeyFile  string
}

func NewSMTPTransport(cfg config.ComposeConfig) *SMTPTransport {
	return &SMTPTransport{
		Host:        cfg.SMTPHost,
		UseTLS:      cfg.SMTPTLS,
		TLSVerify:   cfg.SMTPTLSVerify,
		UseStartTLS: cfg.SMTPUseStartTLS,
		TLSCertFile: cfg.SMTPTLSCertFile,
		TLSKeyFile:  cfg.SMTPTLSKeyFile,
	}
}

func (t *SMTPTransport) Name() string { return "smtp" }

func (t *SMTPTransport) dial() (*smtp.Client, error) {
	if !t.UseTLS {
		return smtp.Dial(t.Host)
	}
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !t.TLSVerify,
	}
	if t.TLSCertFile != "" && t.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.TLSCertFile, t.TLSKeyFile)
		if err != nil {
			return nil, &SubmitError{Err: fmt.Errorf("failed to load client certificate: %w", err), Permanent: true}
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	if t.UseStartTLS {
		return smtp.DialStartTLS(t.Host, tlsConfig)
	}
	return smtp.DialTLS(t.Host, tlsConfig)
}

// Send delivers raw to every recipient in one SMTP transaction. A recipient
// refused with a 5xx reply fails the whole submission.
func (t *SMTPTransport) Send(ctx context.Context, from string, to []string, raw []byte) error {
	if t.Host == "" {
		return &SubmitError{Err: errors.New("SMTP host not configured"), Permanent: true}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c, err := t.dial()
	if err != nil {
		if IsPermanentError(err) {
			return err
		}
		return &SubmitError{Err: fmt.Errorf("failed to connect to %s: %w", t.Host, err)}
	}
	defer c.Close()

	if err := c.Mail(from, nil); err != nil {
		return &SubmitError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return &SubmitError{Err: fmt.Errorf("failed to set recipient %s: %w", rcpt, err), Permanent: IsPermanentError(err)}
		}
	}
	wc, err := c.Data()
	if err != nil {
		return &SubmitError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(raw); err != nil {
		_ = wc.Close()
		return &SubmitError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return &SubmitError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}
	if err := c.Quit(); err != nil {
		// Already accepted.
		logger.Warn("Compose: failed to send QUIT", "host", t.Host, "error", err)
	}
	return nil
}

// SendEmailAPI is the part of the SES v2 client the transport uses.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESTransport submits raw MIME through AWS SES v2.
type SESTransport struct {
	client SendEmailAPI
}

// NewSESTransport builds an SES client for cfg. Empty keys use the default
// AWS credential chain.
func NewSESTransport(ctx context.Context, cfg config.SESConfig) (*SESTransport, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &SESTransport{client: sesv2.NewFromConfig(awsCfg)}, nil
}

func NewSESTransportWithClient(client SendEmailAPI) *SESTransport {
	return &SESTransport{client: client}
}

func (t *SESTransport) Name() string { return "ses" }

func (t *SESTransport) Send(ctx context.Context, from string, to []string, raw []byte) error {
	_, err := t.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: to},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	})
	if err != nil {
		return &SubmitError{Err: fmt.Errorf("SES SendEmail: %w", err), Permanent: IsPermanentError(err)}
	}
	return nil
}
