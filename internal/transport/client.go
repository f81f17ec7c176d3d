// Package transport moves finalized records off the device. It owns the
// network mechanics only; what to send and when is decided by the
// coordinator and the upload queue.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fieldmark-labs/fieldmark/backend/internal/records"
)

const (
	xmlPartName    = "xml_submission_file"
	xmlPartFile    = "submission.xml"
	openRosaHeader = "X-OpenRosa-Version"
)

var (
	// ErrAuthRequired indicates the remote server wants (re)authentication
	// before accepting submissions.
	ErrAuthRequired = errors.New("transport: authentication required")
	// ErrMissingURL indicates the client was constructed without a
	// submission endpoint.
	ErrMissingURL = errors.New("transport: submission url is required")

	noOpLogger = zap.NewNop()
)

// Submission is the outbound snapshot of one record.
type Submission struct {
	InstanceID   string
	DeprecatedID string
	XML          string
	Files        []records.FileRef
}

// Result reports the per-file outcome of a submission. A non-empty
// FailedFiles with a nil error is a partial success: the record itself was
// accepted, the listed attachments were not transmitted.
type Result struct {
	FailedFiles []string
}

// Submitter transmits one record snapshot.
type Submitter interface {
	Submit(ctx context.Context, submission Submission) (Result, error)
}

// ClientConfig carries the dependencies for constructing a Client.
type ClientConfig struct {
	URL               string
	AuthToken         string
	MaxSubmissionSize int64
	HTTPClient        *http.Client
	Clock             func() time.Time
	Logger            *zap.Logger
}

// Client posts one multipart request per record to the submission endpoint.
type Client struct {
	url       string
	authToken string
	maxSize   int64
	http      *http.Client
	clock     func() time.Time
	logger    *zap.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrMissingURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Client{
		url:       cfg.URL,
		authToken: cfg.AuthToken,
		maxSize:   cfg.MaxSubmissionSize,
		http:      httpClient,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Submit transmits the record xml plus every attachment that fits the size
// cap. Attachments without in-memory content or over the cap are withheld
// and reported in Result.FailedFiles.
func (c *Client) Submit(ctx context.Context, submission Submission) (Result, error) {
	if err := c.checkCredential(); err != nil {
		return Result{}, err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writeField(writer, "instance_id", submission.InstanceID); err != nil {
		return Result{}, err
	}
	if submission.DeprecatedID != "" {
		if err := writeField(writer, "deprecated_id", submission.DeprecatedID); err != nil {
			return Result{}, err
		}
	}

	part, err := writer.CreateFormFile(xmlPartName, xmlPartFile)
	if err != nil {
		return Result{}, err
	}
	if _, err := io.WriteString(part, submission.XML); err != nil {
		return Result{}, err
	}

	result := Result{}
	for _, file := range submission.Files {
		if !file.HasContent() || (c.maxSize > 0 && int64(len(file.Content)) > c.maxSize) {
			result.FailedFiles = append(result.FailedFiles, file.Name)
			continue
		}
		filePart, err := writer.CreateFormFile(file.Name, file.Name)
		if err != nil {
			return Result{}, err
		}
		if _, err := filePart.Write(file.Content); err != nil {
			return Result{}, err
		}
	}

	if err := writer.Close(); err != nil {
		return Result{}, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return Result{}, err
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())
	request.Header.Set(openRosaHeader, "1.0")
	if c.authToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return Result{}, fmt.Errorf("transport: submission request failed: %w", err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return Result{}, fmt.Errorf("%w: server returned %d", ErrAuthRequired, response.StatusCode)
	case response.StatusCode >= 200 && response.StatusCode < 300:
		if len(result.FailedFiles) > 0 {
			c.logger.Warn("submission accepted with failed attachments",
				zap.String("instance_id", submission.InstanceID),
				zap.Strings("failed_files", result.FailedFiles))
		}
		return result, nil
	default:
		return Result{}, fmt.Errorf("transport: submission rejected with status %d", response.StatusCode)
	}
}

// checkCredential spares a doomed round trip: when the configured credential
// is a JWT whose expiry has passed, the submission is refused locally with
// the same ErrAuthRequired the server would produce.
func (c *Client) checkCredential() error {
	if c.authToken == "" || strings.Count(c.authToken, ".") != 2 {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.authToken, claims); err != nil {
		return nil
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return nil
	}
	if expiry.Before(c.clock()) {
		return fmt.Errorf("%w: credential expired at %s", ErrAuthRequired, expiry.Format(time.RFC3339))
	}
	return nil
}

func writeField(writer *multipart.Writer, name, value string) error {
	field, err := writer.CreateFormField(name)
	if err != nil {
		return err
	}
	_, err = io.WriteString(field, value)
	return err
}
