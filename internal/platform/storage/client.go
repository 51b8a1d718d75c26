package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/minutemart/order-api/internal/platform/auth"
)

// Document links are short-lived. Uploads default to the renderer's
// window; downloads are capped so a leaked link goes stale quickly.
const (
	defaultUploadExpiry   = 15 * time.Minute
	defaultDownloadExpiry = 5 * time.Minute
	maxDownloadExpiry     = 15 * time.Minute
)

var (
	errNoSigner           = errors.New("storage: signer is required")
	errInvalidOptions     = errors.New("storage: either upload or download options must be provided")
	errBothIntents        = errors.New("storage: upload and download options cannot be used together")
	errInvalidBucket      = errors.New("storage: bucket name is required")
	errInvalidObject      = errors.New("storage: object name is required")
	errMethodNotAllowed   = errors.New("storage: HTTP method not allowed for intent")
	errContentTypeMissing = errors.New("storage: content type is required for uploads")
	errContentTypeDenied  = errors.New("storage: content type not allowed")
	errMD5Required        = errors.New("storage: content MD5 is required for uploads")
	errMD5Invalid         = errors.New("storage: content MD5 must be base64 encoded")
	errExpiryTooLong      = errors.New("storage: expiry exceeds permitted maximum")
)

// Client signs GCS links for order documents without holding bucket
// credentials itself; the actual signature comes from the Signer.
type Client struct {
	signer Signer
	scheme storage.SigningScheme
	now    func() time.Time
}

type ClientOption func(*Client)

// WithSigningScheme overrides the signing scheme (defaults to V4).
func WithSigningScheme(scheme storage.SigningScheme) ClientOption {
	return func(c *Client) {
		if scheme != 0 {
			c.scheme = scheme
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

func NewClient(signer Signer, opts ...ClientOption) (*Client, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}

	client := &Client{
		signer: signer,
		scheme: storage.SigningSchemeV4,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// SignedURLOptions select the link's intent. Exactly one of Upload or
// Download must be set.
type SignedURLOptions struct {
	Upload   *UploadOptions
	Download *DownloadOptions
	Query    map[string]string
}

// UploadOptions constrain what the holder of the link may write. The
// constraints are baked into the signature, so a tampered request is
// rejected by GCS rather than by us.
type UploadOptions struct {
	Method              string
	ContentType         string
	ContentMD5          string
	RequireMD5          bool
	AllowedContentTypes []string
	MaxSize             int64
	ExpiresIn           time.Duration
	AdditionalHeaders   map[string]string
}

// DownloadOptions control download validation and response shaping.
// OwnerID and Identity feed the ownership check; customers only ever
// see their own documents.
type DownloadOptions struct {
	Method         string
	ExpiresIn      time.Duration
	Disposition    string
	CacheControl   string
	ResponseType   string
	OwnerID        string
	Identity       *auth.Identity
	AllowAnonymous bool
}

// SignedURLResult is the link plus the headers the caller must send
// verbatim for the signature to verify.
type SignedURLResult struct {
	URL       string
	Method    string
	ExpiresAt time.Time
	Headers   map[string]string
}

// SignedURL creates a signed URL according to the provided options.
func (c *Client) SignedURL(ctx context.Context, bucket, object string, opts SignedURLOptions) (SignedURLResult, error) {
	if c == nil {
		return SignedURLResult{}, errNoSigner
	}
	if ctx == nil {
		return SignedURLResult{}, errors.New("storage: context is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return SignedURLResult{}, errInvalidBucket
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return SignedURLResult{}, errInvalidObject
	}
	switch {
	case opts.Upload == nil && opts.Download == nil:
		return SignedURLResult{}, errInvalidOptions
	case opts.Upload != nil && opts.Download != nil:
		return SignedURLResult{}, errBothIntents
	case opts.Upload != nil:
		return c.signUpload(ctx, bucket, object, opts)
	default:
		return c.signDownload(ctx, bucket, object, opts)
	}
}

func (c *Client) signUpload(ctx context.Context, bucket, object string, opts SignedURLOptions) (SignedURLResult, error) {
	up := opts.Upload

	method, err := uploadMethod(up.Method)
	if err != nil {
		return SignedURLResult{}, err
	}

	contentType := strings.TrimSpace(up.ContentType)
	if contentType == "" {
		return SignedURLResult{}, errContentTypeMissing
	}
	if len(up.AllowedContentTypes) > 0 && !contentTypeAllowed(contentType, up.AllowedContentTypes) {
		return SignedURLResult{}, errContentTypeDenied
	}

	md5 := strings.TrimSpace(up.ContentMD5)
	if up.RequireMD5 && md5 == "" {
		return SignedURLResult{}, errMD5Required
	}
	if md5 != "" {
		if _, err := base64.StdEncoding.DecodeString(md5); err != nil {
			return SignedURLResult{}, errMD5Invalid
		}
	}

	expiry := up.ExpiresIn
	if expiry <= 0 {
		expiry = defaultUploadExpiry
	}
	expiresAt := c.now().Add(expiry)

	urlOpts := c.baseOptions(ctx, method, expiresAt)
	urlOpts.ContentType = contentType
	urlOpts.MD5 = md5

	headers := map[string]string{"Content-Type": contentType}
	if md5 != "" {
		headers["Content-MD5"] = md5
	}

	var extHeaders []string
	if up.MaxSize > 0 {
		// The length-range extension header is the only way to cap the
		// object size from the signing side.
		rangeValue := fmt.Sprintf("0,%d", up.MaxSize)
		extHeaders = append(extHeaders, "x-goog-content-length-range:"+rangeValue)
		headers["x-goog-content-length-range"] = rangeValue
	}
	for _, key := range sortedKeys(up.AdditionalHeaders) {
		value := strings.TrimSpace(up.AdditionalHeaders[key])
		if value == "" {
			continue
		}
		extHeaders = append(extHeaders, strings.ToLower(strings.TrimSpace(key))+":"+value)
		headers[key] = value
	}
	urlOpts.Headers = extHeaders

	if len(opts.Query) > 0 {
		urlOpts.QueryParameters = toURLValues(opts.Query)
	}

	signedURL, err := storage.SignedURL(bucket, object, &urlOpts)
	if err != nil {
		return SignedURLResult{}, fmt.Errorf("storage: sign upload url: %w", err)
	}

	return SignedURLResult{
		URL:       signedURL,
		Method:    method,
		ExpiresAt: expiresAt,
		Headers:   headers,
	}, nil
}

func (c *Client) signDownload(ctx context.Context, bucket, object string, opts SignedURLOptions) (SignedURLResult, error) {
	down := opts.Download

	method := strings.ToUpper(strings.TrimSpace(down.Method))
	if method == "" {
		method = httpMethodGet
	}
	if method != httpMethodGet && method != httpMethodHead {
		return SignedURLResult{}, errMethodNotAllowed
	}

	expiry := down.ExpiresIn
	if expiry <= 0 {
		expiry = defaultDownloadExpiry
	}
	if expiry > maxDownloadExpiry {
		return SignedURLResult{}, errExpiryTooLong
	}

	if err := AuthorizeDownload(down.Identity, down.OwnerID, down.AllowAnonymous); err != nil {
		return SignedURLResult{}, err
	}

	expiresAt := c.now().Add(expiry)
	urlOpts := c.baseOptions(ctx, method, expiresAt)

	query := map[string]string{}
	if down.Disposition != "" {
		query["response-content-disposition"] = down.Disposition
	}
	if down.CacheControl != "" {
		query["response-cache-control"] = down.CacheControl
	}
	if down.ResponseType != "" {
		query["response-content-type"] = down.ResponseType
	}
	for key, value := range opts.Query {
		if _, exists := query[key]; exists {
			continue
		}
		query[key] = value
	}
	if len(query) > 0 {
		urlOpts.QueryParameters = toURLValues(query)
	}

	signedURL, err := storage.SignedURL(bucket, object, &urlOpts)
	if err != nil {
		return SignedURLResult{}, fmt.Errorf("storage: sign download url: %w", err)
	}

	return SignedURLResult{
		URL:       signedURL,
		Method:    method,
		ExpiresAt: expiresAt,
	}, nil
}

func (c *Client) baseOptions(ctx context.Context, method string, expiresAt time.Time) storage.SignedURLOptions {
	return storage.SignedURLOptions{
		GoogleAccessID: c.signer.Email(),
		Scheme:         c.scheme,
		Method:         method,
		Expires:        expiresAt,
		SignBytes: func(payload []byte) ([]byte, error) {
			return c.signer.SignBytes(ctx, payload)
		},
	}
}

const (
	httpMethodPut  = "PUT"
	httpMethodPost = "POST"
	httpMethodGet  = "GET"
	httpMethodHead = "HEAD"
)

func uploadMethod(method string) (string, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = httpMethodPut
	}
	switch method {
	case httpMethodPut, httpMethodPost:
		return method, nil
	default:
		return "", errMethodNotAllowed
	}
}

func contentTypeAllowed(contentType string, allowed []string) bool {
	normalized := strings.ToLower(strings.TrimSpace(contentType))
	for _, candidate := range allowed {
		candidate = strings.ToLower(strings.TrimSpace(candidate))
		if candidate == "" {
			continue
		}
		if candidate == "*" {
			return true
		}
		if strings.HasSuffix(candidate, "/*") {
			if strings.HasPrefix(normalized, strings.TrimSuffix(candidate, "*")) {
				return true
			}
			continue
		}
		if normalized == candidate {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toURLValues(values map[string]string) url.Values {
	out := make(url.Values, len(values))
	for _, key := range sortedKeys(values) {
		out.Add(key, values[key])
	}
	return out
}
