package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"

	"github.com/video-batcher/internal/config"
)

const maxSegmentBytes = 512 << 20

// MediaHostError identifies the media host step that failed
type MediaHostError struct {
	Step       string
	StatusCode int
	Message    string
	// Rejected is set when the host refused the request itself
	Rejected bool
	Cause    error
}

func (e *MediaHostError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("media host %s failed with status %d: %s", e.Step, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("media host %s failed: %s", e.Step, e.Message)
}

func (e *MediaHostError) Unwrap() error {
	return e.Cause
}

// Temporary reports whether retrying the same step may succeed
func (e *MediaHostError) Temporary() bool {
	if e.Rejected {
		return false
	}
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// CloudinaryMediaHost uploads segments to Cloudinary and composes delivery
// URLs from transform strings.
type CloudinaryMediaHost struct {
	cld      *cloudinary.Cloudinary
	client   *http.Client
	maxBytes int64
}

// NewCloudinaryMediaHost creates a media host client
func NewCloudinaryMediaHost(cfg *config.MediaHostConfig) (*CloudinaryMediaHost, error) {
	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create media host client: %w", err)
	}
	if cfg.UploadPrefix != "" {
		prefix := strings.TrimRight(cfg.UploadPrefix, "/")
		cld.Config.API.UploadPrefix = prefix
		// the upload API keeps its own copy of the configuration
		cld.Upload.Config.API.UploadPrefix = prefix
	}
	cld.Config.URL.Secure = true

	return &CloudinaryMediaHost{
		cld:      cld,
		client:   &http.Client{Timeout: 5 * time.Minute},
		maxBytes: maxSegmentBytes,
	}, nil
}

// Download fetches a rendered segment from its source URL. Oversized segments
// are rejected rather than truncated.
func (h *CloudinaryMediaHost) Download(ctx context.Context, sourceURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, &MediaHostError{Step: "download", Message: "invalid source url", Cause: err}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &MediaHostError{Step: "download", Message: err.Error(), Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &MediaHostError{Step: "download", StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, &MediaHostError{Step: "download", Message: "failed to read segment body", Cause: err}
	}
	if len(data) == 0 {
		return nil, &MediaHostError{Step: "download", Message: "segment body is empty"}
	}
	if int64(len(data)) > h.maxBytes {
		return nil, &MediaHostError{
			Step:     "download",
			Message:  fmt.Sprintf("segment exceeds %d bytes", h.maxBytes),
			Rejected: true,
		}
	}
	return data, nil
}

// Upload stores data under publicID, replacing any previous asset with that ID
func (h *CloudinaryMediaHost) Upload(ctx context.Context, publicID string, data []byte) (string, error) {
	resp, err := h.cld.Upload.Upload(ctx, bytes.NewReader(data), uploader.UploadParams{
		PublicID:     publicID,
		ResourceType: "video",
		Overwrite:    api.Bool(true),
		Invalidate:   api.Bool(true),
	})
	if err != nil {
		return "", &MediaHostError{Step: "upload", Message: err.Error(), Cause: err}
	}
	if resp.Error.Message != "" {
		return "", &MediaHostError{Step: "upload", Message: resp.Error.Message, Rejected: true}
	}
	if resp.PublicID == "" {
		return publicID, nil
	}
	return resp.PublicID, nil
}

// DeliveryURL returns the URL of baseAssetID rendered through transform
func (h *CloudinaryMediaHost) DeliveryURL(transform, baseAssetID string) (string, error) {
	video, err := h.cld.Video(baseAssetID + ".mp4")
	if err != nil {
		return "", &MediaHostError{Step: "compose", Message: "invalid asset id", Cause: err}
	}
	video.Transformation = transform

	assetURL, err := video.String()
	if err != nil {
		return "", &MediaHostError{Step: "compose", Message: "failed to build delivery url", Cause: err, Rejected: true}
	}
	return assetURL, nil
}

// Verify checks that a composed URL resolves to a playable asset
func (h *CloudinaryMediaHost) Verify(ctx context.Context, assetURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, assetURL, nil)
	if err != nil {
		return &MediaHostError{Step: "compose", Message: "invalid composed url", Cause: err}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return &MediaHostError{Step: "compose", Message: err.Error(), Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := resp.Header.Get("X-Cld-Error")
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &MediaHostError{Step: "compose", StatusCode: resp.StatusCode, Message: msg}
	}
	return nil
}
