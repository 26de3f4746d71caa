package channels

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxMediaBytes caps media fetched for outbound delivery at 64 MB.
const maxMediaBytes = 64 << 20

var mediaHTTPClient = &http.Client{Timeout: 60 * time.Second}

// FetchMedia resolves a media reference — an http(s) URL or a local file
// path — into its bytes and a best-effort MIME type.
func FetchMedia(ctx context.Context, ref string) ([]byte, string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, "", fmt.Errorf("fetch media: %w", err)
		}
		resp, err := mediaHTTPClient.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("fetch media: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, "", fmt.Errorf("fetch media: unexpected status %d", resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
		if err != nil {
			return nil, "", fmt.Errorf("fetch media: %w", err)
		}
		mimeType := resp.Header.Get("Content-Type")
		if mimeType == "" {
			mimeType = guessMimeType(ref, data)
		}
		return data, mimeType, nil
	}

	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, "", fmt.Errorf("read media file: %w", err)
	}
	return data, guessMimeType(ref, data), nil
}

func guessMimeType(ref string, data []byte) string {
	if byExt := mime.TypeByExtension(filepath.Ext(ref)); byExt != "" {
		return byExt
	}
	return http.DetectContentType(data)
}

// MediaKind normalizes a user-facing media type ("image", "video", "gif",
// "audio", "document") from an explicit type hint or a MIME type.
func MediaKind(hint, mimeType string) string {
	switch strings.ToLower(hint) {
	case "image", "video", "gif", "audio", "document":
		return strings.ToLower(hint)
	}
	switch {
	case strings.HasPrefix(mimeType, "image/gif"):
		return "gif"
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	default:
		return "document"
	}
}
