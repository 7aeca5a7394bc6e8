package exchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// PhonePort is the port of the phone app's upload server.
const PhonePort = 8080

// Client uploads files to the phone app's server.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for the phone at host. port <= 0 uses PhonePort.
func NewClient(host string, port int, logger *slog.Logger) *Client {
	if port <= 0 {
		port = PhonePort
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// SendImage uploads a JPEG to the phone's /upload_image endpoint.
func (c *Client) SendImage(ctx context.Context, path string) error {
	return c.upload(ctx, "/upload_image", "image", "image.jpg", "image/jpeg", path)
}

// SendCSV uploads a CSV file to the phone's /upload_csv endpoint.
func (c *Client) SendCSV(ctx context.Context, path string) error {
	return c.upload(ctx, "/upload_csv", "csv", filepath.Base(path), "text/csv", path)
}

func (c *Client) upload(ctx context.Context, endpoint, field, filename, contentType, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("exchange: open %s: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("exchange: build form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("exchange: read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("exchange: build form: %w", err)
	}

	size := body.Len()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &body)
	if err != nil {
		return fmt.Errorf("exchange: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("exchange: post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("exchange: post %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	c.logger.Info("[EXCHANGE] file sent", "endpoint", endpoint, "file", filepath.Base(path), "bytes", size)
	return nil
}
