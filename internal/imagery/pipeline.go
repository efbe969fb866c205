// Package imagery downloads article cover images, normalizes them and stores
// delivery variants in a blob store.
package imagery

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif" // register decoder
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register decoder

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
	"github.com/JakeFAU/blogroll-crawler/internal/metrics"
)

var imageExt = regexp.MustCompile(`(?i)\.(jpe?g|png|gif|webp)$`)

// Variants produced for every cover.
var Variants = []string{"jpg", "png"}

// Config controls the pipeline.
type Config struct {
	Prefix        string
	MaxWidth      int
	MaxBytes      int64
	MaxPixels     int64
	Timeout       time.Duration
	JPEGQuality   int
	UserAgent     string
	PublicBaseURL string
}

type waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Pipeline implements aggregator.ImageProcessor. A nil *Pipeline is valid and
// produces no covers.
type Pipeline struct {
	cfg     Config
	client  *http.Client
	blobs   aggregator.BlobStore
	limiter waiter
	clock   aggregator.Clock
	logger  *zap.Logger
}

// New builds a Pipeline. limiter may be nil.
func New(cfg Config, client *http.Client, blobs aggregator.BlobStore, limiter waiter, clock aggregator.Clock, logger *zap.Logger) *Pipeline {
	if cfg.Prefix == "" {
		cfg.Prefix = "covers"
	}
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = 1200
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = 40_000_000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 85
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, client: client, blobs: blobs, limiter: limiter, clock: clock, logger: logger.Named("imagery")}
}

// Accepts reports whether imageURL looks like a supported image.
func Accepts(imageURL string) bool {
	u, err := url.Parse(strings.TrimSpace(imageURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	return imageExt.MatchString(u.Path)
}

// Process implements aggregator.ImageProcessor. Failures are logged and yield
// nil.
func (p *Pipeline) Process(ctx context.Context, imageURL, sourceURL string) aggregator.CoverSet {
	if p == nil || p.blobs == nil || !Accepts(imageURL) {
		return nil
	}
	covers, err := p.process(ctx, imageURL, sourceURL)
	if err != nil {
		metrics.ObserveCoverImage("error")
		p.logger.Warn("cover image skipped", zap.String("image", imageURL), zap.Error(err))
		return nil
	}
	metrics.ObserveCoverImage("ok")
	return covers
}

func (p *Pipeline) process(ctx context.Context, imageURL, sourceURL string) (aggregator.CoverSet, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	raw, err := p.download(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	header, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	if pixels := int64(header.Width) * int64(header.Height); pixels > p.cfg.MaxPixels {
		return nil, fmt.Errorf("image %dx%d exceeds %d pixels", header.Width, header.Height, p.cfg.MaxPixels)
	}
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	img = Resize(img, p.cfg.MaxWidth)

	host := aggregator.HostNamespace(sourceURL)
	if host == "" {
		host = aggregator.HostNamespace(imageURL)
	}
	stamp := p.now().UnixMilli()

	covers := make(aggregator.CoverSet, len(Variants))
	for _, ext := range Variants {
		data, contentType, err := p.encode(img, ext)
		if err != nil {
			return nil, err
		}
		path := fmt.Sprintf("%s/%s/%d.%s", p.cfg.Prefix, host, stamp, ext)
		uri, err := p.blobs.PutObject(ctx, path, contentType, data)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", path, err)
		}
		covers[ext] = p.deliveryURL(path, uri)
	}
	p.logger.Debug("cover stored", zap.String("image", imageURL), zap.String("format", format), zap.String("host", host))
	return covers, nil
}

func (p *Pipeline) download(ctx context.Context, imageURL string) ([]byte, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, imageURL); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	if resp.ContentLength > p.cfg.MaxBytes {
		return nil, fmt.Errorf("image too large: %d bytes", resp.ContentLength)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(raw)) > p.cfg.MaxBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", p.cfg.MaxBytes)
	}
	return raw, nil
}

func (p *Pipeline) encode(img image.Image, ext string) ([]byte, string, error) {
	var buf bytes.Buffer
	switch ext {
	case "jpg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.cfg.JPEGQuality}); err != nil {
			return nil, "", fmt.Errorf("encode jpeg: %w", err)
		}
		return buf.Bytes(), "image/jpeg", nil
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", fmt.Errorf("encode png: %w", err)
		}
		return buf.Bytes(), "image/png", nil
	default:
		return nil, "", fmt.Errorf("unsupported variant %q", ext)
	}
}

func (p *Pipeline) deliveryURL(path, uri string) string {
	if p.cfg.PublicBaseURL == "" {
		return uri
	}
	return p.cfg.PublicBaseURL + "/" + path
}

func (p *Pipeline) now() time.Time {
	if p.clock != nil {
		return p.clock.Now()
	}
	return time.Now()
}

// Resize scales img down to maxWidth preserving the aspect ratio. Narrower
// images are returned unchanged.
func Resize(img image.Image, maxWidth int) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if maxWidth <= 0 || width <= maxWidth {
		return img
	}
	newHeight := height * maxWidth / width
	if newHeight < 1 {
		newHeight = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, newHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}
