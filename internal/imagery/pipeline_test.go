package imagery

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/blogroll-crawler/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestAccepts(t *testing.T) {
	t.Parallel()
	require.True(t, Accepts("https://a.example/x/cover.JPG"))
	require.True(t, Accepts("http://a.example/x.webp?size=large"))
	require.False(t, Accepts("https://a.example/x.svg"))
	require.False(t, Accepts("ftp://a.example/x.png"))
	require.False(t, Accepts("/relative/x.png"))
	require.False(t, Accepts(""))
}

func TestProcessStoresVariants(t *testing.T) {
	t.Parallel()
	payload := pngBytes(t, 40, 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	blobs := memory.NewBlobStore()
	now := time.UnixMilli(1700000000123)
	p := New(Config{MaxWidth: 10, PublicBaseURL: "https://cdn.example/"}, srv.Client(), blobs, nil, fixedClock{now}, nil)

	covers := p.Process(context.Background(), srv.URL+"/img/cover.png", "https://www.blog.example/")
	require.Equal(t, "https://cdn.example/covers/blog.example/1700000000123.jpg", covers["jpg"])
	require.Equal(t, "https://cdn.example/covers/blog.example/1700000000123.png", covers["png"])

	stored, contentType, ok := blobs.Object("covers/blog.example/1700000000123.png")
	require.True(t, ok)
	require.Equal(t, "image/png", contentType)
	img, err := png.Decode(bytes.NewReader(stored))
	require.NoError(t, err)
	require.Equal(t, 10, img.Bounds().Dx())
	require.Equal(t, 5, img.Bounds().Dy())
}

func TestProcessFailuresReturnNil(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("not an image"))
	}))
	defer srv.Close()

	blobs := memory.NewBlobStore()
	p := New(Config{}, srv.Client(), blobs, nil, nil, nil)
	require.Nil(t, p.Process(context.Background(), srv.URL+"/missing.png", "https://blog.example"))
	require.Nil(t, p.Process(context.Background(), srv.URL+"/garbage.jpg", "https://blog.example"))
	require.Nil(t, p.Process(context.Background(), srv.URL+"/page.html", "https://blog.example"))
	require.Empty(t, blobs.Paths())

	var disabled *Pipeline
	require.Nil(t, disabled.Process(context.Background(), srv.URL+"/a.png", "https://blog.example"))
}

func TestProcessRejectsOversizedImages(t *testing.T) {
	t.Parallel()
	payload := pngBytes(t, 64, 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	p := New(Config{MaxBytes: 16}, srv.Client(), memory.NewBlobStore(), nil, nil, nil)
	require.Nil(t, p.Process(context.Background(), srv.URL+"/big.png", "https://blog.example"))
}

// hugeHeaderPNG returns a small PNG whose header declares w x h pixels.
func hugeHeaderPNG(t *testing.T, w, h uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))))
	raw := buf.Bytes()
	// signature(8) length(4) "IHDR"(4) width(4) height(4) ... crc after 13 data bytes
	binary.BigEndian.PutUint32(raw[16:20], w)
	binary.BigEndian.PutUint32(raw[20:24], h)
	binary.BigEndian.PutUint32(raw[29:33], crc32.ChecksumIEEE(raw[12:29]))
	return raw
}

func TestProcessRejectsImagesOverPixelBudget(t *testing.T) {
	t.Parallel()
	payload := hugeHeaderPNG(t, 16000, 16000)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, 16000, cfg.Width)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	blobs := memory.NewBlobStore()
	p := New(Config{}, srv.Client(), blobs, nil, nil, nil)
	require.Nil(t, p.Process(context.Background(), srv.URL+"/bomb.png", "https://blog.example"))
	require.Empty(t, blobs.Paths())
}

func TestProcessHonorsConfiguredPixelBudget(t *testing.T) {
	t.Parallel()
	payload := pngBytes(t, 40, 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	blobs := memory.NewBlobStore()
	tight := New(Config{MaxPixels: 799}, srv.Client(), blobs, nil, nil, nil)
	require.Nil(t, tight.Process(context.Background(), srv.URL+"/cover.png", "https://blog.example"))

	exact := New(Config{MaxPixels: 800}, srv.Client(), blobs, nil, nil, nil)
	require.NotNil(t, exact.Process(context.Background(), srv.URL+"/cover.png", "https://blog.example"))
}

func TestResizeKeepsNarrowImages(t *testing.T) {
	t.Parallel()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	require.Same(t, img, Resize(img, 10))
}
