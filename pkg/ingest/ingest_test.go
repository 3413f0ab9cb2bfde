package ingest

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/emocchi/pkg/filestore"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	return img
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage()))
	return buf.Bytes()
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(), nil))
	return buf.Bytes()
}

func gifBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, testImage(), nil))
	return buf.Bytes()
}

// apngBytes turns a PNG into an animated PNG by inserting an acTL chunk
// right after IHDR.
func apngBytes(t *testing.T) []byte {
	t.Helper()
	still := pngBytes(t)
	const ihdrEnd = 8 + 4 + 4 + 13 + 4

	body := append([]byte("acTL"), 0, 0, 0, 1, 0, 0, 0, 0)
	chunk := binary.BigEndian.AppendUint32(nil, uint32(len(body)-4))
	chunk = append(chunk, body...)
	chunk = binary.BigEndian.AppendUint32(chunk, crc32.ChecksumIEEE(body))

	out := append([]byte{}, still[:ihdrEnd]...)
	out = append(out, chunk...)
	return append(out, still[ihdrEnd:]...)
}

// serveBytes starts a server answering every request with status and body.
func serveBytes(t *testing.T, status int, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestIngestor(t *testing.T, opts DownloadOptions) (*Ingestor, *filestore.Store) {
	t.Helper()
	files, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	return New(files, NewDownloader(opts), nil), files
}

func assertNoArtifacts(t *testing.T, files *filestore.Store, community string) {
	t.Helper()
	images, err := files.List(imageDir(community))
	require.NoError(t, err)
	assert.Empty(t, images, "image directory should be empty")
	staged, err := files.List(stagingDir(community))
	require.NoError(t, err)
	assert.Empty(t, staged, "staging directory should be empty")
}

func TestIngest_PNG(t *testing.T) {
	data := pngBytes(t)
	srv := serveBytes(t, http.StatusOK, data)
	ing, files := newTestIngestor(t, DownloadOptions{})

	fileName, err := ing.Ingest(context.Background(), "guild", "foo", srv.URL+"/foo.png")
	require.NoError(t, err)
	assert.Equal(t, "foo.png", fileName)

	stored, ok, err := files.Read(imageDir("guild"), "foo.png")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, data, stored)

	names, err := files.List(imageDir("guild"))
	require.NoError(t, err)
	assert.Equal(t, []string{"foo.png"}, names)

	staged, err := files.List(stagingDir("guild"))
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestCommit_AnimatedPNG(t *testing.T) {
	ing, files := newTestIngestor(t, DownloadOptions{})
	data := apngBytes(t)

	fileName, err := ing.Commit("guild", "dance", data)
	require.NoError(t, err)
	assert.Equal(t, "dance.png", fileName)

	stored, ok, err := files.Read(imageDir("guild"), "dance.png")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, data, stored)
}

func TestIngest_JPEGIgnoresDeclaredType(t *testing.T) {
	// the URL and the declared content type both say png; the bytes are jpeg
	data := jpegBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	}))
	defer srv.Close()
	ing, _ := newTestIngestor(t, DownloadOptions{})

	fileName, err := ing.Ingest(context.Background(), "guild", "dog", srv.URL+"/dog.png")
	require.NoError(t, err)
	assert.Equal(t, "dog.jpg", fileName)
}

func TestIngest_UnsupportedType(t *testing.T) {
	tests := []struct {
		name string
		body func(t *testing.T) []byte
	}{
		{name: "gif", body: gifBytes},
		{name: "text", body: func(*testing.T) []byte { return []byte("definitely not an image") }},
		{name: "empty", body: func(*testing.T) []byte { return nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serveBytes(t, http.StatusOK, tt.body(t))
			ing, files := newTestIngestor(t, DownloadOptions{})

			fileName, err := ing.Ingest(context.Background(), "guild", "foo", srv.URL)
			assert.Empty(t, fileName)

			var unsupported *UnsupportedTypeError
			assert.True(t, errors.As(err, &unsupported), "got %v", err)
			assertNoArtifacts(t, files, "guild")
		})
	}
}

func TestIngest_DownloadErrors(t *testing.T) {
	t.Run("non-2xx status", func(t *testing.T) {
		srv := serveBytes(t, http.StatusNotFound, pngBytes(t))
		ing, files := newTestIngestor(t, DownloadOptions{})

		_, err := ing.Ingest(context.Background(), "guild", "foo", srv.URL)
		var dlErr *DownloadError
		require.True(t, errors.As(err, &dlErr), "got %v", err)
		assert.Equal(t, http.StatusNotFound, dlErr.StatusCode)
		assertNoArtifacts(t, files, "guild")
	})

	t.Run("body too large", func(t *testing.T) {
		srv := serveBytes(t, http.StatusOK, pngBytes(t))
		ing, files := newTestIngestor(t, DownloadOptions{MaxBytes: 8})

		_, err := ing.Ingest(context.Background(), "guild", "foo", srv.URL)
		var dlErr *DownloadError
		require.True(t, errors.As(err, &dlErr), "got %v", err)
		assert.ErrorIs(t, err, errTooLarge)
		assertNoArtifacts(t, files, "guild")
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		ing, _ := newTestIngestor(t, DownloadOptions{})
		_, err := ing.Ingest(context.Background(), "guild", "foo", "ftp://example.com/a.png")
		var dlErr *DownloadError
		assert.True(t, errors.As(err, &dlErr), "got %v", err)
	})

	t.Run("transport failure", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		ing, _ := newTestIngestor(t, DownloadOptions{})
		_, err := ing.Ingest(context.Background(), "guild", "foo", url)
		var dlErr *DownloadError
		assert.True(t, errors.As(err, &dlErr), "got %v", err)
	})

	t.Run("host denied by policy", func(t *testing.T) {
		srv := serveBytes(t, http.StatusOK, pngBytes(t))
		policy, err := NewHostPolicy([]string{"**.example.com"}, nil)
		require.NoError(t, err)
		ing, _ := newTestIngestor(t, DownloadOptions{Policy: policy})

		_, err = ing.Ingest(context.Background(), "guild", "foo", srv.URL)
		var dlErr *DownloadError
		assert.True(t, errors.As(err, &dlErr), "got %v", err)
	})
}

func TestIngest_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ing, files := newTestIngestor(t, DownloadOptions{Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := ing.Ingest(context.Background(), "guild", "slow", srv.URL)
	assert.Less(t, time.Since(start), 5*time.Second)

	var dlErr *DownloadError
	require.True(t, errors.As(err, &dlErr), "got %v", err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assertNoArtifacts(t, files, "guild")
}

func TestCommit_StagesOutsideImageDirectory(t *testing.T) {
	ing, files := newTestIngestor(t, DownloadOptions{})

	fileName, err := ing.Commit("My Server", "wave", pngBytes(t))
	require.NoError(t, err)
	assert.Equal(t, "wave.png", fileName)

	_, err = os.Stat(filepath.Join(files.Root(), ImagesDir, "My%20Server", "wave.png"))
	assert.NoError(t, err)

	rc, err := ing.Open("My Server", "wave.png")
	require.NoError(t, err)
	rc.Close()

	require.NoError(t, ing.Delete("My Server", "wave.png"))
	assert.ErrorIs(t, ing.Delete("My Server", "wave.png"), filestore.ErrNotFound)
}

func TestCommit_InvalidTriggerName(t *testing.T) {
	ing, files := newTestIngestor(t, DownloadOptions{})

	_, err := ing.Commit("guild", "../escape", pngBytes(t))
	assert.ErrorIs(t, err, filestore.ErrInvalidPath)
	assertNoArtifacts(t, files, "guild")
}

func TestSweepStaging(t *testing.T) {
	ing, files := newTestIngestor(t, DownloadOptions{})

	// simulate a crash between staging and commit
	require.NoError(t, files.Write(stagingDir("guild"), "cat", []byte("partial")))

	require.NoError(t, ing.SweepStaging())

	_, err := os.Stat(filepath.Join(files.Root(), StagingDir))
	assert.True(t, os.IsNotExist(err))

	// sweeping an absent staging area is fine
	require.NoError(t, ing.SweepStaging())
}

func TestCommunityDir(t *testing.T) {
	tests := []struct {
		community string
		want      string
	}{
		{community: "guild", want: "guild"},
		{community: "My Server", want: "My%20Server"},
		{community: "a/b", want: "a%2Fb"},
		{community: `a\b`, want: "a%5Cb"},
		{community: "..", want: "%2E%2E"},
		{community: ".", want: "%2E"},
		{community: "", want: "_"},
	}
	for _, tt := range tests {
		t.Run(tt.community, func(t *testing.T) {
			assert.Equal(t, tt.want, CommunityDir(tt.community))
		})
	}
}

func TestFinalName(t *testing.T) {
	assert.Equal(t, "cat.png", FinalName("cat", "png"))
	assert.Equal(t, "cat.png", FinalName("cat.png", "png"))
	assert.Equal(t, "cat.png.jpg", FinalName("cat.png", "jpg"))
}
