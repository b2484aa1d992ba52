package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobaltleaf/pdfmerge/internal/config"
	"github.com/cobaltleaf/pdfmerge/internal/docmodel"
	"github.com/cobaltleaf/pdfmerge/internal/merge"
	"github.com/cobaltleaf/pdfmerge/internal/pool"
	"github.com/cobaltleaf/pdfmerge/internal/testutil"
	"github.com/cobaltleaf/pdfmerge/internal/validate"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig shrinks the size limits so a few hundred bytes of fixture PDF
// can exercise the rejection paths.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.MinFiles = 2
	cfg.MaxFiles = 4
	cfg.MaxFileSize = 10 << 10
	cfg.MaxTotalSize = 20 << 10
	cfg.ProcessingTimeout = 30 * time.Second
	cfg.MinWorkers = 1
	cfg.PoolSize = 2
	cfg.QueueSize = 32
	cfg.SubBatchDelay = 0
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config) *httptest.Server {
	t.Helper()
	logger := testLogger()
	p := pool.New(pool.Config{
		MinWorkers: cfg.MinWorkers,
		PoolSize:   cfg.PoolSize,
		QueueSize:  cfg.QueueSize,
	}, logger, nil)
	t.Cleanup(p.Shutdown)

	v := validate.New(docmodel.NewLoader(), validate.Config{MinPDFSize: cfg.MinPDFSize}, logger)
	engine := merge.New(cfg, p, v, nil, logger, nil)
	srv := httptest.NewServer(New(cfg, engine, p, logger, nil).Router())
	t.Cleanup(srv.Close)
	return srv
}

type uploadPart struct {
	name        string
	contentType string
	data        []byte
}

func pdfPart(name string, data []byte) uploadPart {
	return uploadPart{name: name, contentType: "application/pdf", data: data}
}

func multipartBody(t *testing.T, parts []uploadPart, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="files"; filename=%q`, p.name))
		h.Set("Content-Type", p.contentType)
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(p.data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func postMerge(t *testing.T, srv *httptest.Server, parts []uploadPart, fields map[string]string) *http.Response {
	t.Helper()
	body, contentType := multipartBody(t, parts, fields)
	resp, err := http.Post(srv.URL+"/merge", contentType, body)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func errorBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func TestMergeEndpointHappyPath(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp := postMerge(t, srv, []uploadPart{
		pdfPart("a.pdf", testutil.MinimalPDF(101, 102)),
		pdfPart("b.pdf", testutil.MinimalPDF(201)),
	}, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "merged.pdf")
	assert.NotEmpty(t, resp.Header.Get("X-Processing-Time-Ms"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	count, err := docmodel.PageCount(data)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRepeatRequestServedFromCache(t *testing.T) {
	srv := newTestServer(t, testConfig())
	parts := []uploadPart{
		pdfPart("a.pdf", testutil.MinimalPDF(101)),
		pdfPart("b.pdf", testutil.MinimalPDF(201)),
	}

	first := postMerge(t, srv, parts, nil)
	require.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, "MISS", first.Header.Get("X-Cache"))
	firstData, err := io.ReadAll(first.Body)
	require.NoError(t, err)

	second := postMerge(t, srv, parts, nil)
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "HIT", second.Header.Get("X-Cache"))
	secondData, err := io.ReadAll(second.Body)
	require.NoError(t, err)
	assert.Equal(t, firstData, secondData)
}

func TestTooFewFilesRejected(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp := postMerge(t, srv, []uploadPart{
		pdfPart("only.pdf", testutil.MinimalPDF(101)),
	}, nil)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorBody(t, resp), "at least two files")
}

func TestTooManyFilesRejected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFiles = 2
	srv := newTestServer(t, cfg)

	resp := postMerge(t, srv, []uploadPart{
		pdfPart("a.pdf", testutil.MinimalPDF(101)),
		pdfPart("b.pdf", testutil.MinimalPDF(201)),
		pdfPart("c.pdf", testutil.MinimalPDF(301)),
	}, nil)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorBody(t, resp), "too many files")
}

func TestNonPDFContentTypeRejected(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp := postMerge(t, srv, []uploadPart{
		pdfPart("a.pdf", testutil.MinimalPDF(101)),
		{name: "notes.txt", contentType: "text/plain", data: []byte("hello")},
	}, nil)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorBody(t, resp), "notes.txt")
}

func TestOversizedFileRejected(t *testing.T) {
	cfg := testConfig()
	// Between the one-page and three-page fixture sizes.
	cfg.MaxFileSize = 450
	cfg.MaxTotalSize = 20 << 10
	srv := newTestServer(t, cfg)

	resp := postMerge(t, srv, []uploadPart{
		pdfPart("a.pdf", testutil.MinimalPDF(101)),
		pdfPart("big.pdf", testutil.MinimalPDF(201, 202, 203)),
	}, nil)

	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	body := errorBody(t, resp)
	assert.Contains(t, body, "per-file size limit")
	assert.Contains(t, body, "big.pdf")
}

func TestOversizedBatchRejected(t *testing.T) {
	cfg := testConfig()
	// Each fixture passes the per-file limit; together they do not.
	cfg.MaxFileSize = 10 << 10
	cfg.MaxTotalSize = 600
	srv := newTestServer(t, cfg)

	resp := postMerge(t, srv, []uploadPart{
		pdfPart("a.pdf", testutil.MinimalPDF(101)),
		pdfPart("b.pdf", testutil.MinimalPDF(201)),
	}, nil)

	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Contains(t, errorBody(t, resp), "aggregate size")
}

func TestAllInvalidFilesMapToBadRequest(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp := postMerge(t, srv, []uploadPart{
		pdfPart("broken-1.pdf", testutil.CorruptPDF()),
		pdfPart("broken-2.pdf", testutil.CorruptPDF()),
	}, nil)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorBody(t, resp), "no valid input files")
}

func TestPartialFailureStillSucceedsWithWarningHeader(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp := postMerge(t, srv, []uploadPart{
		pdfPart("good.pdf", testutil.MinimalPDF(101, 102)),
		pdfPart("broken.pdf", testutil.CorruptPDF()),
		pdfPart("also-good.pdf", testutil.MinimalPDF(301)),
	}, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-Merge-Warnings-Count"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	count, err := docmodel.PageCount(data)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestCachedReplayKeepsWarningHeader(t *testing.T) {
	srv := newTestServer(t, testConfig())
	parts := []uploadPart{
		pdfPart("good.pdf", testutil.MinimalPDF(101)),
		pdfPart("broken.pdf", testutil.CorruptPDF()),
		pdfPart("also-good.pdf", testutil.MinimalPDF(301)),
	}

	first := postMerge(t, srv, parts, nil)
	require.Equal(t, http.StatusOK, first.StatusCode)
	require.Equal(t, "1", first.Header.Get("X-Merge-Warnings-Count"))

	second := postMerge(t, srv, parts, nil)
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "HIT", second.Header.Get("X-Cache"))
	assert.Equal(t, "1", second.Header.Get("X-Merge-Warnings-Count"),
		"replayed responses carry the original warning count")
}

func TestOptimizeOptOutViaForm(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp := postMerge(t, srv, []uploadPart{
		pdfPart("a.pdf", testutil.MinimalPDF(101)),
		pdfPart("b.pdf", testutil.MinimalPDF(201)),
	}, map[string]string{"optimize": "false", "objectStreams": "false"})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	count, err := docmodel.PageCount(data)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestNonMultipartBodyRejected(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp, err := http.Post(srv.URL+"/merge", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status      string `json:"status"`
		CachedItems int    `json:"cachedItems"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Zero(t, body.CachedItems)
}
