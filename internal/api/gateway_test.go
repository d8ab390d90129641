package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	assert_ "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanbriolat/video-library/internal/api/jobs"
	"github.com/alanbriolat/video-library/internal/api/records"
	"github.com/alanbriolat/video-library/internal/library"
	"github.com/alanbriolat/video-library/internal/queue"
	"github.com/alanbriolat/video-library/internal/repair"
)

const testTimeout = 5 * time.Second

type mockMaintainer struct {
	mock.Mock
}

func (m *mockMaintainer) RepairRecord(ctx context.Context, id library.RecordID) (*library.Record, bool, error) {
	args := m.Called(ctx, id)
	record, _ := args.Get(0).(*library.Record)
	return record, args.Bool(1), args.Error(2)
}

func (m *mockMaintainer) RepairAll(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type fixture struct {
	server     *httptest.Server
	manager    *queue.Manager
	store      *library.Store
	maintainer *mockMaintainer
	libraryDir string
}

// testProcessor completes jobs straight away, except for URLs containing "block" which run until cancelled.
func testProcessor(job *queue.Job) {
	if err := job.Advance(queue.StatusResolving); err != nil {
		job.Fail(err)
		return
	}
	if strings.Contains(job.URL(), "block") {
		<-job.Context().Done()
		job.Fail(job.Context().Err())
		return
	}
	job.Complete("record-1", false)
}

func newFixture(t *testing.T) *fixture {
	root := t.TempDir()
	store, err := library.Open(filepath.Join(root, "library.db"))
	require.NoError(t, err)
	manager, err := queue.New(context.Background(), queue.DefaultConfig, queue.ProcessorFunc(testProcessor))
	require.NoError(t, err)
	f := &fixture{manager: manager, store: store, maintainer: &mockMaintainer{}, libraryDir: filepath.Join(root, "library")}
	gateway := NewGateway(Config{LibraryDir: f.libraryDir}, manager, store, f.maintainer)
	f.server = httptest.NewServer(gateway.Handler())
	t.Cleanup(func() {
		gateway.activity.close()
		f.server.Close()
		manager.Close()
		_ = store.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method string, path string, body any) *http.Response {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+Prefix+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) submit(t *testing.T, url string) queue.JobID {
	resp := f.do(t, http.MethodPost, "/jobs", jobs.SubmitRequest{URL: url})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[jobs.SubmitResponse](t, resp).JobID
}

func TestJobs_SubmitAndGet(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)

	id := f.submit(t, "https://example.com/a")
	assert.NotEmpty(id)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := f.manager.Wait(ctx, id)
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/jobs/"+string(id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[queue.JobView](t, resp)
	assert.Equal(queue.StatusComplete, view.Status)
	assert.Equal("record-1", view.RecordID)
	assert.Equal("https://example.com/a", view.SourceURL)

	resp = f.do(t, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(decode[[]queue.JobView](t, resp), 1)
}

func TestJobs_SubmitInvalid(t *testing.T) {
	f := newFixture(t)
	for _, body := range []any{
		jobs.SubmitRequest{URL: "ftp://example.com/a"},
		jobs.SubmitRequest{URL: "not a url"},
		jobs.SubmitRequest{},
	} {
		resp := f.do(t, http.MethodPost, "/jobs", body)
		assert_.Equal(t, http.StatusBadRequest, resp.StatusCode, "%v", body)
	}
	assert_.Empty(t, f.manager.Snapshot())
}

func TestJobs_Cancel(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)

	assert.Equal(http.StatusNotFound, f.do(t, http.MethodDelete, "/jobs/missing", nil).StatusCode)
	assert.Equal(http.StatusNotFound, f.do(t, http.MethodGet, "/jobs/missing", nil).StatusCode)

	id := f.submit(t, "https://example.com/block")
	assert.Eventually(func() bool {
		view, err := f.manager.Get(id)
		return err == nil && view.Status == queue.StatusResolving
	}, testTimeout, time.Millisecond)
	assert.Equal(http.StatusNoContent, f.do(t, http.MethodDelete, "/jobs/"+string(id), nil).StatusCode)
	view, err := f.manager.Get(id)
	require.NoError(t, err)
	assert.Equal(queue.StatusCancelled, view.Status)

	// Already cancelled
	assert.Equal(http.StatusConflict, f.do(t, http.MethodDelete, "/jobs/"+string(id), nil).StatusCode)
}

func TestJobs_Clear(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, "https://example.com/a")
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := f.manager.Wait(ctx, id)
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/jobs/clear", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert_.Equal(t, 1, decode[jobs.ClearResponse](t, resp).Removed)
	assert_.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/jobs/"+string(id), nil).StatusCode)
}

func (f *fixture) addRecord(t *testing.T, n int, title string) *library.Record {
	record := &library.Record{
		SourceURL:   fmt.Sprintf("https://example.com/%d", n),
		ContentHash: fmt.Sprintf("%064d", n),
		FilePath:    fmt.Sprintf("generic/unknown/%d.mp4", n),
		Title:       title,
		Platform:    "generic",
		Codec:       "h264",
	}
	require.NoError(t, f.store.Insert(context.Background(), record))
	return record
}

func TestRecords_ListGetDelete(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)
	cat := f.addRecord(t, 1, "Cat video")
	f.addRecord(t, 2, "Dog video")

	resp := f.do(t, http.MethodGet, "/records?q=cat", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	found := decode[[]records.Dto](t, resp)
	if assert.Len(found, 1) {
		assert.Equal(cat.ID, found[0].ID)
		assert.Equal("Cat video", found[0].Title)
	}

	resp = f.do(t, http.MethodGet, "/records?platform=generic&limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(decode[[]records.Dto](t, resp), 2)

	assert.Equal(http.StatusBadRequest, f.do(t, http.MethodGet, "/records?limit=1000", nil).StatusCode)
	assert.Equal(http.StatusBadRequest, f.do(t, http.MethodGet, "/records?offset=-1", nil).StatusCode)

	resp = f.do(t, http.MethodGet, "/records/"+cat.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(cat.SourceURL, decode[records.Dto](t, resp).SourceURL)

	assert.Equal(http.StatusNoContent, f.do(t, http.MethodDelete, "/records/"+cat.ID, nil).StatusCode)
	assert.Equal(http.StatusNotFound, f.do(t, http.MethodGet, "/records/"+cat.ID, nil).StatusCode)
	assert.Equal(http.StatusNotFound, f.do(t, http.MethodDelete, "/records/"+cat.ID, nil).StatusCode)
}

func TestRecords_Repair(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)
	record := f.addRecord(t, 1, "Video")
	f.maintainer.On("RepairRecord", mock.Anything, record.ID).Return(record, false, nil).Once()
	f.maintainer.On("RepairRecord", mock.Anything, "broken").Return(nil, false, fmt.Errorf("%w: encoder crashed", repair.ErrRepairFailed)).Once()
	f.maintainer.On("RepairRecord", mock.Anything, "missing").Return(nil, false, library.ErrNotFound).Once()

	resp := f.do(t, http.MethodPost, "/records/"+record.ID+"/repair", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[records.RepairResponse](t, resp)
	assert.False(result.Changed)
	assert.Equal(record.ID, result.Record.ID)

	assert.Equal(http.StatusUnprocessableEntity, f.do(t, http.MethodPost, "/records/broken/repair", nil).StatusCode)
	assert.Equal(http.StatusNotFound, f.do(t, http.MethodPost, "/records/missing/repair", nil).StatusCode)
	f.maintainer.AssertExpectations(t)
}

func TestRecords_RepairAll(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)
	var sweepErr error
	sweepErr = multierror.Append(sweepErr, fmt.Errorf("[a]: %w: encoder crashed", repair.ErrRepairFailed))
	f.maintainer.On("RepairAll", mock.Anything).Return(3, nil).Once()
	f.maintainer.On("RepairAll", mock.Anything).Return(1, sweepErr).Once()
	f.maintainer.On("RepairAll", mock.Anything).Return(0, errors.New("database is locked")).Once()

	resp := f.do(t, http.MethodPost, "/records/repair", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[records.RepairAllResponse](t, resp)
	assert.Equal(3, result.Changed)
	assert.Empty(result.Errors)

	resp = f.do(t, http.MethodPost, "/records/repair", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result = decode[records.RepairAllResponse](t, resp)
	assert.Equal(1, result.Changed)
	if assert.Len(result.Errors, 1) {
		assert.Contains(result.Errors[0], "encoder crashed")
	}

	assert.Equal(http.StatusInternalServerError, f.do(t, http.MethodPost, "/records/repair", nil).StatusCode)
	f.maintainer.AssertExpectations(t)
}

func TestRecords_File(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)
	record := f.addRecord(t, 1, "Video")
	path := filepath.Join(f.libraryDir, record.FilePath)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	resp := f.do(t, http.MethodGet, "/records/"+record.ID+"/file", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal("0123456789", string(data))

	req, err := http.NewRequest(http.MethodGet, f.server.URL+Prefix+"/records/"+record.ID+"/file", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=2-4")
	resp, err = f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(http.StatusPartialContent, resp.StatusCode)
	data, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal("234", string(data))

	missing := f.addRecord(t, 2, "Gone")
	assert.Equal(http.StatusNotFound, f.do(t, http.MethodGet, "/records/"+missing.ID+"/file", nil).StatusCode)
	assert.Equal(http.StatusNotFound, f.do(t, http.MethodGet, "/records/nope/file", nil).StatusCode)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert_.Equal(t, "ok", decode[HealthResponse](t, resp).Status)
}

func TestActivity_Websocket(t *testing.T) {
	assert := assert_.New(t)
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + Prefix + "/activity/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(testTimeout))

	var message ActivityMessage
	require.NoError(t, conn.ReadJSON(&message))
	assert.Equal(MessageSnapshot, message.Type)
	assert.Empty(message.Jobs)

	id := f.submit(t, "https://example.com/a")
	require.NoError(t, conn.ReadJSON(&message))
	assert.Equal(MessageJobAdded, message.Type)
	if assert.NotNil(message.Job) {
		assert.Equal(id, message.Job.ID)
	}
	// Updates follow until the job is complete
	for message.Job == nil || message.Job.Status != queue.StatusComplete {
		message = ActivityMessage{}
		require.NoError(t, conn.ReadJSON(&message))
		assert.Equal(MessageJobUpdated, message.Type)
	}
}

func TestActivity_CloseDisconnectsClients(t *testing.T) {
	f := newFixture(t)
	hub := newActivityHub(f.manager)
	server := httptest.NewServer(http.HandlerFunc(hub.serve))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(testTimeout))
	var message ActivityMessage
	require.NoError(t, conn.ReadJSON(&message))

	hub.close()
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if assert_.True(t, errors.As(err, &closeErr)) {
		assert_.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	}
}
