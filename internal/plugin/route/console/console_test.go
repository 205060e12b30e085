package console

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/chirino/chat-console/internal/compose"
	"github.com/chirino/chat-console/internal/model"
	"github.com/chirino/chat-console/internal/plugin/attach/memstore"
	"github.com/chirino/chat-console/internal/plugin/store/memory"
	"github.com/chirino/chat-console/internal/security"
	"github.com/chirino/chat-console/internal/session"
	"github.com/chirino/chat-console/internal/syncengine"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router  *gin.Engine
	mgr     *session.Manager
	backend *memory.Backend
	files   *memstore.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	backend := memory.NewBackend()
	files := memstore.NewStore()
	factory := func(ctx context.Context, tenantID, operatorID string) (*syncengine.Engine, *compose.Pipeline) {
		engine := syncengine.New(syncengine.Options{
			TenantID:   tenantID,
			OperatorID: operatorID,
			Backend:    backend,
		})
		pipeline := compose.New(compose.Options{
			Source:      engine,
			Messages:    backend.Messages(),
			Index:       backend.Conversations(),
			Attachments: files,
			AuthorTag:   operatorID,
		})
		return engine, pipeline
	}
	mgr := session.NewManager(factory, 0)

	router := gin.New()
	MountRoutes(router, mgr)
	return &testServer{router: router, mgr: mgr, backend: backend, files: files}
}

func (ts *testServer) openSession(t *testing.T, tenantID, operatorID string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	req.Header.Set(security.TenantHeader, tenantID)
	req.Header.Set(security.OperatorHeader, operatorID)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var body struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.SessionID)
	t.Cleanup(func() { ts.mgr.Destroy(body.SessionID) })
	return body.SessionID
}

func (ts *testServer) activate(t *testing.T, sessionID, conversationID string) {
	t.Helper()
	body := strings.NewReader(`{"conversationId":"` + conversationID + `"}`)
	req := httptest.NewRequest(http.MethodPut, "/v1/sessions/"+sessionID+"/active-conversation", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCreateSessionRequiresOperator(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	req.Header.Set(security.TenantHeader, "t1")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	id := ts.openSession(t, "t1", "op-1")

	req := httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+id, nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+id, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownSessionIs404(t *testing.T) {
	ts := newTestServer(t)
	body := strings.NewReader(`{"conversationId":"c1"}`)
	req := httptest.NewRequest(http.MethodPut, "/v1/sessions/nope/active-conversation", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendTextWritesThroughThePipeline(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.PutConversation(model.Conversation{ID: "c1", TenantID: "t1", RemotePartyID: "cust-1"})
	id := ts.openSession(t, "t1", "op-1")
	ts.activate(t, id, "c1")

	body := strings.NewReader(`{"conversationId":"c1","text":"hello there"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/messages", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	sub, err := ts.backend.Messages().Subscribe(context.Background(), "c1")
	require.NoError(t, err)
	defer sub.Close()
	select {
	case snap := <-sub.Snapshots():
		require.Len(t, snap, 1)
		assert.Equal(t, "hello there", snap[0].Content)
		assert.Equal(t, "op-1", snap[0].AuthorTag)
		assert.Equal(t, 1, snap[0].SequenceNumber)
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the store")
	}
}

func TestSendTextValidation(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.PutConversation(model.Conversation{ID: "c1", TenantID: "t1"})
	id := ts.openSession(t, "t1", "op-1")

	// Not the active conversation.
	body := strings.NewReader(`{"conversationId":"c1","text":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/messages", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Empty after trimming.
	ts.activate(t, id, "c1")
	body = strings.NewReader(`{"conversationId":"c1","text":"   "}`)
	req = httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/messages", body)
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendAttachmentUploadsAndAppends(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.PutConversation(model.Conversation{ID: "c1", TenantID: "t1"})
	id := ts.openSession(t, "t1", "op-1")
	ts.activate(t, id, "c1")

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("conversationId", "c1"))
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="pic.png"`)
	header.Set("Content-Type", "image/png")
	fw, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = fw.Write([]byte("\x89PNG\r\n\x1a\nfakepixels"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/attachments", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	sub, err := ts.backend.Messages().Subscribe(context.Background(), "c1")
	require.NoError(t, err)
	defer sub.Close()
	select {
	case snap := <-sub.Snapshots():
		require.Len(t, snap, 1)
		assert.Equal(t, model.KindImage, snap[0].Kind)
		payload, ok := ts.files.Get(snap[0].Content)
		require.True(t, ok, "message content is the stored file's URL")
		assert.Equal(t, []byte("\x89PNG\r\n\x1a\nfakepixels"), payload)
	case <-time.After(2 * time.Second):
		t.Fatal("attachment message never reached the store")
	}
}

func TestSendAttachmentRequiresFile(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.PutConversation(model.Conversation{ID: "c1", TenantID: "t1"})
	id := ts.openSession(t, "t1", "op-1")
	ts.activate(t, id, "c1")

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("conversationId", "c1"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/attachments", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
