package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	redisadapter "github.com/jschvat/posting-system-refactor-sub005/internal/adapter/redis"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	apperrors "github.com/jschvat/posting-system-refactor-sub005/internal/errors"
	"github.com/jschvat/posting-system-refactor-sub005/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInternalRoutes_RequireAPIKey(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})

	tests := []struct {
		name   string
		header map[string]string
	}{
		{"missing key", nil},
		{"wrong key", map[string]string{"X-API-Key": "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(srv, http.MethodGet, "/internal/presence?user_ids=1", nil, tt.header)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestInternalRoutes_EmptyConfiguredKeyRejects(t *testing.T) {
	srv := newTestServer(t, &mockAppService{}, func(s *Server) { s.config.InternalAPIKey = "" })

	rec := do(srv, http.MethodGet, "/internal/presence?user_ids=1", nil, map[string]string{"X-API-Key": ""})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlePublishMessage(t *testing.T) {
	var got *domain.Message
	app := &mockAppService{
		publishMessageFn: func(_ context.Context, msg *domain.Message) error {
			got = msg
			return nil
		},
	}
	srv := newTestServer(t, app)

	body := `{"id":9,"room_id":50,"author_id":1,"content":"hi","message_type":"text"}`
	rec := do(srv, http.MethodPost, "/internal/messages", strings.NewReader(body), internalHeader())

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, int64(9), got.ID)
	assert.Equal(t, domain.RoomID(50), got.RoomID)
	assert.Equal(t, "hi", got.Content)
}

func TestHandlePublishMessage_ValidationError(t *testing.T) {
	app := &mockAppService{
		publishMessageFn: func(context.Context, *domain.Message) error {
			return apperrors.ValidationError("message id must be positive")
		},
	}
	srv := newTestServer(t, app)

	rec := do(srv, http.MethodPost, "/internal/messages", strings.NewReader(`{}`), internalHeader())

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "VALIDATION_ERROR", resp.Code)
}

func TestHandlePublishMessage_MalformedBody(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})

	rec := do(srv, http.MethodPost, "/internal/messages", strings.NewReader(`{"id":`), internalHeader())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePublishEditedAndDeleted(t *testing.T) {
	var edited *domain.Message
	var deleted struct {
		room domain.RoomID
		id   int64
		by   domain.UserID
	}
	app := &mockAppService{
		publishEditedFn: func(_ context.Context, msg *domain.Message) error {
			edited = msg
			return nil
		},
		publishDeletedFn: func(_ context.Context, room domain.RoomID, id int64, by domain.UserID) error {
			deleted.room, deleted.id, deleted.by = room, id, by
			return nil
		},
	}
	srv := newTestServer(t, app)

	rec := do(srv, http.MethodPost, "/internal/messages/edited",
		strings.NewReader(`{"id":3,"room_id":7,"author_id":1,"content":"fixed"}`), internalHeader())
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, edited)
	assert.Equal(t, "fixed", edited.Content)

	rec = do(srv, http.MethodPost, "/internal/messages/deleted",
		strings.NewReader(`{"room_id":7,"message_id":3,"deleted_by":1}`), internalHeader())
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, domain.RoomID(7), deleted.room)
	assert.Equal(t, int64(3), deleted.id)
	assert.Equal(t, domain.UserID(1), deleted.by)
}

func TestHandleEnqueueNotification(t *testing.T) {
	var users []domain.UserID
	var tmpl domain.NotificationTemplate
	app := &mockAppService{
		enqueueFn: func(_ context.Context, u []domain.UserID, tm domain.NotificationTemplate) error {
			users, tmpl = u, tm
			return nil
		},
	}
	srv := newTestServer(t, app)

	body := `{"user_ids":[2,3],"type":"follow","actor_id":1,"title":"Alice followed you","body":""}`
	rec := do(srv, http.MethodPost, "/internal/notifications", strings.NewReader(body), internalHeader())

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []domain.UserID{2, 3}, users)
	assert.Equal(t, domain.NotificationFollow, tmpl.Type)
	assert.Equal(t, domain.UserID(1), tmpl.ActorID)
	assert.JSONEq(t, `{"status":"queued","recipients":2}`, rec.Body.String())
}

func TestHandleEnqueueNotification_QueueClosed(t *testing.T) {
	app := &mockAppService{
		enqueueFn: func(context.Context, []domain.UserID, domain.NotificationTemplate) error {
			return notify.ErrQueueClosed
		},
	}
	srv := newTestServer(t, app)

	rec := do(srv, http.MethodPost, "/internal/notifications",
		strings.NewReader(`{"user_ids":[2],"type":"system","title":"x"}`), internalHeader())
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleDispatchNotification(t *testing.T) {
	app := &mockAppService{
		dispatchFn: func(_ context.Context, users []domain.UserID, _ domain.NotificationTemplate) (notify.Summary, error) {
			return notify.Summary{
				Outcomes: map[domain.UserID]notify.Outcome{
					2: {UserID: 2, NotificationID: 11, Status: notify.StatusDelivered, Attempted: 2, Succeeded: 1, Failed: 1},
				},
				Errors: map[domain.UserID]error{
					3: fmt.Errorf("failed to create notification: %w", domain.ErrNotFound),
				},
			}, nil
		},
	}
	srv := newTestServer(t, app)

	rec := do(srv, http.MethodPost, "/internal/notifications/dispatch",
		strings.NewReader(`{"user_ids":[2,3],"type":"system","title":"Maintenance"}`), internalHeader())

	require.Equal(t, http.StatusOK, rec.Code)
	var resp dispatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Attempted)
	assert.Equal(t, 1, resp.Succeeded)
	require.Len(t, resp.Outcomes, 1)
	assert.Equal(t, notify.StatusDelivered, resp.Outcomes[0].Status)
	assert.Contains(t, resp.Errors[3], "not found")
}

func TestHandlePresence(t *testing.T) {
	var asked []domain.UserID
	app := &mockAppService{
		presenceFn: func(users []domain.UserID) (map[domain.UserID]bool, error) {
			asked = users
			return map[domain.UserID]bool{1: true, 2: false}, nil
		},
	}
	srv := newTestServer(t, app)

	rec := do(srv, http.MethodGet, "/internal/presence?user_ids=1,%202", nil, internalHeader())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []domain.UserID{1, 2}, asked)
	assert.JSONEq(t, `{"statuses":{"1":true,"2":false}}`, rec.Body.String())
}

func TestParseUserIDs(t *testing.T) {
	ids, err := parseUserIDs("4,5 ,6")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{4, 5, 6}, ids)

	_, err = parseUserIDs("")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = parseUserIDs("1,x")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestHandleNodes_SingleNode(t *testing.T) {
	srv := newTestServer(t, &mockAppService{connections: 3})

	rec := do(srv, http.MethodGet, "/internal/nodes", nil, internalHeader())
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Nodes []redisadapter.NodeInfo `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Nodes, 1)
	assert.Equal(t, "node-test", body.Nodes[0].NodeID)
	assert.Equal(t, 3, body.Nodes[0].Connections)
}

func TestHandleNodes_FromDirectory(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})
	srv.UseNodeDirectory(&mockNodes{nodes: []redisadapter.NodeInfo{{NodeID: "a"}, {NodeID: "b"}}})

	rec := do(srv, http.MethodGet, "/internal/nodes", nil, internalHeader())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"node_id":"a"`)
	assert.Contains(t, rec.Body.String(), `"node_id":"b"`)
}

func TestHandleNodes_DirectoryError(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})
	srv.UseNodeDirectory(&mockNodes{err: errors.New("redis down")})

	rec := do(srv, http.MethodGet, "/internal/nodes", nil, internalHeader())
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
