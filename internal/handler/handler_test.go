package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"workspace-im/config"
	"workspace-im/internal/model"
	"workspace-im/internal/repository"
	"workspace-im/internal/service"
	"workspace-im/internal/testutil"
	"workspace-im/pkg/jwt"
	"workspace-im/pkg/websocket"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const ws = "ws-1"

type envelope struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Duplicate bool            `json:"duplicate"`
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type apiFixture struct {
	router  *gin.Engine
	gdb     *gorm.DB
	gateway *websocket.Gateway
	jwt     *jwt.JWTService
	tokens  map[string]string
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb := testutil.NewDB(t)
	seeds := []struct{ id, role string }{
		{"alice", model.RoleAgent},
		{"bob", model.RoleMember},
		{"carol", model.RoleMember},
		{"dave", model.RoleAdmin},
	}
	for _, s := range seeds {
		testutil.SeedUser(t, gdb, ws, s.id, s.id, s.role)
	}

	cfg := config.DefaultConfig()
	users := service.NewUserService(repository.NewUserRepository(gdb))
	messages := service.NewMessageService(repository.NewMessageRepository(gdb), users, cfg.Messaging)
	gateway := websocket.NewGateway(websocket.NewManager(nil), time.Second, messages)
	users.SetPresence(gateway)
	t.Cleanup(gateway.Close)

	jwtSvc := jwt.NewJWTService(config.JWTConfig{Secret: "handler-secret", Issuer: "test", ExpireTime: time.Hour})
	tokens := map[string]string{}
	for _, s := range seeds {
		name := strings.ToUpper(s.id[:1]) + s.id[1:]
		tok, err := jwtSvc.GenerateToken(jwt.Identity{UserID: s.id, WorkspaceID: ws, Username: s.id, Name: name, Role: s.role})
		require.NoError(t, err)
		tokens[s.id] = tok
	}

	router := NewRouter(RouterDeps{
		Config:   cfg,
		JWT:      jwtSvc,
		Messages: NewMessageHandler(messages, users, gateway, time.Second),
		Users:    NewUserHandler(users),
	})
	return &apiFixture{router: router, gdb: gdb, gateway: gateway, jwt: jwtSvc, tokens: tokens}
}

func (f *apiFixture) do(t *testing.T, as, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != "" {
		req.Header.Set("Authorization", "Bearer "+f.tokens[as])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func (f *apiFixture) connect(t *testing.T, user string) *websocket.Client {
	t.Helper()
	c := websocket.NewClient(ws, user, nil, 64, nil)
	f.gateway.Connect(c)
	return c
}

func (f *apiFixture) countMessages(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.gdb.Unscoped().Model(&model.Message{}).Count(&n).Error)
	return n
}

func frames(t *testing.T, c *websocket.Client) []frame {
	t.Helper()
	var out []frame
	for {
		select {
		case raw := <-c.Send:
			var fr frame
			require.NoError(t, json.Unmarshal(raw, &fr))
			out = append(out, fr)
		default:
			return out
		}
	}
}

func ofEvent(fs []frame, event string) []frame {
	var out []frame
	for _, f := range fs {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

type messageBody struct {
	ID       uint64   `json:"id"`
	SenderID string   `json:"senderId"`
	Content  string   `json:"content"`
	Status   string   `json:"status"`
	Mentions []string `json:"mentions"`
	Deleted  bool     `json:"deleted"`
}

func TestSendThenReplay(t *testing.T) {
	f := newAPI(t)
	bob := f.connect(t, "bob")
	alice := f.connect(t, "alice")

	body := map[string]interface{}{"content": "hello @carol", "clientMessageId": "c-1"}
	code, env := f.do(t, "alice", http.MethodPost, "/api/v1/messages/bob", body)
	require.Equal(t, http.StatusCreated, code, env.Message)
	assert.False(t, env.Duplicate)

	var created messageBody
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "alice", created.SenderID)
	assert.Equal(t, []string{"carol"}, created.Mentions)
	assert.Equal(t, model.StatusDelivered, created.Status, "recipient is online")

	code, env = f.do(t, "alice", http.MethodPost, "/api/v1/messages/bob", body)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, env.Duplicate)
	var replay messageBody
	require.NoError(t, json.Unmarshal(env.Data, &replay))
	assert.Equal(t, created.ID, replay.ID)
	assert.EqualValues(t, 1, f.countMessages(t))

	assert.Len(t, ofEvent(frames(t, bob), websocket.EventMessageNew), 1, "replays are not re-broadcast")

	var delivered []frame
	require.Eventually(t, func() bool {
		delivered = append(delivered, ofEvent(frames(t, alice), websocket.EventMessageStatus)...)
		return len(delivered) > 0
	}, time.Second, 10*time.Millisecond)
	var st websocket.StatusPayload
	require.NoError(t, json.Unmarshal(delivered[0].Data, &st))
	assert.Equal(t, websocket.StatusDelivered, st.Status)
	assert.Equal(t, []uint64{created.ID}, st.MessageIDs)
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	f := newAPI(t)

	code, env := f.do(t, "alice", http.MethodPost, "/api/v1/messages/bob", map[string]string{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, env.Success)
	assert.EqualValues(t, 0, f.countMessages(t))

	code, _ = f.do(t, "alice", http.MethodPost, "/api/v1/messages/nobody", map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, "", http.MethodPost, "/api/v1/messages/bob", map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestExplicitMentionsSkipResolution(t *testing.T) {
	f := newAPI(t)

	code, env := f.do(t, "alice", http.MethodPost, "/api/v1/messages/bob", map[string]interface{}{
		"content":  "hi @carol",
		"mentions": []string{},
	})
	require.Equal(t, http.StatusCreated, code)
	var m messageBody
	require.NoError(t, json.Unmarshal(env.Data, &m))
	assert.Empty(t, m.Mentions)
	assert.NotNil(t, m.Mentions)
}

func TestListConversationMarksRead(t *testing.T) {
	f := newAPI(t)
	for _, text := range []string{"one", "two", "three"} {
		code, _ := f.do(t, "alice", http.MethodPost, "/api/v1/messages/bob", map[string]string{"content": text})
		require.Equal(t, http.StatusCreated, code)
	}
	alice := f.connect(t, "alice")

	code, env := f.do(t, "bob", http.MethodGet, "/api/v1/messages/alice?limit=2", nil)
	require.Equal(t, http.StatusOK, code)
	var page struct {
		Messages     []messageBody `json:"messages"`
		HasMore      bool          `json:"hasMore"`
		OldestCursor uint64        `json:"oldestCursor"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "two", page.Messages[0].Content)
	assert.Equal(t, "three", page.Messages[1].Content)
	assert.True(t, page.HasMore)

	code, env = f.do(t, "bob", http.MethodGet, "/api/v1/messages/alice?direction=older&cursor="+jsonNumber(page.OldestCursor), nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "one", page.Messages[0].Content)
	assert.False(t, page.HasMore)

	var reads []frame
	require.Eventually(t, func() bool {
		for _, fr := range ofEvent(frames(t, alice), websocket.EventMessageStatus) {
			var st websocket.StatusPayload
			require.NoError(t, json.Unmarshal(fr.Data, &st))
			if st.Status == websocket.StatusRead {
				reads = append(reads, fr)
			}
		}
		return len(reads) > 0
	}, 2*time.Second, 10*time.Millisecond)

	var st websocket.StatusPayload
	require.NoError(t, json.Unmarshal(reads[0].Data, &st))
	assert.Len(t, st.MessageIDs, 3)
	assert.Equal(t, "bob", st.UserID)

	code, env = f.do(t, "bob", http.MethodGet, "/api/v1/conversations", nil)
	require.Equal(t, http.StatusOK, code)
	var convs []struct {
		ConversationKey string `json:"conversationKey"`
		UnreadCount     int64  `json:"unreadCount"`
		OtherUser       struct {
			ID     string `json:"id"`
			Online bool   `json:"online"`
		} `json:"otherUser"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &convs))
	require.Len(t, convs, 1)
	assert.Equal(t, "alice:bob", convs[0].ConversationKey)
	assert.Equal(t, "alice", convs[0].OtherUser.ID)
	assert.True(t, convs[0].OtherUser.Online)
	assert.EqualValues(t, 0, convs[0].UnreadCount)
}

func jsonNumber(n uint64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestEditDeleteAndReact(t *testing.T) {
	f := newAPI(t)
	code, env := f.do(t, "alice", http.MethodPost, "/api/v1/messages/bob", map[string]string{"content": "draft"})
	require.Equal(t, http.StatusCreated, code)
	var m messageBody
	require.NoError(t, json.Unmarshal(env.Data, &m))
	path := "/api/v1/messages/" + jsonNumber(m.ID)

	bob := f.connect(t, "bob")
	f.gateway.HandleInbound(bob, []byte(`{"event":"conversation:join","data":{"recipientId":"alice"}}`))

	code, _ = f.do(t, "bob", http.MethodPut, path, map[string]string{"content": "hijack"})
	assert.Equal(t, http.StatusForbidden, code)

	code, env = f.do(t, "alice", http.MethodPut, path, map[string]string{"content": "final"})
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &m))
	assert.Equal(t, "final", m.Content)

	code, _ = f.do(t, "bob", http.MethodPost, path+"/reactions", map[string]string{"emoji": "thumbs up", "action": "add"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, "bob", http.MethodPost, path+"/reactions", map[string]string{"emoji": "👍", "action": "toggle"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, env = f.do(t, "bob", http.MethodPost, path+"/reactions", map[string]string{"emoji": "👍", "action": "add"})
	require.Equal(t, http.StatusOK, code)
	var reactions struct {
		Reactions map[string][]string `json:"reactions"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &reactions))
	assert.Equal(t, map[string][]string{"👍": {"bob"}}, reactions.Reactions)

	code, _ = f.do(t, "carol", http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, env = f.do(t, "dave", http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, code, "admins may delete any message")
	require.NoError(t, json.Unmarshal(env.Data, &m))
	assert.True(t, m.Deleted)
	assert.Empty(t, m.Content)

	code, env = f.do(t, "bob", http.MethodGet, path+"/detail", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &m))
	assert.True(t, m.Deleted)
	code, _ = f.do(t, "carol", http.MethodGet, path+"/detail", nil)
	assert.Equal(t, http.StatusNotFound, code)

	got := frames(t, bob)
	assert.Len(t, ofEvent(got, websocket.EventMessageUpdated), 1)
	assert.Len(t, ofEvent(got, websocket.EventMessageReaction), 1)
	assert.Len(t, ofEvent(got, websocket.EventMessageDeleted), 1)
}

func TestBulkMarkRead(t *testing.T) {
	f := newAPI(t)
	var ids []uint64
	for _, text := range []string{"a", "b"} {
		code, env := f.do(t, "alice", http.MethodPost, "/api/v1/messages/bob", map[string]string{"content": text})
		require.Equal(t, http.StatusCreated, code)
		var m messageBody
		require.NoError(t, json.Unmarshal(env.Data, &m))
		ids = append(ids, m.ID)
	}

	code, env := f.do(t, "bob", http.MethodPost, "/api/v1/messages/alice/read", map[string]interface{}{"messageIds": ids[:1]})
	require.Equal(t, http.StatusOK, code)
	var res struct {
		MessageIDs []uint64 `json:"messageIds"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, ids[:1], res.MessageIDs)

	code, env = f.do(t, "bob", http.MethodPost, "/api/v1/messages/alice/read", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, ids[1:], res.MessageIDs)

	code, env = f.do(t, "bob", http.MethodPost, "/api/v1/messages/alice/read", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Empty(t, res.MessageIDs)
}

func TestChunkedReadBodyMarksOnlyListedMessages(t *testing.T) {
	f := newAPI(t)
	var ids []uint64
	for _, text := range []string{"a", "b"} {
		code, env := f.do(t, "alice", http.MethodPost, "/api/v1/messages/bob", map[string]string{"content": text})
		require.Equal(t, http.StatusCreated, code)
		var m messageBody
		require.NoError(t, json.Unmarshal(env.Data, &m))
		ids = append(ids, m.ID)
	}

	body := io.MultiReader(strings.NewReader(`{"messageIds":[`), strings.NewReader(jsonNumber(ids[0])+`]}`))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages/alice/read", body)
	req.ContentLength = -1
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.tokens["bob"])
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	var res struct {
		MessageIDs []uint64 `json:"messageIds"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, ids[:1], res.MessageIDs)
}

func TestListUnknownPartnerIsNotFound(t *testing.T) {
	f := newAPI(t)
	code, env := f.do(t, "alice", http.MethodGet, "/api/v1/messages/nobody", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, env.Success)
}

func TestConversationUpdateCarriesPreview(t *testing.T) {
	f := newAPI(t)
	bob := f.connect(t, "bob")

	code, _ := f.do(t, "alice", http.MethodPost, "/api/v1/messages/bob", map[string]string{"content": strings.Repeat("x", 150)})
	require.Equal(t, http.StatusCreated, code)

	updates := ofEvent(frames(t, bob), websocket.EventConversationUpdate)
	require.Len(t, updates, 1)
	var preview struct {
		ConversationKey string                     `json:"conversationKey"`
		OtherUserID     string                     `json:"otherUserId"`
		LastMessage     map[string]json.RawMessage `json:"lastMessage"`
	}
	require.NoError(t, json.Unmarshal(updates[0].Data, &preview))
	assert.Equal(t, "alice:bob", preview.ConversationKey)
	assert.Equal(t, "alice", preview.OtherUserID)

	var text string
	require.NoError(t, json.Unmarshal(preview.LastMessage["preview"], &text))
	assert.Len(t, text, 100)
	assert.NotContains(t, preview.LastMessage, "content")
	assert.NotContains(t, preview.LastMessage, "readBy")
	assert.NotContains(t, preview.LastMessage, "reactions")
}

func TestUserEndpoints(t *testing.T) {
	f := newAPI(t)
	f.connect(t, "bob")

	code, env := f.do(t, "alice", http.MethodGet, "/api/v1/users/online", nil)
	require.Equal(t, http.StatusOK, code)
	var online []struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &online))
	require.Len(t, online, 1)
	assert.Equal(t, "bob", online[0].ID)

	code, env = f.do(t, "alice", http.MethodGet, "/api/v1/users/carol", nil)
	require.Equal(t, http.StatusOK, code)
	var carol struct {
		DisplayName string `json:"displayName"`
		Online      bool   `json:"online"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &carol))
	assert.Equal(t, "Carol", carol.DisplayName)
	assert.False(t, carol.Online)

	code, _ = f.do(t, "alice", http.MethodGet, "/api/v1/users/zed", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
