package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	apirest "github.com/tomonet/server/api/rest"
	apows "github.com/tomonet/server/api/ws"
	"github.com/tomonet/server/cache"
	"github.com/tomonet/server/config"
	"github.com/tomonet/server/feed"
	mw "github.com/tomonet/server/middleware"
	"github.com/tomonet/server/notify"
	"github.com/tomonet/server/presence"
	"github.com/tomonet/server/realtime"
	"github.com/tomonet/server/scheduler"
	"github.com/tomonet/server/social"
	"github.com/tomonet/server/testutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// TestServer wraps a real HTTP server with all subsystems wired together.
type TestServer struct {
	DB         *gorm.DB
	Cache      cache.Cache
	PubSub     cache.PubSub
	Registry   *realtime.Registry
	Graph      *social.Graph
	Social     *social.Service
	Presence   *presence.Engine
	Dispatcher *notify.Dispatcher
	Feed       *feed.Aggregator
	Server     *httptest.Server
	URL        string // http://127.0.0.1:<port>
	WSURL      string // ws://127.0.0.1:<port>/ws
	Sec        config.SecurityConfig
}

// NewTestServer creates a fully wired server for integration testing.
// It mirrors the dependency wiring in main.go.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// ---- Infrastructure ----
	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	logger := zap.NewNop()

	sec := config.SecurityConfig{
		JWTSecret:      "integration-test-secret",
		JWTTTLH:        72 * time.Hour,
		RateLimitRPS:   1000,
		RateLimitBurst: 2000,
		AllowedOrigins: []string{}, // allow all origins
	}
	realtimeCfg := config.RealtimeConfig{
		MaxConnsPerUser: 5,
		MaxConnsTotal:   100,
		IdleTimeout:     5 * time.Minute,
		IdleSweepEvery:  time.Minute,
		TouchSyncEvery:  30 * time.Second,
	}
	presenceCfg := config.PresenceConfig{
		StatusThrottle: 50 * time.Millisecond,
		ReconcileEvery: time.Minute,
		MaxActivityLen: 100,
	}
	notifyCfg := config.NotifyConfig{
		UserThrottle: 20 * time.Millisecond,
		AckTimeout:   time.Second,
		DedupWindow:  5 * time.Minute,
		QueueCap:     100,
		BatchSize:    50,
		BatchPause:   time.Millisecond,
	}
	feedCfg := config.FeedConfig{
		ActorThrottle: 20 * time.Millisecond,
		BatchSize:     25,
		BatchPause:    time.Millisecond,
		MaxAge:        168 * time.Hour,
		PruneEvery:    time.Hour,
	}

	// ---- Core services ----
	registry := realtime.NewRegistry(db, realtimeCfg, logger)
	graph := social.NewGraph(db, logger)
	dispatcher := notify.NewDispatcher(db, registry, graph, notifyCfg, logger)
	dispatcher.Start()
	t.Cleanup(dispatcher.Stop)

	feedAgg := feed.NewAggregator(db, registry, graph, feedCfg, logger)
	presenceEng := presence.NewEngine(db, registry, graph, dispatcher, feedAgg, pubsub, presenceCfg, logger)
	socialSvc := social.NewService(db, graph, dispatcher, feedAgg, logger)

	sched := scheduler.New(logger)
	t.Cleanup(sched.Stop)

	// ---- WS Router ----
	wsRouter := apows.NewRouter(logger)
	apows.RegisterSocialHandlers(wsRouter, presenceEng, graph, registry)

	// ---- Gin HTTP Server ----
	r := gin.New()
	r.Use(mw.TraceID(), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(sec.RateLimitRPS), sec.RateLimitBurst))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	// ---- REST API routes (mirrors main.go) ----
	authH := apirest.NewAuthHandler(db, c, sec, nil)
	friendsH := apirest.NewFriendsHandler(socialSvc, nil)
	presenceH := apirest.NewPresenceHandler(presenceEng)
	notifH := apirest.NewNotificationsHandler(dispatcher)
	feedH := apirest.NewFeedHandler(feedAgg)
	usersH := apirest.NewUsersHandler(db, feedAgg, logger)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(sec, c), authH.Logout)
		authG.POST("/refresh", mw.Auth(sec, c), authH.Refresh)

		usersG := api.Group("/users")
		usersG.Use(mw.Auth(sec, c))
		usersG.GET("/me", usersH.Me)
		usersG.PUT("/me", usersH.UpdateMe)

		friendsG := api.Group("/friends")
		friendsG.Use(mw.Auth(sec, c))
		friendsG.GET("", friendsH.ListFriends)
		friendsG.DELETE("/:id", friendsH.RemoveFriend)
		friendsG.POST("/requests", friendsH.SendRequest)
		friendsG.GET("/requests/received", friendsH.ListReceived)
		friendsG.GET("/requests/sent", friendsH.ListSent)
		friendsG.POST("/requests/:id/accept", friendsH.Accept)
		friendsG.POST("/requests/:id/decline", friendsH.Decline)
		friendsG.POST("/requests/:id/cancel", friendsH.Cancel)

		blocksG := api.Group("/blocks")
		blocksG.Use(mw.Auth(sec, c))
		blocksG.GET("", friendsH.ListBlocked)
		blocksG.POST("", friendsH.Block)
		blocksG.DELETE("/:id", friendsH.Unblock)

		presenceG := api.Group("/presence")
		presenceG.Use(mw.Auth(sec, c))
		presenceG.PUT("/status", presenceH.SetStatus)
		presenceG.GET("/friends", presenceH.FriendsPresence)
		presenceG.GET("/settings", presenceH.GetSettings)
		presenceG.PUT("/settings", presenceH.UpdateSettings)

		notifG := api.Group("/notifications")
		notifG.Use(mw.Auth(sec, c))
		notifG.GET("/unread", notifH.ListUnread)
		notifG.POST("/:id/read", notifH.MarkRead)
		notifG.POST("/read-all", notifH.MarkAllRead)
		notifG.DELETE("/:id", notifH.Delete)
		notifG.POST("/bulk-delete", notifH.BulkDelete)

		feedG := api.Group("/feed")
		feedG.Use(mw.Auth(sec, c))
		feedG.GET("", feedH.GetFeed)
		feedG.POST("/:id/hide", feedH.HideEntry)
	}

	// ---- WebSocket ----
	wsH := apows.NewHandler(c, sec, registry, wsRouter, logger)
	r.GET("/ws", wsH.ServeWS)

	// ---- Start server ----
	server := httptest.NewServer(r)
	url := server.URL
	wsURL := "ws" + url[len("http"):] + "/ws"

	ts := &TestServer{
		DB:         db,
		Cache:      c,
		PubSub:     pubsub,
		Registry:   registry,
		Graph:      graph,
		Social:     socialSvc,
		Presence:   presenceEng,
		Dispatcher: dispatcher,
		Feed:       feedAgg,
		Server:     server,
		URL:        url,
		WSURL:      wsURL,
		Sec:        sec,
	}
	t.Cleanup(ts.Close)
	return ts
}

// Close shuts down the test server.
func (ts *TestServer) Close() {
	ts.Server.Close()
}

// --- HTTP helpers ---

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest("POST", ts.URL+path, bodyReader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// Get sends a GET request with optional Bearer token.
func (ts *TestServer) Get(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("GET", ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// Delete sends a DELETE request with optional Bearer token.
func (ts *TestServer) Delete(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("DELETE", ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// Put sends a PUT request with JSON body and optional Bearer token.
func (ts *TestServer) Put(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest("PUT", ts.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// --- Auth helpers ---

// Login logs in (auto-registers on first call) and returns the token and user ID.
func (ts *TestServer) Login(t *testing.T, username, password string) (token string, userID int64) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]interface{}
	ReadJSON(t, resp, &result)
	token = result["token"].(string)
	userID = int64(result["user_id"].(float64))
	return
}

// --- WebSocket client ---

// WSClient wraps a gorilla/websocket connection for integration testing.
// Uses a background readLoop so a receive timeout never corrupts the
// underlying connection.
type WSClient struct {
	Conn   *websocket.Conn
	t      *testing.T
	readCh chan readResult
}

type readResult struct {
	data []byte
	err  error
}

// ConnectWS dials the test server's WS endpoint with the given JWT token.
func (ts *TestServer) ConnectWS(t *testing.T, token string) *WSClient {
	t.Helper()
	url := ts.WSURL + "?token=" + token
	dialer := websocket.Dialer{}
	conn, resp, err := dialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "WS dial failed")
	wc := &WSClient{Conn: conn, t: t, readCh: make(chan readResult, 256)}
	go wc.readLoop()
	return wc
}

// readLoop continuously reads from the websocket in a dedicated goroutine.
func (wc *WSClient) readLoop() {
	for {
		_, data, err := wc.Conn.ReadMessage()
		wc.readCh <- readResult{data, err}
		if err != nil {
			return
		}
	}
}

// Send writes a JSON message packet to the WebSocket.
func (wc *WSClient) Send(msgType string, payload interface{}) {
	wc.t.Helper()
	payloadJSON, err := json.Marshal(payload)
	require.NoError(wc.t, err)
	pkt := map[string]interface{}{
		"type":    msgType,
		"payload": json.RawMessage(payloadJSON),
	}
	data, err := json.Marshal(pkt)
	require.NoError(wc.t, err)
	require.NoError(wc.t, wc.Conn.WriteMessage(websocket.TextMessage, data))
}

// SendAck writes an envelope-level acknowledgement.
func (wc *WSClient) SendAck(ackID string) {
	wc.t.Helper()
	pkt := map[string]interface{}{"type": "notification_ack", "ack_id": ackID}
	data, err := json.Marshal(pkt)
	require.NoError(wc.t, err)
	require.NoError(wc.t, wc.Conn.WriteMessage(websocket.TextMessage, data))
}

// Recv reads one message from the WebSocket with a timeout.
func (wc *WSClient) Recv(timeout time.Duration) map[string]interface{} {
	wc.t.Helper()
	pkt, err := wc.RecvAny(timeout)
	require.NoError(wc.t, err, "WS recv failed")
	return pkt
}

// RecvAny reads one message from the WebSocket with a timeout, returning an
// error instead of failing the test on timeout/read failure.
func (wc *WSClient) RecvAny(timeout time.Duration) (map[string]interface{}, error) {
	select {
	case res := <-wc.readCh:
		if res.err != nil {
			return nil, res.err
		}
		var pkt map[string]interface{}
		if err := json.Unmarshal(res.data, &pkt); err != nil {
			return nil, err
		}
		return pkt, nil
	case <-time.After(timeout):
		return nil, &timeoutError{}
	}
}

// timeoutError implements net.Error for timeout detection in callers.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "read timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

// RecvType reads messages until one with the given type is found (within timeout).
func (wc *WSClient) RecvType(msgType string, timeout time.Duration) map[string]interface{} {
	wc.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		pkt, err := wc.RecvAny(remaining)
		if err != nil {
			wc.t.Fatalf("WS recv failed while waiting for %q: %v", msgType, err)
		}
		if pkt["type"] == msgType {
			return pkt
		}
	}
	wc.t.Fatalf("timed out waiting for message type %q", msgType)
	return nil
}

// Close closes the WebSocket connection.
func (wc *WSClient) Close() {
	_ = wc.Conn.Close()
}

// PayloadMap extracts the payload from a received WS packet as a map.
func PayloadMap(t *testing.T, pkt map[string]interface{}) map[string]interface{} {
	t.Helper()
	p := pkt["payload"]
	if p == nil {
		return map[string]interface{}{}
	}
	switch v := p.(type) {
	case map[string]interface{}:
		return v
	case string:
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(v), &m))
		return m
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	}
}

// --- Composite helpers ---

// MakeFriends sends a request from a to b and accepts it, using the REST API.
func (ts *TestServer) MakeFriends(t *testing.T, tokenA string, tokenB string, userA, userB int64) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/friends/requests", map[string]interface{}{
		"receiver_id": userB,
	}, tokenA)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		Request struct {
			ID int64 `json:"id"`
		} `json:"request"`
	}
	ReadJSON(t, resp, &created)

	resp = ts.PostJSON(t, fmt.Sprintf("/api/friends/requests/%d/accept", created.Request.ID), nil, tokenB)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// UniqueID returns a short unique string suitable for usernames.
var testCounter uint64

func UniqueID(prefix string) string {
	n := atomic.AddUint64(&testCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano()%100000, n)
}
