package integration

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomonet/server/model"
)

func TestAuthRequired(t *testing.T) {
	ts := NewTestServer(t)

	resp := ts.Get(t, "/api/friends", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = ts.Get(t, "/api/friends", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestFriendRequestLifecycle(t *testing.T) {
	ts := NewTestServer(t)

	tokenA, alice := ts.Login(t, UniqueID("alice"), "pw123456")
	tokenB, bob := ts.Login(t, UniqueID("bob"), "pw123456")

	// Alice sends a request.
	resp := ts.PostJSON(t, "/api/friends/requests", map[string]interface{}{
		"receiver_id": bob,
		"message":     "hi, add me",
	}, tokenA)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		Request struct {
			ID int64 `json:"id"`
		} `json:"request"`
	}
	ReadJSON(t, resp, &created)
	require.NotZero(t, created.Request.ID)

	// A duplicate is rejected.
	resp = ts.PostJSON(t, "/api/friends/requests", map[string]interface{}{
		"receiver_id": bob,
	}, tokenA)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Bob sees it in his inbox, alice in her outbox.
	var inbox struct {
		Total int64 `json:"total"`
	}
	ReadJSON(t, ts.Get(t, "/api/friends/requests/received", tokenB), &inbox)
	assert.Equal(t, int64(1), inbox.Total)
	var outbox struct {
		Total int64 `json:"total"`
	}
	ReadJSON(t, ts.Get(t, "/api/friends/requests/sent", tokenA), &outbox)
	assert.Equal(t, int64(1), outbox.Total)

	// Only the receiver may accept.
	resp = ts.PostJSON(t, fmt.Sprintf("/api/friends/requests/%d/accept", created.Request.ID), nil, tokenA)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = ts.PostJSON(t, fmt.Sprintf("/api/friends/requests/%d/accept", created.Request.ID), nil, tokenB)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Friendship is symmetric.
	var friends struct {
		Total   int64 `json:"total"`
		Friends []struct {
			UserID int64 `json:"user_id"`
		} `json:"friends"`
	}
	ReadJSON(t, ts.Get(t, "/api/friends", tokenA), &friends)
	require.Equal(t, int64(1), friends.Total)
	assert.Equal(t, bob, friends.Friends[0].UserID)
	ReadJSON(t, ts.Get(t, "/api/friends", tokenB), &friends)
	require.Equal(t, int64(1), friends.Total)
	assert.Equal(t, alice, friends.Friends[0].UserID)

	// Removal severs both sides.
	resp = ts.Delete(t, fmt.Sprintf("/api/friends/%d", bob), tokenA)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	ReadJSON(t, ts.Get(t, "/api/friends", tokenB), &friends)
	assert.Zero(t, friends.Total)

	// Removing again reports not friends.
	resp = ts.Delete(t, fmt.Sprintf("/api/friends/%d", bob), tokenA)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCrossedRequestsAutoAccept(t *testing.T) {
	ts := NewTestServer(t)

	tokenA, alice := ts.Login(t, UniqueID("alice"), "pw123456")
	tokenB, bob := ts.Login(t, UniqueID("bob"), "pw123456")

	resp := ts.PostJSON(t, "/api/friends/requests", map[string]interface{}{"receiver_id": bob}, tokenA)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Bob's crossing request accepts the pending one instead of stacking.
	resp = ts.PostJSON(t, "/api/friends/requests", map[string]interface{}{"receiver_id": alice}, tokenB)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		Request struct {
			Status string `json:"status"`
		} `json:"request"`
	}
	ReadJSON(t, resp, &created)
	assert.Equal(t, model.RequestAccepted, created.Request.Status)

	var friends struct {
		Total int64 `json:"total"`
	}
	ReadJSON(t, ts.Get(t, "/api/friends", tokenA), &friends)
	assert.Equal(t, int64(1), friends.Total)
}

func TestDeclineAndCancel(t *testing.T) {
	ts := NewTestServer(t)

	tokenA, _ := ts.Login(t, UniqueID("alice"), "pw123456")
	tokenB, bob := ts.Login(t, UniqueID("bob"), "pw123456")

	resp := ts.PostJSON(t, "/api/friends/requests", map[string]interface{}{"receiver_id": bob}, tokenA)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		Request struct {
			ID int64 `json:"id"`
		} `json:"request"`
	}
	ReadJSON(t, resp, &created)

	resp = ts.PostJSON(t, fmt.Sprintf("/api/friends/requests/%d/decline", created.Request.ID), nil, tokenB)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// A declined request can be re-sent, and the sender may cancel it.
	resp = ts.PostJSON(t, "/api/friends/requests", map[string]interface{}{"receiver_id": bob}, tokenA)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ReadJSON(t, resp, &created)

	resp = ts.PostJSON(t, fmt.Sprintf("/api/friends/requests/%d/cancel", created.Request.ID), nil, tokenB)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "only the sender may cancel")
	resp.Body.Close()

	resp = ts.PostJSON(t, fmt.Sprintf("/api/friends/requests/%d/cancel", created.Request.ID), nil, tokenA)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	var inbox struct {
		Total int64 `json:"total"`
	}
	ReadJSON(t, ts.Get(t, "/api/friends/requests/received", tokenB), &inbox)
	assert.Zero(t, inbox.Total)
}

func TestBlockPrecedence(t *testing.T) {
	ts := NewTestServer(t)

	tokenA, alice := ts.Login(t, UniqueID("alice"), "pw123456")
	tokenB, bob := ts.Login(t, UniqueID("bob"), "pw123456")

	resp := ts.PostJSON(t, "/api/blocks", map[string]interface{}{
		"user_id": bob,
		"reason":  "spam",
	}, tokenA)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Neither side can open a request while the block stands, and the
	// response does not reveal who blocked whom.
	for _, tc := range []struct {
		token    string
		receiver int64
	}{
		{tokenB, alice},
		{tokenA, bob},
	} {
		resp = ts.PostJSON(t, "/api/friends/requests", map[string]interface{}{"receiver_id": tc.receiver}, tc.token)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		var body map[string]string
		ReadJSON(t, resp, &body)
		assert.Equal(t, "interaction not allowed", body["error"])
	}

	var blocks struct {
		Total int64 `json:"total"`
	}
	ReadJSON(t, ts.Get(t, "/api/blocks", tokenA), &blocks)
	assert.Equal(t, int64(1), blocks.Total)

	resp = ts.Delete(t, fmt.Sprintf("/api/blocks/%d", bob), tokenA)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.PostJSON(t, "/api/friends/requests", map[string]interface{}{"receiver_id": bob}, tokenA)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
}

func TestBlockSeversExistingFriendship(t *testing.T) {
	ts := NewTestServer(t)

	tokenA, alice := ts.Login(t, UniqueID("alice"), "pw123456")
	tokenB, bob := ts.Login(t, UniqueID("bob"), "pw123456")
	ts.MakeFriends(t, tokenA, tokenB, alice, bob)

	resp := ts.PostJSON(t, "/api/blocks", map[string]interface{}{"user_id": bob}, tokenA)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	var friends struct {
		Total int64 `json:"total"`
	}
	ReadJSON(t, ts.Get(t, "/api/friends", tokenA), &friends)
	assert.Zero(t, friends.Total)
	ReadJSON(t, ts.Get(t, "/api/friends", tokenB), &friends)
	assert.Zero(t, friends.Total)
}

func TestNotificationsOverREST(t *testing.T) {
	ts := NewTestServer(t)

	tokenA, _ := ts.Login(t, UniqueID("alice"), "pw123456")
	tokenB, bob := ts.Login(t, UniqueID("bob"), "pw123456")

	resp := ts.PostJSON(t, "/api/friends/requests", map[string]interface{}{"receiver_id": bob}, tokenA)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		Request struct {
			ID int64 `json:"id"`
		} `json:"request"`
	}
	ReadJSON(t, resp, &created)

	// The request landed in bob's notifications.
	var unread struct {
		Total         int64 `json:"total"`
		Notifications []struct {
			ID   int64  `json:"id"`
			Type string `json:"type"`
		} `json:"notifications"`
	}
	ReadJSON(t, ts.Get(t, "/api/notifications/unread", tokenB), &unread)
	require.Equal(t, int64(1), unread.Total)
	assert.Equal(t, model.NotifFriendRequest, unread.Notifications[0].Type)

	resp = ts.PostJSON(t, fmt.Sprintf("/api/friends/requests/%d/accept", created.Request.ID), nil, tokenB)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Accepting notifies both sides.
	ReadJSON(t, ts.Get(t, "/api/notifications/unread", tokenA), &unread)
	require.Equal(t, int64(1), unread.Total)
	assert.Equal(t, model.NotifFriendAccepted, unread.Notifications[0].Type)

	ReadJSON(t, ts.Get(t, "/api/notifications/unread", tokenB), &unread)
	require.Equal(t, int64(2), unread.Total)
	firstID := unread.Notifications[0].ID

	// Foreign notifications stay untouchable.
	resp = ts.PostJSON(t, fmt.Sprintf("/api/notifications/%d/read", firstID), nil, tokenA)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Mark one, then the rest.
	resp = ts.PostJSON(t, fmt.Sprintf("/api/notifications/%d/read", firstID), nil, tokenB)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	var marked struct {
		Marked int64 `json:"marked"`
	}
	ReadJSON(t, ts.PostJSON(t, "/api/notifications/read-all", nil, tokenB), &marked)
	assert.Equal(t, int64(1), marked.Marked)

	ReadJSON(t, ts.Get(t, "/api/notifications/unread", tokenB), &unread)
	assert.Zero(t, unread.Total)
}

func TestFeedOverREST(t *testing.T) {
	ts := NewTestServer(t)

	tokenA, alice := ts.Login(t, UniqueID("alice"), "pw123456")
	tokenB, bob := ts.Login(t, UniqueID("bob"), "pw123456")
	ts.MakeFriends(t, tokenA, tokenB, alice, bob)

	// An explicit status change lands in the friend's feed.
	resp := ts.Put(t, "/api/presence/status", map[string]interface{}{
		"status":           "busy",
		"activity_message": "heads down",
	}, tokenA)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	var feedResp struct {
		Total   int64 `json:"total"`
		Entries []struct {
			ID           int64  `json:"id"`
			ActorID      int64  `json:"actor_id"`
			ActivityType string `json:"activity_type"`
		} `json:"entries"`
	}
	ReadJSON(t, ts.Get(t, "/api/feed?type="+model.ActivityStatusChanged, tokenB), &feedResp)
	require.Equal(t, int64(1), feedResp.Total)
	assert.Equal(t, alice, feedResp.Entries[0].ActorID)

	// Hiding is per recipient and idempotent in effect.
	entryID := feedResp.Entries[0].ID
	resp = ts.PostJSON(t, fmt.Sprintf("/api/feed/%d/hide", entryID), nil, tokenA)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "the entry belongs to bob's feed")
	resp.Body.Close()

	resp = ts.PostJSON(t, fmt.Sprintf("/api/feed/%d/hide", entryID), nil, tokenB)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	ReadJSON(t, ts.Get(t, "/api/feed?type="+model.ActivityStatusChanged, tokenB), &feedResp)
	assert.Zero(t, feedResp.Total)
}

func TestPresenceSettingsOverREST(t *testing.T) {
	ts := NewTestServer(t)

	token, _ := ts.Login(t, UniqueID("alice"), "pw123456")

	var got struct {
		Settings struct {
			PrivacyMode           string `json:"privacy_mode"`
			ShowActivityToFriends bool   `json:"show_activity_to_friends"`
		} `json:"settings"`
	}
	ReadJSON(t, ts.Get(t, "/api/presence/settings", token), &got)
	assert.Equal(t, "friends", got.Settings.PrivacyMode)
	assert.True(t, got.Settings.ShowActivityToFriends)

	show := false
	resp := ts.Put(t, "/api/presence/settings", map[string]interface{}{
		"privacy_mode":             "nobody",
		"show_activity_to_friends": show,
	}, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	ReadJSON(t, ts.Get(t, "/api/presence/settings", token), &got)
	assert.Equal(t, "nobody", got.Settings.PrivacyMode)
	assert.False(t, got.Settings.ShowActivityToFriends)

	resp = ts.Put(t, "/api/presence/settings", map[string]interface{}{
		"privacy_mode": "everyone-and-their-dog",
	}, token)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
