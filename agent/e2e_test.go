package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devforge/collab-api/database"
	"github.com/devforge/collab-api/ot"
	"github.com/devforge/collab-api/relay"
	"github.com/devforge/collab-api/wire"
)

// startRelay brings up the full server surface an agent talks to: the
// websocket channel and the HTTP resync endpoint.
func startRelay(t *testing.T) (*miniredis.Miniredis, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	store := database.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	rl := relay.New(store)

	router := gin.New()
	v1 := router.Group("/api/v1")
	v1.GET("/collab", rl.HandleSocket)
	v1.GET("/files/:id", func(c *gin.Context) {
		content, err := store.FileContent(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"content": content,
			"version": rl.Ledger().CurrentVersion(c.Param("id")),
		})
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return mr, srv.URL
}

func connectAgent(t *testing.T, baseURL, userID string, joined chan<- []wire.Presence, changed chan<- string) *Agent {
	t.Helper()
	a := New(Config{
		SocketURL: "ws" + strings.TrimPrefix(baseURL, "http") + "/api/v1/collab",
		BaseURL:   baseURL + "/api/v1",
		ProjectID: "p1",
		UserID:    userID,
		Handlers: Handlers{
			OnPresence: func(users []wire.Presence) {
				select {
				case joined <- users:
				default:
				}
			},
			OnFileChange: func(_, content string) {
				select {
				case changed <- content:
				default:
				}
			},
		},
	})
	require.NoError(t, a.Connect(context.Background()))
	t.Cleanup(func() { a.Close() })
	return a
}

func waitForUsers(t *testing.T, ch <-chan []wire.Presence, n int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case users := <-ch:
			if len(users) == n {
				return
			}
		case <-deadline:
			t.Fatalf("never saw %d users in the room", n)
		}
	}
}

func TestTwoAgentsConverge(t *testing.T) {
	mr, baseURL := startRelay(t)
	mr.HSet("users.u1", "id", "u1", "username", "ada", "email", "a@x", "password", "pw")
	mr.HSet("users.u2", "id", "u2", "username", "grace", "email", "g@x", "password", "pw")
	mr.HSet("projects.p1.collaborators", "u1", "owner", "u2", "editor")
	mr.Set("texts.f1", "hello world")

	joined1 := make(chan []wire.Presence, 8)
	joined2 := make(chan []wire.Presence, 8)
	changed1 := make(chan string, 8)
	changed2 := make(chan string, 8)

	a1 := connectAgent(t, baseURL, "u1", joined1, changed1)
	a2 := connectAgent(t, baseURL, "u2", joined2, changed2)
	waitForUsers(t, joined1, 2)
	waitForUsers(t, joined2, 2)

	ctx := context.Background()
	require.NoError(t, a1.OpenFile(ctx, "f1", "src/main.go"))
	require.NoError(t, a2.OpenFile(ctx, "f1", "src/main.go"))

	_, err := a1.Edit("f1", ot.Insert{Pos: 5, Text: "XX"})
	require.NoError(t, err)

	// Both peers settle on the same text, and the author's queue drains.
	require.Eventually(t, func() bool {
		t1, _ := a1.Text("f1")
		t2, _ := a2.Text("f1")
		return t1 == "helloXX world" && t2 == "helloXX world" && a1.Pending("f1") == 0
	}, 3*time.Second, 10*time.Millisecond)

	_, err = a2.Edit("f1", ot.Delete{Pos: 0, Len: 5})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		t1, _ := a1.Text("f1")
		t2, _ := a2.Text("f1")
		return t1 == "XX world" && t2 == "XX world"
	}, 3*time.Second, 10*time.Millisecond)
}

// Both agents fire edits at the same moment, repeatedly, without waiting for
// anything to settle in between. The acceptance order must still bring both
// replicas to the same text with every queue drained.
func TestConcurrentAgentsConverge(t *testing.T) {
	mr, baseURL := startRelay(t)
	mr.HSet("users.u1", "id", "u1", "username", "ada", "email", "a@x", "password", "pw")
	mr.HSet("users.u2", "id", "u2", "username", "grace", "email", "g@x", "password", "pw")
	mr.HSet("projects.p1.collaborators", "u1", "owner", "u2", "editor")
	mr.Set("texts.f1", "hello world")

	joined1 := make(chan []wire.Presence, 8)
	joined2 := make(chan []wire.Presence, 8)

	a1 := connectAgent(t, baseURL, "u1", joined1, make(chan string, 8))
	a2 := connectAgent(t, baseURL, "u2", joined2, make(chan string, 8))
	waitForUsers(t, joined1, 2)
	waitForUsers(t, joined2, 2)

	ctx := context.Background()
	require.NoError(t, a1.OpenFile(ctx, "f1", "src/main.go"))
	require.NoError(t, a2.OpenFile(ctx, "f1", "src/main.go"))

	const rounds = 5
	for i := 0; i < rounds; i++ {
		_, err := a1.Edit("f1", ot.Insert{Pos: 0, Text: "a"})
		require.NoError(t, err)
		_, err = a2.Edit("f1", ot.Insert{Pos: 0, Text: "b"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		t1, _ := a1.Text("f1")
		t2, _ := a2.Text("f1")
		return a1.Pending("f1") == 0 && a2.Pending("f1") == 0 &&
			t1 == t2 && len(t1) == len("hello world")+2*rounds
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSaveReachesStoreAndPeers(t *testing.T) {
	mr, baseURL := startRelay(t)
	mr.HSet("users.u1", "id", "u1", "username", "ada", "email", "a@x", "password", "pw")
	mr.HSet("users.u2", "id", "u2", "username", "grace", "email", "g@x", "password", "pw")
	mr.HSet("projects.p1.collaborators", "u1", "owner", "u2", "editor")
	mr.Set("texts.f1", "draft")

	joined1 := make(chan []wire.Presence, 8)
	joined2 := make(chan []wire.Presence, 8)
	changed2 := make(chan string, 8)

	a1 := connectAgent(t, baseURL, "u1", joined1, make(chan string, 8))
	a2 := connectAgent(t, baseURL, "u2", joined2, changed2)
	waitForUsers(t, joined1, 2)
	waitForUsers(t, joined2, 2)

	ctx := context.Background()
	require.NoError(t, a1.OpenFile(ctx, "f1", "notes.md"))
	require.NoError(t, a2.OpenFile(ctx, "f1", "notes.md"))

	_, err := a1.Edit("f1", ot.Replace{Pos: 0, Len: 5, Text: "final"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a1.Pending("f1") == 0 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, a1.Save("f1", "notes.md"))

	require.Eventually(t, func() bool {
		content, err := mr.Get("texts.f1")
		if err != nil || content != "final" {
			return false
		}
		t2, _ := a2.Text("f1")
		return t2 == "final"
	}, 3*time.Second, 10*time.Millisecond)

	text, ok := a1.Text("f1")
	require.True(t, ok)
	assert.Equal(t, "final", text)
}

func TestDeniedAgentIsHalted(t *testing.T) {
	mr, baseURL := startRelay(t)
	mr.HSet("users.u1", "id", "u1", "username", "ada", "email", "a@x", "password", "pw")
	// No membership row for u1.

	errs := make(chan string, 1)
	a := New(Config{
		SocketURL: "ws" + strings.TrimPrefix(baseURL, "http") + "/api/v1/collab",
		BaseURL:   baseURL + "/api/v1",
		ProjectID: "p1",
		UserID:    "u1",
		Handlers:  Handlers{OnError: func(msg string) { errs <- msg }},
	})
	require.NoError(t, a.Connect(context.Background()))
	t.Cleanup(func() { a.Close() })

	select {
	case msg := <-errs:
		assert.Equal(t, "Access denied to this project", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("expected an error event")
	}
}
