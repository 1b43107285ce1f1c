package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(headers map[string]string, handlers ...gin.HandlerFunc) *httptest.ResponseRecorder {
	r := gin.New()
	r.GET("/test", handlers...)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_SetsActor(t *testing.T) {
	var got escrow.Actor
	w := serve(map[string]string{HeaderActorID: "usr_1", HeaderActorRole: "Arbitrator"},
		Middleware(), func(c *gin.Context) {
			got = Actor(c)
			c.Status(http.StatusOK)
		})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, escrow.Actor{ID: "usr_1", Arbitrator: true}, got)
}

func TestMiddleware_PartyRole(t *testing.T) {
	var got escrow.Actor
	serve(map[string]string{HeaderActorID: "usr_2", HeaderActorRole: "buyer"},
		Middleware(), func(c *gin.Context) { got = Actor(c) })

	assert.Equal(t, "usr_2", got.ID)
	assert.False(t, got.Arbitrator)
}

func TestMiddleware_RoleWithoutIDIgnored(t *testing.T) {
	var authed bool
	var got escrow.Actor
	serve(map[string]string{HeaderActorRole: "arbitrator"},
		Middleware(), func(c *gin.Context) {
			authed = IsAuthenticated(c)
			got = Actor(c)
		})

	assert.False(t, authed)
	assert.Equal(t, escrow.Actor{}, got)
}

func TestRequireActor(t *testing.T) {
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }

	w := serve(nil, Middleware(), RequireActor(), ok)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized")

	w = serve(map[string]string{HeaderActorID: "usr_3"}, Middleware(), RequireActor(), ok)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireArbitrator(t *testing.T) {
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }

	w := serve(map[string]string{HeaderActorID: "usr_4", HeaderActorRole: "seller"},
		Middleware(), RequireActor(), RequireArbitrator(), ok)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "forbidden")

	w = serve(map[string]string{HeaderActorID: "arb_1", HeaderActorRole: "arbitrator"},
		Middleware(), RequireActor(), RequireArbitrator(), ok)
	assert.Equal(t, http.StatusOK, w.Code)
}
