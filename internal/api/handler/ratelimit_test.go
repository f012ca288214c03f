package handler_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/vorion-labs/cognigate/internal/api/handler"
)

func TestRateLimiter_429UnderBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	rl := handler.NewRateLimiter(1, 2)
	router.GET("/ping", rl.Middleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pong": true})
	})

	var saw429 bool
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			saw429 = true
			if w.Header().Get("Retry-After") == "" {
				t.Error("429 without Retry-After header")
			}
			break
		}
	}
	if !saw429 {
		t.Error("limiter never returned 429 under burst")
	}
}
