package middleware_test

import (
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"astralcore.app/crisis/internal/http/middleware"
)

var _ = Describe("middleware", func() {
	var engine *gin.Engine

	BeforeEach(func() {
		engine = gin.New()
		engine.Use(middleware.Recovery(), middleware.Logger())
	})

	serve := func(path string, header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if header != "" {
			req.Header.Set("X-User-ID", header)
		}
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w
	}

	It("turns a panic into a 500", func() {
		engine.GET("/panic", func(*gin.Context) { panic("boom") })

		w := serve("/panic", "")

		Expect(w.Code).To(Equal(http.StatusInternalServerError))
		Expect(w.Body.String()).NotTo(ContainSubstring("boom"))
	})

	It("rejects a request without a user id", func() {
		engine.GET("/me", middleware.UserID("X-User-ID"), func(c *gin.Context) { c.Status(http.StatusNoContent) })

		Expect(serve("/me", "").Code).To(Equal(http.StatusUnauthorized))
		Expect(serve("/me", "   ").Code).To(Equal(http.StatusUnauthorized))
	})

	It("exposes the user id to handlers", func() {
		var got string
		engine.GET("/me", middleware.UserID("X-User-ID"), func(c *gin.Context) {
			got, _ = middleware.GetUserID(c)
			c.Status(http.StatusNoContent)
		})

		Expect(serve("/me", " u1 ").Code).To(Equal(http.StatusNoContent))
		Expect(got).To(Equal("u1"))
	})

	It("lets anonymous requests through when the id is optional", func() {
		found := true
		engine.GET("/open", middleware.OptionalUserID("X-User-ID"), func(c *gin.Context) {
			_, found = middleware.GetUserID(c)
			c.Status(http.StatusNoContent)
		})

		Expect(serve("/open", "").Code).To(Equal(http.StatusNoContent))
		Expect(found).To(BeFalse())
	})
})
