package possync

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the device sync API. Callers put device authentication on rg.
func (s *Server) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ping", s.PingHandler)

	rg.POST("/categories", s.PushCategoriesHandler)
	rg.POST("/products", s.PushProductsHandler)
	rg.GET("/products", s.ListProductsHandler)
	rg.POST("/sales", s.PushSalesHandler)

	rg.GET("/runs", s.ListRunsHandler)
	rg.GET("/runs/:id", s.GetRunHandler)
}
