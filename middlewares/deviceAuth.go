package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/retail_pos/config"
	"github.com/mmdatafocus/retail_pos/utils"
)

const DeviceKeyHeader = "x-device-key"

// DeviceAuthMiddleware admits requests whose x-device-key is registered and puts the
// device (and its store, when registered) into the request context.
func DeviceAuthMiddleware(keys map[string]config.DeviceRegistration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(DeviceKeyHeader))
		reg, ok := keys[key]
		if key == "" || !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := utils.SetDeviceIdInContext(c.Request.Context(), reg.DeviceId)
		if reg.StoreId != "" {
			ctx = utils.SetStoreIdInContext(ctx, reg.StoreId)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
