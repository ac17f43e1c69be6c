package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/jwt"

	"SiteAttend/pkg/errors"
	"SiteAttend/pkg/response"
	"SiteAttend/pkg/token"
)

const (
	IdentityKey = token.IdentityKey
)

var (
	authMiddleware *jwt.HertzJWTMiddleware
)

func initAuthMiddleware() error {
	sharedGenerator := token.GetGenerator()
	if sharedGenerator == nil {
		return fmt.Errorf("token generator not initialized, call token.Init() first")
	}

	// 身份由外部会话服务签发，这里只做校验与 uid 提取
	authMiddleware = &jwt.HertzJWTMiddleware{
		Realm:       "SiteAttend API",
		Key:         sharedGenerator.Key,
		Timeout:     sharedGenerator.Timeout,
		MaxRefresh:  sharedGenerator.MaxRefresh,
		IdentityKey: sharedGenerator.IdentityKey,
		TimeFunc:    sharedGenerator.TimeFunc,

		IdentityHandler: func(ctx context.Context, c *app.RequestContext) interface{} {
			claims := jwt.ExtractClaims(ctx, c)
			switch uid := claims[IdentityKey].(type) {
			case string:
				return uid
			case float64:
				return fmt.Sprintf("%.0f", uid)
			default:
				return nil
			}
		},

		Unauthorized: func(ctx context.Context, c *app.RequestContext, code int, message string) {
			if code != http.StatusUnauthorized && code != http.StatusForbidden {
				code = http.StatusUnauthorized
			}
			c.JSON(code, response.ErrorResponse{
				Error: response.ErrorDetail{
					Code:    errors.Unauthorized.Code,
					Message: message,
				},
			})
		},

		TokenLookup:   "header: Authorization",
		TokenHeadName: "Bearer",
	}

	return nil
}

func AuthMiddleware() app.HandlerFunc {
	if authMiddleware == nil {
		panic("AuthMiddleware not initialized, call Init() first")
	}
	return authMiddleware.MiddlewareFunc()
}

// GetUserID 从请求上下文中获取用户ID（字符串格式）
func GetUserID(ctx context.Context, c *app.RequestContext) (string, bool) {
	userID, exists := c.Get(IdentityKey)
	if !exists {
		return "", false
	}

	id, ok := userID.(string)
	if !ok || id == "" {
		return "", false
	}

	return id, true
}
