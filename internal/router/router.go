package router

import (
	"github.com/cloudwego/hertz/pkg/app/server"

	"SiteAttend/internal/handler"
	"SiteAttend/internal/middleware"
	"SiteAttend/internal/service"
)

func Register(h *server.Hertz) {
	h.Use(middleware.RecoverMiddleware())
	h.Use(middleware.CORSMiddleware())
	h.Use(middleware.MetricsMiddleware())
	h.Use(middleware.GeneralRateLimitMiddleware())

	h.GET("/health", handler.Health)

	attendance := handler.NewAttendanceHandler(service.Attendance())

	// 考勤路由，身份由外部会话签发的 JWT 提供
	group := h.Group("/attendance")
	group.Use(middleware.AuthMiddleware())
	{
		group.POST("/check-in", middleware.AttendanceRateLimitMiddleware(), attendance.CheckIn)
		group.POST("/check-out", middleware.AttendanceRateLimitMiddleware(), attendance.CheckOut)
		group.GET("/status", attendance.Status)
		group.GET("/site", attendance.Site)
	}
}
