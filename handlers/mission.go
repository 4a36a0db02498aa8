package handlers

import (
	"atlas-run-service/middleware"
	"atlas-run-service/services"

	"github.com/gofiber/fiber/v2"
)

func SetupMissionRoutes(app *fiber.App, missionService *services.MissionService) {
	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Get("/missions", missionService.ListMissions)
	secured.Get("/missions/:id", missionService.GetMission)
	secured.Post("/missions/:id/join", missionService.JoinMission)
	secured.Post("/missions/:id/complete", missionService.CompleteMission)

	// 🔒 Admin-only routes
	admin := secured.Group("/admin", middleware.RequireRole("admin"))
	admin.Post("/missions", missionService.CreateMission)
	admin.Put("/missions/:id", missionService.UpdateMission)
	admin.Get("/missions/:id/submissions", missionService.GetMissionSubmissions)
}
