package handlers

import (
	"atlas-run-service/middleware"
	"atlas-run-service/services"

	"github.com/gofiber/fiber/v2"
)

func SetupSessionRoutes(app *fiber.App, sessionService *services.SessionService, messageService *services.MessageService, authClient *services.AuthServiceClient) {
	// 🔐 Authenticated routes (user context injected by Gateway)
	secured := app.Group("/", middleware.UserContextMiddleware())

	// Session lifecycle
	secured.Post("/sessions", sessionService.CreateSession)
	secured.Post("/sessions/join", sessionService.JoinSessionByCode)
	secured.Get("/sessions", sessionService.ListMySessions)
	secured.Get("/sessions/:id", sessionService.GetSession)
	secured.Delete("/sessions/:id/members/me", sessionService.LeaveSession)

	// Points & standings
	secured.Post("/sessions/:id/points", sessionService.AwardPoints)
	secured.Get("/sessions/:id/leaderboard", sessionService.GetLeaderboard)
	secured.Get("/sessions/:id/results", sessionService.GetWeekResults)

	// Dares
	secured.Post("/sessions/:id/dares", sessionService.SubmitDare)
	secured.Get("/sessions/:id/dares", sessionService.ListDares)

	// Chat
	secured.Post("/sessions/:id/messages", messageService.SendMessage)
	secured.Get("/sessions/:id/messages", messageService.ListMessages)

	// Realtime snapshots — EventSource can't set headers, so these
	// authenticate from query params against the auth service instead
	// of the gateway context.
	app.Get("/sessions/:id/members/stream", middleware.SSEAuthMiddleware(authClient), sessionService.StreamMembersSSE)
	app.Get("/sessions/:id/messages/stream", middleware.SSEAuthMiddleware(authClient), messageService.StreamMessagesSSE)

	// 🔒 Admin-only routes
	admin := secured.Group("/admin", middleware.RequireRole("admin"))
	admin.Post("/sessions/:id/rollover", sessionService.RunRollover)
}
