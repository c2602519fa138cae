package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

type Routes struct {
	Classify  *ClassifyHandler
	Catalog   *CatalogHandler
	WebSocket *WebSocketHandler
	Health    *HealthHandler
	Metrics   fiber.Handler
	// Admin guards the catalog import; the route is not registered without it.
	Admin fiber.Handler
}

func Register(app *fiber.App, r Routes) {
	app.Get("/health", r.Health.Health)
	app.Get("/ready", r.Health.Ready)
	if r.Metrics != nil {
		app.Get("/metrics", r.Metrics)
	}

	api := app.Group("/api/v1")

	api.Post("/classify", r.Classify.HandleClassify)
	api.Post("/selections", r.Classify.HandleSelection)
	api.Get("/searches/recent", r.Classify.GetRecentSearches)

	api.Get("/hierarchy/:code", r.Catalog.GetHierarchy)
	api.Get("/codes/:code", r.Catalog.GetCode)
	api.Get("/codes/:code/children", r.Catalog.GetChildren)
	if r.Admin != nil {
		api.Post("/admin/catalog", r.Admin, r.Catalog.ImportCSV)
	}

	if r.WebSocket != nil {
		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		app.Get("/ws/classify", websocket.New(r.WebSocket.HandleConnection))
	}
}
