package main

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/devforge/collab-api/database"
	"github.com/devforge/collab-api/relay"
)

func main() {
	cfg := loadConfig()

	store, err := database.New(context.Background(), cfg.RedisAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("could not connect to redis")
	}

	rl := relay.New(store)
	srv := &server{store: store, relay: rl}

	r := gin.Default()

	v1 := r.Group("/api/v1")
	v1.POST("/auth", srv.handleAuth)
	v1.GET("/files/:id", srv.handleGetFile)
	v1.GET("/collab", rl.HandleSocket)

	if err := r.Run(cfg.Addr); err != nil {
		log.Fatal().Err(err).Msg("could not start server")
	}
}
