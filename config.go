package main

import "os"

type Config struct {
	Addr      string
	RedisAddr string
}

func loadConfig() Config {
	return Config{
		Addr:      getenv("COLLAB_ADDR", "0.0.0.0:8080"),
		RedisAddr: getenv("COLLAB_REDIS_ADDR", "localhost:6379"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
