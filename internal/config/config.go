package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds the application configuration.
type Settings struct {
	Port          int    `envconfig:"RELAY_PORT" default:"3000"`
	EndpointFile  string `envconfig:"RELAY_ENDPOINT_FILE" default:"config.json"`
	WorkflowFile  string `envconfig:"RELAY_WORKFLOW_FILE" default:"workflow_api.json"`
	PublicDir     string `envconfig:"RELAY_PUBLIC_DIR" default:"public"`
	OutputDir     string `envconfig:"RELAY_OUTPUT_DIR" default:"public/imagenes"`
	RedisAddr     string `envconfig:"RELAY_REDIS_ADDR" default:""`
	RedisDB       int    `envconfig:"RELAY_REDIS_DB" default:"0"`
	RedisPassword string `envconfig:"RELAY_REDIS_PASSWORD" default:""`
}

// Load reads configuration from environment variables.
func Load() *Settings {
	var s Settings
	err := envconfig.Process("relay", &s)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	return &s
}
