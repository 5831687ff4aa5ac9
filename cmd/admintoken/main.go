package main

import (
	"fmt"
	"log"
	"os"

	"github.com/KevinKickass/FieldSense/internal/auth"
	"github.com/KevinKickass/FieldSense/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Prints a signed bearer token for the admin REST routes.
func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the YAML config file")
	subject := pflag.String("subject", "admin", "token subject")
	role := pflag.String("role", string(auth.RoleAdmin), "token role (admin or viewer)")
	ttl := pflag.Duration("ttl", 0, "token lifetime, defaults to auth.access_token_ttl")
	pflag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to read .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.Auth.IsProductionReady() {
		log.Printf("Warning: signing with the development secret, set %s", cfg.Auth.JWTSecretEnv)
	}

	switch auth.Role(*role) {
	case auth.RoleAdmin, auth.RoleViewer:
	default:
		log.Fatalf("Unknown role %q", *role)
	}

	lifetime := cfg.Auth.AccessTokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}

	handler := auth.NewJWTHandler(cfg.Auth.GetJWTSecret(), lifetime)
	token, err := handler.GenerateAccessToken(*subject, auth.Role(*role))
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}

	fmt.Println(token)
}
