package main

import (
	"context"
	"flag"
	"log"

	"github.com/saiset-co/sai-school/service"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the service configuration")
	flag.Parse()

	srv, err := service.New(context.Background(), *configPath)
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}

	if err := srv.Run(); err != nil {
		log.Fatalf("Service failed: %v", err)
	}
}
