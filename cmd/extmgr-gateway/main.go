package main

import (
	"log"

	"github.com/cordum/extmgr/core/controlplane/gateway"
	"github.com/cordum/extmgr/core/infra/buildinfo"
	"github.com/cordum/extmgr/core/infra/config"
)

func main() {
	log.Println("extmgr gateway starting...")
	buildinfo.Log("extmgr-gateway")
	cfg := config.Load()
	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("gateway error: %v", err)
	}
}
