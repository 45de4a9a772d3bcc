// @title Framecast Server API
// @version 1.0
// @description Image ingestion and real-time broadcast pipeline
// @host localhost:8080
// @BasePath /api
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"framecast-server-go/internal/bootstrap"
)

func main() {
	fmt.Printf("[%s] [INFO] [Bootstrap] starting framecast-server...\n", time.Now().Format("2006-01-02 15:04:05.000"))
	if err := bootstrap.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "framecast-server failed: %v\n", err)
		os.Exit(1)
	}
}
