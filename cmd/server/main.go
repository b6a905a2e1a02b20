package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mnohosten/klara-db/pkg/audit"
	"github.com/mnohosten/klara-db/pkg/auth"
	"github.com/mnohosten/klara-db/pkg/engine"
	"github.com/mnohosten/klara-db/pkg/server"
)

func main() {
	host := flag.String("host", "localhost", "Server host address")
	port := flag.Int("port", 8080, "Server port")
	maxRestarts := flag.Int("max-restarts", 5, "Maximum automatic transaction restarts")
	waitTimeout := flag.Duration("wait-timeout", 2*time.Second, "Bound on waits between transactions")
	gcInterval := flag.Duration("gc-interval", time.Second, "Version garbage collection interval")
	auditPath := flag.String("audit-log", "", "Audit log file path (empty disables audit logging)")
	enableAuth := flag.Bool("auth", false, "Require login tokens on guarded routes")
	adminPassword := flag.String("admin-password", "", "Password for the bootstrap admin user (required with -auth)")
	flag.Parse()

	engineConfig := engine.DefaultConfig()
	engineConfig.MaxRestarts = *maxRestarts
	engineConfig.WaitTimeout = *waitTimeout
	engineConfig.GCInterval = *gcInterval

	if *auditPath != "" {
		auditConfig := audit.DefaultConfig()
		file, err := os.OpenFile(*auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open audit log: %v\n", err)
			os.Exit(1)
		}
		defer file.Close()
		auditConfig.Output = file
		engineConfig.Audit = auditConfig
	}

	eng, err := engine.Open(engineConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open engine: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	var authMgr *auth.Manager
	if *enableAuth {
		if *adminPassword == "" {
			fmt.Fprintln(os.Stderr, "-auth requires -admin-password")
			os.Exit(1)
		}
		authMgr = auth.NewManager()
		if err := authMgr.CreateUser("admin", *adminPassword, auth.RoleAdmin); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create admin user: %v\n", err)
			os.Exit(1)
		}
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Host = *host
	serverConfig.Port = *port
	serverConfig.EnableAuth = *enableAuth

	srv, err := server.New(serverConfig, eng, authMgr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		os.Exit(1)
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("klara-db listening on %s", srv.Addr())
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}
