package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"agripulse.org/internal/ledger"
	"agripulse.org/internal/ledger/remote"
	"agripulse.org/internal/obs"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
)

func main() {
	_ = godotenv.Load()
	var (
		addr     = flag.String("addr", envOr("AGRIPULSE_LEDGER_LISTEN", ":9091"), "gRPC listen address")
		accounts = flag.Int("accounts", 3, "development accounts to create after the treasury")
		fund     = flag.Int64("fund", 100_000, "starting balance per account in HBAR")
		lag      = flag.Int("read-lag", 0, "balance reads served stale after each write")
	)
	flag.Parse()

	log := obs.Logger()
	obs.SetLevel(envOr("AGRIPULSE_LOG_LEVEL", "info"))

	mem := ledger.NewInMemory(ledger.WithReadLag(*lag))
	ctx := context.Background()
	for i := 0; i <= *accounts; i++ {
		id, err := mem.CreateAccount(ctx, *fund*ledger.TinybarsPerHbar)
		if err != nil {
			log.WithError(err).Fatal("create account")
		}
		role := "account"
		if i == 0 {
			role = "treasury"
		}
		log.WithFields(map[string]any{"account": id, "role": role}).Info("development account ready")
	}

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.WithError(err).Fatal("listen")
	}
	srv := grpc.NewServer(grpc.UnaryInterceptor(remote.LoggingInterceptor()))
	remote.Register(srv, mem)

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Info("shutting down")
		srv.GracefulStop()
	}()

	log.WithField("addr", lis.Addr().String()).Info("ledgerd listening")
	if err := srv.Serve(lis); err != nil {
		log.WithError(err).Fatal("serve")
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
