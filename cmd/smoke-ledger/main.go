package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"agripulse.org/internal/ledger"
	"agripulse.org/internal/ledger/remote"

	"github.com/google/uuid"
)

// Runs against a fresh ledgerd: 0.0.5001 is the treasury and 0.0.5002 a
// funded account.
func main() {
	addr := envOr("AGRIPULSE_LEDGER_GRPC_ADDR", "localhost:9091")
	treasury := ledger.AccountID(envOr("AGRIPULSE_TREASURY_ACCOUNT", "0.0.5001"))
	holder := ledger.AccountID(envOr("AGRIPULSE_SMOKE_ACCOUNT", "0.0.5002"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	client, err := remote.Dial(ctx, addr)
	cancel()
	if err != nil {
		log.Fatalf("dial ledgerd at %s: %v", addr, err)
	}
	defer client.Close()
	gw := remote.NewGateway(client, 5*time.Second)

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	run := uuid.NewString()

	topic, err := gw.CreateAppendOnlyTopic(ctx, ledger.TopicSpec{Memo: "smoke " + run, Submitter: treasury})
	if err != nil {
		log.Fatalf("create topic: %v", err)
	}
	if _, err := gw.AppendMessage(ctx, topic, []byte(`{"smoke":"`+run+`"}`)); err != nil {
		log.Fatalf("append message: %v", err)
	}

	token, err := gw.CreateFungibleToken(ctx, ledger.FungibleTokenSpec{Name: "Smoke Credit", Symbol: "SMK", Treasury: treasury})
	if err != nil {
		log.Fatalf("create token: %v", err)
	}
	if _, err := gw.MintFungible(ctx, token, 1_000); err != nil {
		log.Fatalf("mint: %v", err)
	}
	if err := gw.Associate(ctx, holder, token); err != nil {
		log.Fatalf("associate: %v", err)
	}

	const moved = 420
	_, err = gw.Transfer(ctx, ledger.TransferTx{
		Tokens: []ledger.TokenLeg{
			{Token: token, Account: treasury, Amount: -moved},
			{Token: token, Account: holder, Amount: moved},
		},
		Signers:        []ledger.AccountID{treasury},
		IdempotencyKey: "smoke-" + run,
	})
	if err != nil {
		log.Fatalf("transfer: %v", err)
	}

	balT, err := gw.GetBalance(ctx, treasury)
	if err != nil {
		log.Fatalf("balance treasury: %v", err)
	}
	balH, err := gw.GetBalance(ctx, holder)
	if err != nil {
		log.Fatalf("balance holder: %v", err)
	}
	t, _ := balT.Token(token)
	h, _ := balH.Token(token)
	if t.Balance+h.Balance != 1_000 {
		log.Fatalf("supply conservation failed: %d + %d", t.Balance, h.Balance)
	}
	if h.Balance != moved {
		log.Fatalf("unexpected holder balance %d", h.Balance)
	}

	fmt.Printf("ledgerd smoke test passed: topic=%s token=%s\n", topic, token)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
