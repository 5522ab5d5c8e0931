package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newFixture(t *testing.T, opts ...Option) (*InMemory, AccountID, AccountID, TokenID) {
	t.Helper()
	s := NewInMemory(opts...)
	ctx := context.Background()
	treasury, err := s.CreateAccount(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	buyer, err := s.CreateAccount(ctx, 100*TinybarsPerHbar)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := s.CreateFungibleToken(ctx, FungibleTokenSpec{Name: "Carbon Credit", Symbol: "CCT", Treasury: treasury})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.MintFungible(ctx, tok, 1000); err != nil {
		t.Fatal(err)
	}
	return s, treasury, buyer, tok
}

func TestTransferIsAtomicAcrossLegs(t *testing.T) {
	s, treasury, buyer, tok := newFixture(t)
	ctx := context.Background()
	if err := s.Associate(ctx, buyer, tok); err != nil {
		t.Fatal(err)
	}
	owner, _ := s.CreateAccount(ctx, 0)

	tx := TransferTx{
		Hbar: []HbarLeg{
			{Account: buyer, Amount: -10 * TinybarsPerHbar},
			{Account: owner, Amount: 9 * TinybarsPerHbar},
			{Account: treasury, Amount: 1 * TinybarsPerHbar},
		},
		Tokens: []TokenLeg{
			{Token: tok, Account: treasury, Amount: -50},
			{Token: tok, Account: buyer, Amount: 50},
		},
		Signers: []AccountID{buyer, treasury},
	}
	if _, err := s.Transfer(ctx, tx); err != nil {
		t.Fatal(err)
	}
	bb, _ := s.GetBalance(ctx, buyer)
	ob, _ := s.GetBalance(ctx, owner)
	tb, _ := s.GetBalance(ctx, treasury)
	held, _ := bb.Token(tok)
	if bb.Native != 90*TinybarsPerHbar || held.Balance != 50 {
		t.Fatalf("unexpected buyer balance: %+v", bb)
	}
	if ob.Native != 9*TinybarsPerHbar || tb.Native != 1*TinybarsPerHbar {
		t.Fatalf("unexpected split: owner=%d treasury=%d", ob.Native, tb.Native)
	}

	// Token leg fails: nothing moves.
	tx.Tokens[0].Amount, tx.Tokens[1].Amount = -5000, 5000
	if _, err := s.Transfer(ctx, tx); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	after, _ := s.GetBalance(ctx, buyer)
	if after.Native != bb.Native {
		t.Fatalf("partial transfer applied: %d != %d", after.Native, bb.Native)
	}
}

func TestTransferRequiresDebitSignatures(t *testing.T) {
	s, treasury, buyer, _ := newFixture(t)
	ctx := context.Background()
	_, err := s.Transfer(ctx, TransferTx{
		Hbar:    []HbarLeg{{Account: buyer, Amount: -1}, {Account: treasury, Amount: 1}},
		Signers: []AccountID{treasury},
	})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func TestTransferRejectsUnassociatedReceiver(t *testing.T) {
	s, treasury, buyer, tok := newFixture(t)
	_, err := s.Transfer(context.Background(), TransferTx{
		Tokens:  []TokenLeg{{Token: tok, Account: treasury, Amount: -1}, {Token: tok, Account: buyer, Amount: 1}},
		Signers: []AccountID{treasury},
	})
	if !errors.Is(err, ErrNotAssociated) {
		t.Fatalf("expected not associated, got %v", err)
	}
	if st, _ := StatusOf(err); st != StatusNotAssociated {
		t.Fatalf("unexpected status %q", st)
	}
}

func TestTransferIdempotency(t *testing.T) {
	s, treasury, buyer, _ := newFixture(t)
	ctx := context.Background()
	tx := TransferTx{
		Hbar:           []HbarLeg{{Account: buyer, Amount: -100}, {Account: treasury, Amount: 100}},
		Signers:        []AccountID{buyer},
		IdempotencyKey: "same-key",
	}
	r1, err := s.Transfer(ctx, tx)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := s.Transfer(ctx, tx)
	if err != nil {
		t.Fatal(err)
	}
	if r1 != r2 {
		t.Fatalf("idempotency violated: %s != %s", r1, r2)
	}
	tb, _ := s.GetBalance(ctx, treasury)
	if tb.Native != 100 {
		t.Fatalf("transfer applied twice: %d", tb.Native)
	}
}

func TestCreateIdempotencyKeys(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	treasury, _ := s.CreateAccount(ctx, 0)
	a, _ := s.CreateCollection(ctx, CollectionSpec{Name: "Farms", Symbol: "FARM", Treasury: treasury, IdempotencyKey: "init/asset"})
	b, _ := s.CreateCollection(ctx, CollectionSpec{Name: "Farms", Symbol: "FARM", Treasury: treasury, IdempotencyKey: "init/asset"})
	if a != b {
		t.Fatalf("expected same collection, got %s and %s", a, b)
	}
	t1, _ := s.CreateAppendOnlyTopic(ctx, TopicSpec{Memo: "audit", IdempotencyKey: "init/topic"})
	t2, _ := s.CreateAppendOnlyTopic(ctx, TopicSpec{Memo: "audit", IdempotencyKey: "init/topic"})
	if t1 != t2 {
		t.Fatalf("expected same topic, got %s and %s", t1, t2)
	}
}

func TestConcurrentTransfers(t *testing.T) {
	s, treasury, buyer, _ := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	N := 50
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Transfer(ctx, TransferTx{
				Hbar:    []HbarLeg{{Account: buyer, Amount: -TinybarsPerHbar}, {Account: treasury, Amount: TinybarsPerHbar}},
				Signers: []AccountID{buyer},
			})
		}()
	}
	wg.Wait()

	bb, _ := s.GetBalance(ctx, buyer)
	tb, _ := s.GetBalance(ctx, treasury)
	if bb.Native+tb.Native != 100*TinybarsPerHbar {
		t.Fatalf("conservation violated: %d", bb.Native+tb.Native)
	}
}

func TestNFTMintBurnAndList(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	treasury, _ := s.CreateAccount(ctx, 0)
	farmer, _ := s.CreateAccount(ctx, 0)
	coll, _ := s.CreateCollection(ctx, CollectionSpec{Name: "Farms", Symbol: "FARM", Treasury: treasury, MaxSupply: 2})

	s1, err := s.MintAndTransferNFT(ctx, coll, farmer, "ipfs://a")
	if err != nil {
		t.Fatal(err)
	}
	s2, _ := s.MintAndTransferNFT(ctx, coll, farmer, "ipfs://b")
	if _, err := s.MintAndTransferNFT(ctx, coll, farmer, "ipfs://c"); err == nil {
		t.Fatal("expected max supply rejection")
	}
	bal, _ := s.GetBalance(ctx, farmer)
	if held, ok := bal.Token(coll); !ok || held.Balance != 2 {
		t.Fatalf("expected 2 held items, got %+v", bal.Tokens)
	}
	if err := s.BurnBatch(ctx, coll, []Serial{s1}); err != nil {
		t.Fatal(err)
	}
	items, _ := s.ListCollectionItems(ctx, coll)
	if len(items) != 1 || items[0].Serial != s2 || items[0].MetadataRef != "ipfs://b" {
		t.Fatalf("unexpected items: %+v", items)
	}
	info, _ := s.TokenInfo(ctx, coll)
	if info.TotalSupply != 1 || info.Kind != KindCollectible {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestDissociateRules(t *testing.T) {
	s, treasury, buyer, tok := newFixture(t)
	ctx := context.Background()
	if err := s.Associate(ctx, buyer, tok); err != nil {
		t.Fatal(err)
	}
	if err := s.Associate(ctx, buyer, tok); !errors.Is(err, ErrAlreadyAssociated) {
		t.Fatalf("expected already associated, got %v", err)
	}
	if _, err := s.Transfer(ctx, TransferTx{
		Tokens:  []TokenLeg{{Token: tok, Account: treasury, Amount: -3}, {Token: tok, Account: buyer, Amount: 3}},
		Signers: []AccountID{treasury},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Dissociate(ctx, buyer, tok); !errors.Is(err, ErrZeroBalanceRequired) {
		t.Fatalf("expected zero balance required, got %v", err)
	}
	if err := s.Dissociate(ctx, treasury, tok); err == nil {
		t.Fatal("treasury must not dissociate")
	}
	if err := s.Wipe(ctx, tok, buyer, 3); err != nil {
		t.Fatal(err)
	}
	if err := s.Dissociate(ctx, buyer, tok); err != nil {
		t.Fatal(err)
	}
	held, _ := s.ListHeldTokens(ctx, buyer)
	if len(held) != 0 {
		t.Fatalf("expected no associations, got %v", held)
	}
}

func TestDeleteToken(t *testing.T) {
	s, treasury, buyer, tok := newFixture(t)
	ctx := context.Background()
	_ = s.Associate(ctx, buyer, tok)
	if err := s.DeleteToken(ctx, tok); err != nil {
		t.Fatal(err)
	}
	for _, acc := range []AccountID{treasury, buyer} {
		held, _ := s.ListHeldTokens(ctx, acc)
		if len(held) != 0 {
			t.Fatalf("deleted token still associated to %s: %v", acc, held)
		}
	}
	info, err := s.TokenInfo(ctx, tok)
	if err != nil || !info.Deleted {
		t.Fatalf("expected deleted info, got %+v %v", info, err)
	}
	if _, err := s.MintFungible(ctx, tok, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for deleted token, got %v", err)
	}

	frozen, _ := s.CreateFungibleToken(ctx, FungibleTokenSpec{Name: "Fixed", Symbol: "FIX", Treasury: treasury, Immutable: true})
	if err := s.DeleteToken(ctx, frozen); !errors.Is(err, ErrImmutable) {
		t.Fatalf("expected immutable, got %v", err)
	}
}

func TestTopicMessages(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	topic, _ := s.CreateAppendOnlyTopic(ctx, TopicSpec{Memo: "audit"})
	ref, err := s.AppendMessage(ctx, topic, []byte(`{"id":"reg_1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ref != TxRef(string(topic)+"@1") {
		t.Fatalf("unexpected receipt %s", ref)
	}
	if msgs := s.Messages(topic); len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	if _, err := s.AppendMessage(ctx, "0.0.1", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReadLag(t *testing.T) {
	s, treasury, buyer, _ := newFixture(t, WithReadLag(2))
	ctx := context.Background()
	// Drain lag from fixture setup.
	for i := 0; i < 2; i++ {
		_, _ = s.GetBalance(ctx, buyer)
		_, _ = s.GetBalance(ctx, treasury)
	}
	if _, err := s.Transfer(ctx, TransferTx{
		Hbar:    []HbarLeg{{Account: buyer, Amount: -500}, {Account: treasury, Amount: 500}},
		Signers: []AccountID{buyer},
	}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		b, _ := s.GetBalance(ctx, treasury)
		if b.Native != 0 {
			t.Fatalf("read %d should be stale, got %d", i, b.Native)
		}
	}
	b, _ := s.GetBalance(ctx, treasury)
	if b.Native != 500 {
		t.Fatalf("expected fresh balance 500, got %d", b.Native)
	}
}

func TestUnknownStatusIsOpaque(t *testing.T) {
	err := Reject("transfer", Status("SOMETHING_NEW"))
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Known() {
		t.Fatalf("expected opaque rejection, got %v", err)
	}
	if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrNotFound) {
		t.Fatal("opaque rejection matched a sentinel")
	}
}

func TestAmbiguous(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{Reject("transfer", StatusInsufficientBalance), false},
		{Reject("transfer", "BUSY"), false},
		{ErrNotFound, false},
		{context.Canceled, true},
		{context.DeadlineExceeded, true},
		{errors.New("connection reset"), true},
	}
	for _, tc := range cases {
		if got := Ambiguous(tc.err); got != tc.want {
			t.Fatalf("Ambiguous(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
