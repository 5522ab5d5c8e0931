package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Hard limit for a single topic message.
const maxMessageBytes = 4096

// InMemory implements Gateway with in-process concurrency safety. It backs the
// development ledger daemon and the tests.
//
// With WithReadLag the balance query side trails the write side: after a
// mutation, the next N balance reads of an affected account still observe the
// state from before that mutation.
type InMemory struct {
	mu       sync.RWMutex
	now      func() time.Time
	nextNum  int64
	seq      uint64
	accounts map[AccountID]*account
	tokens   map[TokenID]*token
	topics   map[TopicID]*topic
	idem     map[string]string
	readLag  int
	stale    map[AccountID]*staleRead
}

type account struct {
	native int64
	assoc  map[TokenID]int64
}

type token struct {
	info       TokenInfo
	maxSupply  int64
	nextSerial Serial
	nfts       map[Serial]*NFT
}

type topic struct {
	memo     string
	messages [][]byte
}

type staleRead struct {
	balance Balance
	reads   int
}

// Option configures InMemory.
type Option func(*InMemory)

// WithReadLag makes the next reads balance reads after a write return the
// pre-write state.
func WithReadLag(reads int) Option {
	return func(s *InMemory) {
		if reads > 0 {
			s.readLag = reads
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewInMemory creates an empty ledger.
func NewInMemory(opts ...Option) *InMemory {
	s := &InMemory{
		now:      time.Now,
		nextNum:  5000,
		accounts: make(map[AccountID]*account),
		tokens:   make(map[TokenID]*token),
		topics:   make(map[TopicID]*topic),
		idem:     make(map[string]string),
		stale:    make(map[AccountID]*staleRead),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Gateway = (*InMemory)(nil)

// CreateAccount opens a new account funded with the given tinybars.
func (s *InMemory) CreateAccount(ctx context.Context, initial int64) (AccountID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if initial < 0 {
		return "", Reject("createAccount", StatusInvalidAmount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := AccountID(s.newEntityID())
	s.accounts[id] = &account{native: initial, assoc: make(map[TokenID]int64)}
	return id, nil
}

// Fund credits tinybars to an account, creating it when missing.
func (s *InMemory) Fund(id AccountID, tinybars int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		acc = &account{assoc: make(map[TokenID]int64)}
		s.accounts[id] = acc
	}
	s.markStale(id)
	acc.native += tinybars
}

// Messages returns a copy of the messages appended to a topic.
func (s *InMemory) Messages(id TopicID) [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topics[id]
	if !ok {
		return nil
	}
	out := make([][]byte, len(t.messages))
	for i, m := range t.messages {
		out[i] = append([]byte(nil), m...)
	}
	return out
}

func (s *InMemory) CreateFungibleToken(ctx context.Context, spec FungibleTokenSpec) (TokenID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.idem["token:"+spec.IdempotencyKey]; ok && spec.IdempotencyKey != "" {
		return TokenID(id), nil
	}
	if spec.Name == "" || spec.Symbol == "" {
		return "", Reject("createFungibleToken", StatusInvalidTokenID)
	}
	treasury, ok := s.accounts[spec.Treasury]
	if !ok {
		return "", Reject("createFungibleToken", StatusInvalidAccountID)
	}
	id := TokenID(s.newEntityID())
	s.tokens[id] = &token{info: TokenInfo{
		ID:        id,
		Kind:      KindFungible,
		Name:      spec.Name,
		Symbol:    spec.Symbol,
		Treasury:  spec.Treasury,
		Immutable: spec.Immutable,
		Memo:      spec.Memo,
	}}
	s.markStale(spec.Treasury)
	treasury.assoc[id] = 0
	if spec.IdempotencyKey != "" {
		s.idem["token:"+spec.IdempotencyKey] = string(id)
	}
	return id, nil
}

func (s *InMemory) MintFungible(ctx context.Context, id TokenID, amount int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, Reject("mintFungible", StatusInvalidAmount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, err := s.liveToken("mintFungible", id, KindFungible)
	if err != nil {
		return 0, err
	}
	s.markStale(tok.info.Treasury)
	s.accounts[tok.info.Treasury].assoc[id] += amount
	tok.info.TotalSupply += amount
	return tok.info.TotalSupply, nil
}

func (s *InMemory) CreateCollection(ctx context.Context, spec CollectionSpec) (TokenID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.idem["collection:"+spec.IdempotencyKey]; ok && spec.IdempotencyKey != "" {
		return TokenID(id), nil
	}
	if spec.Name == "" || spec.Symbol == "" {
		return "", Reject("createCollection", StatusInvalidTokenID)
	}
	treasury, ok := s.accounts[spec.Treasury]
	if !ok {
		return "", Reject("createCollection", StatusInvalidAccountID)
	}
	id := TokenID(s.newEntityID())
	s.tokens[id] = &token{
		info: TokenInfo{
			ID:        id,
			Kind:      KindCollectible,
			Name:      spec.Name,
			Symbol:    spec.Symbol,
			Treasury:  spec.Treasury,
			Immutable: spec.Immutable,
			Memo:      spec.Memo,
		},
		maxSupply: spec.MaxSupply,
		nfts:      make(map[Serial]*NFT),
	}
	s.markStale(spec.Treasury)
	treasury.assoc[id] = 0
	if spec.IdempotencyKey != "" {
		s.idem["collection:"+spec.IdempotencyKey] = string(id)
	}
	return id, nil
}

// MintAndTransferNFT mints one item and hands it to recipient. The recipient is
// associated automatically, mirroring automatic association slots.
func (s *InMemory) MintAndTransferNFT(ctx context.Context, collection TokenID, recipient AccountID, metadataRef string) (Serial, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, err := s.liveToken("mintAndTransferNft", collection, KindCollectible)
	if err != nil {
		return 0, err
	}
	acc, ok := s.accounts[recipient]
	if !ok {
		return 0, Reject("mintAndTransferNft", StatusInvalidAccountID)
	}
	if tok.maxSupply > 0 && tok.info.TotalSupply >= tok.maxSupply {
		return 0, Reject("mintAndTransferNft", StatusMaxSupplyReached)
	}
	s.markStale(recipient)
	tok.nextSerial++
	serial := tok.nextSerial
	tok.nfts[serial] = &NFT{Token: collection, Serial: serial, Owner: recipient, MetadataRef: metadataRef}
	tok.info.TotalSupply++
	if _, ok := acc.assoc[collection]; !ok {
		acc.assoc[collection] = 0
	}
	return serial, nil
}

// Transfer validates every leg before applying any of them.
func (s *InMemory) Transfer(ctx context.Context, tx TransferTx) (TxRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	const op = "transfer"
	if len(tx.Hbar)+len(tx.Tokens)+len(tx.NFTs) == 0 {
		return "", Reject(op, StatusInvalidAmount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.IdempotencyKey != "" {
		if ref, ok := s.idem["transfer:"+tx.IdempotencyKey]; ok {
			return TxRef(ref), nil
		}
	}

	signed := make(map[AccountID]bool, len(tx.Signers))
	for _, a := range tx.Signers {
		signed[a] = true
	}
	touched := make(map[AccountID]struct{})

	// Native currency.
	hbarNet := make(map[AccountID]int64)
	var hbarSum int64
	for _, leg := range tx.Hbar {
		if _, ok := s.accounts[leg.Account]; !ok {
			return "", Reject(op, StatusInvalidAccountID)
		}
		if leg.Amount < 0 && !signed[leg.Account] {
			return "", Reject(op, StatusInvalidSignature)
		}
		hbarNet[leg.Account] += leg.Amount
		hbarSum += leg.Amount
		touched[leg.Account] = struct{}{}
	}
	if hbarSum != 0 {
		return "", Reject(op, StatusUnbalancedTransfer)
	}
	for id, net := range hbarNet {
		if s.accounts[id].native+net < 0 {
			return "", Reject(op, StatusInsufficientBalance)
		}
	}

	// Fungible tokens.
	type holding struct {
		token   TokenID
		account AccountID
	}
	tokenNet := make(map[holding]int64)
	tokenSum := make(map[TokenID]int64)
	for _, leg := range tx.Tokens {
		if _, err := s.liveToken(op, leg.Token, KindFungible); err != nil {
			return "", err
		}
		acc, ok := s.accounts[leg.Account]
		if !ok {
			return "", Reject(op, StatusInvalidAccountID)
		}
		if _, ok := acc.assoc[leg.Token]; !ok {
			return "", Reject(op, StatusNotAssociated)
		}
		if leg.Amount < 0 && !signed[leg.Account] {
			return "", Reject(op, StatusInvalidSignature)
		}
		tokenNet[holding{leg.Token, leg.Account}] += leg.Amount
		tokenSum[leg.Token] += leg.Amount
		touched[leg.Account] = struct{}{}
	}
	for _, sum := range tokenSum {
		if sum != 0 {
			return "", Reject(op, StatusUnbalancedTransfer)
		}
	}
	for h, net := range tokenNet {
		if s.accounts[h.account].assoc[h.token]+net < 0 {
			return "", Reject(op, StatusInsufficientTokenBalance)
		}
	}

	// Collectibles.
	moved := make(map[holding]map[Serial]bool)
	for _, leg := range tx.NFTs {
		tok, err := s.liveToken(op, leg.Token, KindCollectible)
		if err != nil {
			return "", err
		}
		item, ok := tok.nfts[leg.Serial]
		if !ok {
			return "", Reject(op, StatusInvalidNFTID)
		}
		if item.Owner != leg.From {
			return "", Reject(op, StatusInvalidNFTID)
		}
		if !signed[leg.From] {
			return "", Reject(op, StatusInvalidSignature)
		}
		to, ok := s.accounts[leg.To]
		if !ok {
			return "", Reject(op, StatusInvalidAccountID)
		}
		if _, ok := to.assoc[leg.Token]; !ok {
			return "", Reject(op, StatusNotAssociated)
		}
		key := holding{leg.Token, leg.From}
		if moved[key] == nil {
			moved[key] = make(map[Serial]bool)
		}
		if moved[key][leg.Serial] {
			return "", Reject(op, StatusInvalidNFTID)
		}
		moved[key][leg.Serial] = true
		touched[leg.From] = struct{}{}
		touched[leg.To] = struct{}{}
	}

	for id := range touched {
		s.markStale(id)
	}
	for id, net := range hbarNet {
		s.accounts[id].native += net
	}
	for h, net := range tokenNet {
		s.accounts[h.account].assoc[h.token] += net
	}
	for _, leg := range tx.NFTs {
		s.tokens[leg.Token].nfts[leg.Serial].Owner = leg.To
	}

	s.seq++
	payer := AccountID("0.0.0")
	if len(tx.Signers) > 0 {
		payer = tx.Signers[0]
	}
	ref := TxRef(fmt.Sprintf("%s@%d.%09d", payer, s.now().Unix(), s.seq))
	if tx.IdempotencyKey != "" {
		s.idem["transfer:"+tx.IdempotencyKey] = string(ref)
	}
	return ref, nil
}

func (s *InMemory) Wipe(ctx context.Context, id TokenID, accountID AccountID, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	const op = "wipe"
	if amount <= 0 {
		return Reject(op, StatusInvalidAmount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, err := s.liveToken(op, id, KindFungible)
	if err != nil {
		return err
	}
	acc, ok := s.accounts[accountID]
	if !ok {
		return Reject(op, StatusInvalidAccountID)
	}
	held, ok := acc.assoc[id]
	if !ok {
		return Reject(op, StatusNotAssociated)
	}
	if held < amount {
		return Reject(op, StatusInsufficientTokenBalance)
	}
	s.markStale(accountID)
	acc.assoc[id] = held - amount
	tok.info.TotalSupply -= amount
	return nil
}

func (s *InMemory) BurnBatch(ctx context.Context, collection TokenID, serials []Serial) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	const op = "burn"
	if len(serials) == 0 {
		return Reject(op, StatusInvalidAmount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, err := s.liveToken(op, collection, KindCollectible)
	if err != nil {
		return err
	}
	seen := make(map[Serial]bool, len(serials))
	for _, serial := range serials {
		if _, ok := tok.nfts[serial]; !ok || seen[serial] {
			return Reject(op, StatusInvalidNFTID)
		}
		seen[serial] = true
	}
	for _, serial := range serials {
		s.markStale(tok.nfts[serial].Owner)
		delete(tok.nfts, serial)
		tok.info.TotalSupply--
	}
	return nil
}

func (s *InMemory) Associate(ctx context.Context, accountID AccountID, tokens ...TokenID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	const op = "associate"
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[accountID]
	if !ok {
		return Reject(op, StatusInvalidAccountID)
	}
	for _, id := range tokens {
		tok, ok := s.tokens[id]
		if !ok {
			return Reject(op, StatusInvalidTokenID)
		}
		if tok.info.Deleted {
			return Reject(op, StatusTokenDeleted)
		}
		if _, ok := acc.assoc[id]; ok {
			return Reject(op, StatusAlreadyAssociated)
		}
	}
	s.markStale(accountID)
	for _, id := range tokens {
		acc.assoc[id] = 0
	}
	return nil
}

func (s *InMemory) Dissociate(ctx context.Context, accountID AccountID, tokens ...TokenID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	const op = "dissociate"
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[accountID]
	if !ok {
		return Reject(op, StatusInvalidAccountID)
	}
	for _, id := range tokens {
		held, ok := acc.assoc[id]
		if !ok {
			return Reject(op, StatusNotAssociated)
		}
		tok := s.tokens[id]
		if tok.info.Treasury == accountID {
			return Reject(op, StatusAccountIsTreasury)
		}
		if held != 0 || s.countOwned(tok, accountID) > 0 {
			return Reject(op, StatusZeroBalanceRequired)
		}
	}
	s.markStale(accountID)
	for _, id := range tokens {
		delete(acc.assoc, id)
	}
	return nil
}

// DeleteToken marks the token deleted and drops it from every association list.
func (s *InMemory) DeleteToken(ctx context.Context, id TokenID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	const op = "deleteToken"
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return Reject(op, StatusInvalidTokenID)
	}
	if tok.info.Deleted {
		return Reject(op, StatusTokenDeleted)
	}
	if tok.info.Immutable {
		return Reject(op, StatusImmutable)
	}
	for accID, acc := range s.accounts {
		if _, ok := acc.assoc[id]; ok {
			s.markStale(accID)
			delete(acc.assoc, id)
		}
	}
	tok.info.Deleted = true
	return nil
}

func (s *InMemory) CreateAppendOnlyTopic(ctx context.Context, spec TopicSpec) (TopicID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.idem["topic:"+spec.IdempotencyKey]; ok && spec.IdempotencyKey != "" {
		return TopicID(id), nil
	}
	id := TopicID(s.newEntityID())
	s.topics[id] = &topic{memo: spec.Memo}
	if spec.IdempotencyKey != "" {
		s.idem["topic:"+spec.IdempotencyKey] = string(id)
	}
	return id, nil
}

// AppendMessage returns "<topic>@<sequence number>" as the receipt reference.
func (s *InMemory) AppendMessage(ctx context.Context, id TopicID, message []byte) (TxRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	const op = "appendMessage"
	if len(message) == 0 || len(message) > maxMessageBytes {
		return "", Reject(op, StatusInvalidAmount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[id]
	if !ok {
		return "", Reject(op, StatusInvalidTopicID)
	}
	t.messages = append(t.messages, append([]byte(nil), message...))
	return TxRef(fmt.Sprintf("%s@%d", id, len(t.messages))), nil
}

func (s *InMemory) GetBalance(ctx context.Context, id AccountID) (Balance, error) {
	if err := ctx.Err(); err != nil {
		return Balance{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return Balance{}, Reject("getBalance", StatusInvalidAccountID)
	}
	if st, ok := s.stale[id]; ok {
		st.reads--
		if st.reads <= 0 {
			delete(s.stale, id)
		}
		return copyBalance(st.balance), nil
	}
	return s.balanceLocked(id), nil
}

func (s *InMemory) ListHeldTokens(ctx context.Context, id AccountID) ([]TokenID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, Reject("listHeldTokens", StatusInvalidAccountID)
	}
	out := make([]TokenID, 0, len(acc.assoc))
	for tid := range acc.assoc {
		out = append(out, tid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *InMemory) ListCollectionItems(ctx context.Context, collection TokenID) ([]NFT, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, err := s.liveToken("listCollectionItems", collection, KindCollectible)
	if err != nil {
		return nil, err
	}
	out := make([]NFT, 0, len(tok.nfts))
	for _, item := range tok.nfts {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

func (s *InMemory) TokenInfo(ctx context.Context, id TokenID) (TokenInfo, error) {
	if err := ctx.Err(); err != nil {
		return TokenInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[id]
	if !ok {
		return TokenInfo{}, Reject("tokenInfo", StatusInvalidTokenID)
	}
	return tok.info, nil
}

// helpers ----------------------------------------------------------------

func (s *InMemory) newEntityID() string {
	s.nextNum++
	return fmt.Sprintf("0.0.%d", s.nextNum)
}

func (s *InMemory) liveToken(op string, id TokenID, kind TokenKind) (*token, error) {
	tok, ok := s.tokens[id]
	if !ok {
		return nil, Reject(op, StatusInvalidTokenID)
	}
	if tok.info.Deleted {
		return nil, Reject(op, StatusTokenDeleted)
	}
	if tok.info.Kind != kind {
		return nil, Reject(op, StatusWrongTokenKind)
	}
	return tok, nil
}

func (s *InMemory) countOwned(tok *token, owner AccountID) int64 {
	var n int64
	for _, item := range tok.nfts {
		if item.Owner == owner {
			n++
		}
	}
	return n
}

// markStale snapshots the current view of id before a mutation. The oldest
// snapshot wins so reads keep lagging until the window drains.
func (s *InMemory) markStale(id AccountID) {
	if s.readLag == 0 {
		return
	}
	if _, ok := s.accounts[id]; !ok {
		return
	}
	if _, ok := s.stale[id]; ok {
		return
	}
	s.stale[id] = &staleRead{balance: s.balanceLocked(id), reads: s.readLag}
}

func (s *InMemory) balanceLocked(id AccountID) Balance {
	acc := s.accounts[id]
	bal := Balance{Account: id, Native: acc.native, AsOf: s.now().UTC()}
	for tid, units := range acc.assoc {
		tok := s.tokens[tid]
		tb := TokenBalance{Token: tid, Kind: tok.info.Kind, Balance: units}
		if tok.info.Kind == KindCollectible {
			tb.Balance = s.countOwned(tok, id)
		}
		bal.Tokens = append(bal.Tokens, tb)
	}
	sortTokenBalances(bal.Tokens)
	return bal
}

func copyBalance(b Balance) Balance {
	out := b
	out.Tokens = append([]TokenBalance(nil), b.Tokens...)
	return out
}
