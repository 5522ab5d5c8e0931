// Package decommission cleans up ledger tokens in bulk. Each token is handled
// independently; one failure never stops the batch.
package decommission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agripulse.org/internal/ledger"
	"agripulse.org/internal/mirror"
	"agripulse.org/internal/obs"
	"agripulse.org/internal/saga"
	"agripulse.org/internal/stream"

	"golang.org/x/sync/errgroup"
)

const name = "decommission"

// maxBatch bounds the serials per burn or transfer call.
const maxBatch = 10

// Mode selects what happens to each token.
type Mode string

const (
	// ModePurge wipes or burns outstanding supply and deletes the token.
	ModePurge Mode = "purge"
	// ModeDetach returns the caller's holdings to the treasury and dissociates.
	ModeDetach Mode = "detach"
)

// Ledger is the slice of the gateway the processor uses.
type Ledger interface {
	TokenInfo(ctx context.Context, token ledger.TokenID) (ledger.TokenInfo, error)
	GetBalance(ctx context.Context, account ledger.AccountID) (ledger.Balance, error)
	ListCollectionItems(ctx context.Context, collection ledger.TokenID) ([]ledger.NFT, error)
	Wipe(ctx context.Context, token ledger.TokenID, account ledger.AccountID, amount int64) error
	BurnBatch(ctx context.Context, collection ledger.TokenID, serials []ledger.Serial) error
	DeleteToken(ctx context.Context, token ledger.TokenID) error
	Transfer(ctx context.Context, tx ledger.TransferTx) (ledger.TxRef, error)
	Dissociate(ctx context.Context, account ledger.AccountID, tokens ...ledger.TokenID) error
}

// Request is one batch.
type Request struct {
	Tokens []ledger.TokenID `json:"tokens"`
	Mode   Mode             `json:"mode"`
	Caller ledger.AccountID `json:"caller"`
	// Privileged must be set for purge.
	Privileged bool `json:"-"`
}

// ItemResult is the outcome for one token.
type ItemResult struct {
	Token   ledger.TokenID `json:"token"`
	OK      bool           `json:"ok"`
	Actions []string       `json:"actions"`
	Error   string         `json:"error,omitempty"`
	Err     error          `json:"-"`
}

// LogEntry is one line of the chronological batch log.
type LogEntry struct {
	Time     time.Time       `json:"time"`
	Token    ledger.TokenID  `json:"token,omitempty"`
	Severity stream.Severity `json:"severity"`
	Message  string          `json:"message"`
}

// Result aggregates a batch. Succeeded + Failed always equals len(Items).
type Result struct {
	Mode      Mode         `json:"mode"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Summary   string       `json:"summary"`
	Items     []ItemResult `json:"items"`
	Log       []LogEntry   `json:"log"`
}

// Processor runs batches.
type Processor struct {
	ledger      Ledger
	treasury    ledger.AccountID
	store       *mirror.Store
	bus         *stream.Bus
	concurrency int
	now         func() time.Time
}

// New builds a Processor. concurrency below one runs items sequentially.
func New(l Ledger, treasury ledger.AccountID, store *mirror.Store, bus *stream.Bus, concurrency int) *Processor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Processor{
		ledger:      l,
		treasury:    treasury,
		store:       store,
		bus:         bus,
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type batchLog struct {
	mu      sync.Mutex
	entries []LogEntry
	rep     *saga.Reporter
	now     func() time.Time
}

func (l *batchLog) add(token ledger.TokenID, sev stream.Severity, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.mu.Lock()
	l.entries = append(l.entries, LogEntry{Time: l.now(), Token: token, Severity: sev, Message: msg})
	l.mu.Unlock()
	switch sev {
	case stream.Success:
		l.rep.Success(msg, "")
	case stream.Warning, stream.Error:
		l.rep.Warn(msg, "")
	default:
		l.rep.Info(msg, "")
	}
}

// Run processes every token and returns the aggregate. Only an invalid
// request returns an error.
func (p *Processor) Run(ctx context.Context, req Request) (res Result, err error) {
	ctx = saga.Detach(ctx)
	rep := saga.NewReporter(ctx, name, p.bus)
	defer func() { rep.Finish(err) }()

	tokens, err := p.validate(req)
	if err != nil {
		return Result{}, err
	}
	log := &batchLog{rep: rep, now: p.now}
	log.add("", stream.Info, "Starting %s of %d tokens", req.Mode, len(tokens))

	items := make([]ItemResult, len(tokens))
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, tok := range tokens {
		i, tok := i, tok
		g.Go(func() error {
			items[i] = p.process(ctx, rep, log, req, tok)
			obs.ObserveDecommissionItem(string(req.Mode), items[i].OK)
			return nil
		})
	}
	_ = g.Wait()

	res = Result{Mode: req.Mode, Items: items}
	for _, it := range items {
		if it.OK {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	res.Summary = fmt.Sprintf("%s finished: %d succeeded, %d failed", req.Mode, res.Succeeded, res.Failed)
	log.add("", summarySeverity(res.Failed), "%s", res.Summary)
	res.Log = log.entries

	for _, acct := range []ledger.AccountID{req.Caller, p.treasury} {
		if acct == "" {
			continue
		}
		if ierr := p.store.InvalidateBalance(ctx, acct); ierr != nil {
			rep.Log().WithError(ierr).WithField("account", acct).Warn("invalidate balance failed")
		}
	}
	return res, nil
}

func (p *Processor) validate(req Request) ([]ledger.TokenID, error) {
	switch req.Mode {
	case ModePurge:
		if !req.Privileged {
			return nil, saga.Precondition("purge requires an administrator")
		}
	case ModeDetach:
		if req.Caller == "" {
			return nil, saga.Precondition("detach requires a ledger account")
		}
		if req.Caller == p.treasury {
			return nil, saga.Precondition("the treasury cannot detach from platform tokens")
		}
	default:
		return nil, saga.Precondition("unknown mode %q", req.Mode)
	}
	seen := make(map[ledger.TokenID]struct{}, len(req.Tokens))
	out := make([]ledger.TokenID, 0, len(req.Tokens))
	for _, t := range req.Tokens {
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, saga.Precondition("select at least one token")
	}
	return out, nil
}

func (p *Processor) process(ctx context.Context, rep *saga.Reporter, log *batchLog, req Request, tok ledger.TokenID) ItemResult {
	it := ItemResult{Token: tok}
	var err error
	switch req.Mode {
	case ModePurge:
		err = p.purge(ctx, rep, log, &it)
	case ModeDetach:
		err = p.detach(ctx, rep, log, req.Caller, &it)
	}
	if err != nil {
		it.Err, it.Error = err, saga.Describe(err)
		log.add(tok, stream.Error, "%s failed: %s", tok, it.Error)
		return it
	}
	it.OK = true
	log.add(tok, stream.Success, "%s done (%d actions)", tok, len(it.Actions))
	return it
}

func (p *Processor) purge(ctx context.Context, rep *saga.Reporter, log *batchLog, it *ItemResult) error {
	tok := it.Token
	var info ledger.TokenInfo
	if err := rep.Run(ctx, "inspect", func(ctx context.Context) (err error) {
		info, err = p.ledger.TokenInfo(ctx, tok)
		return err
	}); err != nil {
		return err
	}
	log.add(tok, stream.Info, "%s is %s %q, supply %d", tok, kindLabel(info.Kind), info.Name, info.TotalSupply)

	switch info.Kind {
	case ledger.KindFungible:
		var held int64
		if err := rep.Run(ctx, "treasury_balance", func(ctx context.Context) error {
			bal, err := p.ledger.GetBalance(ctx, info.Treasury)
			if err != nil {
				return err
			}
			tb, _ := bal.Token(tok)
			held = tb.Balance
			return nil
		}); err != nil {
			return err
		}
		if held > 0 {
			if err := rep.Run(ctx, "wipe", func(ctx context.Context) error {
				return p.ledger.Wipe(ctx, tok, info.Treasury, held)
			}); err != nil {
				return err
			}
			it.Actions = append(it.Actions, fmt.Sprintf("wiped %d", held))
			log.add(tok, stream.Info, "Wiped %d units from the treasury", held)
		}
	case ledger.KindCollectible:
		var items []ledger.NFT
		if err := rep.Run(ctx, "list_items", func(ctx context.Context) (err error) {
			items, err = p.ledger.ListCollectionItems(ctx, tok)
			return err
		}); err != nil {
			return err
		}
		serials := make([]ledger.Serial, 0, len(items))
		for _, n := range items {
			serials = append(serials, n.Serial)
		}
		for _, chunk := range chunks(serials, maxBatch) {
			if err := rep.Run(ctx, "burn", func(ctx context.Context) error {
				return p.ledger.BurnBatch(ctx, tok, chunk)
			}); err != nil {
				return err
			}
			it.Actions = append(it.Actions, fmt.Sprintf("burned %d", len(chunk)))
			log.add(tok, stream.Info, "Burned %d items", len(chunk))
		}
	}

	if err := rep.Run(ctx, "delete", func(ctx context.Context) error {
		return p.ledger.DeleteToken(ctx, tok)
	}); err != nil {
		return err
	}
	it.Actions = append(it.Actions, "deleted")
	log.add(tok, stream.Info, "Deleted %s", tok)
	return nil
}

func (p *Processor) detach(ctx context.Context, rep *saga.Reporter, log *batchLog, caller ledger.AccountID, it *ItemResult) error {
	tok := it.Token
	var (
		info ledger.TokenInfo
		held ledger.TokenBalance
	)
	if err := rep.Run(ctx, "inspect", func(ctx context.Context) error {
		bal, err := p.ledger.GetBalance(ctx, caller)
		if err != nil {
			return err
		}
		var ok bool
		if held, ok = bal.Token(tok); !ok {
			return ledger.Reject("dissociate", ledger.StatusNotAssociated)
		}
		info, err = p.ledger.TokenInfo(ctx, tok)
		return err
	}); err != nil {
		return err
	}

	switch info.Kind {
	case ledger.KindFungible:
		if held.Balance > 0 {
			tx := ledger.TransferTx{
				Tokens: []ledger.TokenLeg{
					{Token: tok, Account: caller, Amount: -held.Balance},
					{Token: tok, Account: p.treasury, Amount: held.Balance},
				},
				Signers: []ledger.AccountID{caller},
				Memo:    "detach " + string(tok),
			}
			if err := rep.Run(ctx, "return_balance", func(ctx context.Context) error {
				_, err := p.ledger.Transfer(ctx, tx)
				return err
			}); err != nil {
				return err
			}
			it.Actions = append(it.Actions, fmt.Sprintf("returned %d", held.Balance))
			log.add(tok, stream.Info, "Returned %d units to the treasury", held.Balance)
		}
	case ledger.KindCollectible:
		var owned []ledger.Serial
		if err := rep.Run(ctx, "list_items", func(ctx context.Context) error {
			items, err := p.ledger.ListCollectionItems(ctx, tok)
			for _, n := range items {
				if n.Owner == caller {
					owned = append(owned, n.Serial)
				}
			}
			return err
		}); err != nil {
			return err
		}
		for _, chunk := range chunks(owned, maxBatch) {
			tx := ledger.TransferTx{Signers: []ledger.AccountID{caller}, Memo: "detach " + string(tok)}
			for _, serial := range chunk {
				tx.NFTs = append(tx.NFTs, ledger.NFTLeg{Token: tok, Serial: serial, From: caller, To: p.treasury})
			}
			if err := rep.Run(ctx, "return_items", func(ctx context.Context) error {
				_, err := p.ledger.Transfer(ctx, tx)
				return err
			}); err != nil {
				return err
			}
			it.Actions = append(it.Actions, fmt.Sprintf("returned %d items", len(chunk)))
			log.add(tok, stream.Info, "Returned %d items to the treasury", len(chunk))
		}
	}

	if err := rep.Run(ctx, "dissociate", func(ctx context.Context) error {
		return p.ledger.Dissociate(ctx, caller, tok)
	}); err != nil {
		return err
	}
	it.Actions = append(it.Actions, "dissociated")
	log.add(tok, stream.Info, "Dissociated %s from %s", caller, tok)
	return nil
}

func chunks[T any](in []T, size int) [][]T {
	var out [][]T
	for len(in) > 0 {
		n := min(size, len(in))
		out = append(out, in[:n])
		in = in[n:]
	}
	return out
}

func kindLabel(k ledger.TokenKind) string {
	if k == ledger.KindCollectible {
		return "collection"
	}
	return "fungible token"
}

func summarySeverity(failed int) stream.Severity {
	if failed > 0 {
		return stream.Warning
	}
	return stream.Success
}
