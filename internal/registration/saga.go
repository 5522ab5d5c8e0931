// Package registration runs the farm registration saga: verification, audit
// logging, content publishing and minting.
package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agripulse.org/internal/audit"
	"agripulse.org/internal/content"
	"agripulse.org/internal/ids"
	"agripulse.org/internal/ledger"
	"agripulse.org/internal/mirror"
	"agripulse.org/internal/saga"
	"agripulse.org/internal/stream"
	"agripulse.org/internal/verify"

	"github.com/shopspring/decimal"
)

const name = "registration"

// Draft is a farm submission.
type Draft struct {
	Owner        ledger.AccountID `json:"owner"`
	FarmName     string           `json:"farm_name"`
	Location     string           `json:"location"`
	Description  string           `json:"description"`
	CropCategory string           `json:"crop_category"`
	Area         float64          `json:"area"`
	AreaUnit     string           `json:"area_unit"`
	Practices    []string         `json:"practices"`
	PriceUSD     decimal.Decimal  `json:"price_usd"`
}

// Document is an optional supporting file.
type Document struct {
	Name string
	MIME string
	Data []byte
}

// Ledger is the slice of the gateway the saga uses.
type Ledger interface {
	audit.Appender
	MintAndTransferNFT(ctx context.Context, collection ledger.TokenID, recipient ledger.AccountID, metadataRef string) (ledger.Serial, error)
	MintFungible(ctx context.Context, token ledger.TokenID, amount int64) (int64, error)
}

// Saga wires the collaborators of a registration run.
type Saga struct {
	ledger    Ledger
	publisher content.Publisher
	engine    *verify.Engine
	recorder  *audit.Recorder
	store     *mirror.Store
	bus       *stream.Bus
	now       func() time.Time
}

func New(l Ledger, pub content.Publisher, engine *verify.Engine, store *mirror.Store, bus *stream.Bus) *Saga {
	return &Saga{
		ledger:    l,
		publisher: pub,
		engine:    engine,
		recorder:  audit.NewRecorder(l),
		store:     store,
		bus:       bus,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run verifies the draft, records the decision on the audit topic and, when
// approved, publishes the record and mints the certificate and credits.
// The returned registration is persisted. A failure after the audit entry
// carries its reference on the *saga.Error and persists nothing.
func (s *Saga) Run(ctx context.Context, d Draft, doc *Document) (reg mirror.Registration, err error) {
	ctx = saga.Detach(ctx)
	rep := saga.NewReporter(ctx, name, s.bus)
	defer func() { rep.Finish(err) }()

	assets, err := s.store.PlatformAssets(ctx)
	if err != nil {
		return mirror.Registration{}, err
	}
	if err := saga.RequirePlatform(assets); err != nil {
		return mirror.Registration{}, err
	}
	if err := validate(d); err != nil {
		return mirror.Registration{}, err
	}

	practices := normalizePractices(d.Practices)
	dunums, capacity, err := Capacity(d.Area, d.AreaUnit, practices)
	if err != nil {
		return mirror.Registration{}, saga.Precondition("%v", err)
	}

	reg = mirror.Registration{
		ID:           ids.New(ids.PrefixRegistration),
		Owner:        d.Owner,
		FarmName:     strings.TrimSpace(d.FarmName),
		Location:     strings.TrimSpace(d.Location),
		Description:  strings.TrimSpace(d.Description),
		CropCategory: strings.TrimSpace(d.CropCategory),
		Area:         d.Area,
		AreaUnit:     strings.ToLower(strings.TrimSpace(d.AreaUnit)),
		Dunums:       dunums.InexactFloat64(),
		Practices:    practices,
		PriceUSD:     d.PriceUSD,
		Capacity:     capacity,
		CreatedAt:    s.now(),
	}
	rep.Info(fmt.Sprintf("Verifying %s (%s dunums, capacity %d credits)", reg.FarmName, dunums.StringFixed(2), capacity), "")

	decision := s.engine.Evaluate(ctx, verify.Input{
		ID:           reg.ID,
		FarmName:     reg.FarmName,
		Location:     reg.Location,
		Description:  reg.Description,
		CropCategory: reg.CropCategory,
		Dunums:       reg.Dunums,
		Capacity:     capacity,
		PriceUSD:     reg.PriceUSD,
		Practices:    practices,
	})
	reg.Score = decision.Score
	reg.AIStatus = decision.AIStatus
	if decision.AIStatus == verify.AISkipped {
		rep.Warn("AI plausibility check unavailable; continuing without it", "")
	}

	verdict := string(mirror.StatusRejected)
	if decision.Approved {
		verdict = string(mirror.StatusApproved)
	}
	var receipt audit.Receipt
	err = rep.Run(ctx, "audit", func(ctx context.Context) error {
		var err error
		receipt, err = s.recorder.RecordDecision(ctx, assets.AuditTopic, audit.DecisionSummary{
			ID:        reg.ID,
			Submitter: string(reg.Owner),
			Decision:  verdict,
			Score:     decision.Score,
			Reason:    decision.Reason,
			Timestamp: reg.CreatedAt,
		})
		return err
	})
	if err != nil {
		return mirror.Registration{}, err
	}
	reg.AuditRef = receipt.Ref
	rep.Info(fmt.Sprintf("Decision recorded: %s with score %d", verdict, decision.Score), string(receipt.Ref))

	if !decision.Approved {
		reg.Status = mirror.StatusRejected
		reg.Reason = decision.Reason
		return s.persist(ctx, rep, reg)
	}

	reg.Status = mirror.StatusApproved
	if err := s.issue(ctx, rep, assets, &reg, doc); err != nil {
		var se *saga.Error
		if errors.As(err, &se) {
			se.AuditRef = reg.AuditRef
		}
		return mirror.Registration{}, err
	}
	reg.Remaining = reg.MintedSupply
	return s.persist(ctx, rep, reg)
}

func (s *Saga) issue(ctx context.Context, rep *saga.Reporter, assets mirror.PlatformAssets, reg *mirror.Registration, doc *Document) error {
	if doc != nil && len(doc.Data) > 0 {
		err := rep.Run(ctx, "publish_document", func(ctx context.Context) error {
			addr, err := s.publisher.PublishBytes(ctx, doc.Data, doc.Name, doc.MIME)
			reg.DocumentRef = string(addr)
			return err
		})
		if err != nil {
			return err
		}
	}

	var record content.Address
	err := rep.Run(ctx, "publish_record", func(ctx context.Context) error {
		var err error
		record, err = s.publisher.PublishJSON(ctx, reg)
		return err
	})
	if err != nil {
		return err
	}
	reg.RecordRef = string(record)

	meta := content.Metadata{
		Name:        fmt.Sprintf("%s certificate", reg.FarmName),
		Description: reg.Description,
		Properties: map[string]any{
			"registration_id": reg.ID,
			"owner":           string(reg.Owner),
		},
	}
	meta.Attr("location", reg.Location).
		Attr("crop_category", reg.CropCategory).
		Attr("area_dunums", reg.Dunums).
		Attr("practices", strings.Join(reg.Practices, ", ")).
		Attr("capacity", reg.Capacity).
		Attr("verification_score", reg.Score).
		Attr("audit_ref", string(reg.AuditRef)).
		Attr("record", string(record))
	if reg.DocumentRef != "" {
		meta.Attr("document", reg.DocumentRef)
	}
	var metaAddr content.Address
	err = rep.Run(ctx, "publish_metadata", func(ctx context.Context) error {
		var err error
		metaAddr, err = s.publisher.PublishJSON(ctx, meta)
		return err
	})
	if err != nil {
		return err
	}
	reg.CertificateMeta = string(metaAddr)

	err = rep.Run(ctx, "mint_certificate", func(ctx context.Context) error {
		serial, err := s.ledger.MintAndTransferNFT(ctx, assets.AssetCollection, reg.Owner, string(metaAddr))
		reg.CertificateNFT = serial
		return err
	})
	if err != nil {
		return err
	}
	rep.Success(fmt.Sprintf("Certificate #%d minted to %s", reg.CertificateNFT, reg.Owner), reg.CertificateMeta)

	if reg.Capacity > 0 {
		err = rep.Run(ctx, "mint_credits", func(ctx context.Context) error {
			_, err := s.ledger.MintFungible(ctx, assets.CreditToken, reg.Capacity)
			return err
		})
		if err != nil {
			return err
		}
		reg.MintedSupply = reg.Capacity
		rep.Success(fmt.Sprintf("%d credits minted to the treasury", reg.Capacity), "")
	}
	return nil
}

func (s *Saga) persist(ctx context.Context, rep *saga.Reporter, reg mirror.Registration) (mirror.Registration, error) {
	var out mirror.Registration
	err := rep.Run(ctx, "persist", func(ctx context.Context) error {
		var err error
		out, err = s.store.CreateRegistration(ctx, reg)
		return err
	})
	if err != nil {
		var se *saga.Error
		if errors.As(err, &se) {
			se.AuditRef = reg.AuditRef
		}
		return mirror.Registration{}, err
	}
	if out.Approved() {
		rep.Success(fmt.Sprintf("%s approved with score %d", out.FarmName, out.Score), out.RecordRef)
	} else {
		rep.Warn(fmt.Sprintf("%s rejected: %s", out.FarmName, out.Reason), string(out.AuditRef))
	}
	return out, nil
}

func validate(d Draft) error {
	switch {
	case strings.TrimSpace(string(d.Owner)) == "":
		return saga.Precondition("submitter has no ledger account")
	case strings.TrimSpace(d.FarmName) == "":
		return saga.Precondition("farm name is required")
	case d.PriceUSD.IsNegative():
		return saga.Precondition("price must not be negative")
	}
	return nil
}
