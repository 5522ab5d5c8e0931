package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"agripulse.org/internal/audit"
	"agripulse.org/internal/content"
	"agripulse.org/internal/ids"
	"agripulse.org/internal/ledger"
	"agripulse.org/internal/mirror"
	"agripulse.org/internal/saga"
)

type rewardSide struct {
	side       mirror.Side
	recipient  ledger.AccountID
	tiers      TierTable
	collection ledger.TokenID
}

// issueRewards evaluates both sides independently. A failure on one side is
// reported and never affects the other or the purchase.
func (s *Saga) issueRewards(ctx context.Context, rep *saga.Reporter, assets mirror.PlatformAssets, reg mirror.Registration, p mirror.PurchaseRecord) []RewardResult {
	sides := []rewardSide{
		{side: mirror.SideBuyer, recipient: p.Buyer, tiers: s.opts.BuyerTiers, collection: assets.BuyerRewards},
		{side: mirror.SideSeller, recipient: p.Seller, tiers: s.opts.SellerTiers, collection: assets.SellerRewards},
	}
	var out []RewardResult
	for _, rs := range sides {
		tier, ok := rs.tiers.Select(p.Quantity)
		if !ok {
			continue
		}
		res := RewardResult{Side: rs.side, Tier: tier.Name}
		award, err := s.issueReward(ctx, rep, rs, tier, reg, p)
		if err != nil {
			res.Err, res.Error = err, saga.Describe(err)
			rep.Warn(fmt.Sprintf("%s %s reward could not be issued: %s", tier.Name, rs.side, res.Error), "")
		} else {
			res.Award = &award
			rep.Success(fmt.Sprintf("%s %s reward #%d minted to %s", tier.Name, rs.side, award.Serial, award.Recipient), award.MetadataRef)
		}
		out = append(out, res)
	}
	return out
}

func (s *Saga) issueReward(ctx context.Context, rep *saga.Reporter, rs rewardSide, tier Tier, reg mirror.Registration, p mirror.PurchaseRecord) (mirror.RewardAward, error) {
	if existing, err := s.store.Reward(ctx, p.ID, rs.side); err == nil {
		return existing, nil
	} else if !errors.Is(err, mirror.ErrNotFound) {
		return mirror.RewardAward{}, err
	}
	step := func(name string) string { return "reward_" + string(rs.side) + "_" + name }

	art, defaultArt, err := s.artwork(ctx, rs.side, tier, reg)
	if err != nil {
		return mirror.RewardAward{}, err
	}
	var image content.Address
	err = rep.Run(ctx, step("artwork"), func(ctx context.Context) error {
		var err error
		image, err = s.publisher.PublishBytes(ctx, art, fmt.Sprintf("%s-%s.png", strings.ToLower(tier.Name), rs.side), "image/png")
		return err
	})
	if err != nil {
		return mirror.RewardAward{}, err
	}

	meta := content.Metadata{
		Name:        fmt.Sprintf("%s %s Reward", tier.Name, titleSide(rs.side)),
		Description: fmt.Sprintf("Awarded for a purchase of %d carbon credits from %s.", p.Quantity, reg.FarmName),
		Image:       image,
		Properties: map[string]any{
			"purchase_id":     p.ID,
			"registration_id": reg.ID,
		},
	}
	meta.Attr("tier", tier.Name).
		Attr("side", string(rs.side)).
		Attr("quantity", p.Quantity).
		Attr("buyer", string(p.Buyer)).
		Attr("seller", string(p.Seller)).
		Attr("farm", reg.FarmName).
		Attr("purchase", p.ID).
		Attr("transaction", string(p.TxRef))
	var metaAddr content.Address
	err = rep.Run(ctx, step("metadata"), func(ctx context.Context) error {
		var err error
		metaAddr, err = s.publisher.PublishJSON(ctx, meta)
		return err
	})
	if err != nil {
		return mirror.RewardAward{}, err
	}

	var serial ledger.Serial
	err = rep.Run(ctx, step("mint"), func(ctx context.Context) error {
		var err error
		serial, err = s.ledger.MintAndTransferNFT(ctx, rs.collection, rs.recipient, string(metaAddr))
		return err
	})
	if err != nil {
		return mirror.RewardAward{}, err
	}

	award := mirror.RewardAward{
		ID:          ids.New(ids.PrefixReward),
		PurchaseID:  p.ID,
		Side:        rs.side,
		Recipient:   rs.recipient,
		Tier:        tier.Name,
		Threshold:   tier.Threshold,
		Collection:  rs.collection,
		Serial:      serial,
		MetadataRef: string(metaAddr),
		ImageRef:    string(image),
		DefaultArt:  defaultArt,
		CreatedAt:   s.now(),
	}
	err = rep.Run(ctx, step("persist"), func(ctx context.Context) error {
		return saga.Retry(ctx, s.opts.Retry, nil, func(ctx context.Context) error {
			stored, _, err := s.store.CreateReward(ctx, award)
			if err == nil {
				award = stored
			}
			return err
		})
	})
	if err != nil {
		// The NFT is out; the entry lets an operator record it by hand.
		if lerr := audit.LogEvent(ctx, "purchase.reward.unrecorded", map[string]any{
			"purchase_id":  p.ID,
			"side":         string(rs.side),
			"recipient":    string(rs.recipient),
			"collection":   string(rs.collection),
			"serial":       int64(serial),
			"metadata_ref": string(metaAddr),
			"error":        err.Error(),
		}); lerr != nil {
			rep.Log().WithError(lerr).Error("reconciliation entry failed")
		}
		return mirror.RewardAward{}, err
	}
	return award, nil
}

// artwork asks the AI service for an image and falls back to the default art.
func (s *Saga) artwork(ctx context.Context, side mirror.Side, tier Tier, reg mirror.Registration) ([]byte, bool, error) {
	if s.ai != nil {
		prompt := fmt.Sprintf("A %s tier collectible badge celebrating sustainable farming at %s, %s crops, vibrant illustration, no text",
			strings.ToLower(tier.Name), reg.FarmName, reg.CropCategory)
		img, err := s.ai.GenerateImage(ctx, prompt)
		if err == nil && len(img) > 0 {
			return img, false, nil
		}
		if err == nil {
			err = errors.New("empty image")
		}
		logAIFallback(err, side)
	}
	img, err := defaultArtwork(tier.Name)
	if err != nil {
		return nil, true, fmt.Errorf("render default artwork: %w", err)
	}
	return img, true, nil
}

func titleSide(side mirror.Side) string {
	switch side {
	case mirror.SideBuyer:
		return "Buyer"
	case mirror.SideSeller:
		return "Farm"
	}
	return string(side)
}
