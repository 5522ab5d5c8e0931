package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"agripulse.org/internal/ai"
	"agripulse.org/internal/config"
	"agripulse.org/internal/registration"
	"agripulse.org/internal/verify"

	"github.com/joho/godotenv"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	_ = godotenv.Load()
	switch os.Args[1] {
	case "score":
		runScore()
	default:
		usage()
	}
}

// runScore evaluates a registration draft offline and prints the decision.
func runScore() {
	if len(os.Args) < 3 {
		usage()
	}
	raw, err := os.ReadFile(os.Args[2])
	if err != nil {
		fail("read %s: %v", os.Args[2], err)
	}
	var d registration.Draft
	if err := json.Unmarshal(raw, &d); err != nil {
		fail("parse %s: %v", os.Args[2], err)
	}
	cfg, err := config.Load(os.Getenv("AGRIPULSE_CONFIG"))
	if err != nil {
		fail("load config: %v", err)
	}

	dunums, credits, err := registration.Capacity(d.Area, d.AreaUnit, d.Practices)
	if err != nil {
		fail("capacity: %v", err)
	}

	var svc ai.Service
	if cfg.AI.APIKey != "" {
		oa, err := ai.NewOpenAI(ai.Options{BaseURL: cfg.AI.BaseURL, APIKey: cfg.AI.APIKey, Model: cfg.AI.Model})
		if err != nil {
			fail("init ai: %v", err)
		}
		svc = oa
	}
	engine := verify.New(svc, verify.Options{
		Threshold:       cfg.Verification.Threshold,
		AIPenalty:       cfg.Verification.AIPenalty,
		AIMinConfidence: cfg.Verification.AIMinConfidence,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	decision := engine.Evaluate(ctx, verify.Input{
		FarmName:     d.FarmName,
		Location:     d.Location,
		Description:  d.Description,
		CropCategory: d.CropCategory,
		Dunums:       dunums.InexactFloat64(),
		Capacity:     credits,
		PriceUSD:     d.PriceUSD,
		Practices:    d.Practices,
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]any{
		"dunums":   dunums.String(),
		"capacity": credits,
		"decision": decision,
	})
	if !decision.Approved {
		os.Exit(2)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s score <registration.json>\n", os.Args[0])
	os.Exit(1)
}
