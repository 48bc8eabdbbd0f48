package llm

import (
	"math"
	"testing"

	"github.com/yshimada/llmrouter/internal/config"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPricerCloud(t *testing.T) {
	p := Pricer{
		Pricing: config.ModelPricing{Input: 3.0, Output: 15.0},
		FXRate:  1.0,
	}
	cost, saved := p.Price(1_000_000, 1_000_000)
	if !almostEqual(cost, 18.0) {
		t.Errorf("cost = %v, want 18.0", cost)
	}
	if saved != 0 {
		t.Errorf("saved = %v, want 0", saved)
	}
}

func TestPricerLocal(t *testing.T) {
	p := Pricer{
		CloudReference: config.ModelPricing{Input: 3.0, Output: 15.0},
		FXRate:         1.0,
		Local:          true,
	}
	cost, saved := p.Price(500_000, 100_000)
	if cost != 0 {
		t.Errorf("local cost = %v, want 0", cost)
	}
	want := 0.5*3.0 + 0.1*15.0
	if !almostEqual(saved, want) {
		t.Errorf("saved = %v, want %v", saved, want)
	}
}

func TestPricerFXRate(t *testing.T) {
	p := Pricer{
		Pricing: config.ModelPricing{Input: 1.0, Output: 2.0},
		FXRate:  150.0,
	}
	cost, _ := p.Price(1_000_000, 0)
	if !almostEqual(cost, 150.0) {
		t.Errorf("cost = %v, want 150.0", cost)
	}

	// zero FX rate falls back to 1.0
	p.FXRate = 0
	cost, _ = p.Price(1_000_000, 0)
	if !almostEqual(cost, 1.0) {
		t.Errorf("cost with zero fx = %v, want 1.0", cost)
	}
}
