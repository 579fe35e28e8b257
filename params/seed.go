package params

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedPrices is the on-disk shape of the initial mark price file:
//
//	prices:
//	  XLM/USDC: 0.10
//	  BTC/USDC: 60000
type SeedPrices struct {
	Prices map[string]float64 `yaml:"prices"`
}

// LoadSeedPrices reads initial mark prices from a YAML file.
func LoadSeedPrices(path string) (map[string]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed prices: %w", err)
	}

	var sp SeedPrices
	if err := yaml.Unmarshal(data, &sp); err != nil {
		return nil, fmt.Errorf("parse seed prices: %w", err)
	}
	for sym, p := range sp.Prices {
		if p < 0 {
			return nil, fmt.Errorf("seed price for %s is negative: %v", sym, p)
		}
	}
	if sp.Prices == nil {
		sp.Prices = map[string]float64{}
	}
	return sp.Prices, nil
}
