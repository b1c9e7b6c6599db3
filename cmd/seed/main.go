package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/example/storefront/pkg/config"
	"github.com/example/storefront/pkg/logging"
	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type sampleProduct struct {
	name        string
	description string
	price       string
	stock       int
}

var catalog = []sampleProduct{
	{"OPC 53 Grade Cement", "Ordinary Portland Cement for general construction", "350.00", 200},
	{"PPC Cement", "Portland Pozzolana Cement for durable structures", "340.00", 150},
	{"White Cement", "Premium white cement for decorative finishes", "450.00", 100},
	{"River Sand", "Fine quality river sand for concrete mixing", "80.00", 1000},
	{"Crushed Stone Aggregate", "20mm aggregates for concrete production", "65.00", 2000},
	{"8mm TMT Bars", "High strength 8mm TMT steel reinforcement", "65.00", 500},
	{"12mm TMT Bars", "Premium quality 12mm TMT steel bars", "85.00", 400},
	{"Red Clay Bricks", "Standard size clay bricks for walls", "10.00", 5000},
	{"AAC Blocks", "Lightweight autoclaved aerated concrete blocks", "55.00", 800},
	{"2.5 sq mm Copper Wire", "Flame-retardant copper wire for residential use", "2800.00", 50},
	{"Ceramic Floor Tiles", "Durable 2x2 ft ceramic tiles for floors", "45.00", 1200},
	{"Interior Emulsion Paint", "Premium interior wall paint, washable", "220.00", 100},
	{"Waterproofing Compound", "Effective waterproofing solution for roofs and bathrooms", "550.00", 80},
	{"Tile Adhesive", "Strong adhesive for tile installation", "280.00", 100},
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer logger.Sync()

	db, err := repository.Open(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	store := repository.NewStore(db)
	defer store.Close()

	ctx := context.Background()
	added := 0
	for _, p := range catalog {
		created, err := store.EnsureProduct(ctx, &models.Product{
			Name:        p.name,
			Description: p.description,
			Price:       decimal.RequireFromString(p.price),
			Stock:       p.stock,
		})
		if err != nil {
			logger.Fatal("Failed to seed product", zap.String("name", p.name), zap.Error(err))
		}
		if created {
			added++
			logger.Info("Created product", zap.String("name", p.name))
		}
	}

	logger.Info("Seeding finished", zap.Int("added", added), zap.Int("catalog_size", len(catalog)))
}
