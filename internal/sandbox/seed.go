package sandbox

import (
	"fmt"

	"pottsmarket/internal/config"
	"pottsmarket/internal/market"

	"github.com/google/uuid"
)

const houseUser = "house"

var seedMarkets = []market.MarketForm{
	{
		Title:       "Will it rain in Lisbon tomorrow?",
		Slug:        "lisbon-rain-tomorrow",
		Description: "Resolves YES if any measurable rain is recorded at the airport station.",
		Status:      market.StatusOpen,
	},
	{
		Title:       "Will BTC close above $100k this year?",
		Slug:        "btc-100k-eoy",
		Description: "Daily close on any major exchange counts.",
		Status:      market.StatusOpen,
	},
	{
		Title:       "Will the office move happen before June?",
		Slug:        "office-move-june",
		Description: "Draft until facilities confirms the lease date.",
		Status:      market.StatusDraft,
	},
}

// NewFromConfig builds an exchange with the staff account and, when enabled,
// a house account owning a few demo markets.
func NewFromConfig(cfg config.SandboxConfig) (*Exchange, error) {
	x := NewExchange(ExchangeOptions{StartingBalance: cfg.StartingBalance})
	if cfg.StaffUser != "" {
		if _, _, err := x.Signup(cfg.StaffUser, "", cfg.StaffPassword, true); err != nil {
			return nil, fmt.Errorf("create staff user %q: %w", cfg.StaffUser, err)
		}
	}
	if cfg.Seed {
		if err := Seed(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func Seed(x *Exchange) error {
	house, _, err := x.Signup(houseUser, "", uuid.NewString(), false)
	if err != nil {
		return fmt.Errorf("create house user: %w", err)
	}
	for _, form := range seedMarkets {
		if _, err := x.CreateMarket(house, form); err != nil {
			return fmt.Errorf("seed market %s: %w", form.Slug, err)
		}
	}
	return nil
}
