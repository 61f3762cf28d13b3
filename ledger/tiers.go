package ledger

import (
	"time"

	"invoicekits/models"

	"github.com/samber/lo"
)

// Unlimited marks a tier limit that is never reached.
const Unlimited = -1

// Templates lists every invoice template style.
var Templates = []string{"clean_slate", "executive", "bold_modern", "classic_professional", "neon_edge"}

const DefaultTemplate = "clean_slate"

// TierPolicy is what a subscription tier entitles an account to.
type TierPolicy struct {
	Tier              models.SubscriptionTier
	Name              string
	PriceMonthly      int
	InvoicesPerMonth  int
	RecurringInvoices bool
	MaxRecurring      int
	Templates         []string // nil means all templates
	Watermark         bool
}

var tierPolicies = map[models.SubscriptionTier]TierPolicy{
	models.TierFree: {
		Tier:             models.TierFree,
		Name:             "Free",
		InvoicesPerMonth: 5,
		Templates:        []string{"clean_slate"},
		Watermark:        true,
	},
	models.TierStarter: {
		Tier:             models.TierStarter,
		Name:             "Starter",
		PriceMonthly:     9,
		InvoicesPerMonth: 50,
		Templates:        []string{"clean_slate", "classic_professional"},
	},
	models.TierProfessional: {
		Tier:              models.TierProfessional,
		Name:              "Professional",
		PriceMonthly:      29,
		InvoicesPerMonth:  200,
		RecurringInvoices: true,
		MaxRecurring:      10,
	},
	models.TierBusiness: {
		Tier:              models.TierBusiness,
		Name:              "Business",
		PriceMonthly:      79,
		InvoicesPerMonth:  Unlimited,
		RecurringInvoices: true,
		MaxRecurring:      Unlimited,
	},
}

// PolicyFor returns the policy of tier, defaulting to the free tier.
func PolicyFor(tier models.SubscriptionTier) TierPolicy {
	if p, ok := tierPolicies[tier]; ok {
		return p
	}
	return tierPolicies[models.TierFree]
}

func (p TierPolicy) AvailableTemplates() []string {
	if p.Templates == nil {
		return Templates
	}
	return p.Templates
}

func (p TierPolicy) AllowsTemplate(style string) bool {
	return lo.Contains(p.AvailableTemplates(), style)
}

// AllowsMoreRecurring reports whether an account holding current recurring
// definitions may add one more.
func (p TierPolicy) AllowsMoreRecurring(current int64) bool {
	if !p.RecurringInvoices {
		return false
	}
	return p.MaxRecurring == Unlimited || current < int64(p.MaxRecurring)
}

// PeriodStart returns the start of the usage period containing now: the first
// instant of the calendar month in UTC.
func PeriodStart(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
