package cost

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/kubilitics/kubilitics-optimizer/internal/config"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// Provider selects a pricing table.
type Provider string

const (
	ProviderAWS     Provider = "aws"
	ProviderGCP     Provider = "gcp"
	ProviderAzure   Provider = "azure"
	ProviderGeneric Provider = "generic"
)

// hoursPerMonth is the billing month used throughout.
const hoursPerMonth = 24 * 30

// Pricing is a provider price list.
type Pricing struct {
	Provider               Provider
	CPUPricePerHour        float64 // per vCPU
	MemPricePerGBHour      float64
	StoragePricePerGBMonth float64
	NetworkPricePerGB      float64 // egress
}

// PricingFor returns the built-in price list of a provider. Unknown
// providers get generic pricing.
func PricingFor(p Provider) Pricing {
	switch p {
	case ProviderAWS:
		return Pricing{Provider: p, CPUPricePerHour: 0.04, MemPricePerGBHour: 0.005, StoragePricePerGBMonth: 0.10, NetworkPricePerGB: 0.09}
	case ProviderGCP:
		return Pricing{Provider: p, CPUPricePerHour: 0.035, MemPricePerGBHour: 0.0047, StoragePricePerGBMonth: 0.10, NetworkPricePerGB: 0.12}
	case ProviderAzure:
		return Pricing{Provider: p, CPUPricePerHour: 0.042, MemPricePerGBHour: 0.0055, StoragePricePerGBMonth: 0.12, NetworkPricePerGB: 0.087}
	default:
		return Pricing{Provider: ProviderGeneric, CPUPricePerHour: 0.04, MemPricePerGBHour: 0.005, StoragePricePerGBMonth: 0.10, NetworkPricePerGB: 0.09}
	}
}

// Calculator prices inventory entries.
type Calculator struct {
	pricing Pricing
}

// NewCalculator creates a calculator with the provider's price list.
func NewCalculator(p Provider) *Calculator {
	return &Calculator{pricing: PricingFor(p)}
}

// Pricing returns the active price list.
func (c *Calculator) Pricing() Pricing {
	return c.pricing
}

// Monthly prices one inventory entry. An explicit MonthlyCost is taken as
// is and attributed to the component matching the resource type.
func (c *Calculator) Monthly(r config.Resource) (models.CostBreakdown, error) {
	var b models.CostBreakdown
	if r.MonthlyCost > 0 {
		switch models.ResourceType(r.Type) {
		case models.ResourceCompute:
			b.Compute = r.MonthlyCost
		case models.ResourceMemory, models.ResourceDatastore:
			b.Memory = r.MonthlyCost
		case models.ResourceNetwork:
			b.Network = r.MonthlyCost
		default:
			b.Storage = r.MonthlyCost
		}
		b.Total = r.MonthlyCost
		return b, nil
	}

	if r.CPU != "" {
		cores, err := ParseCPU(r.CPU)
		if err != nil {
			return b, fmt.Errorf("resource %s cpu: %w", r.ID, err)
		}
		b.Compute = cores * c.pricing.CPUPricePerHour * hoursPerMonth
	}
	if r.Memory != "" {
		gb, err := ParseMemory(r.Memory)
		if err != nil {
			return b, fmt.Errorf("resource %s memory: %w", r.ID, err)
		}
		b.Memory = gb * c.pricing.MemPricePerGBHour * hoursPerMonth
	}
	b.Storage = r.StorageGB * c.pricing.StoragePricePerGBMonth
	b.Network = r.NetworkGB * c.pricing.NetworkPricePerGB
	b.Total = b.Compute + b.Memory + b.Storage + b.Network
	return b, nil
}

// ParseCPU parses a Kubernetes CPU quantity into cores ("250m" is 0.25).
func ParseCPU(cpu string) (float64, error) {
	q, err := resource.ParseQuantity(cpu)
	if err != nil {
		return 0, err
	}
	return float64(q.MilliValue()) / 1000, nil
}

// ParseMemory parses a Kubernetes memory quantity into GiB.
func ParseMemory(memory string) (float64, error) {
	q, err := resource.ParseQuantity(memory)
	if err != nil {
		return 0, err
	}
	return float64(q.Value()) / (1 << 30), nil
}
