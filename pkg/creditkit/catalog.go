package creditkit

import (
	"fmt"
	"strings"
)

// Catalog resolves plans and prices from the immutable plan configuration
// loaded at startup.
type Catalog struct {
	plans    map[string]*Plan // by plan id
	byName   map[string]*Plan // by lower-cased plan name
	byPrice  map[string]*Plan // price id -> owning plan
	priceIdx map[string]Price // price id -> price
}

// NewCatalog builds a catalog from the given plans. Price ids must be unique
// across plans.
func NewCatalog(plans []Plan) (*Catalog, error) {
	c := &Catalog{
		plans:    make(map[string]*Plan),
		byName:   make(map[string]*Plan),
		byPrice:  make(map[string]*Plan),
		priceIdx: make(map[string]Price),
	}

	for i := range plans {
		plan := plans[i]
		if plan.ID == "" {
			return nil, fmt.Errorf("%w: plan id is required", ErrValidation)
		}
		if _, ok := c.plans[plan.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate plan id %q", ErrValidation, plan.ID)
		}
		c.plans[plan.ID] = &plan
		if plan.Name != "" {
			c.byName[strings.ToLower(plan.Name)] = &plan
		}

		for _, price := range plan.Prices {
			if price.ID == "" {
				return nil, fmt.Errorf("%w: price id is required on plan %q", ErrValidation, plan.ID)
			}
			if _, ok := c.priceIdx[price.ID]; ok {
				return nil, fmt.Errorf("%w: duplicate price id %q", ErrValidation, price.ID)
			}
			c.byPrice[price.ID] = &plan
			c.priceIdx[price.ID] = price
		}
	}

	return c, nil
}

// Resolve maps a plan id or plan name plus a billing interval to a price
// descriptor. The interval may be empty only when the plan has exactly one
// price.
func (c *Catalog) Resolve(planIDOrName string, interval Interval) (Price, error) {
	plan, ok := c.plans[planIDOrName]
	if !ok {
		plan, ok = c.byName[strings.ToLower(planIDOrName)]
	}
	if !ok {
		return Price{}, fmt.Errorf("%w: %q", ErrPlanNotFound, planIDOrName)
	}

	if interval == "" {
		if len(plan.Prices) != 1 {
			return Price{}, fmt.Errorf("%w: interval required for plan %q", ErrValidation, planIDOrName)
		}
		return plan.Prices[0], nil
	}

	for _, price := range plan.Prices {
		if price.Interval == interval {
			return price, nil
		}
	}
	return Price{}, fmt.Errorf("%w: plan %q has no %s price", ErrPlanNotFound, planIDOrName, interval)
}

// PlanForPrice is the inverse lookup: price id to the owning plan and price.
func (c *Catalog) PlanForPrice(priceID string) (*Plan, Price, error) {
	plan, ok := c.byPrice[priceID]
	if !ok {
		return nil, Price{}, fmt.Errorf("%w: price %q", ErrPlanNotFound, priceID)
	}
	return plan, c.priceIdx[priceID], nil
}

// Plan returns a plan by id.
func (c *Catalog) Plan(planID string) (*Plan, error) {
	plan, ok := c.plans[planID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPlanNotFound, planID)
	}
	return plan, nil
}
