package memory

import (
	"context"
	"slices"
	"sort"

	domain "github.com/fastfood-order/api/internal/domain"
	"github.com/fastfood-order/api/internal/repositories"
)

type paymentRepository struct {
	r *Registry
}

func (p *paymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	defer p.r.write(ctx)()
	p.r.mu.Lock()
	defer p.r.mu.Unlock()

	if _, exists := p.r.payments[payment.ID]; exists {
		return repositories.Conflict("payments.insert", "payment %s already exists", payment.ID)
	}
	for _, existing := range p.r.payments {
		if existing.Provider == payment.Provider && existing.ExternalReference == payment.ExternalReference {
			return repositories.Conflict("payments.insert", "external reference %s already recorded", payment.ExternalReference)
		}
	}
	p.r.payments[payment.ID] = clonePayment(payment)
	return nil
}

func (p *paymentRepository) FindByID(_ context.Context, paymentID string) (domain.Payment, error) {
	p.r.mu.RLock()
	defer p.r.mu.RUnlock()

	payment, exists := p.r.payments[paymentID]
	if !exists {
		return domain.Payment{}, repositories.NotFound("payments.find", "payment %s not found", paymentID)
	}
	return clonePayment(payment), nil
}

func (p *paymentRepository) FindByExternalReference(_ context.Context, provider, reference string) (domain.Payment, error) {
	p.r.mu.RLock()
	defer p.r.mu.RUnlock()

	for _, payment := range p.r.payments {
		if payment.Provider == provider && payment.ExternalReference == reference {
			return clonePayment(payment), nil
		}
	}
	return domain.Payment{}, repositories.NotFound("payments.find_by_reference", "no %s payment for %s", provider, reference)
}

func (p *paymentRepository) UpdateStatus(ctx context.Context, update repositories.PaymentStatusUpdate) (domain.Payment, error) {
	defer p.r.write(ctx)()
	p.r.mu.Lock()
	defer p.r.mu.Unlock()

	payment, exists := p.r.payments[update.PaymentID]
	if !exists {
		return domain.Payment{}, repositories.NotFound("payments.update_status", "payment %s not found", update.PaymentID)
	}
	if payment.Status != update.Expected {
		return domain.Payment{}, repositories.Conflict("payments.update_status", "payment %s is %s, expected %s", update.PaymentID, payment.Status, update.Expected)
	}
	payment.Status = update.Status
	payment.UpdatedAt = update.UpdatedAt
	if update.PaidAt != nil {
		payment.PaidAt = cloneTime(update.PaidAt)
	}
	p.r.payments[payment.ID] = payment
	return clonePayment(payment), nil
}

func (p *paymentRepository) ListByStatus(_ context.Context, status domain.PaymentStatus, limit int) ([]domain.Payment, error) {
	p.r.mu.RLock()
	defer p.r.mu.RUnlock()

	out := make([]domain.Payment, 0)
	for _, payment := range p.r.payments {
		if payment.Status == status {
			out = append(out, clonePayment(payment))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type discrepancyRepository struct {
	r *Registry
}

func (d *discrepancyRepository) Insert(ctx context.Context, discrepancy domain.PaymentDiscrepancy) error {
	defer d.r.write(ctx)()
	d.r.mu.Lock()
	defer d.r.mu.Unlock()

	if slices.ContainsFunc(d.r.discrepancies, func(existing domain.PaymentDiscrepancy) bool {
		return existing.ID == discrepancy.ID
	}) {
		return repositories.Conflict("discrepancies.insert", "discrepancy %s already exists", discrepancy.ID)
	}
	d.r.discrepancies = append(d.r.discrepancies, discrepancy)
	return nil
}

func (d *discrepancyRepository) ListByOrder(_ context.Context, orderID string) ([]domain.PaymentDiscrepancy, error) {
	d.r.mu.RLock()
	defer d.r.mu.RUnlock()

	out := make([]domain.PaymentDiscrepancy, 0)
	for _, discrepancy := range d.r.discrepancies {
		if discrepancy.OrderID == orderID {
			out = append(out, discrepancy)
		}
	}
	return out, nil
}
