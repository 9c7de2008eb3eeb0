package memory

import (
	"context"
	"sort"
	"strings"

	domain "github.com/fastfood-order/api/internal/domain"
	"github.com/fastfood-order/api/internal/repositories"
)

type productRepository struct {
	r *Registry
}

func (p *productRepository) Insert(ctx context.Context, product domain.Product) error {
	defer p.r.write(ctx)()
	p.r.mu.Lock()
	defer p.r.mu.Unlock()

	if _, exists := p.r.products[product.ID]; exists {
		return repositories.Conflict("products.insert", "product %s already exists", product.ID)
	}
	p.r.products[product.ID] = product
	return nil
}

func (p *productRepository) Update(ctx context.Context, product domain.Product) error {
	defer p.r.write(ctx)()
	p.r.mu.Lock()
	defer p.r.mu.Unlock()

	if _, exists := p.r.products[product.ID]; !exists {
		return repositories.NotFound("products.update", "product %s not found", product.ID)
	}
	p.r.products[product.ID] = product
	return nil
}

func (p *productRepository) Delete(ctx context.Context, productID string) error {
	defer p.r.write(ctx)()
	p.r.mu.Lock()
	defer p.r.mu.Unlock()

	if _, exists := p.r.products[productID]; !exists {
		return repositories.NotFound("products.delete", "product %s not found", productID)
	}
	delete(p.r.products, productID)
	return nil
}

func (p *productRepository) FindByID(_ context.Context, productID string) (domain.Product, error) {
	p.r.mu.RLock()
	defer p.r.mu.RUnlock()

	product, exists := p.r.products[productID]
	if !exists {
		return domain.Product{}, repositories.NotFound("products.find", "product %s not found", productID)
	}
	return product, nil
}

func (p *productRepository) List(_ context.Context, filter repositories.ProductListFilter) ([]domain.Product, error) {
	p.r.mu.RLock()
	defer p.r.mu.RUnlock()

	out := make([]domain.Product, 0, len(p.r.products))
	for _, product := range p.r.products {
		if filter.Category != "" && !strings.EqualFold(product.Category, filter.Category) {
			continue
		}
		out = append(out, product)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

type clientRepository struct {
	r *Registry
}

func (c *clientRepository) Insert(ctx context.Context, client domain.Client) error {
	defer c.r.write(ctx)()
	c.r.mu.Lock()
	defer c.r.mu.Unlock()

	if _, exists := c.r.clients[client.ID]; exists {
		return repositories.Conflict("clients.insert", "client %s already exists", client.ID)
	}
	if c.emailTaken(client.Email, client.ID) {
		return repositories.Conflict("clients.insert", "email %s already registered", client.Email)
	}
	c.r.clients[client.ID] = client
	return nil
}

func (c *clientRepository) Update(ctx context.Context, client domain.Client) error {
	defer c.r.write(ctx)()
	c.r.mu.Lock()
	defer c.r.mu.Unlock()

	if _, exists := c.r.clients[client.ID]; !exists {
		return repositories.NotFound("clients.update", "client %s not found", client.ID)
	}
	if c.emailTaken(client.Email, client.ID) {
		return repositories.Conflict("clients.update", "email %s already registered", client.Email)
	}
	c.r.clients[client.ID] = client
	return nil
}

func (c *clientRepository) Delete(ctx context.Context, clientID string) error {
	defer c.r.write(ctx)()
	c.r.mu.Lock()
	defer c.r.mu.Unlock()

	if _, exists := c.r.clients[clientID]; !exists {
		return repositories.NotFound("clients.delete", "client %s not found", clientID)
	}
	delete(c.r.clients, clientID)
	return nil
}

func (c *clientRepository) FindByID(_ context.Context, clientID string) (domain.Client, error) {
	c.r.mu.RLock()
	defer c.r.mu.RUnlock()

	client, exists := c.r.clients[clientID]
	if !exists {
		return domain.Client{}, repositories.NotFound("clients.find", "client %s not found", clientID)
	}
	return client, nil
}

func (c *clientRepository) FindByEmail(_ context.Context, email string) (domain.Client, error) {
	c.r.mu.RLock()
	defer c.r.mu.RUnlock()

	for _, client := range c.r.clients {
		if client.Email == email {
			return client, nil
		}
	}
	return domain.Client{}, repositories.NotFound("clients.find_by_email", "no client with email %s", email)
}

func (c *clientRepository) List(context.Context) ([]domain.Client, error) {
	c.r.mu.RLock()
	defer c.r.mu.RUnlock()

	out := make([]domain.Client, 0, len(c.r.clients))
	for _, client := range c.r.clients {
		out = append(out, client)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// emailTaken reports whether another client owns email. Caller holds mu.
func (c *clientRepository) emailTaken(email, ownerID string) bool {
	if email == "" {
		return false
	}
	for _, existing := range c.r.clients {
		if existing.ID != ownerID && existing.Email == email {
			return true
		}
	}
	return false
}
