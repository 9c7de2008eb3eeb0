package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/fastfood-order/api/internal/domain"
	"github.com/fastfood-order/api/internal/platform/textutil"
	"github.com/fastfood-order/api/internal/repositories"
)

const (
	clientIDPrefix     = "cli_"
	maxClientNameRunes = 120
)

var (
	// ErrClientInvalidInput indicates malformed client data.
	ErrClientInvalidInput = errors.New("client: invalid input")
	// ErrClientNotFound indicates the client could not be located.
	ErrClientNotFound = errors.New("client: not found")
	// ErrClientAlreadyExists indicates the email (or id) is already registered.
	ErrClientAlreadyExists = errors.New("client: already exists")
)

// ClientServiceDeps bundles constructor inputs for the client service.
type ClientServiceDeps struct {
	Clients     repositories.ClientRepository
	Clock       func() time.Time
	IDGenerator func() string
}

type clientService struct {
	clients repositories.ClientRepository
	clock   func() time.Time
	newID   func() string
}

// NewClientService constructs the client service.
func NewClientService(deps ClientServiceDeps) (ClientService, error) {
	if deps.Clients == nil {
		return nil, errors.New("client service: client repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	return &clientService{
		clients: deps.Clients,
		clock:   func() time.Time { return clock().UTC() },
		newID:   idGen,
	}, nil
}

func (s *clientService) CreateClient(ctx context.Context, cmd UpsertClientCommand) (Client, error) {
	if cmd.Name == nil || cmd.Email == nil {
		return Client{}, fmt.Errorf("%w: name and email are required", ErrClientInvalidInput)
	}

	now := s.clock()
	client := Client{
		ID:        clientIDPrefix + s.newID(),
		Status:    domain.ClientStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := applyClientChanges(&client, cmd); err != nil {
		return Client{}, err
	}

	if err := s.ensureEmailAvailable(ctx, client.Email, ""); err != nil {
		return Client{}, err
	}

	if err := s.clients.Insert(ctx, client); err != nil {
		return Client{}, s.mapRepositoryError(err)
	}
	return client, nil
}

func (s *clientService) GetClient(ctx context.Context, clientID string) (Client, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return Client{}, fmt.Errorf("%w: client id is required", ErrClientNotFound)
	}
	client, err := s.clients.FindByID(ctx, clientID)
	if err != nil {
		return Client{}, s.mapRepositoryError(err)
	}
	return client, nil
}

func (s *clientService) FindClientByEmail(ctx context.Context, email string) (Client, error) {
	normalised, err := normaliseEmail(email)
	if err != nil {
		return Client{}, err
	}
	client, err := s.clients.FindByEmail(ctx, normalised)
	if err != nil {
		return Client{}, s.mapRepositoryError(err)
	}
	return client, nil
}

func (s *clientService) ListClients(ctx context.Context) ([]Client, error) {
	clients, err := s.clients.List(ctx)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return clients, nil
}

func (s *clientService) UpdateClient(ctx context.Context, cmd UpsertClientCommand) (Client, error) {
	clientID := strings.TrimSpace(cmd.ClientID)
	if clientID == "" {
		return Client{}, fmt.Errorf("%w: client id is required", ErrClientNotFound)
	}
	if cmd.Name == nil && cmd.Email == nil && cmd.CPF == nil && cmd.Status == nil {
		return Client{}, fmt.Errorf("%w: nothing to update", ErrClientInvalidInput)
	}

	client, err := s.clients.FindByID(ctx, clientID)
	if err != nil {
		return Client{}, s.mapRepositoryError(err)
	}
	previousEmail := client.Email
	if err := applyClientChanges(&client, cmd); err != nil {
		return Client{}, err
	}
	if client.Email != previousEmail {
		if err := s.ensureEmailAvailable(ctx, client.Email, client.ID); err != nil {
			return Client{}, err
		}
	}
	client.UpdatedAt = s.clock()

	if err := s.clients.Update(ctx, client); err != nil {
		return Client{}, s.mapRepositoryError(err)
	}
	return client, nil
}

func (s *clientService) DeleteClient(ctx context.Context, clientID string) error {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return fmt.Errorf("%w: client id is required", ErrClientNotFound)
	}
	if err := s.clients.Delete(ctx, clientID); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

func (s *clientService) ensureEmailAvailable(ctx context.Context, email, ownerID string) error {
	existing, err := s.clients.FindByEmail(ctx, email)
	if err == nil {
		if existing.ID != ownerID {
			return fmt.Errorf("%w: email %s", ErrClientAlreadyExists, email)
		}
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return nil
	}
	return s.mapRepositoryError(err)
}

func (s *clientService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrClientNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrClientAlreadyExists, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("client: repository unavailable: %w", err)
		}
	}
	return err
}

func applyClientChanges(client *Client, cmd UpsertClientCommand) error {
	if cmd.Name != nil {
		name := textutil.PlainText(*cmd.Name, maxClientNameRunes)
		if name == "" {
			return fmt.Errorf("%w: name is required", ErrClientInvalidInput)
		}
		client.Name = name
	}
	if cmd.Email != nil {
		email, err := normaliseEmail(*cmd.Email)
		if err != nil {
			return err
		}
		client.Email = email
	}
	if cmd.CPF != nil {
		cpf, err := normaliseCPF(*cmd.CPF)
		if err != nil {
			return err
		}
		client.CPF = cpf
	}
	if cmd.Status != nil {
		switch status := domain.ClientStatus(textutil.UpperToken(*cmd.Status)); status {
		case domain.ClientStatusActive, domain.ClientStatusInactive:
			client.Status = status
		default:
			return fmt.Errorf("%w: unknown status %q", ErrClientInvalidInput, *cmd.Status)
		}
	}
	return nil
}

func normaliseEmail(raw string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return "", fmt.Errorf("%w: email is required", ErrClientInvalidInput)
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed {
		return "", fmt.Errorf("%w: invalid email %q", ErrClientInvalidInput, raw)
	}
	return trimmed, nil
}

// normaliseCPF strips punctuation and validates the two check digits of a Brazilian CPF.
func normaliseCPF(raw string) (string, error) {
	digits := make([]int, 0, 11)
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			digits = append(digits, int(r-'0'))
		case r == '.' || r == '-' || r == ' ':
		default:
			return "", fmt.Errorf("%w: invalid cpf", ErrClientInvalidInput)
		}
	}
	if len(digits) == 0 {
		return "", nil
	}
	if len(digits) != 11 {
		return "", fmt.Errorf("%w: cpf must have 11 digits", ErrClientInvalidInput)
	}
	allSame := true
	for _, d := range digits[1:] {
		if d != digits[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return "", fmt.Errorf("%w: invalid cpf", ErrClientInvalidInput)
	}
	for check := 9; check <= 10; check++ {
		sum := 0
		for i := 0; i < check; i++ {
			sum += digits[i] * (check + 1 - i)
		}
		expected := (sum * 10) % 11
		if expected == 10 {
			expected = 0
		}
		if digits[check] != expected {
			return "", fmt.Errorf("%w: invalid cpf", ErrClientInvalidInput)
		}
	}
	var b strings.Builder
	for _, d := range digits {
		b.WriteByte(byte('0' + d))
	}
	return b.String(), nil
}
