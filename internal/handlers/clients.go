package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fastfood-order/api/internal/platform/auth"
	"github.com/fastfood-order/api/internal/platform/httpx"
	"github.com/fastfood-order/api/internal/services"
)

const maxClientBodySize = 8 * 1024

type clientRequest struct {
	CPF    *string `json:"cpf"`
	Name   *string `json:"name"`
	Email  *string `json:"email"`
	Status *string `json:"status"`
}

// ClientHandlers exposes customer registration. Kiosks register and look up clients
// anonymously; listing and removal are staff operations.
type ClientHandlers struct {
	authn   *auth.Authenticator
	clients services.ClientService
}

// NewClientHandlers constructs client handlers.
func NewClientHandlers(authn *auth.Authenticator, clients services.ClientService) *ClientHandlers {
	return &ClientHandlers{authn: authn, clients: clients}
}

// Routes registers the /client endpoints.
func (h *ClientHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createClient)
	r.Get("/lookup", h.lookupClient)
	r.Get("/{clientID}", h.getClient)
	r.Put("/{clientID}", h.updateClient)
	r.With(h.authn.RequireStaff(auth.RoleAttendant)).Get("/", h.listClients)
	r.With(h.authn.RequireStaff(auth.RoleManager)).Delete("/{clientID}", h.deleteClient)
}

func (h *ClientHandlers) createClient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.clients == nil {
		serviceUnavailable(ctx, w, "client_service_unavailable", "client service")
		return
	}
	var req clientRequest
	if !decodeJSONBody(w, r, maxClientBodySize, &req) {
		return
	}
	client, err := h.clients.CreateClient(ctx, req.toCommand(""))
	if err != nil {
		writeClientError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/client/"+client.ID)
	httpx.WriteJSON(w, http.StatusCreated, clientResponse{Client: buildClientPayload(client)})
}

// lookupClient finds a client by exact email so kiosks can identify returning customers.
func (h *ClientHandlers) lookupClient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.clients == nil {
		serviceUnavailable(ctx, w, "client_service_unavailable", "client service")
		return
	}
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "email is required", http.StatusBadRequest))
		return
	}
	client, err := h.clients.FindClientByEmail(ctx, email)
	if err != nil {
		writeClientError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, clientResponse{Client: buildClientPayload(client)})
}

func (h *ClientHandlers) listClients(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.clients == nil {
		serviceUnavailable(ctx, w, "client_service_unavailable", "client service")
		return
	}
	clients, err := h.clients.ListClients(ctx)
	if err != nil {
		writeClientError(ctx, w, err)
		return
	}
	items := make([]clientPayload, 0, len(clients))
	for _, client := range clients {
		items = append(items, buildClientPayload(client))
	}
	httpx.WriteJSON(w, http.StatusOK, clientListResponse{Items: items})
}

func (h *ClientHandlers) getClient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.clients == nil {
		serviceUnavailable(ctx, w, "client_service_unavailable", "client service")
		return
	}
	client, err := h.clients.GetClient(ctx, pathParam(r, "clientID"))
	if err != nil {
		writeClientError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, clientResponse{Client: buildClientPayload(client)})
}

func (h *ClientHandlers) updateClient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.clients == nil {
		serviceUnavailable(ctx, w, "client_service_unavailable", "client service")
		return
	}
	var req clientRequest
	if !decodeJSONBody(w, r, maxClientBodySize, &req) {
		return
	}
	client, err := h.clients.UpdateClient(ctx, req.toCommand(pathParam(r, "clientID")))
	if err != nil {
		writeClientError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, clientResponse{Client: buildClientPayload(client)})
}

func (h *ClientHandlers) deleteClient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.clients == nil {
		serviceUnavailable(ctx, w, "client_service_unavailable", "client service")
		return
	}
	if err := h.clients.DeleteClient(ctx, pathParam(r, "clientID")); err != nil {
		writeClientError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (req clientRequest) toCommand(clientID string) services.UpsertClientCommand {
	return services.UpsertClientCommand{
		ClientID: clientID,
		CPF:      req.CPF,
		Name:     req.Name,
		Email:    req.Email,
		Status:   req.Status,
	}
}

type clientListResponse struct {
	Items []clientPayload `json:"items"`
}

type clientResponse struct {
	Client clientPayload `json:"client"`
}

type clientPayload struct {
	ID        string `json:"id"`
	CPF       string `json:"cpf,omitempty"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func buildClientPayload(client services.Client) clientPayload {
	return clientPayload{
		ID:        client.ID,
		CPF:       client.CPF,
		Name:      client.Name,
		Email:     client.Email,
		Status:    string(client.Status),
		CreatedAt: formatTime(client.CreatedAt),
		UpdatedAt: formatTime(client.UpdatedAt),
	}
}

func writeClientError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrClientNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("client_not_found", "client not found", http.StatusNotFound))
	case errors.Is(err, services.ErrClientAlreadyExists):
		httpx.WriteError(ctx, w, httpx.NewError("client_already_exists", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrClientInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		writeRepositoryFailure(ctx, w, err, "client_error")
	}
}
