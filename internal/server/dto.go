package server

import (
	"keylane/internal/domain"
)

type CreateNeedRequest struct {
	ID           *string           `json:"id,omitempty"`
	BuyerID      string            `json:"buyer_id"`
	Jurisdiction string            `json:"jurisdiction"`
	Locality     *string           `json:"locality,omitempty"`
	PostalCode   *string           `json:"postal_code,omitempty"`
	PriceMin     *int64            `json:"price_min,omitempty"`
	PriceMax     *int64            `json:"price_max,omitempty"`
	PropertyType *string           `json:"property_type,omitempty"`
	BedsMin      *int              `json:"beds_min,omitempty"`
	BathsMin     *int              `json:"baths_min,omitempty"`
	Features     map[string]string `json:"features,omitempty"`
}

type NeedResponse struct {
	ID           string            `json:"id"`
	BuyerID      string            `json:"buyer_id"`
	Jurisdiction string            `json:"jurisdiction"`
	Locality     *string           `json:"locality,omitempty"`
	PostalCode   *string           `json:"postal_code,omitempty"`
	PriceMin     *int64            `json:"price_min,omitempty"`
	PriceMax     *int64            `json:"price_max,omitempty"`
	PropertyType *string           `json:"property_type,omitempty"`
	BedsMin      *int              `json:"beds_min,omitempty"`
	BathsMin     *int              `json:"baths_min,omitempty"`
	Features     map[string]string `json:"features,omitempty"`
	Active       bool              `json:"active"`
	CreatedAt    string            `json:"created_at"`
}

func needResponse(n domain.BuyerNeed) NeedResponse {
	return NeedResponse{
		ID:           n.ID,
		BuyerID:      n.BuyerID,
		Jurisdiction: n.Jurisdiction,
		Locality:     n.Locality,
		PostalCode:   n.PostalCode,
		PriceMin:     n.PriceMin,
		PriceMax:     n.PriceMax,
		PropertyType: n.PropertyType,
		BedsMin:      n.BedsMin,
		BathsMin:     n.BathsMin,
		Features:     n.Features,
		Active:       n.Active,
		CreatedAt:    n.CreatedAt,
	}
}

func mapNeeds(items []domain.BuyerNeed) []NeedResponse {
	res := make([]NeedResponse, 0, len(items))
	for _, n := range items {
		res = append(res, needResponse(n))
	}
	return res
}

type CreateListingRequest struct {
	ID           *string           `json:"id,omitempty"`
	SellerID     string            `json:"seller_id"`
	Jurisdiction string            `json:"jurisdiction"`
	Locality     string            `json:"locality,omitempty"`
	PostalCode   string            `json:"postal_code,omitempty"`
	Price        int64             `json:"price"`
	PropertyType string            `json:"property_type,omitempty"`
	Beds         int               `json:"beds,omitempty"`
	Baths        int               `json:"baths,omitempty"`
	Features     map[string]string `json:"features,omitempty"`
	Verified     bool              `json:"verified,omitempty"`
}

type ListingResponse struct {
	ID           string            `json:"id"`
	SellerID     string            `json:"seller_id"`
	Jurisdiction string            `json:"jurisdiction"`
	Locality     string            `json:"locality,omitempty"`
	PostalCode   string            `json:"postal_code,omitempty"`
	Price        int64             `json:"price"`
	PropertyType string            `json:"property_type,omitempty"`
	Beds         int               `json:"beds"`
	Baths        int               `json:"baths"`
	Features     map[string]string `json:"features,omitempty"`
	Verified     bool              `json:"verified"`
	CreatedAt    string            `json:"created_at"`
}

func listingResponse(l domain.Listing) ListingResponse {
	return ListingResponse{
		ID:           l.ID,
		SellerID:     l.SellerID,
		Jurisdiction: l.Jurisdiction,
		Locality:     l.Locality,
		PostalCode:   l.PostalCode,
		Price:        l.Price,
		PropertyType: l.PropertyType,
		Beds:         l.Beds,
		Baths:        l.Baths,
		Features:     l.Features,
		Verified:     l.Verified,
		CreatedAt:    l.CreatedAt,
	}
}

func mapListings(items []domain.Listing) []ListingResponse {
	res := make([]ListingResponse, 0, len(items))
	for _, l := range items {
		res = append(res, listingResponse(l))
	}
	return res
}

type MatchResponse struct {
	ID          string `json:"id"`
	NeedID      string `json:"need_id"`
	ListingID   string `json:"listing_id"`
	Score       int    `json:"score"`
	Explanation string `json:"explanation,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func matchResponse(m domain.Match) MatchResponse {
	return MatchResponse{
		ID:          m.ID,
		NeedID:      m.NeedID,
		ListingID:   m.ListingID,
		Score:       m.Score,
		Explanation: m.Explanation,
		CreatedAt:   m.CreatedAt,
	}
}

func mapMatches(items []domain.Match) []MatchResponse {
	res := make([]MatchResponse, 0, len(items))
	for _, m := range items {
		res = append(res, matchResponse(m))
	}
	return res
}

type UnlockResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	NeedID    string `json:"need_id"`
	ListingID string `json:"listing_id"`
	FeeCents  int64  `json:"fee_cents"`
	CreatedAt string `json:"created_at"`
}

func unlockResponse(u domain.MatchUnlock) UnlockResponse {
	return UnlockResponse{
		ID:        u.ID,
		ActorID:   u.ActorID,
		NeedID:    u.NeedID,
		ListingID: u.ListingID,
		FeeCents:  u.FeeCents,
		CreatedAt: u.CreatedAt,
	}
}

type CreateDealRequest struct {
	ID           *string  `json:"id,omitempty"`
	ListingID    string   `json:"listing_id"`
	NeedID       *string  `json:"need_id,omitempty"`
	Stage        string   `json:"stage,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

type DealResponse struct {
	ID           string   `json:"id"`
	ListingID    string   `json:"listing_id"`
	NeedID       *string  `json:"need_id,omitempty"`
	Jurisdiction string   `json:"jurisdiction"`
	Stage        string   `json:"stage"`
	Participants []string `json:"participants,omitempty"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

func dealResponse(d domain.Deal) DealResponse {
	return DealResponse{
		ID:           d.ID,
		ListingID:    d.ListingID,
		NeedID:       d.NeedID,
		Jurisdiction: d.Jurisdiction,
		Stage:        d.Stage,
		Participants: d.Participants,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func mapDeals(items []domain.Deal) []DealResponse {
	res := make([]DealResponse, 0, len(items))
	for _, d := range items {
		res = append(res, dealResponse(d))
	}
	return res
}

type TaskResponse struct {
	ID          string   `json:"id"`
	ContextType string   `json:"context_type"`
	ContextID   string   `json:"context_id"`
	Role        string   `json:"role,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	DueAt       *string  `json:"due_at,omitempty"`
	Status      string   `json:"status"`
	AIGenerated bool     `json:"ai_generated"`
	DependsOn   []string `json:"depends_on,omitempty"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
	CompletedAt *string  `json:"completed_at,omitempty"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		ContextType: t.ContextType,
		ContextID:   t.ContextID,
		Role:        t.Role,
		Title:       t.Title,
		Description: t.Description,
		DueAt:       t.DueAt,
		Status:      t.Status,
		AIGenerated: t.AIGenerated,
		DependsOn:   t.DependsOn,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

type MarketplaceResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func marketplaceResponse(m domain.Marketplace) MarketplaceResponse {
	return MarketplaceResponse{
		ID:          m.ID,
		Name:        m.Name,
		Status:      m.Status,
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
	}
}

type EventResponse struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts"`
	Type          string `json:"type"`
	MarketplaceID string `json:"marketplace_id,omitempty"`
	EntityKind    string `json:"entity_kind"`
	EntityID      string `json:"entity_id,omitempty"`
	ActorID       string `json:"actor_id"`
	Payload       string `json:"payload_json"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:            e.ID,
		TS:            e.TS,
		Type:          e.Type,
		MarketplaceID: e.MarketplaceID,
		EntityKind:    e.EntityKind,
		EntityID:      e.EntityID,
		ActorID:       e.ActorID,
		Payload:       e.Payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}
