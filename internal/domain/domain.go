package domain

type Marketplace struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// BuyerNeed is a buyer's stated search criteria. Optional filters are
// pointers: nil means "not specified", zero is a stated value.
type BuyerNeed struct {
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
	CreatedAt    string            `json:"created_at" format:"date-time"`
}

type Listing struct {
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
	CreatedAt    string            `json:"created_at" format:"date-time"`
}

// Match is a scored association between a need and a listing, unique per
// (need_id, listing_id) and immutable after creation.
type Match struct {
	ID          string `json:"id"`
	NeedID      string `json:"need_id"`
	ListingID   string `json:"listing_id"`
	Score       int    `json:"score" minimum:"1" maximum:"100"`
	Explanation string `json:"explanation,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// MatchUnlock records that an actor may view full listing detail for a
// (need, listing) pair. At most one grant exists per triple.
type MatchUnlock struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	NeedID    string `json:"need_id"`
	ListingID string `json:"listing_id"`
	FeeCents  int64  `json:"fee_cents"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Deal struct {
	ID           string   `json:"id"`
	ListingID    string   `json:"listing_id"`
	NeedID       *string  `json:"need_id,omitempty"`
	Jurisdiction string   `json:"jurisdiction"`
	Stage        string   `json:"stage" enum:"search,touring,offer_submitted,negotiation,under_contract,inspection,appraisal,title,closing,closed"`
	Participants []string `json:"participants,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
}

// DealStages is the ordered lifecycle. The core reacts to stage values; it
// does not enforce transition legality.
var DealStages = []string{
	"search", "touring", "offer_submitted", "negotiation", "under_contract",
	"inspection", "appraisal", "title", "closing", "closed",
}

func ValidStage(stage string) bool {
	for _, s := range DealStages {
		if s == stage {
			return true
		}
	}
	return false
}

// Task is a concrete unit of work derived from a workflow template. Title is
// unique within its (context_type, context_id) pair; that uniqueness is the
// dedup key the generator relies on.
type Task struct {
	ID          string   `json:"id"`
	ContextType string   `json:"context_type" enum:"listing,deal"`
	ContextID   string   `json:"context_id"`
	Role        string   `json:"role,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	DueAt       *string  `json:"due_at,omitempty" format:"date-time"`
	Status      string   `json:"status" enum:"pending,in_progress,completed,blocked,skipped"`
	AIGenerated bool     `json:"ai_generated"`
	DependsOn   []string `json:"depends_on,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
	CompletedAt *string  `json:"completed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Type          string `json:"type"`
	MarketplaceID string `json:"marketplace_id,omitempty"`
	EntityKind    string `json:"entity_kind"`
	EntityID      string `json:"entity_id,omitempty"`
	ActorID       string `json:"actor_id"`
	Payload       string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
