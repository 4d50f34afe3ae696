package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"keylane/internal/domain"
)

// Config models keylane.yml.
type Config struct {
	Marketplace struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"marketplace"`
	Unlock struct {
		FeeCents int64 `yaml:"fee_cents"`
	} `yaml:"unlock"`
	Scoring ScoringWeights `yaml:"scoring"`
	Scorer  struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"scorer"`
	// Compliance is keyed jurisdiction -> role -> action -> allowed. Missing
	// keys at any level mean deny, not false-with-presence.
	Compliance map[string]map[string]map[string]bool `yaml:"compliance"`
	Workflows  []StageWorkflow                       `yaml:"workflows"`
	Webhooks   []WebhookConfig                       `yaml:"webhooks"`
}

// ScoringWeights are the additive baseline score contributions. A candidate
// that earns none of them scores zero and is never persisted as a match.
type ScoringWeights struct {
	Locality     int `yaml:"locality"`
	PostalCode   int `yaml:"postal_code"`
	Price        int `yaml:"price"`
	Beds         int `yaml:"beds"`
	Baths        int `yaml:"baths"`
	PropertyType int `yaml:"property_type"`
	Features     int `yaml:"features"`
}

func (w ScoringWeights) Total() int {
	return w.Locality + w.PostalCode + w.Price + w.Beds + w.Baths + w.PropertyType + w.Features
}

// StageWorkflow groups the task templates declared for one deal or listing
// lifecycle stage. Template order is declaration order; same-call dependency
// resolution in the expander depends on it.
type StageWorkflow struct {
	Stage string         `yaml:"stage"`
	Tasks []TaskTemplate `yaml:"tasks"`
}

type TaskTemplate struct {
	Title          string   `yaml:"title"`
	Role           string   `yaml:"role"`
	Description    string   `yaml:"description"`
	DueInDays      *int     `yaml:"due_in_days"`
	DependsOn      []string `yaml:"depends_on"`
	RequiresAction string   `yaml:"requires_action"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with kl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Marketplace.ID == "" {
		return fmt.Errorf("config.marketplace.id is required")
	}
	if c.Unlock.FeeCents < 0 {
		return fmt.Errorf("config.unlock.fee_cents must not be negative")
	}
	if c.Scoring.Total() <= 0 {
		return fmt.Errorf("config.scoring weights must sum to a positive value")
	}
	if c.Scoring.Total() > 100 {
		return fmt.Errorf("config.scoring weights must sum to at most 100, got %d", c.Scoring.Total())
	}
	if c.Scorer.TimeoutSeconds < 0 {
		return fmt.Errorf("config.scorer.timeout_seconds must not be negative")
	}
	for jurisdiction, roles := range c.Compliance {
		if jurisdiction == "" {
			return fmt.Errorf("config.compliance contains empty jurisdiction")
		}
		if jurisdiction != strings.ToLower(jurisdiction) {
			return fmt.Errorf("config.compliance jurisdiction %s must be lower-case", jurisdiction)
		}
		for role, actions := range roles {
			if role == "" {
				return fmt.Errorf("config.compliance jurisdiction %s contains empty role", jurisdiction)
			}
			for action := range actions {
				if action == "" {
					return fmt.Errorf("config.compliance role %s/%s contains empty action", jurisdiction, role)
				}
			}
		}
	}
	for _, wf := range c.Workflows {
		if !domain.ValidStage(wf.Stage) {
			return fmt.Errorf("config.workflows references unknown stage %s", wf.Stage)
		}
		seen := map[string]bool{}
		for _, t := range wf.Tasks {
			if t.Title == "" {
				return fmt.Errorf("workflow stage %s has a template without title", wf.Stage)
			}
			if seen[t.Title] {
				return fmt.Errorf("workflow stage %s declares title %q twice", wf.Stage, t.Title)
			}
			seen[t.Title] = true
			if t.DueInDays != nil && *t.DueInDays < 0 {
				return fmt.Errorf("template %q has negative due_in_days", t.Title)
			}
			for _, dep := range t.DependsOn {
				if dep == "" {
					return fmt.Errorf("template %q has empty dependency title", t.Title)
				}
			}
		}
	}
	return nil
}

// TemplatesForStage returns the templates declared for a stage, in
// declaration order. A stage with no workflow yields nil.
func (c *Config) TemplatesForStage(stage string) []TaskTemplate {
	for _, wf := range c.Workflows {
		if wf.Stage == stage {
			return wf.Tasks
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "keylane.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(marketplaceID string) string {
	return fmt.Sprintf(defaultTemplate, marketplaceID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a marketplace.
func Default(marketplaceID string) *Config {
	var cfg Config
	cfg.Marketplace.ID = marketplaceID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, marketplaceID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `marketplace:
  id: %s
  name: Keylane

unlock:
  fee_cents: 4900

scoring:
  locality: 15
  postal_code: 5
  price: 25
  beds: 15
  baths: 10
  property_type: 20
  features: 10

scorer:
  url: ""
  timeout_seconds: 3

compliance:
  ca:
    buyer_agent:
      tour.schedule: true
      offer.submit: true
      inspection.order: true
      disclosure.review: false
    listing_agent:
      disclosure.review: true
      listing.verify: true
      offer.counter: true
    transaction_coordinator:
      title.open: true
      escrow.open: true
      closing.schedule: true
  ny:
    buyer_agent:
      tour.schedule: true
      offer.submit: true
    listing_agent:
      disclosure.review: true
      listing.verify: true
    attorney:
      title.open: true
      contract.review: true
      closing.schedule: true

workflows:
  - stage: touring
    tasks:
      - title: Schedule Property Tour
        role: buyer_agent
        description: Coordinate a showing with the listing agent.
        due_in_days: 3
        requires_action: tour.schedule
      - title: Collect Tour Feedback
        role: buyer_agent
        description: Record buyer impressions after the tour.
        due_in_days: 5
        depends_on: [Schedule Property Tour]

  - stage: offer_submitted
    tasks:
      - title: Prepare Offer Package
        role: buyer_agent
        description: Draft the offer with price, contingencies and timelines.
        due_in_days: 2
        requires_action: offer.submit
      - title: Review Seller Disclosures
        role: listing_agent
        description: Confirm all required disclosures are delivered.
        due_in_days: 4
        requires_action: disclosure.review

  - stage: under_contract
    tasks:
      - title: Open Escrow
        role: transaction_coordinator
        description: Open escrow and distribute the fully executed contract.
        due_in_days: 2
        requires_action: escrow.open
      - title: Deposit Earnest Money
        role: buyer_agent
        description: Confirm earnest money hits escrow on time.
        due_in_days: 3
        depends_on: [Open Escrow]

  - stage: inspection
    tasks:
      - title: Order Home Inspection
        role: buyer_agent
        description: Book the general inspection inside the contingency window.
        due_in_days: 3
        requires_action: inspection.order
      - title: Negotiate Repairs
        role: buyer_agent
        description: Draft the repair request from inspection findings.
        due_in_days: 7
        depends_on: [Order Home Inspection]

  - stage: title
    tasks:
      - title: Open Title Order
        role: transaction_coordinator
        description: Start the preliminary title search.
        due_in_days: 2
        requires_action: title.open
      - title: Clear Title Exceptions
        role: transaction_coordinator
        description: Resolve liens or exceptions raised by the title report.
        depends_on: [Open Title Order]

  - stage: closing
    tasks:
      - title: Schedule Closing
        role: transaction_coordinator
        description: Book the signing appointment with all parties.
        due_in_days: 5
        requires_action: closing.schedule
      - title: Final Walkthrough
        role: buyer_agent
        description: Verify property condition before signing.
        due_in_days: 6
        depends_on: [Schedule Closing]
`
