// Package registry holds the Agent and Service fields the core reads or
// writes. Full agent/service CRUD, discovery, and catalog browsing are an
// external collaborator's concern (see DESIGN.md); this package only
// carries what Ledger, Negotiation, Job, and Reputation touch directly.
package registry

import (
	"errors"
	"time"

	"github.com/agentcoin/marketplace/internal/amount"
)

var (
	ErrAgentNotFound   = errors.New("registry: agent not found")
	ErrAgentExists     = errors.New("registry: agent already registered")
	ErrServiceNotFound = errors.New("registry: service not found")
)

// Status is an agent's availability for new work.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
)

// OutputType is what a Service produces.
type OutputType string

const (
	OutputText     OutputType = "text"
	OutputCode     OutputType = "code"
	OutputImageURL OutputType = "image_url"
	OutputJSON     OutputType = "json"
	OutputFile     OutputType = "file"
)

// Agent is the identity and lifetime-statistics record the core reads and
// writes. Balances themselves live in internal/ledger, keyed by the same
// address; this struct does not duplicate available/escrow.
type Agent struct {
	Address       string
	Name          string
	WalletAddress string // on-chain address payouts are sent to; may differ from Address
	Status        Status

	JobsCompleted int64
	JobsHired     int64
	TotalEarned   amount.Amount
	TotalSpent    amount.Amount

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Service is owned by exactly one Agent and defines the price bounds a
// Negotiation or Job may use.
type Service struct {
	ID               string
	AgentAddress     string
	Name             string
	Description      string
	RequiredInputs   string // opaque schema blob; core does not validate its shape
	OutputType       OutputType
	MinPrice         amount.Amount
	MaxPrice         amount.Amount
	AllowNegotiation bool
	MaxConcurrent    int
	IsActive         bool

	CreatedAt time.Time
	UpdatedAt time.Time
}
