package core

import (
	"math/big"
	"sync"

	"grantpool/core/events"
	"grantpool/core/state"
	"grantpool/core/types"
	"grantpool/native/strategy"
	"grantpool/storage"
)

// Node hosts the strategy engine on top of a persistent state manager and
// serializes every operation. The execution model is transaction-sequential:
// one call runs to completion before the next begins, so engines never need
// internal locking, only the reentrancy ordering rule they already enforce.
type Node struct {
	mu      sync.Mutex
	manager *state.Manager
	engine  *strategy.Engine
}

// NewNode assembles a node over the supplied database.
func NewNode(db storage.Database) *Node {
	manager := state.NewManager(db)
	engine := strategy.NewEngine()
	engine.SetState(manager)
	engine.SetRoleOracle(manager)
	engine.SetLedger(manager)
	engine.SetProfiles(manager)
	return &Node{manager: manager, engine: engine}
}

// SetEmitter forwards the event emitter to the engine.
func (n *Node) SetEmitter(emitter events.Emitter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engine.SetEmitter(emitter)
}

// CreatePool seeds a funded pool; a manager-layer bootstrap step.
func (n *Node) CreatePool(id [32]byte, token string, balance *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.manager.CreatePool(id, token, balance)
}

// PutProfile registers an identity profile under its anchor.
func (n *Node) PutProfile(profile strategy.Profile, anchor [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.manager.PutProfile(profile, anchor)
}

// AddProfileMember authorizes an additional identity for a profile.
func (n *Node) AddProfileMember(profileID [32]byte, identity [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.manager.AddProfileMember(profileID, identity)
}

// CreateProject instantiates a strategy context for a funded pool.
func (n *Node) CreateProject(id, poolID [32]byte, contributions map[[20]byte]*big.Int, policy strategy.ProjectPolicy) (*strategy.Project, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.CreateProject(id, poolID, contributions, policy)
}

// RegisterRecipient creates the Pending candidate record.
func (n *Node) RegisterRecipient(projectID [32]byte, caller [20]byte, payload strategy.RecipientRegistration) (*strategy.Recipient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.RegisterRecipient(projectID, caller, payload)
}

// ReviewRecipient casts a recipient review ballot.
func (n *Node) ReviewRecipient(projectID, recipientID [32]byte, caller [20]byte, verdict strategy.Status) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.ReviewRecipient(projectID, recipientID, caller, verdict)
}

// OfferMilestones proposes a milestone plan for an accepted recipient.
func (n *Node) OfferMilestones(projectID, recipientID [32]byte, caller [20]byte, milestones []*strategy.Milestone) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.OfferMilestones(projectID, recipientID, caller, milestones)
}

// ReviewOfferedMilestones casts a milestone-offer ballot.
func (n *Node) ReviewOfferedMilestones(projectID, recipientID [32]byte, caller [20]byte, verdict strategy.Status) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.ReviewOfferedMilestones(projectID, recipientID, caller, verdict)
}

// SubmitMilestone records milestone evidence and opens its vote.
func (n *Node) SubmitMilestone(projectID, recipientID [32]byte, caller [20]byte, index int, evidence []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.SubmitMilestone(projectID, recipientID, caller, index, evidence)
}

// ReviewSubmittedMilestone casts a submission ballot.
func (n *Node) ReviewSubmittedMilestone(projectID, recipientID [32]byte, caller [20]byte, index int, verdict strategy.Status) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.ReviewSubmittedMilestone(projectID, recipientID, caller, index, verdict)
}

// RejectProject casts a project-abort ballot.
func (n *Node) RejectProject(projectID [32]byte, caller [20]byte, verdict strategy.Status) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.RejectProject(projectID, caller, verdict)
}

// GetProject returns a copy of the project record.
func (n *Node) GetProject(id [32]byte) (*strategy.Project, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.GetProject(id)
}

// GetRecipient returns a copy of the recipient record.
func (n *Node) GetRecipient(projectID, recipientID [32]byte) (*strategy.Recipient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.GetRecipient(projectID, recipientID)
}

// GetAccount returns the ledger account for an address.
func (n *Node) GetAccount(addr [20]byte) (*types.Account, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.manager.GetAccount(addr)
}
