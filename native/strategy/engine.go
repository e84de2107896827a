package strategy

import (
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"grantpool/core/events"
	"grantpool/core/types"
)

// strategyState is the persistence surface the engine depends on. Every
// getter returns a deep copy; the engine mutates working copies and persists
// them only once an operation has fully succeeded, which is what makes a
// failed operation a no-op.
type strategyState interface {
	ProjectPut(*Project) error
	ProjectGet(id [32]byte) (*Project, bool, error)
	RecipientPut(projectID [32]byte, r *Recipient) error
	RecipientGet(projectID [32]byte, id [32]byte) (*Recipient, bool, error)
	RecipientDelete(projectID [32]byte, id [32]byte) error
}

// RoleOracle is the external authorization authority. The engine never stores
// role assignments itself; it asks the oracle on every restricted call.
type RoleOracle interface {
	HasCapability(identity [20]byte, capability [32]byte) (bool, error)
	GrantCapability(capability [32]byte, identity [20]byte) error
	SetCapabilityStatus(capability [32]byte, identity [20]byte, active bool) error
}

// PoolInfo describes the asset backing a pool and its remaining balance.
type PoolInfo struct {
	Token   string
	Balance *big.Int
}

// PoolLedger executes value movement. Transfer fails when the pool balance is
// insufficient; the engine commits all internal state before calling it so a
// reentrant callback observes post-transition state.
type PoolLedger interface {
	PoolInfo(poolID [32]byte) (PoolInfo, error)
	Transfer(poolID [32]byte, to [20]byte, amount *big.Int) error
}

// Profile identifies a registered identity that may act through multiple
// member addresses.
type Profile struct {
	ID    [32]byte
	Owner [20]byte
}

// ProfileDirectory resolves profile anchors and membership, used only to
// authorize acting on behalf of a recipient identity.
type ProfileDirectory interface {
	ProfileByAnchor(anchor [20]byte) (*Profile, error)
	IsOwnerOrMember(profileID [32]byte, identity [20]byte) (bool, error)
}

const (
	// DefaultReviewThresholdPct is applied to recipient review and project
	// abort votes when the project does not override it.
	DefaultReviewThresholdPct = 70
	// DefaultMilestoneThresholdPct is applied to milestone offer and
	// submission votes when the project does not override it.
	DefaultMilestoneThresholdPct = 77
	// DefaultMaxRecipients bounds the accepted-recipient count per project.
	DefaultMaxRecipients = 5
)

// ParticipantCapability derives the capability id participants of the project
// must hold to vote.
func ParticipantCapability(projectID [32]byte) [32]byte {
	return ethcrypto.Keccak256Hash([]byte("strategy.participant"), projectID[:])
}

// ExecutorCapability derives the capability id granted to an accepted
// recipient, allowing it to offer plans and submit milestones.
func ExecutorCapability(projectID [32]byte) [32]byte {
	return ethcrypto.Keccak256Hash([]byte("strategy.executor"), projectID[:])
}

// RecipientID derives the deterministic recipient identifier from the project
// and the recipient's profile anchor.
func RecipientID(projectID [32]byte, anchor [20]byte) [32]byte {
	return ethcrypto.Keccak256Hash([]byte("strategy.recipient"), projectID[:], anchor[:])
}

type strategyEvent struct {
	evt *types.Event
}

func (e strategyEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e strategyEvent) Event() *types.Event { return e.evt }

// Engine wires the milestone-escrow voting logic with external state, the
// role oracle, the pool ledger and the profile directory. One engine can
// serve many projects; each project record is an independent context.
type Engine struct {
	state    strategyState
	roles    RoleOracle
	ledger   PoolLedger
	profiles ProfileDirectory
	emitter  events.Emitter
	nowFn    func() int64
}

// NewEngine creates a strategy engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state strategyState) { e.state = state }

// SetRoleOracle configures the external authorization oracle.
func (e *Engine) SetRoleOracle(oracle RoleOracle) { e.roles = oracle }

// SetLedger configures the pool ledger used for payouts and refunds.
func (e *Engine) SetLedger(ledger PoolLedger) { e.ledger = ledger }

// SetProfiles configures the profile directory used for recipient
// registration checks.
func (e *Engine) SetProfiles(profiles ProfileDirectory) { e.profiles = profiles }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(strategyEvent{evt: event})
}

func (e *Engine) emitAll(events []*types.Event) {
	for _, event := range events {
		e.emit(event)
	}
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) requireDeps() error {
	if e == nil || e.state == nil {
		return errStateNotConfigured
	}
	if e.roles == nil {
		return errRolesNotConfigured
	}
	if e.ledger == nil {
		return errLedgerNotConfigured
	}
	return nil
}

func (e *Engine) loadProject(id [32]byte) (*Project, error) {
	project, ok, err := e.state.ProjectGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || project == nil {
		return nil, fmt.Errorf("%w: project %x", ErrNotFound, id[:4])
	}
	return project, nil
}

func (e *Engine) loadActiveProject(id [32]byte) (*Project, error) {
	project, err := e.loadProject(id)
	if err != nil {
		return nil, err
	}
	if project.State != ProjectStateActive {
		return nil, fmt.Errorf("%w: project is %s", ErrInvalidState, project.State)
	}
	return project, nil
}

func (e *Engine) loadRecipient(projectID, recipientID [32]byte) (*Recipient, error) {
	recipient, ok, err := e.state.RecipientGet(projectID, recipientID)
	if err != nil {
		return nil, err
	}
	if !ok || recipient == nil {
		return nil, fmt.Errorf("%w: recipient %x", ErrNotFound, recipientID[:4])
	}
	return recipient, nil
}

func (e *Engine) isParticipant(projectID [32]byte, caller [20]byte) (bool, error) {
	return e.roles.HasCapability(caller, ParticipantCapability(projectID))
}

func (e *Engine) requireParticipant(projectID [32]byte, caller [20]byte) error {
	ok, err := e.isParticipant(projectID, caller)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: caller lacks participant capability", ErrUnauthorized)
	}
	return nil
}

func requireVerdict(verdict Status) error {
	if verdict != StatusAccepted && verdict != StatusRejected {
		return fmt.Errorf("%w: verdict must be accepted or rejected, got %s", ErrValidation, verdict)
	}
	return nil
}

// ProjectPolicy carries the per-project knobs applied at creation.
type ProjectPolicy struct {
	MaxRecipients         uint32
	ReviewThresholdPct    uint64
	MilestoneThresholdPct uint64
}

func (p ProjectPolicy) withDefaults() ProjectPolicy {
	if p.MaxRecipients == 0 {
		p.MaxRecipients = DefaultMaxRecipients
	}
	if p.ReviewThresholdPct == 0 {
		p.ReviewThresholdPct = DefaultReviewThresholdPct
	}
	if p.MilestoneThresholdPct == 0 {
		p.MilestoneThresholdPct = DefaultMilestoneThresholdPct
	}
	return p
}

// CreateProject instantiates one escrow context for a funded pool: it
// normalizes the contributions into voting weights, grants every contributor
// the participant capability and activates the state machine. The weights are
// fixed for the lifetime of the project.
func (e *Engine) CreateProject(id, poolID [32]byte, contributions map[[20]byte]*big.Int, policy ProjectPolicy) (*Project, error) {
	if err := e.requireDeps(); err != nil {
		return nil, err
	}
	if _, ok, err := e.state.ProjectGet(id); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("%w: project already exists", ErrInvalidState)
	}
	weights, err := NormalizeContributions(contributions)
	if err != nil {
		return nil, err
	}
	info, err := e.ledger.PoolInfo(poolID)
	if err != nil {
		return nil, err
	}
	if info.Balance == nil || info.Balance.Sign() <= 0 {
		return nil, fmt.Errorf("%w: pool has no balance", ErrValidation)
	}
	policy = policy.withDefaults()
	if policy.ReviewThresholdPct >= 100 || policy.MilestoneThresholdPct >= 100 {
		return nil, fmt.Errorf("%w: threshold percentage must be below 100", ErrValidation)
	}

	participantCap := ParticipantCapability(id)
	for addr := range weights {
		if err := e.roles.GrantCapability(participantCap, addr); err != nil {
			return nil, err
		}
	}

	project := &Project{
		ID:                    id,
		PoolID:                poolID,
		State:                 ProjectStateActive,
		TotalSupply:           new(big.Int).Set(WeightScale),
		CurrentSupply:         new(big.Int).Set(info.Balance),
		Participants:          SortedParticipants(weights),
		MaxRecipients:         policy.MaxRecipients,
		ReviewThresholdPct:    policy.ReviewThresholdPct,
		MilestoneThresholdPct: policy.MilestoneThresholdPct,
		AbortTally:            NewVoteTally(),
		CreatedAt:             e.now(),
	}
	if err := e.state.ProjectPut(project); err != nil {
		return nil, err
	}
	return project.Clone(), nil
}

// RecipientRegistration is the payload accepted by RegisterRecipient.
type RecipientRegistration struct {
	Anchor   [20]byte
	Address  [20]byte
	Metadata []byte
}

// RegisterRecipient creates the Pending candidate record for a recipient
// profile. The caller must be authorized for the profile (owner or member) or
// hold the participant capability. The candidate only becomes eligible for
// funds once the recipient review vote passes.
func (e *Engine) RegisterRecipient(projectID [32]byte, caller [20]byte, payload RecipientRegistration) (*Recipient, error) {
	if err := e.requireDeps(); err != nil {
		return nil, err
	}
	if e.profiles == nil {
		return nil, errProfilesNotConfigured
	}
	if _, err := e.loadActiveProject(projectID); err != nil {
		return nil, err
	}

	profile, err := e.profiles.ProfileByAnchor(payload.Anchor)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, fmt.Errorf("%w: unknown profile anchor", ErrValidation)
	}
	member, err := e.profiles.IsOwnerOrMember(profile.ID, caller)
	if err != nil {
		return nil, err
	}
	if !member {
		participant, err := e.isParticipant(projectID, caller)
		if err != nil {
			return nil, err
		}
		if !participant {
			return nil, fmt.Errorf("%w: caller may not act for this profile", ErrUnauthorized)
		}
	}

	id := RecipientID(projectID, payload.Anchor)
	existing, ok, err := e.state.RecipientGet(projectID, id)
	if err != nil {
		return nil, err
	}
	recipient := &Recipient{
		ID:          id,
		Address:     payload.Address,
		ProfileID:   profile.ID,
		Status:      StatusPending,
		GrantAmount: big.NewInt(0),
		Metadata:    append([]byte(nil), payload.Metadata...),
		ReviewTally: NewVoteTally(),
		OfferTally:  NewVoteTally(),
	}
	if ok && existing != nil {
		if existing.Status == StatusAccepted {
			return nil, fmt.Errorf("%w: recipient already accepted", ErrInvalidState)
		}
		// Re-registration while the candidacy is still open refreshes the
		// payload but keeps the in-flight review tally.
		recipient.ReviewTally = existing.ReviewTally
		recipient.OfferTally = existing.OfferTally
	}
	if err := e.state.RecipientPut(projectID, recipient); err != nil {
		return nil, err
	}
	e.emit(NewRecipientStatusChangedEvent(projectID, recipient.ID, StatusPending))
	return recipient.Clone(), nil
}

// ReviewRecipient casts the caller's weight for or against the candidate.
// Crossing the accept threshold registers the recipient and grants it the
// executor capability; crossing the reject threshold deletes the record and
// deactivates any previously granted capability. Tally reset and status
// transition commit atomically with the vote that triggered them.
func (e *Engine) ReviewRecipient(projectID, recipientID [32]byte, caller [20]byte, verdict Status) error {
	if err := e.requireDeps(); err != nil {
		return err
	}
	if err := requireVerdict(verdict); err != nil {
		return err
	}
	project, err := e.loadActiveProject(projectID)
	if err != nil {
		return err
	}
	if err := e.requireParticipant(projectID, caller); err != nil {
		return err
	}
	recipient, err := e.loadRecipient(projectID, recipientID)
	if err != nil {
		return err
	}
	if recipient.Status == StatusAccepted && verdict == StatusAccepted {
		return fmt.Errorf("%w: recipient already accepted", ErrInvalidState)
	}
	if verdict == StatusAccepted && project.AcceptedCount >= project.MaxRecipients {
		return fmt.Errorf("%w: accepted recipients at maximum %d", ErrCapacity, project.MaxRecipients)
	}

	weight := project.ParticipantWeight(caller)
	if err := recipient.ReviewTally.Cast(caller, verdict == StatusAccepted, weight); err != nil {
		return err
	}

	switch recipient.ReviewTally.Outcome(project.Threshold(project.ReviewThresholdPct)) {
	case VerdictAccepted:
		recipient.Status = StatusAccepted
		recipient.GrantAmount = new(big.Int).Set(project.CurrentSupply)
		recipient.ReviewTally.Reset()
		project.AcceptedCount++
		if err := e.roles.GrantCapability(ExecutorCapability(projectID), recipient.Address); err != nil {
			return err
		}
		// The project commit guards the capacity slot: it precedes the
		// recipient commit so a partial failure can only under-admit.
		if err := e.state.ProjectPut(project); err != nil {
			return err
		}
		if err := e.state.RecipientPut(projectID, recipient); err != nil {
			return err
		}
		e.emit(NewRecipientStatusChangedEvent(projectID, recipientID, StatusAccepted))
	case VerdictRejected:
		if err := e.roles.SetCapabilityStatus(ExecutorCapability(projectID), recipient.Address, false); err != nil {
			return err
		}
		// Voting out an accepted recipient frees its capacity slot.
		if recipient.Status == StatusAccepted {
			project.AcceptedCount--
			if err := e.state.ProjectPut(project); err != nil {
				return err
			}
		}
		if err := e.state.RecipientDelete(projectID, recipientID); err != nil {
			return err
		}
		e.emit(NewRecipientStatusChangedEvent(projectID, recipientID, StatusRejected))
	default:
		if err := e.state.RecipientPut(projectID, recipient); err != nil {
			return err
		}
	}
	return nil
}

// RejectProject casts the caller's weight on the project-wide abort vote.
// When the abort passes the remaining pool balance is swept back to the
// participants pro-rata and the project terminates in the Rejected state; a
// declined abort resets the tally so a future vote can be raised.
func (e *Engine) RejectProject(projectID [32]byte, caller [20]byte, verdict Status) error {
	if err := e.requireDeps(); err != nil {
		return err
	}
	if err := requireVerdict(verdict); err != nil {
		return err
	}
	project, err := e.loadActiveProject(projectID)
	if err != nil {
		return err
	}
	if err := e.requireParticipant(projectID, caller); err != nil {
		return err
	}

	weight := project.ParticipantWeight(caller)
	if err := project.AbortTally.Cast(caller, verdict == StatusAccepted, weight); err != nil {
		return err
	}

	switch project.AbortTally.Outcome(project.Threshold(project.ReviewThresholdPct)) {
	case VerdictAccepted:
		return e.abortProject(project)
	case VerdictRejected:
		project.AbortTally.Reset()
		if err := e.state.ProjectPut(project); err != nil {
			return err
		}
		e.emit(NewProjectRejectDeclinedEvent(projectID))
		return nil
	default:
		return e.state.ProjectPut(project)
	}
}

// abortProject performs the terminal pro-rata sweep. All internal state is
// committed before the first ledger transfer so a reentrant call observes the
// Rejected state and cannot trigger a second sweep.
func (e *Engine) abortProject(project *Project) error {
	info, err := e.ledger.PoolInfo(project.PoolID)
	if err != nil {
		return err
	}
	balance := big.NewInt(0)
	if info.Balance != nil {
		balance.Set(info.Balance)
	}

	type refund struct {
		to     [20]byte
		amount *big.Int
	}
	refunds := make([]refund, 0, len(project.Participants))
	distributed := big.NewInt(0)
	var largest *Participant
	largestIdx := -1
	for _, part := range project.Participants {
		if part == nil {
			continue
		}
		amount := new(big.Int).Mul(balance, part.Weight)
		amount.Div(amount, project.TotalSupply)
		refunds = append(refunds, refund{to: part.Address, amount: amount})
		distributed.Add(distributed, amount)
		if largest == nil || part.Weight.Cmp(largest.Weight) > 0 {
			largest = part
			largestIdx = len(refunds) - 1
		}
	}
	// Division dust goes to the largest participant so the sweep is complete.
	if remainder := new(big.Int).Sub(balance, distributed); remainder.Sign() > 0 && largestIdx >= 0 {
		refunds[largestIdx].amount = new(big.Int).Add(refunds[largestIdx].amount, remainder)
	}

	project.State = ProjectStateRejected
	project.CurrentSupply = big.NewInt(0)
	if err := e.state.ProjectPut(project); err != nil {
		return err
	}
	for _, r := range refunds {
		if r.amount.Sign() == 0 {
			continue
		}
		if err := e.ledger.Transfer(project.PoolID, r.to, r.amount); err != nil {
			return err
		}
	}
	e.emit(NewProjectRejectedEvent(project.ID, balance))
	return nil
}

// GetProject returns a copy of the project record.
func (e *Engine) GetProject(id [32]byte) (*Project, error) {
	if e == nil || e.state == nil {
		return nil, errStateNotConfigured
	}
	project, err := e.loadProject(id)
	if err != nil {
		return nil, err
	}
	return project.Clone(), nil
}

// GetRecipient returns a copy of the recipient record.
func (e *Engine) GetRecipient(projectID, recipientID [32]byte) (*Recipient, error) {
	if e == nil || e.state == nil {
		return nil, errStateNotConfigured
	}
	recipient, err := e.loadRecipient(projectID, recipientID)
	if err != nil {
		return nil, err
	}
	return recipient.Clone(), nil
}
