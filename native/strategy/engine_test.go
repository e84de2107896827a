package strategy

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"grantpool/core/events"
	"grantpool/core/types"
)

// --- test doubles ---

type mockState struct {
	projects   map[[32]byte]*Project
	recipients map[[32]byte]map[[32]byte]*Recipient
}

func newMockState() *mockState {
	return &mockState{
		projects:   make(map[[32]byte]*Project),
		recipients: make(map[[32]byte]map[[32]byte]*Recipient),
	}
}

func (m *mockState) ProjectPut(p *Project) error {
	m.projects[p.ID] = p.Clone()
	return nil
}

func (m *mockState) ProjectGet(id [32]byte) (*Project, bool, error) {
	p, ok := m.projects[id]
	if !ok {
		return nil, false, nil
	}
	return p.Clone(), true, nil
}

func (m *mockState) RecipientPut(projectID [32]byte, r *Recipient) error {
	bucket, ok := m.recipients[projectID]
	if !ok {
		bucket = make(map[[32]byte]*Recipient)
		m.recipients[projectID] = bucket
	}
	bucket[r.ID] = r.Clone()
	return nil
}

func (m *mockState) RecipientGet(projectID, id [32]byte) (*Recipient, bool, error) {
	r, ok := m.recipients[projectID][id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

func (m *mockState) RecipientDelete(projectID, id [32]byte) error {
	delete(m.recipients[projectID], id)
	return nil
}

type mockRoles struct {
	grants map[string]bool
}

func newMockRoles() *mockRoles {
	return &mockRoles{grants: make(map[string]bool)}
}

func roleKey(capability [32]byte, identity [20]byte) string {
	return fmt.Sprintf("%x/%x", capability, identity)
}

func (m *mockRoles) HasCapability(identity [20]byte, capability [32]byte) (bool, error) {
	return m.grants[roleKey(capability, identity)], nil
}

func (m *mockRoles) GrantCapability(capability [32]byte, identity [20]byte) error {
	m.grants[roleKey(capability, identity)] = true
	return nil
}

func (m *mockRoles) SetCapabilityStatus(capability [32]byte, identity [20]byte, active bool) error {
	m.grants[roleKey(capability, identity)] = active
	return nil
}

type transferRecord struct {
	to     [20]byte
	amount *big.Int
}

type mockLedger struct {
	token      string
	balances   map[[32]byte]*big.Int
	transfers  []transferRecord
	onTransfer func()
}

func newMockLedger(poolID [32]byte, balance int64) *mockLedger {
	return &mockLedger{
		token:    "GPT",
		balances: map[[32]byte]*big.Int{poolID: big.NewInt(balance)},
	}
}

func (m *mockLedger) PoolInfo(poolID [32]byte) (PoolInfo, error) {
	balance, ok := m.balances[poolID]
	if !ok {
		return PoolInfo{}, fmt.Errorf("pool not found")
	}
	return PoolInfo{Token: m.token, Balance: new(big.Int).Set(balance)}, nil
}

func (m *mockLedger) Transfer(poolID [32]byte, to [20]byte, amount *big.Int) error {
	balance, ok := m.balances[poolID]
	if !ok {
		return fmt.Errorf("pool not found")
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient pool balance")
	}
	m.balances[poolID] = new(big.Int).Sub(balance, amount)
	m.transfers = append(m.transfers, transferRecord{to: to, amount: new(big.Int).Set(amount)})
	if m.onTransfer != nil {
		m.onTransfer()
	}
	return nil
}

type mockProfiles struct {
	byAnchor map[[20]byte]*Profile
	members  map[[32]byte]map[[20]byte]bool
}

func newMockProfiles() *mockProfiles {
	return &mockProfiles{
		byAnchor: make(map[[20]byte]*Profile),
		members:  make(map[[32]byte]map[[20]byte]bool),
	}
}

func (m *mockProfiles) add(anchor [20]byte, profile Profile) {
	stored := profile
	m.byAnchor[anchor] = &stored
}

func (m *mockProfiles) ProfileByAnchor(anchor [20]byte) (*Profile, error) {
	profile, ok := m.byAnchor[anchor]
	if !ok {
		return nil, nil
	}
	copied := *profile
	return &copied, nil
}

func (m *mockProfiles) IsOwnerOrMember(profileID [32]byte, identity [20]byte) (bool, error) {
	for _, profile := range m.byAnchor {
		if profile.ID == profileID && profile.Owner == identity {
			return true, nil
		}
	}
	return m.members[profileID][identity], nil
}

type capturingEmitter struct {
	events []*types.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	if typed, ok := evt.(interface{ Event() *types.Event }); ok {
		c.events = append(c.events, typed.Event())
	}
}

func (c *capturingEmitter) typesSeen() []string {
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.Type)
	}
	return out
}

func (c *capturingEmitter) has(eventType string) bool {
	for _, evt := range c.events {
		if evt.Type == eventType {
			return true
		}
	}
	return false
}

// --- fixture ---

func testHash(b byte) [32]byte {
	var id [32]byte
	id[31] = b
	return id
}

func pct(n int64) *big.Int {
	share := new(big.Int).Mul(WeightScale, big.NewInt(n))
	return share.Div(share, big.NewInt(100))
}

type fixture struct {
	engine   *Engine
	state    *mockState
	roles    *mockRoles
	ledger   *mockLedger
	profiles *mockProfiles
	emitter  *capturingEmitter

	projectID [32]byte
	poolID    [32]byte
	// alice holds 40% of the weight, bob and carol 30% each.
	alice, bob, carol [20]byte
}

func newFixture(t *testing.T, poolBalance int64) *fixture {
	t.Helper()
	f := &fixture{
		state:     newMockState(),
		roles:     newMockRoles(),
		profiles:  newMockProfiles(),
		emitter:   &capturingEmitter{},
		projectID: testHash(0xAA),
		poolID:    testHash(0xBB),
		alice:     testAddr(1),
		bob:       testAddr(2),
		carol:     testAddr(3),
	}
	f.ledger = newMockLedger(f.poolID, poolBalance)
	f.engine = NewEngine()
	f.engine.SetState(f.state)
	f.engine.SetRoleOracle(f.roles)
	f.engine.SetLedger(f.ledger)
	f.engine.SetProfiles(f.profiles)
	f.engine.SetEmitter(f.emitter)
	f.engine.SetNowFunc(func() int64 { return 1700000000 })

	contribs := map[[20]byte]*big.Int{
		f.alice: big.NewInt(40),
		f.bob:   big.NewInt(30),
		f.carol: big.NewInt(30),
	}
	if _, err := f.engine.CreateProject(f.projectID, f.poolID, contribs, ProjectPolicy{}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return f
}

// registerRecipient seeds a profile for the given anchor and registers it.
func (f *fixture) registerRecipient(t *testing.T, anchor, payoutAddr, owner [20]byte) [32]byte {
	t.Helper()
	f.profiles.add(anchor, Profile{ID: testHash(anchor[19]), Owner: owner})
	recipient, err := f.engine.RegisterRecipient(f.projectID, owner, RecipientRegistration{
		Anchor:   anchor,
		Address:  payoutAddr,
		Metadata: []byte("proposal"),
	})
	if err != nil {
		t.Fatalf("register recipient: %v", err)
	}
	return recipient.ID
}

func (f *fixture) acceptRecipient(t *testing.T, recipientID [32]byte) {
	t.Helper()
	for _, voter := range [][20]byte{f.alice, f.bob, f.carol} {
		recipient, err := f.engine.GetRecipient(f.projectID, recipientID)
		if err != nil {
			t.Fatalf("load recipient: %v", err)
		}
		if recipient.Status == StatusAccepted {
			return
		}
		if err := f.engine.ReviewRecipient(f.projectID, recipientID, voter, StatusAccepted); err != nil {
			t.Fatalf("review recipient as %x: %v", voter, err)
		}
	}
}

func (f *fixture) lockPlan(t *testing.T, recipientID [32]byte, payoutAddr [20]byte, shares ...int64) {
	t.Helper()
	plan := make([]*Milestone, len(shares))
	for i, share := range shares {
		plan[i] = &Milestone{Percentage: pct(share), Metadata: []byte(fmt.Sprintf("milestone-%d", i))}
	}
	if err := f.engine.OfferMilestones(f.projectID, recipientID, payoutAddr, plan); err != nil {
		t.Fatalf("offer milestones: %v", err)
	}
	for _, voter := range [][20]byte{f.alice, f.bob, f.carol} {
		recipient, err := f.engine.GetRecipient(f.projectID, recipientID)
		if err != nil {
			t.Fatal(err)
		}
		if recipient.MilestonesReview == StatusAccepted {
			return
		}
		if err := f.engine.ReviewOfferedMilestones(f.projectID, recipientID, voter, StatusAccepted); err != nil {
			t.Fatalf("review offer as %x: %v", voter, err)
		}
	}
}

// --- project creation ---

func TestCreateProjectNormalizesWeights(t *testing.T) {
	f := newFixture(t, 1000)
	project, err := f.engine.GetProject(f.projectID)
	if err != nil {
		t.Fatal(err)
	}
	if project.State != ProjectStateActive {
		t.Fatalf("state = %s, want active", project.State)
	}
	if project.TotalSupply.Cmp(WeightScale) != 0 {
		t.Fatalf("total supply = %s, want %s", project.TotalSupply, WeightScale)
	}
	if project.CurrentSupply.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("current supply = %s, want pool balance", project.CurrentSupply)
	}
	if got := project.ParticipantWeight(f.alice); got.Cmp(pct(40)) != 0 {
		t.Fatalf("alice weight = %s, want %s", got, pct(40))
	}
	sum := big.NewInt(0)
	for _, p := range project.Participants {
		sum.Add(sum, p.Weight)
	}
	if sum.Cmp(WeightScale) != 0 {
		t.Fatalf("participant weights sum to %s, want %s", sum, WeightScale)
	}
	ok, err := f.roles.HasCapability(f.bob, ParticipantCapability(f.projectID))
	if err != nil || !ok {
		t.Fatalf("bob should hold the participant capability (ok=%v err=%v)", ok, err)
	}
}

func TestCreateProjectRejectsDuplicatesAndBadPolicy(t *testing.T) {
	f := newFixture(t, 1000)
	contribs := map[[20]byte]*big.Int{f.alice: big.NewInt(1)}
	if _, err := f.engine.CreateProject(f.projectID, f.poolID, contribs, ProjectPolicy{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("duplicate project: got %v", err)
	}
	if _, err := f.engine.CreateProject(testHash(0xCC), f.poolID, contribs, ProjectPolicy{ReviewThresholdPct: 100}); !errors.Is(err, ErrValidation) {
		t.Fatalf("threshold 100: got %v", err)
	}
}

// --- recipient lifecycle ---

func TestRecipientReviewAcceptGrantsExecutor(t *testing.T) {
	f := newFixture(t, 1000)
	payout := testAddr(10)
	recipientID := f.registerRecipient(t, testAddr(20), payout, testAddr(21))

	// 40% then 30%: exactly at the 70% review threshold, still open.
	if err := f.engine.ReviewRecipient(f.projectID, recipientID, f.alice, StatusAccepted); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.ReviewRecipient(f.projectID, recipientID, f.bob, StatusAccepted); err != nil {
		t.Fatal(err)
	}
	recipient, err := f.engine.GetRecipient(f.projectID, recipientID)
	if err != nil {
		t.Fatal(err)
	}
	if recipient.Status != StatusPending {
		t.Fatalf("status at exact threshold = %s, want pending", recipient.Status)
	}

	if err := f.engine.ReviewRecipient(f.projectID, recipientID, f.carol, StatusAccepted); err != nil {
		t.Fatal(err)
	}
	recipient, err = f.engine.GetRecipient(f.projectID, recipientID)
	if err != nil {
		t.Fatal(err)
	}
	if recipient.Status != StatusAccepted {
		t.Fatalf("status = %s, want accepted", recipient.Status)
	}
	if recipient.GrantAmount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("grant amount = %s, want full current supply", recipient.GrantAmount)
	}
	ok, err := f.roles.HasCapability(payout, ExecutorCapability(f.projectID))
	if err != nil || !ok {
		t.Fatalf("payout address should hold the executor capability (ok=%v err=%v)", ok, err)
	}
	project, err := f.engine.GetProject(f.projectID)
	if err != nil {
		t.Fatal(err)
	}
	if project.AcceptedCount != 1 {
		t.Fatalf("accepted count = %d, want 1", project.AcceptedCount)
	}

	// The crossing fired exactly once; a late accept ballot is illegal.
	if err := f.engine.ReviewRecipient(f.projectID, recipientID, f.alice, StatusAccepted); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("late accept vote: got %v", err)
	}
}

func TestRecipientReviewRejectDeletesRecord(t *testing.T) {
	f := newFixture(t, 1000)
	recipientID := f.registerRecipient(t, testAddr(20), testAddr(10), testAddr(21))
	for _, voter := range [][20]byte{f.alice, f.bob, f.carol} {
		if err := f.engine.ReviewRecipient(f.projectID, recipientID, voter, StatusRejected); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.engine.GetRecipient(f.projectID, recipientID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected recipient should be gone, got %v", err)
	}
	if !f.emitter.has(EventTypeRecipientStatusChanged) {
		t.Fatalf("missing status event, saw %v", f.emitter.typesSeen())
	}
}

func TestRecipientReviewDuplicateVote(t *testing.T) {
	f := newFixture(t, 1000)
	recipientID := f.registerRecipient(t, testAddr(20), testAddr(10), testAddr(21))
	if err := f.engine.ReviewRecipient(f.projectID, recipientID, f.alice, StatusAccepted); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.ReviewRecipient(f.projectID, recipientID, f.alice, StatusRejected); !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("expected ErrDuplicateVote, got %v", err)
	}
}

func TestRecipientReviewUnauthorized(t *testing.T) {
	f := newFixture(t, 1000)
	recipientID := f.registerRecipient(t, testAddr(20), testAddr(10), testAddr(21))
	if err := f.engine.ReviewRecipient(f.projectID, recipientID, testAddr(99), StatusAccepted); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRegisterRecipientRequiresProfileOrParticipant(t *testing.T) {
	f := newFixture(t, 1000)
	anchor := testAddr(20)
	f.profiles.add(anchor, Profile{ID: testHash(20), Owner: testAddr(21)})
	payload := RecipientRegistration{Anchor: anchor, Address: testAddr(10)}
	if _, err := f.engine.RegisterRecipient(f.projectID, testAddr(99), payload); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger registration: got %v", err)
	}
	// A participant may sponsor the registration.
	if _, err := f.engine.RegisterRecipient(f.projectID, f.alice, payload); err != nil {
		t.Fatalf("participant-sponsored registration: %v", err)
	}
	// Unknown anchors are rejected outright.
	if _, err := f.engine.RegisterRecipient(f.projectID, f.alice, RecipientRegistration{Anchor: testAddr(77), Address: testAddr(10)}); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown anchor: got %v", err)
	}
}

func TestReRegisterKeepsReviewTally(t *testing.T) {
	f := newFixture(t, 1000)
	owner := testAddr(21)
	recipientID := f.registerRecipient(t, testAddr(20), testAddr(10), owner)
	if err := f.engine.ReviewRecipient(f.projectID, recipientID, f.alice, StatusAccepted); err != nil {
		t.Fatal(err)
	}
	// The owner refreshes the payload; alice's in-flight vote must survive.
	if _, err := f.engine.RegisterRecipient(f.projectID, owner, RecipientRegistration{
		Anchor:   testAddr(20),
		Address:  testAddr(10),
		Metadata: []byte("revised proposal"),
	}); err != nil {
		t.Fatal(err)
	}
	recipient, err := f.engine.GetRecipient(f.projectID, recipientID)
	if err != nil {
		t.Fatal(err)
	}
	if !recipient.ReviewTally.HasVoted(f.alice) {
		t.Fatal("re-registration must keep the in-flight review tally")
	}
	if string(recipient.Metadata) != "revised proposal" {
		t.Fatalf("metadata = %q, want refreshed payload", recipient.Metadata)
	}
}

func TestRecipientCapacityLimit(t *testing.T) {
	f := newFixture(t, 1000)
	// Shrink the project to a single accepted recipient.
	project, _, err := f.state.ProjectGet(f.projectID)
	if err != nil {
		t.Fatal(err)
	}
	project.MaxRecipients = 1
	if err := f.state.ProjectPut(project); err != nil {
		t.Fatal(err)
	}

	first := f.registerRecipient(t, testAddr(20), testAddr(10), testAddr(21))
	f.acceptRecipient(t, first)
	second := f.registerRecipient(t, testAddr(30), testAddr(11), testAddr(31))
	if err := f.engine.ReviewRecipient(f.projectID, second, f.alice, StatusAccepted); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	// Reject votes remain possible at capacity.
	if err := f.engine.ReviewRecipient(f.projectID, second, f.alice, StatusRejected); err != nil {
		t.Fatalf("reject vote at capacity: %v", err)
	}
}

func TestVotingOutAcceptedRecipientFreesSlot(t *testing.T) {
	f := newFixture(t, 1000)
	project, _, err := f.state.ProjectGet(f.projectID)
	if err != nil {
		t.Fatal(err)
	}
	project.MaxRecipients = 1
	if err := f.state.ProjectPut(project); err != nil {
		t.Fatal(err)
	}

	first := f.registerRecipient(t, testAddr(20), testAddr(10), testAddr(21))
	f.acceptRecipient(t, first)

	// Vote the accepted recipient back out.
	for _, voter := range [][20]byte{f.alice, f.bob, f.carol} {
		if err := f.engine.ReviewRecipient(f.projectID, first, voter, StatusRejected); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.engine.GetRecipient(f.projectID, first); !errors.Is(err, ErrNotFound) {
		t.Fatalf("voted-out recipient should be gone, got %v", err)
	}
	project, err = f.engine.GetProject(f.projectID)
	if err != nil {
		t.Fatal(err)
	}
	if project.AcceptedCount != 0 {
		t.Fatalf("accepted count = %d after removal, want 0", project.AcceptedCount)
	}

	// The freed slot admits a fresh candidate.
	second := f.registerRecipient(t, testAddr(30), testAddr(11), testAddr(31))
	f.acceptRecipient(t, second)
	recipient, err := f.engine.GetRecipient(f.projectID, second)
	if err != nil {
		t.Fatal(err)
	}
	if recipient.Status != StatusAccepted {
		t.Fatalf("replacement status = %s, want accepted", recipient.Status)
	}
	project, err = f.engine.GetProject(f.projectID)
	if err != nil {
		t.Fatal(err)
	}
	if project.AcceptedCount != 1 {
		t.Fatalf("accepted count = %d, want 1", project.AcceptedCount)
	}
}

type flakyState struct {
	*mockState
	failProjectPut bool
}

func (s *flakyState) ProjectPut(p *Project) error {
	if s.failProjectPut {
		return fmt.Errorf("state backend unavailable")
	}
	return s.mockState.ProjectPut(p)
}

func TestAcceptCommitsProjectBeforeRecipient(t *testing.T) {
	f := newFixture(t, 1000)
	flaky := &flakyState{mockState: f.state}
	f.engine.SetState(flaky)

	recipientID := f.registerRecipient(t, testAddr(20), testAddr(10), testAddr(21))
	if err := f.engine.ReviewRecipient(f.projectID, recipientID, f.alice, StatusAccepted); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.ReviewRecipient(f.projectID, recipientID, f.bob, StatusAccepted); err != nil {
		t.Fatal(err)
	}

	// The crossing vote fails at the project commit: the recipient must not
	// be observable as Accepted with the slot unaccounted.
	flaky.failProjectPut = true
	if err := f.engine.ReviewRecipient(f.projectID, recipientID, f.carol, StatusAccepted); err == nil {
		t.Fatal("crossing vote should surface the commit failure")
	}
	flaky.failProjectPut = false

	recipient, err := f.engine.GetRecipient(f.projectID, recipientID)
	if err != nil {
		t.Fatal(err)
	}
	if recipient.Status != StatusPending {
		t.Fatalf("recipient status = %s after failed commit, want pending", recipient.Status)
	}
	project, err := f.engine.GetProject(f.projectID)
	if err != nil {
		t.Fatal(err)
	}
	if project.AcceptedCount != 0 {
		t.Fatalf("accepted count = %d after failed commit, want 0", project.AcceptedCount)
	}
}

// --- milestone offers ---

func TestOfferAcceptedPlanLocks(t *testing.T) {
	f := newFixture(t, 1000)
	payout := testAddr(10)
	recipientID := f.registerRecipient(t, testAddr(20), payout, testAddr(21))
	f.acceptRecipient(t, recipientID)
	f.lockPlan(t, recipientID, payout, 50, 50)

	recipient, err := f.engine.GetRecipient(f.projectID, recipientID)
	if err != nil {
		t.Fatal(err)
	}
	if recipient.MilestonesReview != StatusAccepted {
		t.Fatalf("plan review = %s, want accepted", recipient.MilestonesReview)
	}
	if len(recipient.Milestones) != 2 || len(recipient.OfferedMilestones) != 0 {
		t.Fatalf("plan not committed: %d locked, %d offered", len(recipient.Milestones), len(recipient.OfferedMilestones))
	}
	if recipient.NextMilestone != 0 {
		t.Fatalf("next milestone pointer = %d, want 0", recipient.NextMilestone)
	}
	// The plan is locked; further offers are invalid.
	err = f.engine.OfferMilestones(f.projectID, recipientID, payout, []*Milestone{{Percentage: pct(100)}})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("offer against locked plan: got %v", err)
	}
}

func TestOfferSumMismatchFailsAtCommit(t *testing.T) {
	f := newFixture(t, 1000)
	payout := testAddr(10)
	recipientID := f.registerRecipient(t, testAddr(20), payout, testAddr(21))
	f.acceptRecipient(t, recipientID)

	// 50% + 40% passes per-milestone validation but cannot commit.
	plan := []*Milestone{{Percentage: pct(50)}, {Percentage: pct(40)}}
	if err := f.engine.OfferMilestones(f.projectID, recipientID, payout, plan); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := f.engine.ReviewOfferedMilestones(f.projectID, recipientID, f.alice, StatusAccepted); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.ReviewOfferedMilestones(f.projectID, recipientID, f.bob, StatusAccepted); err != nil {
		t.Fatal(err)
	}
	err := f.engine.ReviewOfferedMilestones(f.projectID, recipientID, f.carol, StatusAccepted)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("crossing vote on malformed plan: got %v", err)
	}
	// The failed commit must leave the plan unlocked.
	recipient, err := f.engine.GetRecipient(f.projectID, recipientID)
	if err != nil {
		t.Fatal(err)
	}
	if recipient.MilestonesReview == StatusAccepted {
		t.Fatal("malformed plan must not lock")
	}
	if len(recipient.Milestones) != 0 {
		t.Fatal("malformed plan must not be committed")
	}
}

func TestOfferReplacementResetsTally(t *testing.T) {
	f := newFixture(t, 1000)
	payout := testAddr(10)
	recipientID := f.registerRecipient(t, testAddr(20), payout, testAddr(21))
	f.acceptRecipient(t, recipientID)

	if err := f.engine.OfferMilestones(f.projectID, recipientID, payout, []*Milestone{{Percentage: pct(100)}}); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.ReviewOfferedMilestones(f.projectID, recipientID, f.alice, StatusAccepted); err != nil {
		t.Fatal(err)
	}
	// A replacement offer discards alice's earlier ballot.
	if err := f.engine.OfferMilestones(f.projectID, recipientID, payout, []*Milestone{{Percentage: pct(60)}, {Percentage: pct(40)}}); err != nil {
		t.Fatal(err)
	}
	recipient, err := f.engine.GetRecipient(f.projectID, recipientID)
	if err != nil {
		t.Fatal(err)
	}
	if recipient.OfferTally.HasVoted(f.alice) {
		t.Fatal("replacement offer must reset prior ballots")
	}
	if len(recipient.OfferedMilestones) != 2 {
		t.Fatalf("offer not replaced: %d milestones", len(recipient.OfferedMilestones))
	}
	if !f.emitter.has(EventTypeMilestonesReset) {
		t.Fatalf("missing reset event, saw %v", f.emitter.typesSeen())
	}
}

func TestOfferByParticipantSelfVotes(t *testing.T) {
	f := newFixture(t, 1000)
	recipientID := f.registerRecipient(t, testAddr(20), testAddr(10), testAddr(21))
	f.acceptRecipient(t, recipientID)

	// Alice proposes: her 40% is cast immediately, bob + carol finish the vote.
	if err := f.engine.OfferMilestones(f.projectID, recipientID, f.alice, []*Milestone{{Percentage: pct(100)}}); err != nil {
		t.Fatal(err)
	}
	recipient, err := f.engine.GetRecipient(f.projectID, recipientID)
	if err != nil {
		t.Fatal(err)
	}
	if !recipient.OfferTally.HasVoted(f.alice) {
		t.Fatal("proposing participant must self-vote")
	}
	if err := f.engine.ReviewOfferedMilestones(f.projectID, recipientID, f.bob, StatusAccepted); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.ReviewOfferedMilestones(f.projectID, recipientID, f.carol, StatusAccepted); err != nil {
		t.Fatal(err)
	}
	recipient, err = f.engine.GetRecipient(f.projectID, recipientID)
	if err != nil {
		t.Fatal(err)
	}
	if recipient.MilestonesReview != StatusAccepted {
		t.Fatalf("plan review = %s, want accepted", recipient.MilestonesReview)
	}
}

func TestOfferEventsHeldUntilCommit(t *testing.T) {
	f := newFixture(t, 1000)
	// A solo project: alice holds all the weight, so her self-vote crosses
	// the milestone threshold the moment she offers.
	soloID := testHash(0xCD)
	soloPool := testHash(0xCE)
	f.ledger.balances[soloPool] = big.NewInt(500)
	if _, err := f.engine.CreateProject(soloID, soloPool, map[[20]byte]*big.Int{f.alice: big.NewInt(1)}, ProjectPolicy{}); err != nil {
		t.Fatal(err)
	}
	anchor := testAddr(40)
	owner := testAddr(41)
	f.profiles.add(anchor, Profile{ID: testHash(40), Owner: owner})
	recipient, err := f.engine.RegisterRecipient(soloID, owner, RecipientRegistration{Anchor: anchor, Address: testAddr(42)})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.engine.ReviewRecipient(soloID, recipient.ID, f.alice, StatusAccepted); err != nil {
		t.Fatal(err)
	}

	// The malformed plan crosses immediately and aborts at commit; none of
	// the offer events may have been observed.
	f.emitter.events = nil
	plan := []*Milestone{{Percentage: pct(50)}, {Percentage: pct(40)}}
	if err := f.engine.OfferMilestones(soloID, recipient.ID, f.alice, plan); !errors.Is(err, ErrValidation) {
		t.Fatalf("malformed solo offer: got %v", err)
	}
	if len(f.emitter.events) != 0 {
		t.Fatalf("aborted offer leaked events: %v", f.emitter.typesSeen())
	}

	// A well-formed plan commits and emits.
	if err := f.engine.OfferMilestones(soloID, recipient.ID, f.alice, []*Milestone{{Percentage: pct(100)}}); err != nil {
		t.Fatal(err)
	}
	if !f.emitter.has(EventTypeMilestonesOffered) || !f.emitter.has(EventTypeMilestonesReviewed) {
		t.Fatalf("committed offer missing events, saw %v", f.emitter.typesSeen())
	}
}

// --- milestone submissions and payout ---

func TestSubmissionAcceptPaysSequentially(t *testing.T) {
	f := newFixture(t, 1000)
	payout := testAddr(10)
	recipientID := f.registerRecipient(t, testAddr(20), payout, testAddr(21))
	f.acceptRecipient(t, recipientID)
	f.lockPlan(t, recipientID, payout, 60, 40)

	// Accept milestone 1 first: out of order, so nothing is paid yet.
	if err := f.engine.SubmitMilestone(f.projectID, recipientID, payout, 1, []byte("evidence-1")); err != nil {
		t.Fatal(err)
	}
	for _, voter := range [][20]byte{f.alice, f.bob, f.carol} {
		if err := f.engine.ReviewSubmittedMilestone(f.projectID, recipientID, voter, 1, StatusAccepted); err != nil {
			t.Fatal(err)
		}
	}
	if len(f.ledger.transfers) != 0 {
		t.Fatalf("out-of-order acceptance must not pay, got %d transfers", len(f.ledger.transfers))
	}
	recipient, err := f.engine.GetRecipient(f.projectID, recipientID)
	if err != nil {
		t.Fatal(err)
	}
	if recipient.NextMilestone != 0 {
		t.Fatalf("pointer = %d, want 0 while milestone 0 is open", recipient.NextMilestone)
	}

	// Accepting milestone 0 drains both in order.
	if err := f.engine.SubmitMilestone(f.projectID, recipientID, payout, 0, []byte("evidence-0")); err != nil {
		t.Fatal(err)
	}
	for _, voter := range [][20]byte{f.alice, f.bob, f.carol} {
		if err := f.engine.ReviewSubmittedMilestone(f.projectID, recipientID, voter, 0, StatusAccepted); err != nil {
			t.Fatal(err)
		}
	}
	if len(f.ledger.transfers) != 2 {
		t.Fatalf("got %d transfers, want 2", len(f.ledger.transfers))
	}
	if f.ledger.transfers[0].amount.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("first payout = %s, want 600", f.ledger.transfers[0].amount)
	}
	if f.ledger.transfers[1].amount.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("second payout = %s, want 400", f.ledger.transfers[1].amount)
	}
	for _, tr := range f.ledger.transfers {
		if tr.to != payout {
			t.Fatalf("payout went to %x, want recipient address", tr.to)
		}
	}

	project, err := f.engine.GetProject(f.projectID)
	if err != nil {
		t.Fatal(err)
	}
	if project.State != ProjectStateExecuted {
		t.Fatalf("project state = %s, want executed", project.State)
	}
	if project.CurrentSupply.Sign() != 0 {
		t.Fatalf("current supply = %s, want 0", project.CurrentSupply)
	}
	if !f.emitter.has(EventTypeMilestonePaid) {
		t.Fatalf("missing paid event, saw %v", f.emitter.typesSeen())
	}

	// Executed is terminal.
	if err := f.engine.SubmitMilestone(f.projectID, recipientID, payout, 1, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("submission after execution: got %v", err)
	}
}

func TestSubmissionRejectAllowsResubmission(t *testing.T) {
	f := newFixture(t, 1000)
	payout := testAddr(10)
	recipientID := f.registerRecipient(t, testAddr(20), payout, testAddr(21))
	f.acceptRecipient(t, recipientID)
	f.lockPlan(t, recipientID, payout, 100)

	if err := f.engine.SubmitMilestone(f.projectID, recipientID, payout, 0, []byte("weak evidence")); err != nil {
		t.Fatal(err)
	}
	for _, voter := range [][20]byte{f.alice, f.bob, f.carol} {
		if err := f.engine.ReviewSubmittedMilestone(f.projectID, recipientID, voter, 0, StatusRejected); err != nil {
			t.Fatal(err)
		}
	}
	recipient, err := f.engine.GetRecipient(f.projectID, recipientID)
	if err != nil {
		t.Fatal(err)
	}
	if recipient.Milestones[0].Status != StatusRejected {
		t.Fatalf("milestone status = %s, want rejected", recipient.Milestones[0].Status)
	}
	if len(f.ledger.transfers) != 0 {
		t.Fatal("rejected milestone must not pay")
	}

	// Resubmission with fresh evidence opens a new round and can pass.
	if err := f.engine.SubmitMilestone(f.projectID, recipientID, payout, 0, []byte("better evidence")); err != nil {
		t.Fatal(err)
	}
	for _, voter := range [][20]byte{f.alice, f.bob, f.carol} {
		if err := f.engine.ReviewSubmittedMilestone(f.projectID, recipientID, voter, 0, StatusAccepted); err != nil {
			t.Fatal(err)
		}
	}
	if len(f.ledger.transfers) != 1 || f.ledger.transfers[0].amount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("resubmitted milestone should pay the full grant, got %v", f.ledger.transfers)
	}
}

func TestSubmissionRequiresLockedPlanAndPendingStatus(t *testing.T) {
	f := newFixture(t, 1000)
	payout := testAddr(10)
	recipientID := f.registerRecipient(t, testAddr(20), payout, testAddr(21))
	f.acceptRecipient(t, recipientID)

	if err := f.engine.SubmitMilestone(f.projectID, recipientID, payout, 0, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("submission without a locked plan: got %v", err)
	}
	f.lockPlan(t, recipientID, payout, 100)
	if err := f.engine.SubmitMilestone(f.projectID, recipientID, payout, 5, nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("out-of-bounds index: got %v", err)
	}
	if err := f.engine.ReviewSubmittedMilestone(f.projectID, recipientID, f.alice, 0, StatusAccepted); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("review before submission: got %v", err)
	}
}

func TestSubmissionByParticipantSelfVotes(t *testing.T) {
	f := newFixture(t, 1000)
	payout := testAddr(10)
	recipientID := f.registerRecipient(t, testAddr(20), payout, testAddr(21))
	f.acceptRecipient(t, recipientID)
	f.lockPlan(t, recipientID, payout, 100)

	if err := f.engine.SubmitMilestone(f.projectID, recipientID, f.alice, 0, []byte("evidence")); err != nil {
		t.Fatal(err)
	}
	recipient, err := f.engine.GetRecipient(f.projectID, recipientID)
	if err != nil {
		t.Fatal(err)
	}
	if !recipient.Milestones[0].Tally.HasVoted(f.alice) {
		t.Fatal("participant submitter must back the submission with its weight")
	}
	// Only bob and carol are still needed to cross 77%.
	if err := f.engine.ReviewSubmittedMilestone(f.projectID, recipientID, f.bob, 0, StatusAccepted); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.ReviewSubmittedMilestone(f.projectID, recipientID, f.carol, 0, StatusAccepted); err != nil {
		t.Fatal(err)
	}
	if len(f.ledger.transfers) != 1 {
		t.Fatalf("got %d transfers, want 1", len(f.ledger.transfers))
	}
}

// --- project abort ---

func TestRejectProjectSweepsRefunds(t *testing.T) {
	f := newFixture(t, 1000)
	for _, voter := range [][20]byte{f.alice, f.bob, f.carol} {
		if err := f.engine.RejectProject(f.projectID, voter, StatusAccepted); err != nil {
			t.Fatal(err)
		}
	}
	project, err := f.engine.GetProject(f.projectID)
	if err != nil {
		t.Fatal(err)
	}
	if project.State != ProjectStateRejected {
		t.Fatalf("project state = %s, want rejected", project.State)
	}
	if project.CurrentSupply.Sign() != 0 {
		t.Fatalf("current supply = %s, want 0", project.CurrentSupply)
	}
	refunded := big.NewInt(0)
	for _, tr := range f.ledger.transfers {
		refunded.Add(refunded, tr.amount)
	}
	if refunded.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("refunds sum to %s, want the full pool", refunded)
	}
	if f.ledger.balances[f.poolID].Sign() != 0 {
		t.Fatalf("pool balance = %s after sweep, want 0", f.ledger.balances[f.poolID])
	}
	if !f.emitter.has(EventTypeProjectRejected) {
		t.Fatalf("missing rejected event, saw %v", f.emitter.typesSeen())
	}
	// Terminal: no further operations.
	if err := f.engine.RejectProject(f.projectID, f.alice, StatusAccepted); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("vote on rejected project: got %v", err)
	}
}

func TestRejectProjectRemainderToLargestParticipant(t *testing.T) {
	f := newFixture(t, 1001)
	for _, voter := range [][20]byte{f.alice, f.bob, f.carol} {
		if err := f.engine.RejectProject(f.projectID, voter, StatusAccepted); err != nil {
			t.Fatal(err)
		}
	}
	// 1001 * 40% = 400 (truncated), 30% slices are 300 each; the single unit
	// of dust goes to alice as the largest contributor.
	var aliceRefund *big.Int
	refunded := big.NewInt(0)
	for _, tr := range f.ledger.transfers {
		refunded.Add(refunded, tr.amount)
		if tr.to == f.alice {
			aliceRefund = tr.amount
		}
	}
	if refunded.Cmp(big.NewInt(1001)) != 0 {
		t.Fatalf("refunds sum to %s, want 1001", refunded)
	}
	if aliceRefund == nil || aliceRefund.Cmp(big.NewInt(401)) != 0 {
		t.Fatalf("alice refund = %v, want 401 including the dust", aliceRefund)
	}
}

func TestRejectProjectDeclinedResetsTally(t *testing.T) {
	f := newFixture(t, 1000)
	for _, voter := range [][20]byte{f.alice, f.bob, f.carol} {
		if err := f.engine.RejectProject(f.projectID, voter, StatusRejected); err != nil {
			t.Fatal(err)
		}
	}
	project, err := f.engine.GetProject(f.projectID)
	if err != nil {
		t.Fatal(err)
	}
	if project.State != ProjectStateActive {
		t.Fatalf("declined abort must keep the project active, got %s", project.State)
	}
	if !f.emitter.has(EventTypeProjectRejectDeclined) {
		t.Fatalf("missing declined event, saw %v", f.emitter.typesSeen())
	}
	// The reset opens a fresh round: alice may vote again.
	if err := f.engine.RejectProject(f.projectID, f.alice, StatusAccepted); err != nil {
		t.Fatalf("vote after declined abort: %v", err)
	}
}

func TestAbortCommitsBeforeTransfers(t *testing.T) {
	f := newFixture(t, 1000)
	var reentrantErr error
	called := false
	f.ledger.onTransfer = func() {
		if called {
			return
		}
		called = true
		// A callback fired mid-sweep must observe the terminal state.
		reentrantErr = f.engine.RejectProject(f.projectID, f.alice, StatusAccepted)
	}
	for _, voter := range [][20]byte{f.alice, f.bob, f.carol} {
		if err := f.engine.RejectProject(f.projectID, voter, StatusAccepted); err != nil {
			t.Fatal(err)
		}
	}
	if !called {
		t.Fatal("transfer callback never fired")
	}
	if !errors.Is(reentrantErr, ErrInvalidState) {
		t.Fatalf("reentrant abort saw %v, want ErrInvalidState", reentrantErr)
	}
}

// --- atomic rollback ---

func TestFailedOperationIsNoOp(t *testing.T) {
	f := newFixture(t, 1000)
	payout := testAddr(10)
	recipientID := f.registerRecipient(t, testAddr(20), payout, testAddr(21))
	f.acceptRecipient(t, recipientID)

	before, err := f.engine.GetRecipient(f.projectID, recipientID)
	if err != nil {
		t.Fatal(err)
	}
	// Invalid per-milestone percentage fails before any mutation persists.
	err = f.engine.OfferMilestones(f.projectID, recipientID, payout, []*Milestone{{Percentage: big.NewInt(0)}})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("zero percentage: got %v", err)
	}
	after, err := f.engine.GetRecipient(f.projectID, recipientID)
	if err != nil {
		t.Fatal(err)
	}
	if len(after.OfferedMilestones) != len(before.OfferedMilestones) {
		t.Fatal("failed offer must not persist a partial plan")
	}
	if after.OfferTally.Round != before.OfferTally.Round {
		t.Fatal("failed offer must not advance the tally round")
	}
}
