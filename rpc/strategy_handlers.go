package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"grantpool/crypto"
	"grantpool/native/strategy"
)

func paramError(msg string) error {
	return fmt.Errorf("%w: %s", strategy.ErrValidation, msg)
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return paramError("expected a single params object")
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return paramError("malformed params object")
	}
	return nil
}

func parseHash(value, field string) ([32]byte, error) {
	var out [32]byte
	cleaned := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(cleaned)
	if err != nil || len(raw) != 32 {
		return out, paramError(fmt.Sprintf("%s must be a 32-byte hex string", field))
	}
	copy(out[:], raw)
	return out, nil
}

func parseAddr(value, field string) ([20]byte, error) {
	var out [20]byte
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return out, paramError(fmt.Sprintf("%s must be a bech32 address: %v", field, err))
	}
	copy(out[:], addr.Bytes())
	return out, nil
}

func parseAmount(value, field string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || amount.Sign() < 0 {
		return nil, paramError(fmt.Sprintf("%s must be a non-negative decimal string", field))
	}
	return amount, nil
}

func parseVerdict(value, field string) (strategy.Status, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "accepted", "yes", "approve":
		return strategy.StatusAccepted, nil
	case "rejected", "no", "reject":
		return strategy.StatusRejected, nil
	default:
		return strategy.StatusNone, paramError(fmt.Sprintf("%s must be accepted or rejected", field))
	}
}

func formatHash(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func formatAddr(addr [20]byte) string {
	return crypto.NewAddress(crypto.GPPrefix, append([]byte(nil), addr[:]...)).String()
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// --- wire views ---

type tallyView struct {
	Round        uint64 `json:"round"`
	VotesFor     string `json:"votesFor"`
	VotesAgainst string `json:"votesAgainst"`
}

func newTallyView(t *strategy.VoteTally) *tallyView {
	if t == nil {
		return nil
	}
	return &tallyView{
		Round:        t.Round,
		VotesFor:     formatAmount(t.VotesFor),
		VotesAgainst: formatAmount(t.VotesAgainst),
	}
}

type milestoneView struct {
	Percentage string     `json:"percentage"`
	Metadata   string     `json:"metadata,omitempty"`
	Status     string     `json:"status"`
	Tally      *tallyView `json:"tally,omitempty"`
}

func newMilestoneViews(list []*strategy.Milestone) []milestoneView {
	if len(list) == 0 {
		return nil
	}
	out := make([]milestoneView, len(list))
	for i, ms := range list {
		out[i] = milestoneView{
			Percentage: formatAmount(ms.Percentage),
			Metadata:   string(ms.Metadata),
			Status:     ms.Status.String(),
			Tally:      newTallyView(ms.Tally),
		}
	}
	return out
}

type recipientView struct {
	ID                string          `json:"id"`
	Address           string          `json:"address"`
	ProfileID         string          `json:"profileId"`
	Status            string          `json:"status"`
	MilestonesReview  string          `json:"milestonesReview"`
	GrantAmount       string          `json:"grantAmount"`
	Metadata          string          `json:"metadata,omitempty"`
	Milestones        []milestoneView `json:"milestones,omitempty"`
	OfferedMilestones []milestoneView `json:"offeredMilestones,omitempty"`
	NextMilestone     int             `json:"nextMilestone"`
	ReviewTally       *tallyView      `json:"reviewTally,omitempty"`
	OfferTally        *tallyView      `json:"offerTally,omitempty"`
}

func newRecipientView(r *strategy.Recipient) *recipientView {
	if r == nil {
		return nil
	}
	return &recipientView{
		ID:                formatHash(r.ID),
		Address:           formatAddr(r.Address),
		ProfileID:         formatHash(r.ProfileID),
		Status:            r.Status.String(),
		MilestonesReview:  r.MilestonesReview.String(),
		GrantAmount:       formatAmount(r.GrantAmount),
		Metadata:          string(r.Metadata),
		Milestones:        newMilestoneViews(r.Milestones),
		OfferedMilestones: newMilestoneViews(r.OfferedMilestones),
		NextMilestone:     r.NextMilestone,
		ReviewTally:       newTallyView(r.ReviewTally),
		OfferTally:        newTallyView(r.OfferTally),
	}
}

type participantView struct {
	Address string `json:"address"`
	Weight  string `json:"weight"`
}

type projectView struct {
	ID                    string            `json:"id"`
	PoolID                string            `json:"poolId"`
	State                 string            `json:"state"`
	TotalSupply           string            `json:"totalSupply"`
	CurrentSupply         string            `json:"currentSupply"`
	Participants          []participantView `json:"participants"`
	AcceptedCount         uint32            `json:"acceptedCount"`
	MaxRecipients         uint32            `json:"maxRecipients"`
	ReviewThresholdPct    uint64            `json:"reviewThresholdPct"`
	MilestoneThresholdPct uint64            `json:"milestoneThresholdPct"`
	AbortTally            *tallyView        `json:"abortTally,omitempty"`
	CreatedAt             int64             `json:"createdAt"`
}

func newProjectView(p *strategy.Project) *projectView {
	if p == nil {
		return nil
	}
	view := &projectView{
		ID:                    formatHash(p.ID),
		PoolID:                formatHash(p.PoolID),
		State:                 p.State.String(),
		TotalSupply:           formatAmount(p.TotalSupply),
		CurrentSupply:         formatAmount(p.CurrentSupply),
		AcceptedCount:         p.AcceptedCount,
		MaxRecipients:         p.MaxRecipients,
		ReviewThresholdPct:    p.ReviewThresholdPct,
		MilestoneThresholdPct: p.MilestoneThresholdPct,
		AbortTally:            newTallyView(p.AbortTally),
		CreatedAt:             p.CreatedAt,
	}
	for _, part := range p.Participants {
		view.Participants = append(view.Participants, participantView{
			Address: formatAddr(part.Address),
			Weight:  formatAmount(part.Weight),
		})
	}
	return view
}

type statusResult struct {
	Status string `json:"status"`
}

var ackResult = statusResult{Status: "ok"}

// --- method handlers ---

type createProjectParams struct {
	ProjectID             string            `json:"projectId"`
	PoolID                string            `json:"poolId"`
	Contributions         map[string]string `json:"contributions"`
	MaxRecipients         uint32            `json:"maxRecipients,omitempty"`
	ReviewThresholdPct    uint64            `json:"reviewThresholdPct,omitempty"`
	MilestoneThresholdPct uint64            `json:"milestoneThresholdPct,omitempty"`
}

func (s *Server) handleCreateProject(req *RPCRequest) (interface{}, error) {
	var params createProjectParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	projectID, err := parseHash(params.ProjectID, "projectId")
	if err != nil {
		return nil, err
	}
	poolID, err := parseHash(params.PoolID, "poolId")
	if err != nil {
		return nil, err
	}
	if len(params.Contributions) == 0 {
		return nil, paramError("contributions must not be empty")
	}
	contributions := make(map[[20]byte]*big.Int, len(params.Contributions))
	for addrStr, amountStr := range params.Contributions {
		addr, err := parseAddr(addrStr, "contributions key")
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount(amountStr, "contribution amount")
		if err != nil {
			return nil, err
		}
		contributions[addr] = amount
	}
	policy := strategy.ProjectPolicy{
		MaxRecipients:         params.MaxRecipients,
		ReviewThresholdPct:    params.ReviewThresholdPct,
		MilestoneThresholdPct: params.MilestoneThresholdPct,
	}
	project, err := s.node.CreateProject(projectID, poolID, contributions, policy)
	if err != nil {
		return nil, err
	}
	return newProjectView(project), nil
}

type registerRecipientParams struct {
	ProjectID string `json:"projectId"`
	Caller    string `json:"caller"`
	Anchor    string `json:"anchor"`
	Address   string `json:"address"`
	Metadata  string `json:"metadata,omitempty"`
}

func (s *Server) handleRegisterRecipient(req *RPCRequest) (interface{}, error) {
	var params registerRecipientParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	projectID, err := parseHash(params.ProjectID, "projectId")
	if err != nil {
		return nil, err
	}
	caller, err := parseAddr(params.Caller, "caller")
	if err != nil {
		return nil, err
	}
	anchor, err := parseAddr(params.Anchor, "anchor")
	if err != nil {
		return nil, err
	}
	address, err := parseAddr(params.Address, "address")
	if err != nil {
		return nil, err
	}
	recipient, err := s.node.RegisterRecipient(projectID, caller, strategy.RecipientRegistration{
		Anchor:   anchor,
		Address:  address,
		Metadata: []byte(params.Metadata),
	})
	if err != nil {
		return nil, err
	}
	return newRecipientView(recipient), nil
}

type reviewRecipientParams struct {
	ProjectID   string `json:"projectId"`
	RecipientID string `json:"recipientId"`
	Caller      string `json:"caller"`
	Verdict     string `json:"verdict"`
}

func (s *Server) handleReviewRecipient(req *RPCRequest) (interface{}, error) {
	var params reviewRecipientParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	projectID, err := parseHash(params.ProjectID, "projectId")
	if err != nil {
		return nil, err
	}
	recipientID, err := parseHash(params.RecipientID, "recipientId")
	if err != nil {
		return nil, err
	}
	caller, err := parseAddr(params.Caller, "caller")
	if err != nil {
		return nil, err
	}
	verdict, err := parseVerdict(params.Verdict, "verdict")
	if err != nil {
		return nil, err
	}
	if err := s.node.ReviewRecipient(projectID, recipientID, caller, verdict); err != nil {
		return nil, err
	}
	return ackResult, nil
}

type offerMilestonesParams struct {
	ProjectID   string `json:"projectId"`
	RecipientID string `json:"recipientId"`
	Caller      string `json:"caller"`
	Milestones  []struct {
		Percentage string `json:"percentage"`
		Metadata   string `json:"metadata,omitempty"`
	} `json:"milestones"`
}

func (s *Server) handleOfferMilestones(req *RPCRequest) (interface{}, error) {
	var params offerMilestonesParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	projectID, err := parseHash(params.ProjectID, "projectId")
	if err != nil {
		return nil, err
	}
	recipientID, err := parseHash(params.RecipientID, "recipientId")
	if err != nil {
		return nil, err
	}
	caller, err := parseAddr(params.Caller, "caller")
	if err != nil {
		return nil, err
	}
	if len(params.Milestones) == 0 {
		return nil, paramError("milestones must not be empty")
	}
	milestones := make([]*strategy.Milestone, len(params.Milestones))
	for i, item := range params.Milestones {
		pct, err := parseAmount(item.Percentage, "milestone percentage")
		if err != nil {
			return nil, err
		}
		milestones[i] = &strategy.Milestone{
			Percentage: pct,
			Metadata:   []byte(item.Metadata),
		}
	}
	if err := s.node.OfferMilestones(projectID, recipientID, caller, milestones); err != nil {
		return nil, err
	}
	return ackResult, nil
}

func (s *Server) handleReviewOfferedMilestones(req *RPCRequest) (interface{}, error) {
	var params reviewRecipientParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	projectID, err := parseHash(params.ProjectID, "projectId")
	if err != nil {
		return nil, err
	}
	recipientID, err := parseHash(params.RecipientID, "recipientId")
	if err != nil {
		return nil, err
	}
	caller, err := parseAddr(params.Caller, "caller")
	if err != nil {
		return nil, err
	}
	verdict, err := parseVerdict(params.Verdict, "verdict")
	if err != nil {
		return nil, err
	}
	if err := s.node.ReviewOfferedMilestones(projectID, recipientID, caller, verdict); err != nil {
		return nil, err
	}
	return ackResult, nil
}

type submitMilestoneParams struct {
	ProjectID   string `json:"projectId"`
	RecipientID string `json:"recipientId"`
	Caller      string `json:"caller"`
	Index       int    `json:"index"`
	Evidence    string `json:"evidence,omitempty"`
}

func (s *Server) handleSubmitMilestone(req *RPCRequest) (interface{}, error) {
	var params submitMilestoneParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	projectID, err := parseHash(params.ProjectID, "projectId")
	if err != nil {
		return nil, err
	}
	recipientID, err := parseHash(params.RecipientID, "recipientId")
	if err != nil {
		return nil, err
	}
	caller, err := parseAddr(params.Caller, "caller")
	if err != nil {
		return nil, err
	}
	if err := s.node.SubmitMilestone(projectID, recipientID, caller, params.Index, []byte(params.Evidence)); err != nil {
		return nil, err
	}
	return ackResult, nil
}

type reviewSubmittedMilestoneParams struct {
	ProjectID   string `json:"projectId"`
	RecipientID string `json:"recipientId"`
	Caller      string `json:"caller"`
	Index       int    `json:"index"`
	Verdict     string `json:"verdict"`
}

func (s *Server) handleReviewSubmittedMilestone(req *RPCRequest) (interface{}, error) {
	var params reviewSubmittedMilestoneParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	projectID, err := parseHash(params.ProjectID, "projectId")
	if err != nil {
		return nil, err
	}
	recipientID, err := parseHash(params.RecipientID, "recipientId")
	if err != nil {
		return nil, err
	}
	caller, err := parseAddr(params.Caller, "caller")
	if err != nil {
		return nil, err
	}
	verdict, err := parseVerdict(params.Verdict, "verdict")
	if err != nil {
		return nil, err
	}
	if err := s.node.ReviewSubmittedMilestone(projectID, recipientID, caller, params.Index, verdict); err != nil {
		return nil, err
	}
	return ackResult, nil
}

type rejectProjectParams struct {
	ProjectID string `json:"projectId"`
	Caller    string `json:"caller"`
	Verdict   string `json:"verdict"`
}

func (s *Server) handleRejectProject(req *RPCRequest) (interface{}, error) {
	var params rejectProjectParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	projectID, err := parseHash(params.ProjectID, "projectId")
	if err != nil {
		return nil, err
	}
	caller, err := parseAddr(params.Caller, "caller")
	if err != nil {
		return nil, err
	}
	verdict, err := parseVerdict(params.Verdict, "verdict")
	if err != nil {
		return nil, err
	}
	if err := s.node.RejectProject(projectID, caller, verdict); err != nil {
		return nil, err
	}
	return ackResult, nil
}

type getProjectParams struct {
	ProjectID string `json:"projectId"`
}

func (s *Server) handleGetProject(req *RPCRequest) (interface{}, error) {
	var params getProjectParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	projectID, err := parseHash(params.ProjectID, "projectId")
	if err != nil {
		return nil, err
	}
	project, err := s.node.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	return newProjectView(project), nil
}

type getRecipientParams struct {
	ProjectID   string `json:"projectId"`
	RecipientID string `json:"recipientId"`
}

func (s *Server) handleGetRecipient(req *RPCRequest) (interface{}, error) {
	var params getRecipientParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	projectID, err := parseHash(params.ProjectID, "projectId")
	if err != nil {
		return nil, err
	}
	recipientID, err := parseHash(params.RecipientID, "recipientId")
	if err != nil {
		return nil, err
	}
	recipient, err := s.node.GetRecipient(projectID, recipientID)
	if err != nil {
		return nil, err
	}
	return newRecipientView(recipient), nil
}

type createPoolParams struct {
	PoolID  string `json:"poolId"`
	Token   string `json:"token"`
	Balance string `json:"balance"`
}

func (s *Server) handleCreatePool(req *RPCRequest) (interface{}, error) {
	var params createPoolParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	poolID, err := parseHash(params.PoolID, "poolId")
	if err != nil {
		return nil, err
	}
	token := strings.TrimSpace(params.Token)
	if token == "" {
		return nil, paramError("token must not be empty")
	}
	balance, err := parseAmount(params.Balance, "balance")
	if err != nil {
		return nil, err
	}
	if err := s.node.CreatePool(poolID, token, balance); err != nil {
		return nil, err
	}
	return ackResult, nil
}

type registerProfileParams struct {
	ProfileID string `json:"profileId"`
	Owner     string `json:"owner"`
	Anchor    string `json:"anchor"`
}

func (s *Server) handleRegisterProfile(req *RPCRequest) (interface{}, error) {
	var params registerProfileParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	profileID, err := parseHash(params.ProfileID, "profileId")
	if err != nil {
		return nil, err
	}
	owner, err := parseAddr(params.Owner, "owner")
	if err != nil {
		return nil, err
	}
	anchor, err := parseAddr(params.Anchor, "anchor")
	if err != nil {
		return nil, err
	}
	if err := s.node.PutProfile(strategy.Profile{ID: profileID, Owner: owner}, anchor); err != nil {
		return nil, err
	}
	return ackResult, nil
}

type addProfileMemberParams struct {
	ProfileID string `json:"profileId"`
	Identity  string `json:"identity"`
}

func (s *Server) handleAddProfileMember(req *RPCRequest) (interface{}, error) {
	var params addProfileMemberParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	profileID, err := parseHash(params.ProfileID, "profileId")
	if err != nil {
		return nil, err
	}
	identity, err := parseAddr(params.Identity, "identity")
	if err != nil {
		return nil, err
	}
	if err := s.node.AddProfileMember(profileID, identity); err != nil {
		return nil, err
	}
	return ackResult, nil
}
